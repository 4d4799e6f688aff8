// SPDX-License-Identifier: MIT

package queue

import (
	"net/url"
	"strings"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
)

// scoreScale keeps the time component of a priority score below 1000 until
// far future, so the role base always dominates.
const scoreScale = float64(1 << 41)

// itemBlob is the stored form of a queued item. created_unix_ms duplicates
// CreatedAt numerically so the migration script can recompute priority
// scores without parsing RFC 3339 timestamps.
type itemBlob struct {
	domain.PlaylistItem
	CreatedUnixMS int64 `json:"created_unix_ms"`
}

// score computes the priority-discipline score: role base plus a
// sub-integer time component. Lower score plays first.
func score(tier domain.Tier, at time.Time) float64 {
	return tier.Base() + float64(at.UnixMilli())/scoreScale
}

// ValidateSource checks a source descriptor syntactically. Reachability is
// the worker's problem at play time.
func ValidateSource(src domain.Source) error {
	invalid := func(why string) error {
		return apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidURL,
			"invalid source: "+why)
	}
	switch src.Kind {
	case domain.SourceWebURL, domain.SourceRadioStream:
		u, err := url.Parse(src.Value)
		if err != nil {
			return invalid("unparseable url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return invalid("scheme must be http or https")
		}
		if u.Host == "" {
			return invalid("missing host")
		}
	case domain.SourceLocalPath:
		if strings.HasPrefix(src.Value, "file://") {
			u, err := url.Parse(src.Value)
			if err != nil || u.Path == "" {
				return invalid("unparseable file url")
			}
			return nil
		}
		if !strings.HasPrefix(src.Value, "/") {
			return invalid("local path must be absolute")
		}
	default:
		return invalid("unknown source kind")
	}
	return nil
}

// CorruptItemError reports a queued id whose stored blob was missing or
// undecodable. The worker turns it into a track_error and advances.
type CorruptItemError struct {
	ItemID string
	cause  error
}

func newCorruptItemError(itemID string) *CorruptItemError {
	return &CorruptItemError{
		ItemID: itemID,
		cause:  apperr.New(apperr.KindDecode, "item blob corrupt"),
	}
}

func (e *CorruptItemError) Error() string {
	return "queue: corrupt item blob " + e.ItemID
}

// Unwrap ties the error into the decode_error taxonomy.
func (e *CorruptItemError) Unwrap() error { return e.cause }
