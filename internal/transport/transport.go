// SPDX-License-Identifier: MIT

// Package transport defines the voice-chat transport capability. The
// concrete Telegram client lives behind these interfaces; the core only
// sees join/play/leave, participant counts and classified errors.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/secrets"
)

// Stream is the media the transport consumes. Implementations that can
// reposition report it through Seeker.
type Stream interface {
	io.ReadCloser
	// Profile names the codec profile of the bytes Read returns.
	Profile() string
}

// Seeker is implemented by streams that support repositioning.
type Seeker interface {
	// SeekSeconds repositions playback to the given offset.
	SeekSeconds(seconds int) error
}

// Session is one joined voice chat.
type Session interface {
	// Play drives src into the call and blocks until the stream ends, the
	// context is canceled, or the transport fails.
	Play(ctx context.Context, src Stream) error
	// Participants returns the current listener count, excluding the
	// session's own user.
	Participants(ctx context.Context) (int, error)
	// Leave tears the session down. Idempotent.
	Leave(ctx context.Context) error
}

// Transport joins voice chats on behalf of an account. Credential is the
// only place session material is ever consumed.
type Transport interface {
	Join(ctx context.Context, credential secrets.Material, chatTarget string, kind domain.StreamKind) (Session, error)
	// Validate performs a no-op authentication check against the backend.
	// It must never start an interactive login flow.
	Validate(ctx context.Context, credential secrets.Material) error
	// AcceptedProfiles lists the codec profiles Play accepts without
	// transcoding, most preferred first.
	AcceptedProfiles(kind domain.StreamKind) []string
}

// Sentinel causes for error classification. Transport implementations wrap
// these so the worker can route failures without knowing the library.
var (
	ErrAuth       = errors.New("transport: credential rejected")
	ErrTransient  = errors.New("transport: transient failure")
	ErrPersistent = errors.New("transport: persistent failure")
)

// Classify maps a transport error onto the core taxonomy.
func Classify(err error) apperr.Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return apperr.KindTransportAuth
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return apperr.KindTransportTransient
	default:
		return apperr.KindTransportPersistent
	}
}
