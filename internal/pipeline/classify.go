// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"
	"io"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/transport"
)

// sniffLen bytes decide the container when the resolver could not.
const sniffLen = 512

// SniffClassifier trusts the resolver's profile when present and falls
// back to magic-byte detection. A stream that defeats both is a decode
// error; the worker fails the item rather than feed the transport
// garbage.
type SniffClassifier struct{}

// Classify returns the profile and a stream that replays any sniffed
// prefix.
func (SniffClassifier) Classify(_ context.Context, s transport.Stream) (string, transport.Stream, error) {
	if p := s.Profile(); p != "" {
		return p, s, nil
	}

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(s, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		_ = s.Close()
		return "", nil, apperr.Wrap(apperr.KindDecode, "probe stream", err)
	}
	buf = buf[:n]

	profile := sniffProfile(buf)
	if profile == "" {
		_ = s.Close()
		return "", nil, apperr.New(apperr.KindDecode, "unrecognized media container")
	}
	return profile, &replayStream{prefix: bytes.NewReader(buf), rest: s, profile: profile}, nil
}

func sniffProfile(b []byte) string {
	switch {
	case len(b) >= 4 && string(b[:4]) == "OggS":
		return "opus"
	case len(b) >= 3 && string(b[:3]) == "ID3":
		return "mp3"
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		// Bare MPEG audio frame sync.
		return "mp3"
	case len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WAVE":
		return "pcm"
	case len(b) >= 4 && b[0] == 0x1A && b[1] == 0x45 && b[2] == 0xDF && b[3] == 0xA3:
		// EBML header (webm/mkv).
		return "vp8"
	default:
		return ""
	}
}

// replayStream serves the sniffed prefix before the remaining stream.
type replayStream struct {
	prefix  *bytes.Reader
	rest    transport.Stream
	profile string
}

func (r *replayStream) Read(p []byte) (int, error) {
	if r.prefix.Len() > 0 {
		return r.prefix.Read(p)
	}
	return r.rest.Read(p)
}

func (r *replayStream) Close() error    { return r.rest.Close() }
func (r *replayStream) Profile() string { return r.profile }

// SeekSeconds forwards to the wrapped stream when it supports seeking;
// the replayed prefix is discarded on seek.
func (r *replayStream) SeekSeconds(seconds int) error {
	seeker, ok := r.rest.(transport.Seeker)
	if !ok {
		return apperr.WithReason(apperr.KindValidation, apperr.ReasonNotSeekable,
			"stream does not support seeking")
	}
	if err := seeker.SeekSeconds(seconds); err != nil {
		return err
	}
	r.prefix = bytes.NewReader(nil)
	return nil
}
