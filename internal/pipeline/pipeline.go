// SPDX-License-Identifier: MIT

// Package pipeline holds the worker's media stages as capability
// interfaces: resolve a playlist item into a stream, classify its codec,
// transcode when the transport cannot take it raw. Implementations stay
// swappable; the worker loop only sees these contracts.
package pipeline

import (
	"context"
	"fmt"

	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/transport"
)

// Resolver turns a playlist item into a readable media stream. The
// returned stream reports seekability through transport.Seeker.
type Resolver interface {
	Resolve(ctx context.Context, item domain.PlaylistItem) (transport.Stream, error)
}

// Fetcher is the pluggable external capability that materializes web_url
// items (video platforms, archives). Treated as a black box returning a
// stream with its detected codec profile.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (transport.Stream, error)
}

// Classifier determines a stream's codec profile. It may consume a prefix
// of the stream; the returned stream replays those bytes.
type Classifier interface {
	Classify(ctx context.Context, s transport.Stream) (string, transport.Stream, error)
}

// Transcoder adapts a stream to one of the transport's accepted profiles,
// applying the runtime parameter bundle. When the source profile is
// already accepted and the bundle is neutral it returns the stream
// unchanged.
type Transcoder interface {
	Prepare(ctx context.Context, src transport.Stream, accepted []string, encoderArgs []string, params Params) (transport.Stream, error)
}

// Parameter bundle bounds.
const (
	SpeedMin = 0.5
	SpeedMax = 2.0
	PitchMin = -12
	PitchMax = 12
	// EQBandCount is the fixed equalizer band count.
	EQBandCount = 10
)

// Params is the runtime audio-processing bundle. The zero value means
// "neutral": speed 1.0, no pitch shift, flat EQ.
type Params struct {
	Speed          float64   `json:"speed,omitempty"`
	PitchSemitones int       `json:"pitch_semitones,omitempty"`
	EQBands        []float64 `json:"eq_bands,omitempty"`
}

// Neutral reports whether the bundle changes nothing.
func (p Params) Neutral() bool {
	if p.Speed != 0 && p.Speed != 1.0 {
		return false
	}
	if p.PitchSemitones != 0 {
		return false
	}
	for _, g := range p.EQBands {
		if g != 0 {
			return false
		}
	}
	return true
}

// Clamp forces the bundle into range and reports what it had to adjust.
// Out-of-range values never reject playback.
func (p Params) Clamp() (Params, []string) {
	var warnings []string
	out := p
	if out.Speed != 0 {
		if out.Speed < SpeedMin {
			warnings = append(warnings, fmt.Sprintf("speed %.2f clamped to %.1f", out.Speed, SpeedMin))
			out.Speed = SpeedMin
		} else if out.Speed > SpeedMax {
			warnings = append(warnings, fmt.Sprintf("speed %.2f clamped to %.1f", out.Speed, SpeedMax))
			out.Speed = SpeedMax
		}
	}
	if out.PitchSemitones < PitchMin {
		warnings = append(warnings, fmt.Sprintf("pitch %d clamped to %d", out.PitchSemitones, PitchMin))
		out.PitchSemitones = PitchMin
	} else if out.PitchSemitones > PitchMax {
		warnings = append(warnings, fmt.Sprintf("pitch %d clamped to %d", out.PitchSemitones, PitchMax))
		out.PitchSemitones = PitchMax
	}
	if len(out.EQBands) > EQBandCount {
		warnings = append(warnings, fmt.Sprintf("eq bands truncated to %d", EQBandCount))
		out.EQBands = out.EQBands[:EQBandCount]
	}
	return out, warnings
}

// profileAccepted reports whether profile appears in accepted.
func profileAccepted(profile string, accepted []string) bool {
	for _, a := range accepted {
		if a == profile {
			return true
		}
	}
	return false
}
