// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/transport"
)

// safeDefaultArgs is the encoder fallback when the channel's configured
// arguments do not parse. Playback is never rejected over bad arguments.
var safeDefaultArgs = []string{"-c:a", "libopus", "-b:a", "96k", "-vbr", "on"}

// ExecTranscoder pipes the source through an external encoder binary
// (ffmpeg-compatible flag set). One process per prepared stream; Close
// tears it down.
type ExecTranscoder struct {
	// Binary defaults to "ffmpeg".
	Binary string
	logger zerolog.Logger
}

// NewExecTranscoder builds the exec-driven stage.
func NewExecTranscoder(binary string) *ExecTranscoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &ExecTranscoder{Binary: binary, logger: log.WithComponent("pipeline")}
}

// Prepare returns src unchanged when the transport accepts its profile
// and the bundle is neutral; otherwise it spawns the encoder.
func (t *ExecTranscoder) Prepare(ctx context.Context, src transport.Stream, accepted []string, encoderArgs []string, params Params) (transport.Stream, error) {
	if profileAccepted(src.Profile(), accepted) && params.Neutral() {
		return src, nil
	}
	if len(accepted) == 0 {
		return nil, apperr.New(apperr.KindInternal, "transport accepts no profiles")
	}
	target := accepted[0]

	args, err := validateEncoderArgs(encoderArgs)
	if err != nil {
		t.logger.Warn().Err(err).Msg("invalid encoder arguments, using safe default profile")
		args = append([]string(nil), safeDefaultArgs...)
	}
	args = append(buildInputArgs(), args...)
	args = append(args, buildFilterArgs(params)...)
	args = append(args, "-f", containerFor(target), "pipe:1")

	cmd := exec.CommandContext(ctx, t.Binary, args...)
	cmd.Stdin = src
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "transcoder stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "start transcoder", err)
	}
	return &execStream{cmd: cmd, out: stdout, src: src, profile: target}, nil
}

// validateEncoderArgs rejects argument lists that could escape the flag
// grammar. Empty input selects the safe default.
func validateEncoderArgs(args []string) ([]string, error) {
	if len(args) == 0 {
		return append([]string(nil), safeDefaultArgs...), nil
	}
	for _, a := range args {
		if strings.TrimSpace(a) == "" {
			return nil, apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidEncoderArgs,
				"empty encoder argument")
		}
		if strings.ContainsAny(a, ";|&`$\n") {
			return nil, apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidEncoderArgs,
				"encoder argument contains shell metacharacters")
		}
	}
	return append([]string(nil), args...), nil
}

func buildInputArgs() []string {
	return []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}
}

// buildFilterArgs renders the parameter bundle as an audio filter chain.
func buildFilterArgs(params Params) []string {
	var filters []string
	if params.Speed != 0 && params.Speed != 1.0 {
		filters = append(filters, fmt.Sprintf("atempo=%.2f", params.Speed))
	}
	if params.PitchSemitones != 0 {
		// Pitch shift via resample; 2^(n/12) per semitone.
		filters = append(filters, fmt.Sprintf("rubberband=pitch=%.4f", pitchRatio(params.PitchSemitones)))
	}
	if eq := eqFilter(params.EQBands); eq != "" {
		filters = append(filters, eq)
	}
	if len(filters) == 0 {
		return nil
	}
	return []string{"-af", strings.Join(filters, ",")}
}

func pitchRatio(semitones int) float64 {
	ratio := 1.0
	step := 1.0594630943592953 // 2^(1/12)
	if semitones < 0 {
		step = 1 / step
		semitones = -semitones
	}
	for i := 0; i < semitones; i++ {
		ratio *= step
	}
	return ratio
}

// eqCenterHz are the ten octave band centers.
var eqCenterHz = []int{31, 62, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

func eqFilter(gains []float64) string {
	var parts []string
	for i, g := range gains {
		if i >= len(eqCenterHz) || g == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("equalizer=f=%d:t=o:w=1:g=%.1f", eqCenterHz[i], g))
	}
	return strings.Join(parts, ",")
}

func containerFor(profile string) string {
	switch profile {
	case "opus":
		return "ogg"
	case "mp3":
		return "mp3"
	case "pcm":
		return "wav"
	case "vp8":
		return "webm"
	default:
		return "ogg"
	}
}

type execStream struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	src     transport.Stream
	profile string

	closeOnce sync.Once
	closeErr  error
}

func (s *execStream) Read(p []byte) (int, error) { return s.out.Read(p) }
func (s *execStream) Profile() string            { return s.profile }

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.out.Close()
		_ = s.src.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.closeErr = s.cmd.Wait()
	})
	return s.closeErr
}

// PassThrough is the transcoder used by tests and transcoding-free
// deployments: it relabels the stream to the preferred accepted profile
// without touching the bytes.
type PassThrough struct{}

// Prepare relabels when needed.
func (PassThrough) Prepare(_ context.Context, src transport.Stream, accepted []string, _ []string, params Params) (transport.Stream, error) {
	if profileAccepted(src.Profile(), accepted) && params.Neutral() {
		return src, nil
	}
	if len(accepted) == 0 {
		return nil, apperr.New(apperr.KindInternal, "transport accepts no profiles")
	}
	return relabeled{Stream: src, profile: accepted[0]}, nil
}

type relabeled struct {
	transport.Stream
	profile string
}

func (r relabeled) Profile() string { return r.profile }
