// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/transport"
)

func item(kind domain.SourceKind, value string) domain.PlaylistItem {
	return domain.PlaylistItem{
		ID:        "item-1",
		ChannelID: "ch-1",
		Source:    domain.Source{Kind: kind, Value: value},
	}
}

func TestParamsClamp(t *testing.T) {
	tests := []struct {
		name     string
		in       Params
		want     Params
		warnings int
	}{
		{name: "neutral", in: Params{}, want: Params{}, warnings: 0},
		{name: "in range", in: Params{Speed: 1.5, PitchSemitones: 3}, want: Params{Speed: 1.5, PitchSemitones: 3}},
		{name: "speed low", in: Params{Speed: 0.1}, want: Params{Speed: SpeedMin}, warnings: 1},
		{name: "speed high", in: Params{Speed: 9}, want: Params{Speed: SpeedMax}, warnings: 1},
		{name: "pitch both ways", in: Params{PitchSemitones: 40}, want: Params{PitchSemitones: PitchMax}, warnings: 1},
		{name: "pitch low", in: Params{PitchSemitones: -40}, want: Params{PitchSemitones: PitchMin}, warnings: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := tt.in.Clamp()
			assert.Equal(t, tt.want, got)
			assert.Len(t, warnings, tt.warnings)
		})
	}
}

func TestLocalFileResolverSeeks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.mp3")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 1000), 0o644))

	it := item(domain.SourceLocalPath, path)
	it.DurationSeconds = 100

	s, err := LocalFileResolver{}.Resolve(context.Background(), it)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "mp3", s.Profile())

	seeker, ok := s.(transport.Seeker)
	require.True(t, ok)
	require.NoError(t, seeker.SeekSeconds(50))
	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Len(t, rest, 500)
}

func TestLocalFileResolverWithoutDurationIsNotSeekable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.opus")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	s, err := LocalFileResolver{}.Resolve(context.Background(), item(domain.SourceLocalPath, path))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	err = s.(transport.Seeker).SeekSeconds(10)
	assert.Equal(t, apperr.ReasonNotSeekable, apperr.ReasonOf(err))
}

func TestLocalFileResolverMissingFile(t *testing.T) {
	_, err := LocalFileResolver{}.Resolve(context.Background(),
		item(domain.SourceLocalPath, "/nonexistent/track.mp3"))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRadioResolverStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("radio-bytes"))
	}))
	defer srv.Close()

	r := &RadioResolver{Client: srv.Client()}
	s, err := r.Resolve(context.Background(), item(domain.SourceRadioStream, srv.URL))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, "mp3", s.Profile())
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "radio-bytes", string(data))
}

func TestRadioResolverRejectsNonHTTP(t *testing.T) {
	r := &RadioResolver{}
	_, err := r.Resolve(context.Background(), item(domain.SourceRadioStream, "ftp://radio.example"))
	assert.Equal(t, apperr.ReasonInvalidURL, apperr.ReasonOf(err))
}

func TestRadioResolverServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := &RadioResolver{Client: srv.Client()}
	_, err := r.Resolve(context.Background(), item(domain.SourceRadioStream, srv.URL))
	assert.True(t, apperr.IsKind(err, apperr.KindTransportTransient))
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(context.Context, string) (transport.Stream, error) {
	return nil, f.err
}

func TestFetcherResolverFailsFastWhenOpen(t *testing.T) {
	f := NewFetcherResolver(failingFetcher{err: io.ErrUnexpectedEOF}, 2, time.Minute)
	it := item(domain.SourceWebURL, "https://videos.example/watch?v=1")

	for i := 0; i < 2; i++ {
		_, err := f.Resolve(context.Background(), it)
		require.Error(t, err)
	}
	_, err := f.Resolve(context.Background(), it)
	assert.Equal(t, apperr.ReasonUnreachable, apperr.ReasonOf(err))
}

func TestSniffClassifierDetectsContainers(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{name: "ogg", payload: append([]byte("OggS"), bytes.Repeat([]byte{0}, 60)...), want: "opus"},
		{name: "id3", payload: append([]byte("ID3"), bytes.Repeat([]byte{0}, 60)...), want: "mp3"},
		{name: "mpeg sync", payload: []byte{0xFF, 0xFB, 0x90, 0x00, 0x00}, want: "mp3"},
		{name: "wav", payload: append([]byte("RIFF\x00\x00\x00\x00WAVE"), bytes.Repeat([]byte{0}, 40)...), want: "pcm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &memStream{r: bytes.NewReader(tt.payload)}
			profile, out, err := SniffClassifier{}.Classify(context.Background(), src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, profile)

			// The sniffed prefix must replay in full.
			data, err := io.ReadAll(out)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, data)
		})
	}
}

func TestSniffClassifierRejectsGarbage(t *testing.T) {
	src := &memStream{r: bytes.NewReader([]byte("definitely not media"))}
	_, _, err := SniffClassifier{}.Classify(context.Background(), src)
	assert.True(t, apperr.IsKind(err, apperr.KindDecode))
}

func TestSniffClassifierTrustsResolverProfile(t *testing.T) {
	src := &memStream{r: bytes.NewReader([]byte("payload")), profile: "opus"}
	profile, out, err := SniffClassifier{}.Classify(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "opus", profile)
	assert.Same(t, transport.Stream(src), out)
}

func TestPassThroughKeepsAcceptedStreams(t *testing.T) {
	src := &memStream{r: bytes.NewReader([]byte("payload")), profile: "opus"}
	out, err := PassThrough{}.Prepare(context.Background(), src, []string{"opus"}, nil, Params{})
	require.NoError(t, err)
	assert.Same(t, transport.Stream(src), out)
}

func TestPassThroughRelabelsForeignProfiles(t *testing.T) {
	src := &memStream{r: bytes.NewReader([]byte("payload")), profile: "mp3"}
	out, err := PassThrough{}.Prepare(context.Background(), src, []string{"opus"}, nil, Params{})
	require.NoError(t, err)
	assert.Equal(t, "opus", out.Profile())
}

func TestValidateEncoderArgs(t *testing.T) {
	args, err := validateEncoderArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, safeDefaultArgs, args)

	_, err = validateEncoderArgs([]string{"-b:a", "96k; rm -rf /"})
	assert.Equal(t, apperr.ReasonInvalidEncoderArgs, apperr.ReasonOf(err))

	args, err = validateEncoderArgs([]string{"-c:a", "libopus"})
	require.NoError(t, err)
	assert.Equal(t, []string{"-c:a", "libopus"}, args)
}

func TestBuildFilterArgs(t *testing.T) {
	assert.Nil(t, buildFilterArgs(Params{}))

	args := buildFilterArgs(Params{Speed: 1.5})
	require.Len(t, args, 2)
	assert.Equal(t, "-af", args[0])
	assert.Contains(t, args[1], "atempo=1.50")

	args = buildFilterArgs(Params{EQBands: []float64{0, 3.5}})
	require.Len(t, args, 2)
	assert.Contains(t, args[1], "equalizer=f=62")
}

func TestPlaceholderFallsBackToSilence(t *testing.T) {
	p, err := NewPlaceholder("")
	require.NoError(t, err)
	defer p.Close()

	s := p.Stream()
	assert.Equal(t, "pcm", s.Profile())
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Len(t, data, silenceLen)
}

func TestPlaceholderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placeholder.opus")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o644))

	p, err := NewPlaceholder(path)
	require.NoError(t, err)
	defer p.Close()

	data, err := io.ReadAll(p.Stream())
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o644))
	require.Eventually(t, func() bool {
		data, err := io.ReadAll(p.Stream())
		return err == nil && string(data) == "second"
	}, 2*time.Second, 20*time.Millisecond, "placeholder never picked up the rewritten file")
}
