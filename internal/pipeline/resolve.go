// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/resilience"
	"github.com/tgcast/tgcast/internal/transport"
)

// ChainResolver routes items to the resolver owning their source kind.
type ChainResolver struct {
	Local  Resolver
	Radio  Resolver
	WebURL Resolver
	logger zerolog.Logger
}

// NewChainResolver wires the standard three-way split. webURL may be nil
// when no external fetcher is configured; web_url items then fail with
// transport_persistent.
func NewChainResolver(local, radio, webURL Resolver) *ChainResolver {
	return &ChainResolver{
		Local:  local,
		Radio:  radio,
		WebURL: webURL,
		logger: log.WithComponent("pipeline"),
	}
}

// Resolve dispatches on the item's source kind.
func (c *ChainResolver) Resolve(ctx context.Context, item domain.PlaylistItem) (transport.Stream, error) {
	switch item.Source.Kind {
	case domain.SourceLocalPath:
		return c.Local.Resolve(ctx, item)
	case domain.SourceRadioStream:
		return c.Radio.Resolve(ctx, item)
	case domain.SourceWebURL:
		if c.WebURL == nil {
			return nil, apperr.New(apperr.KindTransportPersistent, "no fetcher configured for web sources")
		}
		return c.WebURL.Resolve(ctx, item)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown source kind %q", item.Source.Kind)
	}
}

// LocalFileResolver serves local_path items straight from disk. Streams
// are seekable when the item carries a duration (byte-proportional
// estimate).
type LocalFileResolver struct{}

// Resolve opens the file. file:// URLs and bare paths are both accepted.
func (LocalFileResolver) Resolve(_ context.Context, item domain.PlaylistItem) (transport.Stream, error) {
	path := strings.TrimPrefix(item.Source.Value, "file://")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, "media file", err)
		}
		return nil, apperr.Wrap(apperr.KindTransportPersistent, "open media file", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, apperr.Wrap(apperr.KindTransportPersistent, "stat media file", err)
	}
	return &fileStream{
		f:        f,
		profile:  profileFromExtension(path),
		size:     info.Size(),
		duration: item.DurationSeconds,
	}, nil
}

type fileStream struct {
	f        *os.File
	profile  string
	size     int64
	duration int
}

func (s *fileStream) Read(p []byte) (int, error) { return s.f.Read(p) }
func (s *fileStream) Close() error               { return s.f.Close() }
func (s *fileStream) Profile() string            { return s.profile }

// SeekSeconds repositions by byte proportion. Without a known duration
// the stream is not seekable.
func (s *fileStream) SeekSeconds(seconds int) error {
	if s.duration <= 0 {
		return apperr.WithReason(apperr.KindValidation, apperr.ReasonNotSeekable,
			"file has no known duration")
	}
	if seconds < 0 {
		seconds = 0
	}
	if seconds > s.duration {
		seconds = s.duration
	}
	offset := s.size * int64(seconds) / int64(s.duration)
	_, err := s.f.Seek(offset, io.SeekStart)
	return err
}

// RadioResolver serves http(s) radio streams. Continuous streams are
// never seekable.
type RadioResolver struct {
	// Client defaults to a connect-bounded http.Client.
	Client *http.Client
}

func (r *RadioResolver) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	// No overall timeout: radio streams are endless by design. The dial is
	// what gets bounded.
	return &http.Client{Transport: &http.Transport{
		ResponseHeaderTimeout: 10 * time.Second,
	}}
}

// Resolve opens the stream URL.
func (r *RadioResolver) Resolve(ctx context.Context, item domain.PlaylistItem) (transport.Stream, error) {
	u, err := url.Parse(item.Source.Value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidURL,
			"radio source must be an http(s) URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Source.Value, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build radio request", err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransportTransient, "connect radio stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, apperr.Newf(apperr.KindTransportTransient, "radio stream returned %d", resp.StatusCode)
		}
		return nil, apperr.Newf(apperr.KindTransportPersistent, "radio stream returned %d", resp.StatusCode)
	}
	return &radioStream{
		body:    resp.Body,
		profile: profileFromContentType(resp.Header.Get("Content-Type")),
	}, nil
}

type radioStream struct {
	body    io.ReadCloser
	profile string
}

func (s *radioStream) Read(p []byte) (int, error) { return s.body.Read(p) }
func (s *radioStream) Close() error               { return s.body.Close() }
func (s *radioStream) Profile() string            { return s.profile }

// FetcherResolver adapts the external fetcher capability behind a circuit
// breaker so a dead upstream fails items fast instead of hanging the loop.
type FetcherResolver struct {
	fetcher Fetcher
	breaker *resilience.CircuitBreaker
}

// NewFetcherResolver guards fetcher with the given breaker settings.
func NewFetcherResolver(fetcher Fetcher, threshold int, reset time.Duration) *FetcherResolver {
	return &FetcherResolver{
		fetcher: fetcher,
		breaker: resilience.NewCircuitBreaker("fetcher", threshold, reset),
	}
}

// Resolve fetches through the breaker.
func (f *FetcherResolver) Resolve(ctx context.Context, item domain.PlaylistItem) (transport.Stream, error) {
	var stream transport.Stream
	err := f.breaker.Execute(func() error {
		s, ferr := f.fetcher.Fetch(ctx, item.Source.Value)
		if ferr != nil {
			return ferr
		}
		stream = s
		return nil
	})
	if err == resilience.ErrCircuitOpen {
		return nil, apperr.WithReason(apperr.KindTransportTransient, apperr.ReasonUnreachable,
			"external fetcher unavailable")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransportTransient, "external fetch", err)
	}
	return stream, nil
}

func profileFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".opus", ".ogg", ".oga":
		return "opus"
	case ".mp3":
		return "mp3"
	case ".aac", ".m4a":
		return "aac"
	case ".wav":
		return "pcm"
	case ".webm":
		return "vp8"
	default:
		return ""
	}
}

func profileFromContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	switch ct {
	case "audio/ogg", "audio/opus":
		return "opus"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/aac", "audio/aacp", "audio/mp4":
		return "aac"
	case "audio/wav", "audio/x-wav":
		return "pcm"
	default:
		return ""
	}
}
