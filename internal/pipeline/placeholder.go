// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/transport"
)

// silenceLen is one loop iteration of generated silence when no
// placeholder media is configured: enough to keep the transport fed
// without busy-looping.
const silenceLen = 48000

// Placeholder supplies the media played while a channel's queue is empty.
// The configured file is cached in memory and hot-reloaded on change, so
// swapping the asset never needs a worker restart. Without a configured
// path every Stream() is generated silence.
type Placeholder struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	data    []byte
	profile string

	done chan struct{}
}

// NewPlaceholder loads path (may be empty) and starts the change watcher.
func NewPlaceholder(path string) (*Placeholder, error) {
	p := &Placeholder{
		path:   path,
		logger: log.WithComponent("pipeline"),
		done:   make(chan struct{}),
	}
	if path == "" {
		return p, nil
	}
	p.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn().Err(err).Msg("placeholder watcher unavailable, hot reload disabled")
		return p, nil
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		p.logger.Warn().Err(err).Str("path", path).Msg("placeholder watch failed, hot reload disabled")
		return p, nil
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

func (p *Placeholder) watch() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != p.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn().Err(err).Msg("placeholder watcher error")
		}
	}
}

func (p *Placeholder) reload() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", p.path).
			Msg("placeholder media unreadable, falling back to silence")
		p.mu.Lock()
		p.data, p.profile = nil, ""
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.data = data
	p.profile = profileFromExtension(p.path)
	p.mu.Unlock()
	p.logger.Info().Str("path", p.path).Int("bytes", len(data)).Msg("placeholder media loaded")
}

// Stream returns one placeholder playback iteration.
func (p *Placeholder) Stream() transport.Stream {
	p.mu.RLock()
	data, profile := p.data, p.profile
	p.mu.RUnlock()
	if len(data) == 0 {
		return &memStream{r: bytes.NewReader(make([]byte, silenceLen)), profile: "pcm"}
	}
	if profile == "" {
		profile = "opus"
	}
	return &memStream{r: bytes.NewReader(data), profile: profile}
}

// Close stops the watcher.
func (p *Placeholder) Close() {
	close(p.done)
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
}

type memStream struct {
	r       *bytes.Reader
	profile string
}

func (s *memStream) Read(b []byte) (int, error) { return s.r.Read(b) }
func (s *memStream) Close() error               { return nil }
func (s *memStream) Profile() string            { return s.profile }

var _ io.ReadCloser = (*memStream)(nil)
