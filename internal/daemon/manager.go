// SPDX-License-Identifier: MIT

// Package daemon runs the control-plane process: the ops HTTP server and
// the background loops (reconciler, auto-end sweeper, scheduler, event
// relay). Shutdown executes registered hooks in reverse registration
// order so dependents close before their dependencies.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/log"
)

// ErrNotStarted is returned by Shutdown before Start.
var ErrNotStarted = errors.New("daemon: manager not started")

// ShutdownHook is one cleanup step. Hooks run LIFO.
type ShutdownHook func(ctx context.Context) error

// Runner is a background loop that runs until its context is done. A
// return with an error other than context.Canceled brings the daemon
// down.
type Runner func(ctx context.Context) error

// ServerConfig bounds the ops HTTP server.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns the documented server bounds.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		ListenAddr:      addr,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type namedRunner struct {
	name string
	run  Runner
}

// Manager owns the daemon lifecycle.
type Manager struct {
	cfg     ServerConfig
	handler http.Handler

	server  *http.Server
	runners []namedRunner
	hooks   []namedHook

	mu       sync.Mutex
	started  bool
	stopping bool

	logger zerolog.Logger
}

// NewManager builds a manager serving handler on the ops address.
func NewManager(cfg ServerConfig, handler http.Handler) *Manager {
	return &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  log.WithComponent("daemon"),
	}
}

// AddRunner registers a background loop started by Start.
func (m *Manager) AddRunner(name string, run Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners = append(m.runners, namedRunner{name: name, run: run})
}

// RegisterShutdownHook registers a cleanup step. Hooks run LIFO.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Start brings the server and runners up and blocks until ctx is done or
// a component fails, then shuts everything down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("daemon: already started")
	}
	m.started = true
	runners := append([]namedRunner(nil), m.runners...)
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.cfg.ListenAddr).
		Int("runners", len(runners)).
		Msg("daemon starting")

	errChan := make(chan error, len(runners)+1)
	runCtx, cancelRunners := context.WithCancel(ctx)
	defer cancelRunners()

	m.server = &http.Server{
		Addr:              m.cfg.ListenAddr,
		Handler:           m.handler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.ListenAddr).Msg("ops server listening")
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r namedRunner) {
			defer wg.Done()
			m.logger.Info().Str("runner", r.name).Msg("runner started")
			err := r.run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Str("runner", r.name).Msg("runner failed")
				errChan <- fmt.Errorf("runner %s: %w", r.name, err)
				return
			}
			m.logger.Info().Str("runner", r.name).Msg("runner stopped")
		}(r)
	}

	var cause error
	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("component failure, shutting down")
		cause = err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
	}

	cancelRunners()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Shutdown stops the server and runs the hooks LIFO. Safe to call once;
// later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.hooks...)
	m.mu.Unlock()

	var errs []error
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).
				Dur("duration", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).
			Dur("duration", time.Since(start)).Msg("shutdown hook done")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
