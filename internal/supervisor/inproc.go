// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/log"
)

// Runner is a unit body for the in-process supervisor. It receives the
// unit name so a prefix runner can derive per-unit state, and must honor
// ctx cancellation within the graceful window.
type Runner func(ctx context.Context, name string) error

// InProc runs units as goroutines. Unit names are matched against
// registered runners by exact name first, then by the longest registered
// prefix, so one "worker-" runner can serve every per-channel unit.
type InProc struct {
	grace  time.Duration
	onExit ExitFunc
	logger zerolog.Logger

	mu      sync.Mutex
	runners map[string]Runner
	units   map[string]*inprocUnit
}

type inprocUnit struct {
	cancel context.CancelFunc
	done   chan struct{}
	status Status
	err    error
}

// NewInProc builds the in-process supervisor. onExit may be nil.
func NewInProc(grace time.Duration, onExit ExitFunc) *InProc {
	return &InProc{
		grace:   grace,
		onExit:  onExit,
		logger:  log.WithComponent("supervisor"),
		runners: make(map[string]Runner),
		units:   make(map[string]*inprocUnit),
	}
}

// Register installs a runner for a unit name or name prefix.
func (s *InProc) Register(nameOrPrefix string, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[nameOrPrefix] = r
}

func (s *InProc) lookup(name string) (Runner, bool) {
	if r, ok := s.runners[name]; ok {
		return r, true
	}
	var best string
	for prefix := range s.runners {
		if len(prefix) > len(best) && len(prefix) <= len(name) && name[:len(prefix)] == prefix {
			best = prefix
		}
	}
	if best == "" {
		return nil, false
	}
	return s.runners[best], true
}

// Start launches the unit's runner.
func (s *InProc) Start(_ context.Context, name string, _ Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[name]; ok && (u.status == StatusActive || u.status == StatusActivating) {
		return ErrAlreadyRunning
	}
	runner, ok := s.lookup(name)
	if !ok {
		return ErrUnknownRunner
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &inprocUnit{cancel: cancel, done: make(chan struct{}), status: StatusActive}
	s.units[name] = u

	go func() {
		err := runner(ctx, name)
		close(u.done)
		s.mu.Lock()
		if err != nil && ctx.Err() == nil {
			u.status = StatusFailed
			u.err = err
		} else {
			u.status = StatusInactive
		}
		s.mu.Unlock()
		if s.onExit != nil && ctx.Err() == nil {
			s.onExit(name, err)
		}
	}()

	s.logger.Debug().Str("unit", name).Msg("unit started")
	return nil
}

// Stop cancels the unit and waits up to the graceful window.
func (s *InProc) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	u, ok := s.units[name]
	if !ok || (u.status != StatusActive && u.status != StatusActivating) {
		s.mu.Unlock()
		return nil
	}
	u.status = StatusDeactivating
	s.mu.Unlock()

	u.cancel()
	select {
	case <-u.done:
	case <-time.After(s.grace):
		s.logger.Warn().Str("unit", name).Msg("unit ignored cancellation past grace window")
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if u.status == StatusDeactivating {
		u.status = StatusInactive
	}
	s.mu.Unlock()
	s.logger.Debug().Str("unit", name).Msg("unit stopped")
	return nil
}

// Status reports the unit state; never-started units are inactive.
func (s *InProc) Status(_ context.Context, name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return StatusInactive, nil
	}
	return u.status, nil
}
