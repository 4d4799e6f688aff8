// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/log"
)

// Exec runs each unit as an OS process in its own process group, so a
// worker's decoder children die with it.
type Exec struct {
	grace  time.Duration
	onExit ExitFunc
	logger zerolog.Logger

	mu    sync.Mutex
	units map[string]*execUnit
}

type execUnit struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status Status
}

// NewExec builds the process-backed supervisor. onExit may be nil.
func NewExec(grace time.Duration, onExit ExitFunc) *Exec {
	return &Exec{
		grace:  grace,
		onExit: onExit,
		logger: log.WithComponent("supervisor"),
		units:  make(map[string]*execUnit),
	}
}

// Start spawns the unit's process.
func (s *Exec) Start(_ context.Context, name string, spec Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[name]; ok && (u.status == StatusActive || u.status == StatusActivating) {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	u := &execUnit{cmd: cmd, done: make(chan struct{}), status: StatusActive}
	s.units[name] = u

	go func() {
		err := cmd.Wait()
		close(u.done)
		s.mu.Lock()
		stopping := u.status == StatusDeactivating
		if err != nil && !stopping {
			u.status = StatusFailed
		} else {
			u.status = StatusInactive
		}
		s.mu.Unlock()
		if s.onExit != nil && !stopping {
			s.onExit(name, err)
		}
	}()

	s.logger.Info().Str("unit", name).Int("pid", cmd.Process.Pid).Msg("process started")
	return nil
}

// Stop terminates the unit's process group: graceful signal, bounded
// wait, then a hard kill.
func (s *Exec) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	u, ok := s.units[name]
	if !ok || (u.status != StatusActive && u.status != StatusActivating) {
		s.mu.Unlock()
		return nil
	}
	u.status = StatusDeactivating
	cmd := u.cmd
	s.mu.Unlock()

	if err := terminateGroup(cmd); err != nil {
		s.logger.Warn().Err(err).Str("unit", name).Msg("graceful signal failed")
	}

	select {
	case <-u.done:
	case <-time.After(s.grace):
		s.logger.Warn().Str("unit", name).Msg("grace window elapsed, killing process group")
		if err := killGroup(cmd); err != nil {
			return err
		}
		<-u.done
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if u.status == StatusDeactivating {
		u.status = StatusInactive
	}
	s.mu.Unlock()
	s.logger.Info().Str("unit", name).Msg("process stopped")
	return nil
}

// Status reports the unit state; never-started units are inactive.
func (s *Exec) Status(_ context.Context, name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return StatusInactive, nil
	}
	return u.status, nil
}
