// SPDX-License-Identifier: MIT

// Package supervisor is the "named long-lived process" capability the
// process controller builds on: start, stop with a graceful window,
// observe status, and get told when a unit exits. Two implementations
// exist: Exec runs each unit as an OS process in its own process group,
// InProc runs registered runner functions in goroutines for tests and
// single-binary deployments.
package supervisor

import (
	"context"
	"errors"
)

// Status is the supervisor's view of one unit.
type Status string

const (
	StatusActive       Status = "active"
	StatusActivating   Status = "activating"
	StatusDeactivating Status = "deactivating"
	StatusFailed       Status = "failed"
	StatusInactive     Status = "inactive"
)

// Spec describes what to launch for a unit. InProc ignores Command/Args
// and looks the unit's runner up by name prefix instead.
type Spec struct {
	Command string
	Args    []string
	Env     []string
}

// ExitFunc is invoked after a unit exits, with the terminal error (nil on
// clean exit). Called from the unit's own goroutine.
type ExitFunc func(name string, err error)

// Supervisor manages named long-lived units.
type Supervisor interface {
	// Start launches a unit. Starting a unit that is already active is an
	// error; the caller stops it first.
	Start(ctx context.Context, name string, spec Spec) error
	// Stop winds a unit down: graceful signal, bounded wait, then force.
	// Stopping an inactive unit is a no-op.
	Stop(ctx context.Context, name string) error
	// Status reports the unit's current state.
	Status(ctx context.Context, name string) (Status, error)
}

// ErrAlreadyRunning is returned by Start when the unit is active.
var ErrAlreadyRunning = errors.New("supervisor: unit already running")

// ErrUnknownRunner is returned by the in-process supervisor when no
// runner is registered for a unit name.
var ErrUnknownRunner = errors.New("supervisor: no runner registered")
