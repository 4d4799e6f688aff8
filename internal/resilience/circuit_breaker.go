// SPDX-License-Identifier: MIT

// Package resilience holds the failure-isolation primitives shared by the
// worker pipeline: a circuit breaker guarding the external fetcher and an
// exponential backoff helper used by store retries and transport recovery.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/log"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// CircuitBreaker trips after a run of consecutive failures and probes the
// guarded dependency again once the reset timeout passes.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	now          func() time.Time
	logger       zerolog.Logger
}

// Option configures a breaker.
type Option func(*CircuitBreaker)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker builds a closed breaker. Non-positive arguments take
// the defaults (3 failures, 30s reset).
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		name:         name,
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
		logger:       log.WithComponent("resilience").With().Str("breaker", name).Logger(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) > cb.resetTimeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		// Half-open lets the probe through.
		return true
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateOpen)
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.threshold {
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != StateClosed {
		cb.transitionTo(StateClosed)
	}
}

// transitionTo flips the state. Caller holds the lock.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	cb.logger.Info().Str("from", string(cb.state)).Str("to", string(newState)).
		Msg("circuit breaker state change")
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.now()
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
