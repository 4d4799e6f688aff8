// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("fetcher", 3, time.Minute)
	boom := errors.New("fetch failed")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("fetcher", 1, 30*time.Second, WithClock(func() time.Time { return now }))
	boom := errors.New("fetch failed")

	require.Error(t, cb.Execute(func() error { return boom }))
	require.Equal(t, StateOpen, cb.State())

	// Before the reset timeout the breaker stays shut.
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("fetcher", 1, 30*time.Second, WithClock(func() time.Time { return now }))
	boom := errors.New("fetch failed")

	require.Error(t, cb.Execute(func() error { return boom }))
	now = now.Add(31 * time.Second)
	require.Error(t, cb.Execute(func() error { return boom }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestBackoffDelaysDoubleUpToCap(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(20))
}

func TestStepsStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Steps(context.Background(), []time.Duration{time.Millisecond, time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
