// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"time"
)

// Backoff yields a bounded exponential delay sequence: Initial, Initial*2,
// ... capped at Max. The zero value is not usable; construct with the
// fields set.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Wait sleeps for the attempt's delay or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Steps runs fn up to attempts times, waiting delays[i] between tries.
// It returns nil on the first success and the last error otherwise. An
// empty delays slice means a single attempt.
func Steps(ctx context.Context, delays []time.Duration, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	for _, d := range delays {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
