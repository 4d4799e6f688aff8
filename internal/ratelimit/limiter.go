// SPDX-License-Identifier: MIT

// Package ratelimit admits or rejects control-plane operations against
// fixed-window counters in the shared store. A window is identified by
// floor(unix/window); the counter key carries the window index, so expiry
// and rollover need no coordination.
//
// The limiter fails OPEN: when the store is unreachable the operation is
// admitted, the fallback counter increments and a warning is logged.
// Blocking every user because Redis restarted is worse than briefly not
// limiting.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
)

// incrScript bumps the window counter and arms the TTL only on the first
// increment, atomically.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	// FailedOpen marks an admission granted only because the store was
	// unreachable.
	FailedOpen bool
}

// Limiter checks identities against per-bucket fixed windows.
type Limiter struct {
	client redis.Scripter
	rules  map[string]config.RateLimitRule
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a limiter over the shared store with the configured bucket
// rules.
func New(client redis.Scripter, rules map[string]config.RateLimitRule) *Limiter {
	return &Limiter{
		client: client,
		rules:  rules,
		logger: log.WithComponent("ratelimit"),
		now:    time.Now,
	}
}

// Admit checks identity against bucket's window. The error return is
// reserved for caller mistakes (unknown bucket); store trouble never
// surfaces as an error because the limiter fails open.
func (l *Limiter) Admit(ctx context.Context, identity, bucket string) (Decision, error) {
	rule, ok := l.rules[bucket]
	if !ok {
		return Decision{}, apperr.WithReason(apperr.KindValidation, apperr.ReasonUnknownBucket,
			"unknown rate limit bucket "+bucket)
	}

	window := rule.Window()
	now := l.now()
	key := coord.RateKey(bucket, identity, coord.WindowIndex(now, window))

	n, err := incrScript.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		metrics.RateLimiterFallback.Inc()
		l.logger.Warn().
			Err(err).
			Str("bucket", bucket).
			Msg("rate limit store unavailable, admitting")
		return Decision{Allowed: true, Remaining: rule.Limit, FailedOpen: true}, nil
	}

	resetAfter := windowEnd(now, window).Sub(now)
	if n > int64(rule.Limit) {
		metrics.IncRejection(bucket)
		return Decision{Allowed: false, Remaining: 0, ResetAfter: resetAfter}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Limit - int(n), ResetAfter: resetAfter}, nil
}

func windowEnd(now time.Time, window time.Duration) time.Time {
	idx := coord.WindowIndex(now, window)
	return time.Unix((idx+1)*int64(window/time.Second), 0)
}
