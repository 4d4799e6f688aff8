// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/metrics"
)

func setupLimiter(t *testing.T, rules map[string]config.RateLimitRule) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if rules == nil {
		rules = config.DefaultRateLimits()
	}
	return mr, New(client, rules)
}

func TestAdmitWithinLimit(t *testing.T) {
	_, l := setupLimiter(t, map[string]config.RateLimitRule{
		"strict": {Limit: 3, WindowSeconds: 60},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, "user-1", "strict")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		assert.Positive(t, d.ResetAfter)
	}

	d, err := l.Admit(ctx, "user-1", "strict")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Positive(t, d.ResetAfter)
	assert.LessOrEqual(t, d.ResetAfter, 60*time.Second)

	// Another identity has its own counter.
	d, err = l.Admit(ctx, "user-2", "strict")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmitWindowRollover(t *testing.T) {
	mr, l := setupLimiter(t, map[string]config.RateLimitRule{
		"strict": {Limit: 1, WindowSeconds: 60},
	})
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }

	d, err := l.Admit(ctx, "user-1", "strict")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Admit(ctx, "user-1", "strict")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Next window: fresh counter.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	mr.FastForward(61 * time.Second)

	d, err = l.Admit(ctx, "user-1", "strict")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmitMonotonicUnderConcurrency(t *testing.T) {
	_, l := setupLimiter(t, map[string]config.RateLimitRule{
		"standard": {Limit: 10, WindowSeconds: 60},
	})
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(ctx, "shared-identity", "standard")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestAdmitFailsOpenWhenStoreDown(t *testing.T) {
	mr, l := setupLimiter(t, nil)
	before := testutil.ToFloat64(metrics.RateLimiterFallback)

	mr.Close()

	d, err := l.Admit(context.Background(), "user-1", "standard")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimiterFallback))
}

func TestAdmitUnknownBucket(t *testing.T) {
	_, l := setupLimiter(t, nil)

	_, err := l.Admit(context.Background(), "user-1", "no-such-bucket")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, apperr.ReasonUnknownBucket, apperr.ReasonOf(err))
}
