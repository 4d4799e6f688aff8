// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/log"
)

// RedisAuthReporter is the worker-process side of auth error reporting: it
// pushes the failing account id onto the shared auth-error list, where the
// daemon's bridge picks it up. Workers never talk to the Manager directly.
type RedisAuthReporter struct {
	Client *redis.Client
}

// ReportAuthError enqueues the account id for the daemon-side Manager.
func (r RedisAuthReporter) ReportAuthError(ctx context.Context, accountID string) error {
	if err := r.Client.LPush(ctx, coord.AuthErrorQueueKey(), accountID).Err(); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "enqueue auth error", err)
	}
	return nil
}

// RunAuthErrorBridge drains the shared auth-error list into the Manager.
// Duplicate reports for the same account collapse inside ReportAuthError.
// Runs until the context is canceled.
func (m *Manager) RunAuthErrorBridge(ctx context.Context, client *redis.Client) error {
	logger := m.logger.With().Str("task", "auth_error_bridge").Logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vals, err := client.BRPop(ctx, time.Second, coord.AuthErrorQueueKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Msg("auth error pop failed")
			t := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}

		accountID := vals[1]
		if err := m.ReportAuthError(ctx, accountID); err != nil {
			logger.Error().Err(err).Str(log.FieldAccountID, accountID).
				Msg("auth error handling failed")
		}
	}
}
