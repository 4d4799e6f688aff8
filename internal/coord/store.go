// SPDX-License-Identifier: MIT

// Package coord owns access to the shared coordination store (Redis):
// client construction, the canonical key shapes, and error classification.
// Every component that touches the store goes through this package so key
// layouts and failure semantics stay in one place.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/log"
)

// Connect parses a redis:// URL (credentials allowed, never logged),
// builds the client and verifies the connection.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("coord: invalid shared store url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("coord: shared store unreachable: %w", err)
	}

	logger := log.WithComponent("coord")
	logger.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Msg("connected to shared store")
	return client, nil
}

// IsNotFound reports whether err is the store's missing-key sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Unavailable wraps a store failure into the stable storage_unavailable
// code. redis.Nil is not a failure and must be handled before calling this.
func Unavailable(op string, err error) error {
	return apperr.Wrap(apperr.KindStorageUnavailable, "shared store: "+op, err)
}
