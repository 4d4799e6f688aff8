// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/store"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                      { return c.name }
func (c staticChecker) Check(context.Context) CheckResult { return c.result }

func TestReadyAggregatesCheckers(t *testing.T) {
	m := NewManager("test")
	m.Register(staticChecker{"a", CheckResult{Status: StatusHealthy}})
	m.Register(staticChecker{"b", CheckResult{Status: StatusDegraded, Message: "slow"}})

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)

	m.Register(staticChecker{"c", CheckResult{Status: StatusUnhealthy, Error: "down"}})
	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestServeReadyReturns503WhenDown(t *testing.T) {
	m := NewManager("test")
	m.Register(staticChecker{"redis", CheckResult{Status: StatusUnhealthy, Error: "refused"}})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 503, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, "refused", resp.Checks["redis"].Error)
}

func TestServeHealthAlways200(t *testing.T) {
	m := NewManager("test")
	m.Register(staticChecker{"redis", CheckResult{Status: StatusUnhealthy}})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestDependencyCheckers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := store.Open(filepath.Join(t.TempDir(), "tgcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	assert.Equal(t, StatusHealthy, RedisChecker{Client: client}.Check(ctx).Status)
	assert.Equal(t, StatusHealthy, StoreChecker{DB: db}.Check(ctx).Status)

	mr.Close()
	assert.Equal(t, StatusUnhealthy, RedisChecker{Client: client}.Check(ctx).Status)
}
