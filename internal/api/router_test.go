// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/audit"
	"github.com/tgcast/tgcast/internal/autoend"
	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/controller"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/health"
	"github.com/tgcast/tgcast/internal/hub"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/ratelimit"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/service"
	"github.com/tgcast/tgcast/internal/session"
	"github.com/tgcast/tgcast/internal/store"
	"github.com/tgcast/tgcast/internal/supervisor"
)

type okValidator struct{}

func (okValidator) Validate(context.Context, secrets.Material) error { return nil }

func newTestRouter(t *testing.T) (http.Handler, *service.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := store.Open(filepath.Join(t.TempDir(), "tgcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env, err := secrets.NewEnvelope(bytes.Repeat([]byte{0x66}, secrets.KeySize))
	require.NoError(t, err)
	accounts := db.Accounts(env)
	require.NoError(t, accounts.Create(context.Background(), &domain.Account{
		ID:       "acc-1",
		OwnerID:  "op-1",
		Material: secrets.FromString("blob"),
	}))

	cfg := config.Default()
	h := hub.New()
	q := queue.New(client, h, cfg.QueueMaxLengthDefault)

	var ctrl *controller.Controller
	sup := supervisor.NewInProc(100*time.Millisecond, func(name string, err error) {
		ctrl.OnWorkerExit(name, err)
	})
	sup.Register("worker-", func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	autoEnd := autoend.New(client, h, nil, nil)
	ctrl = controller.New(db, accounts, q, sup, autoEnd, h, client, cfg)
	sessions := session.New(accounts, okValidator{}, ctrl, h,
		cfg.SessionRecoveryInitial, cfg.SessionRecoveryMax)
	svc := service.New(db, accounts, q, ctrl, sessions, autoEnd,
		ratelimit.New(client, cfg.RateLimits), audit.NewRecorder(db.Audit()), client, cfg)

	hm := health.NewManager("test")
	hm.Register(health.RedisChecker{Client: client})
	hm.Register(health.StoreChecker{DB: db})

	return New(Deps{Service: svc, Hub: h, Health: hm}), svc
}

func TestProbesAndMetricsServed(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	adminP := domain.Principal{ID: "adm-1", Role: domain.RoleAdmin}
	ch, err := svc.CreateChannel(context.Background(), adminP, service.CreateChannelRequest{
		AccountID:  "acc-1",
		ChatTarget: "@broadcast",
		Kind:       domain.StreamAudio,
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/status/" + ch.ID)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/status/nope")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, string(apperr.KindNotFound), body.Kind)
}

func TestChannelsEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	adminP := domain.Principal{ID: "adm-1", Role: domain.RoleAdmin}
	_, err := svc.CreateChannel(context.Background(), adminP, service.CreateChannelRequest{
		AccountID:  "acc-1",
		ChatTarget: "@broadcast",
		Kind:       domain.StreamAudio,
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/channels")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var channels []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&channels))
	assert.Len(t, channels, 1)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{apperr.New(apperr.KindValidation, "bad"), http.StatusBadRequest},
		{apperr.New(apperr.KindNotFound, "missing"), http.StatusNotFound},
		{apperr.New(apperr.KindConflict, "busy"), http.StatusConflict},
		{apperr.WithReason(apperr.KindConflict, apperr.ReasonForbidden, "no"), http.StatusForbidden},
		{apperr.New(apperr.KindRateLimited, "slow down"), http.StatusTooManyRequests},
		{apperr.New(apperr.KindStorageUnavailable, "down"), http.StatusServiceUnavailable},
		{apperr.New(apperr.KindInternal, "boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestPrincipalFromHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	p := principalFrom(r)
	assert.Equal(t, "anonymous", p.ID)
	assert.Equal(t, domain.RoleUser, p.Role)

	r.Header.Set(HeaderActorID, "adm-1")
	r.Header.Set(HeaderRole, "admin")
	p = principalFrom(r)
	assert.Equal(t, "adm-1", p.ID)
	assert.Equal(t, domain.RoleAdmin, p.Role)
}
