// SPDX-License-Identifier: MIT

package service

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
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
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/ratelimit"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/session"
	"github.com/tgcast/tgcast/internal/store"
	"github.com/tgcast/tgcast/internal/supervisor"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type okValidator struct{}

func (okValidator) Validate(context.Context, secrets.Material) error { return nil }

type harness struct {
	db       *store.DB
	accounts *store.Accounts
	client   *redis.Client
	queue    *queue.Engine
	svc      *Service
}

var (
	admin    = domain.Principal{ID: "adm-1", Role: domain.RoleAdmin}
	operator = domain.Principal{ID: "op-1", Role: domain.RoleOperator}
	mod      = domain.Principal{ID: "mod-1", Role: domain.RoleModerator}
	user     = domain.Principal{ID: "usr-1", Role: domain.RoleUser}
)

func setup(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := store.Open(filepath.Join(t.TempDir(), "tgcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env, err := secrets.NewEnvelope(bytes.Repeat([]byte{0x55}, secrets.KeySize))
	require.NoError(t, err)
	accounts := db.Accounts(env)
	require.NoError(t, accounts.Create(context.Background(), &domain.Account{
		ID:       "acc-1",
		OwnerID:  "op-1",
		Label:    "main",
		Material: secrets.FromString("session-blob"),
	}))

	cfg := config.Default()
	rec := &eventRecorder{}
	q := queue.New(client, rec, cfg.QueueMaxLengthDefault)

	var ctrl *controller.Controller
	sup := supervisor.NewInProc(100*time.Millisecond, func(name string, err error) {
		ctrl.OnWorkerExit(name, err)
	})
	sup.Register("worker-", func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	autoEnd := autoend.New(client, rec, nil, nil)
	ctrl = controller.New(db, accounts, q, sup, autoEnd, rec, client, cfg)
	sessions := session.New(accounts, okValidator{}, ctrl, rec,
		cfg.SessionRecoveryInitial, cfg.SessionRecoveryMax)
	limiter := ratelimit.New(client, cfg.RateLimits)
	recorder := audit.NewRecorder(db.Audit())

	svc := New(db, accounts, q, ctrl, sessions, autoEnd, limiter, recorder, client, cfg)
	return &harness{db: db, accounts: accounts, client: client, queue: q, svc: svc}
}

func seedChannel(t *testing.T, h *harness) *domain.Channel {
	t.Helper()
	ch, err := h.svc.CreateChannel(context.Background(), admin, CreateChannelRequest{
		AccountID:  "acc-1",
		ChatTarget: "@broadcast",
		Kind:       domain.StreamAudio,
	})
	require.NoError(t, err)
	return ch
}

func localSource(v string) domain.Source {
	return domain.Source{Kind: domain.SourceLocalPath, Value: v}
}

func TestCreateChannelDefaultsAndAudit(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	ch := seedChannel(t, h)
	assert.Equal(t, domain.DisciplineFIFO, ch.Discipline)
	assert.Equal(t, 100, ch.MaxQueueLength)
	assert.Equal(t, 300, ch.AutoEndSeconds)

	st, err := h.queue.ReadState(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisciplineFIFO, st.Discipline)

	events, err := h.svc.ListAuditEvents(ctx, admin, store.AuditFilter{Action: audit.ActionChannelCreate})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "adm-1", events[0].ActorID)
}

func TestAuthzMatrix(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	forbidden := func(err error) {
		t.Helper()
		require.Error(t, err)
		assert.Equal(t, apperr.ReasonForbidden, apperr.ReasonOf(err))
	}

	// Users may add but not moderate, control or administer.
	_, _, err := h.svc.AddItem(ctx, user, AddRequest{ChannelID: ch.ID, Source: localSource("/a.opus")})
	require.NoError(t, err)
	forbidden(h.svc.RemoveItem(ctx, user, ch.ID, "item-x"))
	_, _, err = h.svc.PriorityAddItem(ctx, user, AddRequest{ChannelID: ch.ID, Source: localSource("/b.opus")})
	forbidden(err)
	forbidden(h.svc.StartChannel(ctx, user, ch.ID))
	_, err = h.svc.CreateChannel(ctx, mod, CreateChannelRequest{AccountID: "acc-1", ChatTarget: "@x", Kind: domain.StreamAudio})
	forbidden(err)
	_, err = h.svc.ListAccounts(ctx, operator)
	forbidden(err)

	// The operator owns acc-1 and so controls its channel.
	require.NoError(t, h.svc.StartChannel(ctx, operator, ch.ID))

	// A different operator does not.
	other := domain.Principal{ID: "op-2", Role: domain.RoleOperator}
	forbidden(h.svc.StartChannel(ctx, other, ch.ID))
}

func TestAddItemQueuesAndAudits(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	item, pos, err := h.svc.AddItem(ctx, user, AddRequest{
		ChannelID: ch.ID,
		Source:    localSource("/music/a.opus"),
		Title:     "Track A",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, "usr-1", item.RequesterID)
	assert.Equal(t, domain.TierUser, item.RequesterTier)

	// Priority adds land in front.
	vip, pos, err := h.svc.PriorityAddItem(ctx, mod, AddRequest{
		ChannelID: ch.ID,
		Source:    localSource("/music/b.opus"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, domain.TierVIP, vip.RequesterTier)

	snap, err := h.svc.QueueSnapshot(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, vip.ID, snap[0].ID)

	stored, err := h.db.Items().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemQueued, stored.Status)
}

func TestAddItemRejectsBadSources(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	_, _, err := h.svc.AddItem(ctx, user, AddRequest{ChannelID: ch.ID})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, _, err = h.svc.AddItem(ctx, user, AddRequest{
		ChannelID: ch.ID,
		Source:    domain.Source{Kind: domain.SourceWebURL, Value: "ftp://nope"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonInvalidURL, apperr.ReasonOf(err))
}

func TestAddItemRateLimited(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	// Shrink the standard bucket so the second add trips it.
	h.svc.cfg.RateLimits["standard"] = config.RateLimitRule{Limit: 1, WindowSeconds: 60}

	_, _, err := h.svc.AddItem(ctx, user, AddRequest{ChannelID: ch.ID, Source: localSource("/a.opus")})
	require.NoError(t, err)
	_, _, err = h.svc.AddItem(ctx, user, AddRequest{ChannelID: ch.ID, Source: localSource("/b.opus")})
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimited))

	// Other identities keep their own window.
	_, _, err = h.svc.AddItem(ctx, domain.Principal{ID: "usr-2", Role: domain.RoleUser},
		AddRequest{ChannelID: ch.ID, Source: localSource("/c.opus")})
	assert.NoError(t, err)
}

func TestDeleteChannelRefusals(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	_, _, err := h.svc.AddItem(ctx, user, AddRequest{ChannelID: ch.ID, Source: localSource("/a.opus")})
	require.NoError(t, err)

	err = h.svc.DeleteChannel(ctx, admin, ch.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonHasItems, apperr.ReasonOf(err))

	require.NoError(t, h.svc.ClearQueue(ctx, mod, ch.ID))
	require.NoError(t, h.svc.StartChannel(ctx, admin, ch.ID))
	err = h.svc.DeleteChannel(ctx, admin, ch.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	require.NoError(t, h.svc.StopChannel(ctx, admin, ch.ID))
	require.NoError(t, h.svc.DeleteChannel(ctx, admin, ch.ID))
	_, err = h.db.Channels().Get(ctx, ch.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSetDisciplineMigrates(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	_, _, err := h.svc.AddItem(ctx, user, AddRequest{ChannelID: ch.ID, Source: localSource("/a.opus")})
	require.NoError(t, err)

	// Without migrate a loaded queue refuses the switch.
	err = h.svc.SetDiscipline(ctx, admin, ch.ID, domain.DisciplinePriority, false)
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonHasItems, apperr.ReasonOf(err))

	require.NoError(t, h.svc.SetDiscipline(ctx, admin, ch.ID, domain.DisciplinePriority, true))
	got, err := h.db.Channels().Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisciplinePriority, got.Discipline)

	snap, err := h.svc.QueueSnapshot(ctx, ch.ID)
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestSetAutoEndTimeoutClamps(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	clamped, err := h.svc.SetAutoEndTimeout(ctx, operator, ch.ID, 1000000)
	require.NoError(t, err)
	assert.Equal(t, autoend.TimeoutMax, clamped)

	_, err = h.svc.SetAutoEndTimeout(ctx, operator, ch.ID, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonInvalidTimeout, apperr.ReasonOf(err))
}

func TestTriggerLifecycle(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ch := seedChannel(t, h)

	_, err := h.svc.CreateTrigger(ctx, admin, CreateTriggerRequest{
		ChannelID:   ch.ID,
		PlaylistRef: "/playlists/morning.m3u",
		CronExpr:    "not a cron",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	tr, err := h.svc.CreateTrigger(ctx, admin, CreateTriggerRequest{
		ChannelID:   ch.ID,
		PlaylistRef: "/playlists/morning.m3u",
		CronExpr:    "0 8 * * *",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RecurrenceRecurring, tr.Recurrence)
	assert.True(t, tr.Enabled)

	require.NoError(t, h.svc.SetTriggerEnabled(ctx, admin, tr.ID, false))
	list, err := h.svc.ListTriggers(ctx, admin)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	require.NoError(t, h.svc.DeleteTrigger(ctx, admin, tr.ID))
	list, err = h.svc.ListTriggers(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAccountLifecycle(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	_, err := h.svc.CreateAccount(ctx, admin, CreateAccountRequest{OwnerID: "op-9"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	acc, err := h.svc.CreateAccount(ctx, admin, CreateAccountRequest{
		OwnerID:  "op-9",
		Label:    "backup",
		Material: secrets.FromString("blob-2"),
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.RevokeAccount(ctx, admin, acc.ID))
	got, err := h.accounts.Get(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountRevoked, got.State)
}
