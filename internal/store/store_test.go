// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/secrets"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tgcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEnvelope(t *testing.T) *secrets.Envelope {
	t.Helper()
	env, err := secrets.NewEnvelope(bytes.Repeat([]byte{0x42}, secrets.KeySize))
	require.NoError(t, err)
	return env
}

func seedAccount(t *testing.T, db *DB, env *secrets.Envelope, id string) *Accounts {
	t.Helper()
	accounts := db.Accounts(env)
	err := accounts.Create(context.Background(), &domain.Account{
		ID:       id,
		OwnerID:  "op-1",
		Label:    "main",
		Material: secrets.FromString("tg-session-string"),
	})
	require.NoError(t, err)
	return accounts
}

func seedChannel(t *testing.T, db *DB, accountID, channelID string) *Channels {
	t.Helper()
	channels := db.Channels()
	err := channels.Create(context.Background(), &domain.Channel{
		ID:             channelID,
		AccountID:      accountID,
		ChatTarget:     "@lounge",
		DisplayName:    "Lounge",
		Kind:           domain.StreamAudio,
		MaxQueueLength: 100,
		AutoEndSeconds: 300,
	})
	require.NoError(t, err)
	return channels
}

func TestAccountRoundTripKeepsMaterialSealed(t *testing.T) {
	db := testDB(t)
	env := testEnvelope(t)
	accounts := seedAccount(t, db, env, "acc-1")

	got, err := accounts.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, got.State)
	assert.Equal(t, []byte("tg-session-string"), got.Material.Reveal())
	assert.Equal(t, secrets.Redacted, got.Material.String())

	// The database row must not contain the plaintext.
	var blob []byte
	require.NoError(t, db.db.QueryRow(`SELECT material_blob FROM accounts WHERE id = 'acc-1'`).Scan(&blob))
	assert.NotContains(t, string(blob), "tg-session-string")
}

func TestAccountStateTransitionIsCompareAndSet(t *testing.T) {
	db := testDB(t)
	accounts := seedAccount(t, db, testEnvelope(t), "acc-1")
	ctx := context.Background()

	require.NoError(t, accounts.TransitionState(ctx, "acc-1", domain.AccountActive, domain.AccountDegraded))

	// Second transition from active must lose: the row moved on.
	err := accounts.TransitionState(ctx, "acc-1", domain.AccountActive, domain.AccountRevoked)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	require.NoError(t, accounts.TransitionState(ctx, "acc-1", domain.AccountDegraded, domain.AccountActive))
}

func TestSetDesiredRunningRequiresActiveAccount(t *testing.T) {
	db := testDB(t)
	env := testEnvelope(t)
	accounts := seedAccount(t, db, env, "acc-1")
	channels := seedChannel(t, db, "acc-1", "ch-1")
	ctx := context.Background()

	require.NoError(t, channels.SetDesiredRunning(ctx, "ch-1"))

	require.NoError(t, accounts.TransitionState(ctx, "acc-1", domain.AccountActive, domain.AccountDegraded))
	err := channels.SetDesiredRunning(ctx, "ch-1")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, apperr.ReasonSessionUnavailable, apperr.ReasonOf(err))

	// Stopping stays allowed regardless of the account.
	require.NoError(t, channels.SetDesiredStopped(ctx, "ch-1"))
}

func TestChannelDeleteCascades(t *testing.T) {
	db := testDB(t)
	env := testEnvelope(t)
	seedAccount(t, db, env, "acc-1")
	channels := seedChannel(t, db, "acc-1", "ch-1")
	ctx := context.Background()

	items := db.Items()
	require.NoError(t, items.Put(ctx, &domain.PlaylistItem{
		ID:        "it-1",
		ChannelID: "ch-1",
		Source:    domain.Source{Kind: domain.SourceWebURL, Value: "http://example.org/a.mp3"},
		Status:    domain.ItemQueued,
	}))
	workers := db.Workers()
	require.NoError(t, workers.Upsert(ctx, &domain.WorkerRecord{
		ChannelID: "ch-1",
		Lifecycle: domain.WorkerRunning,
	}))

	require.NoError(t, channels.Delete(ctx, "ch-1"))

	_, err := items.Get(ctx, "it-1")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	_, err = workers.Get(ctx, "ch-1")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestItemStatusIsMonotonic(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, testEnvelope(t), "acc-1")
	seedChannel(t, db, "acc-1", "ch-1")
	ctx := context.Background()

	items := db.Items()
	require.NoError(t, items.Put(ctx, &domain.PlaylistItem{
		ID:        "it-1",
		ChannelID: "ch-1",
		Source:    domain.Source{Kind: domain.SourceWebURL, Value: "http://example.org/a.mp3"},
		Status:    domain.ItemQueued,
	}))

	require.NoError(t, items.SetStatus(ctx, "it-1", domain.ItemPlaying))
	require.NoError(t, items.SetStatus(ctx, "it-1", domain.ItemPlayed))

	err := items.SetStatus(ctx, "it-1", domain.ItemQueued)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	got, err := items.Get(ctx, "it-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ItemPlayed, got.Status)
}

func TestWorkerRestartStreak(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, testEnvelope(t), "acc-1")
	seedChannel(t, db, "acc-1", "ch-1")
	ctx := context.Background()

	workers := db.Workers()
	require.NoError(t, workers.Upsert(ctx, &domain.WorkerRecord{
		ChannelID: "ch-1",
		Lifecycle: domain.WorkerFailed,
	}))

	next := time.Now().Add(10 * time.Second)
	attempts, err := workers.BumpRestart(ctx, "ch-1", next, true)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	for i := 0; i < 3; i++ {
		attempts, err = workers.BumpRestart(ctx, "ch-1", next, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, attempts)

	start, err := workers.FailureStreakStart(ctx, "ch-1")
	require.NoError(t, err)
	assert.False(t, start.IsZero())

	require.NoError(t, workers.ResetRestarts(ctx, "ch-1"))
	rec, err := workers.Get(ctx, "ch-1")
	require.NoError(t, err)
	assert.Zero(t, rec.RestartAttempts)
}

func TestAuditAppendAndFilter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	audit := db.Audit()

	require.NoError(t, audit.Append(ctx, AuditEvent{
		ActorID: "op-1", ActorRole: "operator", Action: "channel.start",
		EntityKind: "channel", EntityID: "ch-1",
	}))
	require.NoError(t, audit.Append(ctx, AuditEvent{
		ActorID: "adm-1", ActorRole: "admin", Action: "account.revoke",
		EntityKind: "account", EntityID: "acc-1",
	}))

	all, err := audit.List(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, "account.revoke", all[0].Action)

	byActor, err := audit.List(ctx, AuditFilter{ActorID: "op-1"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "channel.start", byActor[0].Action)
}

func TestTriggerLifecycle(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, testEnvelope(t), "acc-1")
	seedChannel(t, db, "acc-1", "ch-1")
	ctx := context.Background()

	triggers := db.Triggers()
	require.NoError(t, triggers.Create(ctx, &domain.Trigger{
		ID:          "tr-1",
		ChannelID:   "ch-1",
		PlaylistRef: "morning-show",
		CronExpr:    "0 8 * * *",
		Recurrence:  domain.RecurrenceRecurring,
		Enabled:     true,
	}))

	enabled, err := triggers.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	require.NoError(t, triggers.SetEnabled(ctx, "tr-1", false))
	enabled, err = triggers.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, triggers.Delete(ctx, "tr-1"))
	_, err = triggers.Get(ctx, "tr-1")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
