// SPDX-License-Identifier: MIT

package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/playlist"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/ratelimit"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/store"
)

type startRecorder struct {
	mu       sync.Mutex
	channels []string
}

func (r *startRecorder) StartChannel(_ context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channelID)
	return nil
}

func (r *startRecorder) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.channels...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

type harness struct {
	db      *store.DB
	client  *redis.Client
	queue   *queue.Engine
	starter *startRecorder
	sched   *Scheduler
	now     time.Time
}

func setup(t *testing.T, rules map[string]config.RateLimitRule) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := store.Open(filepath.Join(t.TempDir(), "tgcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env, err := secrets.NewEnvelope(bytes.Repeat([]byte{0x44}, secrets.KeySize))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.Accounts(env).Create(ctx, &domain.Account{
		ID: "acc-1", OwnerID: "op-1", Label: "main",
		Material: secrets.FromString("session-blob"),
	}))
	require.NoError(t, db.Channels().Create(ctx, &domain.Channel{
		ID: "ch-1", AccountID: "acc-1", ChatTarget: "@broadcast",
		DisplayName: "Broadcast", Kind: domain.StreamAudio,
		Discipline: domain.DisciplineFIFO, MaxQueueLength: 100,
		AutoEndSeconds: 300,
		DesiredState:   domain.DesiredStopped, ObservedState: domain.ObservedStopped,
	}))

	q := queue.New(client, nopPublisher{}, 100)
	require.NoError(t, q.EnsureState(ctx, "ch-1", domain.DisciplineFIFO, 100))

	if rules == nil {
		rules = config.DefaultRateLimits()
	}
	starter := &startRecorder{}
	sched := New(db, q, starter, ratelimit.New(client, rules), playlist.FileSource{},
		client, time.Minute, 5*time.Minute)

	// Fixed clock, 30s past a minute boundary.
	now := time.Date(2026, 8, 25, 13, 3, 30, 0, time.UTC)
	sched.now = func() time.Time { return now }

	return &harness{db: db, client: client, queue: q, starter: starter, sched: sched, now: now}
}

func writePlaylist(t *testing.T, entries int) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	for i := 0; i < entries; i++ {
		buf.WriteString("#EXTINF:180,Track\n/media/track.opus\n")
	}
	path := filepath.Join(t.TempDir(), "list.m3u")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func seedTrigger(t *testing.T, h *harness, tr domain.Trigger) {
	t.Helper()
	if tr.ID == "" {
		tr.ID = "trg-1"
	}
	tr.ChannelID = "ch-1"
	tr.Enabled = true
	require.NoError(t, h.db.Triggers().Create(context.Background(), &tr))
}

func queueLen(t *testing.T, h *harness) int {
	t.Helper()
	n, err := h.queue.Len(context.Background(), "ch-1")
	require.NoError(t, err)
	return n
}

func TestOnceTriggerFiresWithinGrace(t *testing.T) {
	h := setup(t, nil)
	seedTrigger(t, h, domain.Trigger{
		PlaylistRef: writePlaylist(t, 2),
		At:          h.now.Add(-time.Minute),
		Recurrence:  domain.RecurrenceOnce,
	})

	h.sched.Sweep(context.Background())

	assert.Equal(t, 2, queueLen(t, h))
	assert.Equal(t, []string{"ch-1"}, h.starter.started())

	tr, err := h.db.Triggers().Get(context.Background(), "trg-1")
	require.NoError(t, err)
	assert.False(t, tr.Enabled, "one-shot trigger should retire after firing")

	// The next sweep finds nothing new.
	h.sched.Sweep(context.Background())
	assert.Equal(t, 2, queueLen(t, h))
}

func TestOnceTriggerMissedBeyondGraceIsSkipped(t *testing.T) {
	h := setup(t, nil)
	seedTrigger(t, h, domain.Trigger{
		PlaylistRef: writePlaylist(t, 2),
		At:          h.now.Add(-10 * time.Minute),
		Recurrence:  domain.RecurrenceOnce,
	})

	h.sched.Sweep(context.Background())

	assert.Zero(t, queueLen(t, h))
	assert.Empty(t, h.starter.started())
	tr, err := h.db.Triggers().Get(context.Background(), "trg-1")
	require.NoError(t, err)
	assert.False(t, tr.Enabled)
}

func TestRecurringTriggerCatchesUpEachMinute(t *testing.T) {
	h := setup(t, nil)
	seedTrigger(t, h, domain.Trigger{
		PlaylistRef: writePlaylist(t, 1),
		CronExpr:    "* * * * *",
		Recurrence:  domain.RecurrenceRecurring,
	})

	// Window covers the 13:01, 13:02 and 13:03 minute marks.
	h.sched.lastSweep = h.now.Add(-3 * time.Minute)
	h.sched.Sweep(context.Background())

	assert.Equal(t, 3, queueLen(t, h))
	assert.Len(t, h.starter.started(), 3)
}

func TestConcurrentSchedulersFireOnce(t *testing.T) {
	h := setup(t, nil)
	seedTrigger(t, h, domain.Trigger{
		PlaylistRef: writePlaylist(t, 2),
		At:          h.now.Add(-time.Minute),
		Recurrence:  domain.RecurrenceOnce,
	})

	other := New(h.db, h.queue, h.starter, ratelimit.New(h.client, config.DefaultRateLimits()),
		playlist.FileSource{}, h.client, time.Minute, 5*time.Minute)
	other.now = h.sched.now

	h.sched.lastSweep = h.now.Add(-5 * time.Minute)
	other.lastSweep = h.now.Add(-5 * time.Minute)
	h.sched.Sweep(context.Background())
	other.Sweep(context.Background())

	assert.Equal(t, 2, queueLen(t, h), "the dedup marker must stop the second fire")
	assert.Len(t, h.starter.started(), 1)
}

func TestFireRespectsElevatedBucket(t *testing.T) {
	rules := config.DefaultRateLimits()
	rules["elevated"] = config.RateLimitRule{Limit: 1, WindowSeconds: 60}
	h := setup(t, rules)

	seedTrigger(t, h, domain.Trigger{
		ID:          "trg-1",
		PlaylistRef: writePlaylist(t, 1),
		At:          h.now.Add(-time.Minute),
		Recurrence:  domain.RecurrenceOnce,
	})
	seedTrigger(t, h, domain.Trigger{
		ID:          "trg-2",
		PlaylistRef: writePlaylist(t, 1),
		At:          h.now.Add(-time.Minute),
		Recurrence:  domain.RecurrenceOnce,
	})

	h.sched.Sweep(context.Background())

	// Both triggers share the account identity; the second fire is rejected.
	assert.Equal(t, 1, queueLen(t, h))
	assert.Len(t, h.starter.started(), 1)
}
