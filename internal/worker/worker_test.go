// SPDX-License-Identifier: MIT

package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/metrics"
	"github.com/tgcast/tgcast/internal/pipeline"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/store"
	"github.com/tgcast/tgcast/internal/transport"
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

func (r *eventRecorder) byType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type authRecorder struct {
	mu       sync.Mutex
	accounts []string
}

func (a *authRecorder) ReportAuthError(_ context.Context, accountID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = append(a.accounts, accountID)
	return nil
}

func (a *authRecorder) reported() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.accounts...)
}

type harness struct {
	db       *store.DB
	accounts *store.Accounts
	client   *redis.Client
	queue    *queue.Engine
	stub     *transport.Stub
	rec      *eventRecorder
	auth     *authRecorder
	worker   *Worker
}

func setup(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := store.Open(filepath.Join(t.TempDir(), "tgcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env, err := secrets.NewEnvelope(bytes.Repeat([]byte{0x33}, secrets.KeySize))
	require.NoError(t, err)
	accounts := db.Accounts(env)
	ctx := context.Background()
	require.NoError(t, accounts.Create(ctx, &domain.Account{
		ID:       "acc-1",
		OwnerID:  "op-1",
		Label:    "main",
		Material: secrets.FromString("session-blob"),
	}))
	require.NoError(t, db.Channels().Create(ctx, &domain.Channel{
		ID:             "ch-1",
		AccountID:      "acc-1",
		ChatTarget:     "@broadcast",
		DisplayName:    "Broadcast",
		Kind:           domain.StreamAudio,
		Discipline:     domain.DisciplineFIFO,
		MaxQueueLength: 100,
		AutoEndSeconds: 300,
		DesiredState:   domain.DesiredStopped,
		ObservedState:  domain.ObservedStopped,
	}))
	require.NoError(t, db.Channels().SetDesiredRunning(ctx, "ch-1"))

	rec := &eventRecorder{}
	auth := &authRecorder{}
	stub := &transport.Stub{}
	q := queue.New(client, rec, 100)

	w, err := New(Config{ChannelID: "ch-1", TransientRetries: 2}, Deps{
		Channels:   db.Channels(),
		Accounts:   accounts,
		Items:      db.Items(),
		Queue:      q,
		Resolver:   pipeline.LocalFileResolver{},
		Classifier: pipeline.SniffClassifier{},
		Transcoder: pipeline.PassThrough{},
		Transport:  stub,
		Publisher:  rec,
		Auth:       auth,
		Client:     client,
	})
	require.NoError(t, err)
	return &harness{db: db, accounts: accounts, client: client, queue: q, stub: stub, rec: rec, auth: auth, worker: w}
}

// mediaFile drops an opus-labelled file of the given size into a temp dir.
func mediaFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.opus")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x5A}, size), 0o644))
	return path
}

func enqueue(t *testing.T, h *harness, id, path string, duration int) {
	t.Helper()
	ctx := context.Background()
	it := domain.PlaylistItem{
		ID:              id,
		ChannelID:       "ch-1",
		Source:          domain.Source{Kind: domain.SourceLocalPath, Value: path},
		DurationSeconds: duration,
		Status:          domain.ItemQueued,
	}
	require.NoError(t, h.db.Items().Put(ctx, &it))
	_, err := h.queue.Add(ctx, "ch-1", it, domain.TierUser)
	require.NoError(t, err)
}

func itemStatus(t *testing.T, h *harness, id string) domain.ItemStatus {
	t.Helper()
	it, err := h.db.Items().Get(context.Background(), id)
	require.NoError(t, err)
	return it.Status
}

// run starts the worker and returns a wait func for its exit error.
func run(t *testing.T, h *harness) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	return func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func stopChannel(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.db.Channels().SetDesiredStopped(context.Background(), "ch-1"))
}

func TestRunPlaysQueueInOrder(t *testing.T) {
	h := setup(t)
	enqueue(t, h, "item-1", mediaFile(t, 256), 0)
	enqueue(t, h, "item-2", mediaFile(t, 256), 0)

	wait := run(t, h)
	require.Eventually(t, func() bool {
		return itemStatus(t, h, "item-1") == domain.ItemPlayed &&
			itemStatus(t, h, "item-2") == domain.ItemPlayed
	}, 5*time.Second, 10*time.Millisecond, "queued items never finished")

	stopChannel(t, h)
	require.NoError(t, wait())

	sessions := h.stub.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Left())

	changes := h.rec.byType(domain.EventTrackChange)
	require.GreaterOrEqual(t, len(changes), 2)
	first := changes[0].Payload.(domain.TrackChange)
	assert.Equal(t, "item-1", first.Item.ID)
	assert.Empty(t, first.PreviousID)
	assert.Equal(t, domain.TrackChangeNatural, first.Reason)
	second := changes[1].Payload.(domain.TrackChange)
	assert.Equal(t, "item-2", second.Item.ID)
	assert.Equal(t, "item-1", second.PreviousID)
	assert.Equal(t, domain.TrackChangeNatural, second.Reason)
}

func TestRunFallsBackToPlaceholderAndRecovers(t *testing.T) {
	h := setup(t)
	wait := run(t, h)

	require.Eventually(t, func() bool {
		return h.worker.State() == domain.StreamPlaceholder
	}, 5*time.Second, 10*time.Millisecond, "empty queue never reached placeholder")

	enqueue(t, h, "item-1", mediaFile(t, 256), 0)
	require.Eventually(t, func() bool {
		return itemStatus(t, h, "item-1") == domain.ItemPlayed
	}, 5*time.Second, 10*time.Millisecond, "queued item never played after placeholder")

	stopChannel(t, h)
	require.NoError(t, wait())
}

func TestRunRefusesNonActiveAccount(t *testing.T) {
	h := setup(t)
	require.NoError(t, h.accounts.TransitionState(context.Background(),
		"acc-1", domain.AccountActive, domain.AccountDegraded))

	err := h.worker.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonSessionUnavailable, apperr.ReasonOf(err))
}

func TestRunReportsAuthErrorOnJoin(t *testing.T) {
	h := setup(t)
	h.stub.JoinErr = transport.ErrAuth

	err := h.worker.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransportAuth, transport.Classify(err))
	assert.Equal(t, []string{"acc-1"}, h.auth.reported())
	assert.Equal(t, domain.StreamStopped, h.worker.State())
}

func TestSkipAbandonsCurrentTrack(t *testing.T) {
	h := setup(t)
	h.stub.ReadInterval = 20 * time.Millisecond
	// Large enough to outlive several ticker intervals.
	enqueue(t, h, "item-1", mediaFile(t, 1<<20), 600)

	wait := run(t, h)
	require.Eventually(t, func() bool {
		return itemStatus(t, h, "item-1") == domain.ItemPlaying
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.queue.Skip(context.Background(), "ch-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return itemStatus(t, h, "item-1") == domain.ItemSkipped
	}, 5*time.Second, 10*time.Millisecond, "skip intent never landed")

	stopChannel(t, h)
	require.NoError(t, wait())
}

func TestSkippedTrackDoesNotCountAsPlayed(t *testing.T) {
	h := setup(t)
	h.stub.ReadInterval = 20 * time.Millisecond
	enqueue(t, h, "item-1", mediaFile(t, 1<<20), 600)

	before := testutil.ToFloat64(metrics.TracksPlayed)
	wait := run(t, h)
	require.Eventually(t, func() bool {
		return itemStatus(t, h, "item-1") == domain.ItemPlaying
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.queue.Skip(context.Background(), "ch-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return itemStatus(t, h, "item-1") == domain.ItemSkipped
	}, 5*time.Second, 10*time.Millisecond, "skip intent never landed")

	stopChannel(t, h)
	require.NoError(t, wait())
	assert.Equal(t, before, testutil.ToFloat64(metrics.TracksPlayed),
		"skipped track must not advance the played counter")
}

func TestFailedTrackReportsClosedReasonSet(t *testing.T) {
	h := setup(t)
	enqueue(t, h, "item-1", filepath.Join(t.TempDir(), "missing.opus"), 0)

	wait := run(t, h)
	require.Eventually(t, func() bool {
		return itemStatus(t, h, "item-1") == domain.ItemFailed
	}, 5*time.Second, 10*time.Millisecond, "missing source never failed the item")

	stopChannel(t, h)
	require.NoError(t, wait())

	errsEv := h.rec.byType(domain.EventTrackError)
	require.NotEmpty(t, errsEv)
	payload := errsEv[0].Payload.(domain.TrackError)
	assert.Equal(t, "item-1", payload.ItemID)
	assert.Equal(t, domain.TrackErrorUnreachable, payload.Reason)
}

func TestTrackFailureReasonMapping(t *testing.T) {
	assert.Equal(t, domain.TrackErrorDecode,
		trackFailureReason(apperr.New(apperr.KindDecode, "bad header")))
	assert.Equal(t, domain.TrackErrorUnreachable,
		trackFailureReason(apperr.New(apperr.KindNotFound, "gone")))
	assert.Equal(t, domain.TrackErrorUnreachable,
		trackFailureReason(apperr.New(apperr.KindTransportTransient, "fetch timeout")))
	assert.Equal(t, domain.TrackErrorUnknown,
		trackFailureReason(errors.New("surprise")))
}

func TestControlPauseAndResume(t *testing.T) {
	h := setup(t)
	h.stub.ReadInterval = 20 * time.Millisecond
	enqueue(t, h, "item-1", mediaFile(t, 1<<20), 600)

	wait := run(t, h)
	require.Eventually(t, func() bool {
		return h.worker.State() == domain.StreamRunning
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	reply, err := Send(ctx, h.client, "ch-1", Command{Op: OpPause})
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, domain.StreamPaused, h.worker.State())

	// Pausing twice conflicts.
	reply, err = Send(ctx, h.client, "ch-1", Command{Op: OpPause})
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, string(apperr.KindConflict), reply.Reason)

	reply, err = Send(ctx, h.client, "ch-1", Command{Op: OpResume})
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, domain.StreamRunning, h.worker.State())

	stopChannel(t, h)
	require.NoError(t, wait())
}

func TestControlSeekMovesPosition(t *testing.T) {
	h := setup(t)
	h.stub.ReadInterval = 20 * time.Millisecond
	enqueue(t, h, "item-1", mediaFile(t, 1<<20), 600)

	wait := run(t, h)
	require.Eventually(t, func() bool {
		return h.worker.State() == domain.StreamRunning
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	reply, err := Send(ctx, h.client, "ch-1", Command{Op: OpSeek, Seconds: 120})
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.GreaterOrEqual(t, h.worker.currentPosition(), 120)

	reply, err = Send(ctx, h.client, "ch-1", Command{Op: OpSeek, Seconds: 700})
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonInvalidPosition, reply.Reason)

	stopChannel(t, h)
	require.NoError(t, wait())
}

func TestControlSettingsClampAndWarn(t *testing.T) {
	h := setup(t)
	wait := run(t, h)
	require.Eventually(t, func() bool {
		return h.worker.State() == domain.StreamPlaceholder
	}, 5*time.Second, 10*time.Millisecond)

	reply, err := Send(context.Background(), h.client, "ch-1",
		Command{Op: OpSettings, Params: pipeline.Params{Speed: 9}})
	require.NoError(t, err)
	assert.True(t, reply.OK)
	require.Len(t, reply.Warnings, 1)

	alerts := h.rec.byType(domain.EventSystemAlert)
	require.NotEmpty(t, alerts)
	alert := alerts[len(alerts)-1].Payload.(domain.SystemAlert)
	assert.Equal(t, domain.AlertParamsClamped, alert.Code)
	assert.Equal(t, "warning", alert.Severity)

	stopChannel(t, h)
	require.NoError(t, wait())
}

func TestTransientDelaysLadder(t *testing.T) {
	w := &Worker{cfg: Config{TransientRetries: 4}}
	assert.Equal(t, []time.Duration{
		time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
	}, w.transientDelays())

	w.cfg.TransientRetries = 1
	assert.Equal(t, []time.Duration{time.Second}, w.transientDelays())

	w.cfg.TransientRetries = 0
	assert.Empty(t, w.transientDelays())
}

func TestStreamMachineTransitions(t *testing.T) {
	m := newStreamMachine()
	assert.Equal(t, domain.StreamStarting, m.State())

	ctx := context.Background()
	_, err := m.Fire(ctx, evQueueEmpty)
	require.NoError(t, err)
	assert.Equal(t, domain.StreamPlaceholder, m.State())

	_, err = m.Fire(ctx, evTrackStart)
	require.NoError(t, err)
	assert.Equal(t, domain.StreamRunning, m.State())

	_, err = m.Fire(ctx, evPause)
	require.NoError(t, err)
	assert.Equal(t, domain.StreamPaused, m.State())

	// Pausing again is rejected; state is unchanged.
	_, err = m.Fire(ctx, evPause)
	require.Error(t, err)
	assert.Equal(t, domain.StreamPaused, m.State())

	// Stop passes through stopping before the transport confirms it is down.
	_, err = m.Fire(ctx, evStop)
	require.NoError(t, err)
	assert.Equal(t, domain.StreamStopping, m.State())
	_, err = m.Fire(ctx, evDown)
	require.NoError(t, err)
	assert.Equal(t, domain.StreamStopped, m.State())
}

func TestPauseGateBlocksReads(t *testing.T) {
	inner := &memStreamStub{data: bytes.Repeat([]byte{1}, 16)}
	gate := newPauseGate(inner, true)

	got := make(chan int, 1)
	go func() {
		buf := make([]byte, 4)
		n, _ := gate.Read(buf)
		got <- n
	}()

	select {
	case <-got:
		t.Fatal("read returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	gate.setPaused(false)
	select {
	case n := <-got:
		assert.Equal(t, 4, n)
	case <-time.After(time.Second):
		t.Fatal("read never resumed")
	}
}

type memStreamStub struct {
	data []byte
	off  int
}

func (m *memStreamStub) Read(p []byte) (int, error) {
	if m.off >= len(m.data) {
		return 0, os.ErrClosed
	}
	n := copy(p, m.data[m.off:])
	m.off += n
	return n, nil
}

func (m *memStreamStub) Close() error   { return nil }
func (m *memStreamStub) Profile() string { return "opus" }
