// SPDX-License-Identifier: MIT

// Package worker is the per-channel streaming process: it joins the voice
// chat with the account's credential, drains the channel queue through
// the media pipeline, and reports position, listeners and state through
// the shared store and the event bridge. One Worker instance serves one
// channel for its whole life.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/fsm"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/pipeline"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/secrets"
	"github.com/tgcast/tgcast/internal/store"
	"github.com/tgcast/tgcast/internal/transport"
)

// Publisher receives the worker's events; in the worker process it is the
// Redis bridge publisher, in single-binary mode the hub itself.
type Publisher interface {
	Publish(ev domain.Event)
}

// AuthReporter tells the session lifecycle manager the transport rejected
// the account credential.
type AuthReporter interface {
	ReportAuthError(ctx context.Context, accountID string) error
}

// Playback cancellation causes. The ticker loop cancels the transport
// drive with one of these; the outcome handler routes on them.
var (
	errSkipRequested = errors.New("worker: skip requested")
	errStopRequested = errors.New("worker: stop requested")
	errParamsChanged = errors.New("worker: parameter change")
)

// streamEvent drives the stream state machine.
type streamEvent string

const (
	evTrackStart streamEvent = "track_start"
	evQueueEmpty streamEvent = "queue_empty"
	evPause      streamEvent = "pause"
	evResume     streamEvent = "resume"
	evStop       streamEvent = "stop"
	evDown       streamEvent = "down"
	evFail       streamEvent = "fail"
)

// newStreamMachine encodes the worker state machine: starting → running ⇄
// placeholder, running ⇄ paused, any → stopping → stopped, failures land
// in error before stopping.
func newStreamMachine() *fsm.Machine[domain.StreamState, streamEvent] {
	var transitions []fsm.Transition[domain.StreamState, streamEvent]
	add := func(from domain.StreamState, ev streamEvent, to domain.StreamState) {
		transitions = append(transitions, fsm.Transition[domain.StreamState, streamEvent]{
			From: from, Event: ev, To: to,
		})
	}
	add(domain.StreamStarting, evTrackStart, domain.StreamRunning)
	add(domain.StreamPlaceholder, evTrackStart, domain.StreamRunning)
	add(domain.StreamStarting, evQueueEmpty, domain.StreamPlaceholder)
	add(domain.StreamRunning, evQueueEmpty, domain.StreamPlaceholder)
	add(domain.StreamRunning, evPause, domain.StreamPaused)
	add(domain.StreamPaused, evResume, domain.StreamRunning)
	for _, s := range []domain.StreamState{
		domain.StreamStarting, domain.StreamRunning, domain.StreamPlaceholder,
		domain.StreamPaused, domain.StreamError,
	} {
		add(s, evStop, domain.StreamStopping)
	}
	for _, s := range []domain.StreamState{
		domain.StreamStarting, domain.StreamRunning, domain.StreamPlaceholder, domain.StreamPaused,
	} {
		add(s, evFail, domain.StreamError)
	}
	add(domain.StreamStopping, evDown, domain.StreamStopped)

	m, err := fsm.New(domain.StreamStarting, transitions)
	if err != nil {
		// The table is static; a duplicate is a programming error.
		panic(err)
	}
	return m
}

// Cadences of the observation loops.
const (
	tickInterval      = time.Second
	listenersInterval = 5 * time.Second
	desiredPollEvery  = 2 // ticks between desired-state polls
	transientBase     = time.Second
	transientSecond   = 5 * time.Second
	positionTTL       = 15 * time.Second
	listenersTTL      = 30 * time.Second
)

// storeRetryDelays is the shared-store read retry ladder.
var storeRetryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Config is the per-worker runtime configuration.
type Config struct {
	ChannelID        string
	TransientRetries int
	PlaceholderPath  string
}

// Deps carries the worker's collaborators.
type Deps struct {
	Channels   *store.Channels
	Accounts   *store.Accounts
	Items      *store.Items
	Queue      *queue.Engine
	Resolver   pipeline.Resolver
	Classifier pipeline.Classifier
	Transcoder pipeline.Transcoder
	Transport  transport.Transport
	Publisher  Publisher
	Auth       AuthReporter
	Client     *redis.Client
}

// Worker drives one channel's playback.
type Worker struct {
	cfg  Config
	deps Deps

	placeholder *pipeline.Placeholder
	logger      zerolog.Logger
	posLimit    *rate.Limiter
	machine     *fsm.Machine[domain.StreamState, streamEvent]

	mu            sync.Mutex
	params        pipeline.Params
	paused        bool
	gate          *pauseGate
	current       currentTrack
	reprep        bool
	lastItemID    string
	lastEndReason string

	now func() time.Time
}

type currentTrack struct {
	itemID   string
	stream   transport.Stream
	position int
	duration int
}

// New builds a worker. Call Run to start it.
func New(cfg Config, deps Deps) (*Worker, error) {
	placeholder, err := pipeline.NewPlaceholder(cfg.PlaceholderPath)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:         cfg,
		deps:        deps,
		placeholder: placeholder,
		logger: log.WithComponent("worker").With().
			Str(log.FieldChannelID, cfg.ChannelID).Logger(),
		posLimit: rate.NewLimiter(rate.Every(time.Second), 1),
		machine:  newStreamMachine(),
		now:      time.Now,
	}, nil
}

// State returns the current stream state.
func (w *Worker) State() domain.StreamState {
	return w.machine.State()
}

// fire applies a state machine event and publishes the resulting
// stream_state change. Events that do not apply in the current state are
// no-ops, so loop boundaries can fire unconditionally.
func (w *Worker) fire(ev streamEvent, reason string) {
	from := w.machine.State()
	to, err := w.machine.Fire(context.Background(), ev)
	if err != nil || to == from {
		return
	}
	w.deps.Publisher.Publish(domain.Event{
		Type:       domain.EventStreamState,
		ChannelID:  w.cfg.ChannelID,
		OccurredAt: w.now(),
		Payload:    domain.StreamStateChange{State: to, Previous: from, Reason: reason},
	})
	w.logger.Info().Str(log.FieldOldState, string(from)).Str(log.FieldNewState, string(to)).
		Str(log.FieldReason, reason).Msg("stream state")
}

// Run executes the worker until the channel stops, the context is
// canceled, or an unrecoverable error ends it. The returned error is nil
// for clean stops.
func (w *Worker) Run(ctx context.Context) error {
	defer w.placeholder.Close()

	ch, err := w.deps.Channels.Get(ctx, w.cfg.ChannelID)
	if err != nil {
		return err
	}
	acc, err := w.deps.Accounts.Get(ctx, ch.AccountID)
	if err != nil {
		return err
	}
	if acc.State != domain.AccountActive {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonSessionUnavailable,
			"account session is "+string(acc.State))
	}
	defer acc.Material.Zero()

	if err := w.deps.Queue.EnsureState(ctx, ch.ID, ch.Discipline, ch.MaxQueueLength); err != nil {
		return err
	}
	w.deps.Publisher.Publish(domain.Event{
		Type:       domain.EventStreamState,
		ChannelID:  ch.ID,
		OccurredAt: w.now(),
		Payload:    domain.StreamStateChange{State: domain.StreamStarting},
	})

	session, err := w.join(ctx, acc.Material, ch)
	if err != nil {
		if transport.Classify(err) == apperr.KindTransportAuth {
			w.reportAuth(ctx, ch.AccountID)
		}
		w.fire(evFail, "join_failed")
		w.fire(evStop, "")
		w.fire(evDown, "")
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = session.Leave(leaveCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoops := context.WithCancel(gctx)
	var playErr error
	g.Go(func() error { return w.controlLoop(loopCtx) })
	g.Go(func() error { return w.observeLoop(loopCtx, session) })
	g.Go(func() error {
		defer stopLoops()
		playErr = w.playLoop(loopCtx, session, ch)
		return playErr
	})

	// The support loops exit by cancellation; only the play loop's error
	// decides the worker's fate.
	_ = g.Wait()
	w.fire(evStop, "")
	w.fire(evDown, "")
	if playErr == nil || errors.Is(playErr, context.Canceled) {
		return nil
	}
	return playErr
}

// join connects to the voice chat, retrying transient failures on the
// 1s/5s ladder. Auth and persistent failures end the ladder immediately.
func (w *Worker) join(ctx context.Context, credential secrets.Material, ch *domain.Channel) (transport.Session, error) {
	delays := w.transientDelays()
	for attempt := 0; ; attempt++ {
		session, err := w.deps.Transport.Join(ctx, credential, ch.ChatTarget, ch.Kind)
		if err == nil {
			return session, nil
		}
		if transport.Classify(err) != apperr.KindTransportTransient || attempt >= len(delays) {
			return nil, err
		}
		w.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transient join failure, retrying")
		t := time.NewTimer(delays[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (w *Worker) transientDelays() []time.Duration {
	delays := []time.Duration{transientBase, transientSecond}
	for len(delays) < w.cfg.TransientRetries {
		delays = append(delays, delays[len(delays)-1]*2)
	}
	if w.cfg.TransientRetries < len(delays) {
		delays = delays[:w.cfg.TransientRetries]
	}
	return delays
}

func (w *Worker) reportAuth(ctx context.Context, accountID string) {
	if w.deps.Auth == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Auth.ReportAuthError(rctx, accountID); err != nil {
		w.logger.Error().Err(err).Str(log.FieldAccountID, accountID).
			Msg("auth error report failed")
	}
}
