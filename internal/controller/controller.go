// SPDX-License-Identifier: MIT

// Package controller manages the fleet of streaming workers: one unit per
// channel, started and stopped through the supervisor capability, with a
// bounded restart-on-failure policy and a periodic desired-state
// reconciliation loop. All durable bookkeeping lands in worker records;
// the controller itself can restart without losing the fleet.
package controller

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/config"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
	"github.com/tgcast/tgcast/internal/queue"
	"github.com/tgcast/tgcast/internal/store"
	"github.com/tgcast/tgcast/internal/supervisor"
)

// reconcileInterval is the drift-check cadence; events kick an immediate
// pass through the kick channel.
const reconcileInterval = 30 * time.Second

// failureStreakWindow is how long a run of failures counts as one streak.
const failureStreakWindow = 10 * time.Minute

// restartGap separates the stop and start halves of a restart.
const restartGap = time.Second

// Disarmer clears a channel's auto-end timer on explicit stops.
type Disarmer interface {
	Disarm(ctx context.Context, channelID string) error
}

// Publisher receives stream_state and alert events.
type Publisher interface {
	Publish(ev domain.Event)
}

// Controller supervises one worker unit per channel.
type Controller struct {
	channels *store.Channels
	accounts *store.Accounts
	workers  *store.Workers
	queue    *queue.Engine
	sup      supervisor.Supervisor
	disarmer Disarmer
	pub      Publisher
	client   *redis.Client
	cfg      *config.Config
	logger   zerolog.Logger

	kick chan struct{}
	now  func() time.Time
}

// New wires the controller. The caller connects the supervisor's exit
// callback to OnWorkerExit.
func New(db *store.DB, accounts *store.Accounts, q *queue.Engine, sup supervisor.Supervisor,
	disarmer Disarmer, pub Publisher, client *redis.Client, cfg *config.Config) *Controller {
	return &Controller{
		channels: db.Channels(),
		accounts: accounts,
		workers:  db.Workers(),
		queue:    q,
		sup:      sup,
		disarmer: disarmer,
		pub:      pub,
		client:   client,
		cfg:      cfg,
		logger:   log.WithComponent("controller"),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// UnitName maps a channel onto its supervisor unit.
func UnitName(channelID string) string { return "worker-" + channelID }

// StartChannel sets the channel's desired state to running and starts its
// worker. The desired-state write validates the account session in the
// same transaction, so a degraded account refuses the start here.
func (c *Controller) StartChannel(ctx context.Context, channelID string) error {
	if err := c.channels.SetDesiredRunning(ctx, channelID); err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonSessionUnavailable {
			c.pub.Publish(domain.Event{
				Type:       domain.EventSystemAlert,
				OccurredAt: c.now(),
				Payload: domain.SystemAlert{
					Code:     domain.AlertStartRefused,
					Severity: "warning",
					Message:  "start refused for channel " + channelID + ": session unavailable",
				},
			})
		}
		return err
	}
	if err := c.workers.ResetRestarts(ctx, channelID); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldChannelID, channelID).Msg("restart counter reset failed")
	}
	return c.ensureStarted(ctx, channelID)
}

// StopChannel sets desired stopped and winds the worker down within the
// graceful window.
func (c *Controller) StopChannel(ctx context.Context, channelID string) error {
	if err := c.channels.SetDesiredStopped(ctx, channelID); err != nil {
		return err
	}
	return c.ensureStopped(ctx, channelID)
}

// RestartChannel is stop, a short gap, then start.
func (c *Controller) RestartChannel(ctx context.Context, channelID string) error {
	if err := c.StopChannel(ctx, channelID); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(restartGap):
	}
	return c.StartChannel(ctx, channelID)
}

// RequestStop implements the auto-end controller's stop hook.
func (c *Controller) RequestStop(ctx context.Context, channelID, reason string) error {
	c.logger.Info().Str(log.FieldChannelID, channelID).Str(log.FieldReason, reason).
		Msg("stop requested")
	return c.StopChannel(ctx, channelID)
}

// HoldAccount stops every worker bound to an account whose session became
// unusable. Desired state flips to stopped so the reconcile loop does not
// fight the hold.
func (c *Controller) HoldAccount(ctx context.Context, accountID string) error {
	chans, err := c.channels.ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, ch := range chans {
		if ch.DesiredState != domain.DesiredRunning {
			continue
		}
		if err := c.StopChannel(ctx, ch.ID); err != nil {
			c.logger.Error().Err(err).Str(log.FieldChannelID, ch.ID).
				Str(log.FieldAccountID, accountID).Msg("hold: stop failed")
		}
	}
	return nil
}

// Kick requests an immediate reconcile pass.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run drives the reconciliation loop until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	c.logger.Info().Msg("process controller running")

	// Initial pass picks up state left by a previous daemon.
	c.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Reconcile(ctx)
		case <-c.kick:
			c.Reconcile(ctx)
		}
	}
}

// Reconcile compares every channel's desired state with the supervisor's
// view and corrects drift.
func (c *Controller) Reconcile(ctx context.Context) {
	chans, err := c.channels.List(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("reconcile: channel list failed")
		return
	}
	running := 0
	for _, ch := range chans {
		status, err := c.sup.Status(ctx, UnitName(ch.ID))
		if err != nil {
			c.logger.Warn().Err(err).Str(log.FieldChannelID, ch.ID).Msg("reconcile: status failed")
			continue
		}
		switch {
		case ch.DesiredState == domain.DesiredRunning && status != supervisor.StatusActive:
			if c.restartDue(ctx, ch.ID) {
				if err := c.ensureStarted(ctx, ch.ID); err != nil {
					c.logger.Warn().Err(err).Str(log.FieldChannelID, ch.ID).Msg("reconcile: start failed")
				}
			}
		case ch.DesiredState == domain.DesiredStopped && status == supervisor.StatusActive:
			if err := c.ensureStopped(ctx, ch.ID); err != nil {
				c.logger.Warn().Err(err).Str(log.FieldChannelID, ch.ID).Msg("reconcile: stop failed")
			}
		case ch.DesiredState == domain.DesiredRunning && status == supervisor.StatusActive:
			running++
		}
	}
	metrics.StreamsActive.Set(float64(running))
}

// restartDue honors WorkerRecord.NextRestartAt so crash-looping workers
// wait out their backoff.
func (c *Controller) restartDue(ctx context.Context, channelID string) bool {
	rec, err := c.workers.Get(ctx, channelID)
	if err != nil {
		// No record yet means a fresh channel; start immediately.
		return true
	}
	return rec.NextRestartAt.IsZero() || !c.now().Before(rec.NextRestartAt)
}

func (c *Controller) ensureStarted(ctx context.Context, channelID string) error {
	ch, err := c.channels.Get(ctx, channelID)
	if err != nil {
		return err
	}
	// Re-check the account gate: reconcile may run long after the
	// desired-state write.
	acc, err := c.accounts.Get(ctx, ch.AccountID)
	if err != nil {
		return err
	}
	if acc.State != domain.AccountActive {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonSessionUnavailable,
			"account session is "+string(acc.State))
	}

	name := UnitName(channelID)
	status, err := c.sup.Status(ctx, name)
	if err != nil {
		return err
	}
	if status == supervisor.StatusActive {
		return nil
	}

	now := c.now()
	if err := c.workers.Upsert(ctx, &domain.WorkerRecord{
		ChannelID: channelID,
		Handle:    name,
		Lifecycle: domain.WorkerStarting,
		StartedAt: now,
	}); err != nil {
		return err
	}
	if err := c.channels.SetObservedState(ctx, channelID, domain.ObservedStarting); err != nil {
		return err
	}

	if err := c.sup.Start(ctx, name, c.workerSpec(ch)); err != nil {
		if err == supervisor.ErrAlreadyRunning {
			return nil
		}
		_ = c.channels.SetObservedState(ctx, channelID, domain.ObservedError)
		return apperr.Wrap(apperr.KindInternal, "worker start", err)
	}

	if err := c.workers.Upsert(ctx, &domain.WorkerRecord{
		ChannelID: channelID,
		Handle:    name,
		Lifecycle: domain.WorkerRunning,
		StartedAt: now,
	}); err != nil {
		return err
	}
	if err := c.channels.SetObservedState(ctx, channelID, domain.ObservedRunning); err != nil {
		return err
	}
	c.logger.Info().Str(log.FieldChannelID, channelID).Msg("worker started")
	return nil
}

func (c *Controller) ensureStopped(ctx context.Context, channelID string) error {
	name := UnitName(channelID)
	status, err := c.sup.Status(ctx, name)
	if err != nil {
		return err
	}
	if status == supervisor.StatusActive || status == supervisor.StatusActivating {
		if err := c.channels.SetObservedState(ctx, channelID, domain.ObservedStopping); err != nil {
			return err
		}
		if err := c.sup.Stop(ctx, name); err != nil {
			return apperr.Wrap(apperr.KindInternal, "worker stop", err)
		}
	}

	if err := c.disarmer.Disarm(ctx, channelID); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldChannelID, channelID).Msg("auto-end disarm failed")
	}
	if err := c.workers.Upsert(ctx, &domain.WorkerRecord{
		ChannelID: channelID,
		Handle:    name,
		Lifecycle: domain.WorkerStopped,
	}); err != nil {
		return err
	}
	if err := c.channels.SetObservedState(ctx, channelID, domain.ObservedStopped); err != nil {
		return err
	}
	c.pub.Publish(domain.Event{
		Type:       domain.EventStreamState,
		ChannelID:  channelID,
		OccurredAt: c.now(),
		Payload:    domain.StreamStateChange{State: domain.StreamStopped},
	})
	c.logger.Info().Str(log.FieldChannelID, channelID).Msg("worker stopped")
	return nil
}

// OnWorkerExit is the supervisor exit callback. Deliberate stops never
// reach it; anything arriving here is a worker death subject to the
// restart policy.
func (c *Controller) OnWorkerExit(name string, exitErr error) {
	channelID, ok := channelFromUnit(name)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := c.logger.With().Str(log.FieldChannelID, channelID).Logger()
	errText := ""
	if exitErr != nil {
		errText = exitErr.Error()
	}
	logger.Warn().Str("error", errText).Msg("worker exited")

	ch, err := c.channels.Get(ctx, channelID)
	if err != nil {
		logger.Error().Err(err).Msg("exit handling: channel load failed")
		return
	}
	if ch.DesiredState != domain.DesiredRunning {
		// Raced with an operator stop; nothing to restart.
		return
	}

	streakStart, err := c.workers.FailureStreakStart(ctx, channelID)
	if err != nil {
		logger.Error().Err(err).Msg("exit handling: streak read failed")
		return
	}
	fresh := streakStart.IsZero() || c.now().Sub(streakStart) > failureStreakWindow

	next := c.now().Add(c.cfg.WorkerRestartBackoff)
	attempts, err := c.workers.BumpRestart(ctx, channelID, next, fresh)
	if err != nil {
		logger.Error().Err(err).Msg("exit handling: restart bump failed")
		return
	}
	_ = c.workers.Upsert(ctx, &domain.WorkerRecord{
		ChannelID:       channelID,
		Handle:          name,
		Lifecycle:       domain.WorkerFailed,
		LastError:       errText,
		RestartAttempts: attempts,
		NextRestartAt:   next,
	})
	metrics.WorkerRestarts.WithLabelValues(channelID).Inc()

	if attempts >= c.cfg.WorkerRestartAttemptsBeforeError {
		logger.Error().Int("attempts", attempts).Msg("restart budget exhausted, channel in error")
		_ = c.channels.SetDesiredStopped(ctx, channelID)
		_ = c.channels.SetObservedState(ctx, channelID, domain.ObservedError)
		c.pub.Publish(domain.Event{
			Type:       domain.EventSystemAlert,
			ChannelID:  channelID,
			OccurredAt: c.now(),
			Payload: domain.SystemAlert{
				Code:     domain.AlertRestartsExhausted,
				Severity: "error",
				Message: fmt.Sprintf("channel %s disabled after %d failed restarts; operator action required",
					channelID, attempts),
			},
		})
		return
	}

	_ = c.channels.SetObservedState(ctx, channelID, domain.ObservedError)
	logger.Info().Int("attempts", attempts).Time("next_restart", next).Msg("restart scheduled")
}

func channelFromUnit(name string) (string, bool) {
	const prefix = "worker-"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return "", false
	}
	return name[len(prefix):], true
}

// workerSpec builds the bootstrap for one worker process: channel id and
// store coordinates, nothing more. The worker loads its own channel
// record and credentials.
func (c *Controller) workerSpec(ch *domain.Channel) supervisor.Spec {
	return supervisor.Spec{
		Command: c.cfg.WorkerBinary,
		Args:    []string{"--channel", ch.ID},
		Env: []string{
			config.EnvSharedStoreURL + "=" + c.cfg.SharedStoreURL,
			config.EnvRelationalStoreURL + "=" + c.cfg.RelationalStoreURL,
			"WORKER_CHANNEL_ID=" + ch.ID,
		},
	}
}

// HealthSummary is the per-channel operational snapshot served to the ops
// surface.
type HealthSummary struct {
	ChannelID      string               `json:"channel_id"`
	DesiredState   domain.DesiredState  `json:"desired_state"`
	ObservedState  domain.ObservedState `json:"observed_state"`
	UptimeSeconds  int64                `json:"uptime_seconds"`
	CurrentTrackID string               `json:"current_track_id,omitempty"`
	QueueSize      int                  `json:"queue_size"`
	Listeners      int                  `json:"listeners"`
	Placeholder    bool                 `json:"placeholder"`
	RestartCount   int                  `json:"restart_count"`
	LastError      string               `json:"last_error,omitempty"`
}

// ChannelStatus assembles the health summary from the stores and the
// worker's reported position, never by shelling into the host.
func (c *Controller) ChannelStatus(ctx context.Context, channelID string) (*HealthSummary, error) {
	ch, err := c.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	sum := &HealthSummary{
		ChannelID:     channelID,
		DesiredState:  ch.DesiredState,
		ObservedState: ch.ObservedState,
	}
	if rec, err := c.workers.Get(ctx, channelID); err == nil {
		sum.RestartCount = rec.RestartAttempts
		sum.LastError = rec.LastError
		if rec.Lifecycle == domain.WorkerRunning && !rec.StartedAt.IsZero() {
			sum.UptimeSeconds = int64(c.now().Sub(rec.StartedAt) / time.Second)
		}
	}
	if st, err := c.queue.ReadState(ctx, channelID); err == nil {
		sum.CurrentTrackID = st.CurrentItemID
		sum.Placeholder = st.PlaceholderActive
	}
	if n, err := c.queue.Len(ctx, channelID); err == nil {
		sum.QueueSize = n
	}
	if raw, err := c.client.Get(ctx, coord.ListenersKey(channelID)).Result(); err == nil {
		if n, err := strconv.Atoi(raw); err == nil {
			sum.Listeners = n
		}
	}
	return sum, nil
}
