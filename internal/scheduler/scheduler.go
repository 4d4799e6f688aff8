// SPDX-License-Identifier: MIT

// Package scheduler fires persisted triggers: at the scheduled instant a
// trigger's playlist is enqueued on its channel and the channel is ensured
// running, through the same entry points an operator would use. Firing is
// at-most-once per occurrence; a dedup marker in the shared store survives
// daemon restarts and covers concurrent daemons.
package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
	"github.com/tgcast/tgcast/internal/ratelimit"
	"github.com/tgcast/tgcast/internal/store"
)

const (
	dedupTTL = 24 * time.Hour
	// maxOccurrencesPerSweep bounds a cron expression that would otherwise
	// flood the queue after long downtime.
	maxOccurrencesPerSweep = 32
)

// Enqueuer is the queue entry point a fire goes through.
type Enqueuer interface {
	Add(ctx context.Context, channelID string, item domain.PlaylistItem, tier domain.Tier) (int, error)
}

// Starter ensures the channel's worker runs after a fire.
type Starter interface {
	StartChannel(ctx context.Context, channelID string) error
}

// Admitter rate-limits fires in the elevated bucket.
type Admitter interface {
	Admit(ctx context.Context, identity, bucket string) (ratelimit.Decision, error)
}

// Source resolves a trigger's playlist_ref into queueable items.
type Source interface {
	Items(ctx context.Context, ref, channelID string) ([]domain.PlaylistItem, error)
}

// Scheduler owns the firing loop.
type Scheduler struct {
	triggers *store.Triggers
	channels *store.Channels
	items    *store.Items
	queue    Enqueuer
	starter  Starter
	limiter  Admitter
	source   Source
	client   *redis.Client
	logger   zerolog.Logger

	tick  time.Duration
	grace time.Duration

	lastSweep time.Time
	now       func() time.Time
}

// New builds the scheduler. grace is the catch-up window for fires missed
// while the daemon was down.
func New(db *store.DB, queue Enqueuer, starter Starter, limiter Admitter, source Source,
	client *redis.Client, tick, grace time.Duration) *Scheduler {
	return &Scheduler{
		triggers: db.Triggers(),
		channels: db.Channels(),
		items:    db.Items(),
		queue:    queue,
		starter:  starter,
		limiter:  limiter,
		source:   source,
		client:   client,
		logger:   log.WithComponent("scheduler"),
		tick:     tick,
		grace:    grace,
		now:      time.Now,
	}
}

// Run sweeps until the context is canceled. The first sweep's window opens
// the catch-up grace into the past.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lastSweep = s.now().Add(-s.grace)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep fires every occurrence that fell into (lastSweep, now].
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	from := s.lastSweep
	if from.IsZero() {
		from = now.Add(-s.grace)
	}
	s.lastSweep = now

	triggers, err := s.triggers.ListEnabled(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("trigger list failed, sweep skipped")
		return
	}
	for _, tr := range triggers {
		for _, occ := range s.occurrences(tr, from, now) {
			s.fire(ctx, tr, occ)
		}
		if tr.Recurrence == domain.RecurrenceOnce && !tr.At.IsZero() && !tr.At.After(from) {
			// Missed by more than the grace window: log once and retire.
			s.logger.Warn().Str(log.FieldTriggerID, tr.ID).Time("at", tr.At).
				Msg("one-shot trigger missed beyond the catch-up window, skipping")
			metrics.SchedulerFires.WithLabelValues("missed").Inc()
			s.disable(ctx, tr.ID)
		}
	}
}

// occurrences lists a trigger's firing instants inside (from, now].
func (s *Scheduler) occurrences(tr *domain.Trigger, from, now time.Time) []time.Time {
	if tr.Recurrence == domain.RecurrenceOnce {
		if !tr.At.IsZero() && tr.At.After(from) && !tr.At.After(now) {
			return []time.Time{tr.At}
		}
		return nil
	}

	sched, err := cron.ParseStandard(tr.CronExpr)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldTriggerID, tr.ID).
			Str("cron", tr.CronExpr).Msg("unparseable cron expression, trigger idle")
		return nil
	}
	var out []time.Time
	for t := sched.Next(from); !t.After(now) && len(out) < maxOccurrencesPerSweep; t = sched.Next(t) {
		out = append(out, t)
	}
	return out
}

// fire enqueues the trigger's playlist and ensures the channel runs. The
// dedup marker is taken first so a crash mid-fire errs toward not firing
// twice.
func (s *Scheduler) fire(ctx context.Context, tr *domain.Trigger, occurrence time.Time) {
	won, err := s.client.SetNX(ctx, coord.FiredKey(tr.ID, occurrence), "1", dedupTTL).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldTriggerID, tr.ID).Msg("dedup marker write failed")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		return
	}
	if !won {
		return
	}
	logger := s.logger.With().Str(log.FieldTriggerID, tr.ID).
		Str(log.FieldChannelID, tr.ChannelID).Time("occurrence", occurrence).Logger()

	ch, err := s.channels.Get(ctx, tr.ChannelID)
	if err != nil {
		logger.Warn().Err(err).Msg("trigger channel unavailable")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		return
	}

	decision, err := s.limiter.Admit(ctx, ch.AccountID, "elevated")
	if err != nil {
		logger.Warn().Err(err).Msg("admission check failed")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		return
	}
	if !decision.Allowed {
		logger.Warn().Msg("trigger fire rate limited")
		metrics.SchedulerFires.WithLabelValues("rate_limited").Inc()
		return
	}

	items, err := s.source.Items(ctx, tr.PlaylistRef, tr.ChannelID)
	if err != nil {
		logger.Warn().Err(err).Str("playlist_ref", tr.PlaylistRef).Msg("playlist resolve failed")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		return
	}

	enqueued := 0
	for i := range items {
		if err := s.items.Put(ctx, &items[i]); err != nil {
			logger.Warn().Err(err).Str(log.FieldItemID, items[i].ID).Msg("item persist failed")
			continue
		}
		if _, err := s.queue.Add(ctx, tr.ChannelID, items[i], domain.TierAdmin); err != nil {
			logger.Warn().Err(err).Str(log.FieldItemID, items[i].ID).Msg("enqueue failed")
			continue
		}
		enqueued++
	}
	if err := s.starter.StartChannel(ctx, tr.ChannelID); err != nil {
		logger.Warn().Err(err).Msg("channel start after fire failed")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		return
	}

	if tr.Recurrence == domain.RecurrenceOnce {
		s.disable(ctx, tr.ID)
	}
	metrics.SchedulerFires.WithLabelValues("fired").Inc()
	logger.Info().Int("items", enqueued).Msg("trigger fired")
}

func (s *Scheduler) disable(ctx context.Context, triggerID string) {
	if err := s.triggers.SetEnabled(ctx, triggerID, false); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldTriggerID, triggerID).Msg("trigger disable failed")
	}
}
