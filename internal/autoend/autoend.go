// SPDX-License-Identifier: MIT

// Package autoend ends idle broadcasts. A channel whose listener count
// stays at zero for the debounce interval gets an armed timer persisted in
// the shared store (TTL = remaining timeout, so an expired entry is simply
// absent). Warnings fire at configured remaining-seconds points; at the
// deadline the controller asks for a stop. Timers survive daemon restarts:
// past-deadline entries fire immediately without warnings, future ones
// resume where they left off.
package autoend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/coord"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
)

const (
	// ReasonNoListeners is the auto_end_triggered reason for zero-listener
	// expiry.
	ReasonNoListeners = "no_listeners"

	// TimeoutMin and TimeoutMax bound the per-channel timeout.
	TimeoutMin = 60
	TimeoutMax = 3600

	defaultDebounce = 5 * time.Second
	defaultSweep    = time.Second
)

// Publisher receives warning and trigger events.
type Publisher interface {
	Publish(ev domain.Event)
}

// Stopper asks the process controller to wind a channel down.
type Stopper interface {
	RequestStop(ctx context.Context, channelID, reason string) error
}

// Policy is a channel's auto-end configuration at arm time.
type Policy struct {
	// Enabled is false when the channel is not supposed to be running or
	// has auto-end switched off; the controller then never arms.
	Enabled       bool
	Timeout       time.Duration
	WarningPoints []int
}

// PolicySource resolves the live policy per channel.
type PolicySource interface {
	AutoEndPolicy(ctx context.Context, channelID string) (Policy, error)
}

// Status describes a channel's timer.
type Status struct {
	Armed     bool
	Deadline  time.Time
	Remaining time.Duration
}

type timerBlob struct {
	ChannelID      string `json:"channel_id"`
	DeadlineMS     int64  `json:"deadline_ms"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	WarnPoints     []int  `json:"warn_points"`
	Warned         []int  `json:"warned,omitempty"`
	ArmedAtMS      int64  `json:"armed_at_ms"`
}

// Controller drives the idle→armed→firing cycle for every channel.
type Controller struct {
	client   *redis.Client
	pub      Publisher
	policies PolicySource
	stopper  Stopper
	logger   zerolog.Logger

	debounce time.Duration
	sweep    time.Duration
	now      func() time.Time

	mu        sync.Mutex
	zeroSince map[string]time.Time
}

// New builds the controller with the standard 5s debounce and 1s sweep.
func New(client *redis.Client, pub Publisher, policies PolicySource, stopper Stopper) *Controller {
	return &Controller{
		client:    client,
		pub:       pub,
		policies:  policies,
		stopper:   stopper,
		logger:    log.WithComponent("autoend"),
		debounce:  defaultDebounce,
		sweep:     defaultSweep,
		now:       time.Now,
		zeroSince: make(map[string]time.Time),
	}
}

// ClampTimeout validates a requested timeout in seconds and clamps it into
// [TimeoutMin, TimeoutMax]. Zero and negative values are rejected outright.
func ClampTimeout(seconds int) (int, error) {
	if seconds <= 0 {
		return 0, apperr.WithReason(apperr.KindValidation, apperr.ReasonInvalidTimeout,
			"auto-end timeout must be positive")
	}
	logger := log.WithComponent("autoend")
	if seconds < TimeoutMin {
		logger.Warn().
			Int("requested", seconds).Int("clamped", TimeoutMin).
			Msg("auto-end timeout below minimum, clamping")
		return TimeoutMin, nil
	}
	if seconds > TimeoutMax {
		logger.Warn().
			Int("requested", seconds).Int("clamped", TimeoutMax).
			Msg("auto-end timeout above maximum, clamping")
		return TimeoutMax, nil
	}
	return seconds, nil
}

// Run sweeps once per interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	c.logger.Info().Dur("debounce", c.debounce).Msg("auto-end controller running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// ObserveListeners feeds a worker's participant report into the debounce
// tracker. A non-zero count cancels any armed timer.
func (c *Controller) ObserveListeners(ctx context.Context, channelID string, count int) {
	if count > 0 {
		c.mu.Lock()
		delete(c.zeroSince, channelID)
		c.mu.Unlock()
		if err := c.Disarm(ctx, channelID); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldChannelID, channelID).Msg("disarm failed")
		}
		return
	}
	c.mu.Lock()
	if _, ok := c.zeroSince[channelID]; !ok {
		c.zeroSince[channelID] = c.now()
	}
	c.mu.Unlock()
}

// Disarm removes a channel's timer and idle tracking, as when an operator
// stops or restarts the stream explicitly. Idempotent.
func (c *Controller) Disarm(ctx context.Context, channelID string) error {
	c.mu.Lock()
	delete(c.zeroSince, channelID)
	c.mu.Unlock()
	if err := c.client.Del(ctx, coord.AutoEndKey(channelID)).Err(); err != nil {
		return coord.Unavailable("auto-end disarm", err)
	}
	return nil
}

// TimerStatus reports whether a timer is armed and when it fires.
func (c *Controller) TimerStatus(ctx context.Context, channelID string) (Status, error) {
	raw, err := c.client.Get(ctx, coord.AutoEndKey(channelID)).Result()
	if coord.IsNotFound(err) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, coord.Unavailable("auto-end status", err)
	}
	var blob timerBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return Status{}, apperr.Wrap(apperr.KindInternal, "auto-end timer blob", err)
	}
	deadline := time.UnixMilli(blob.DeadlineMS)
	return Status{Armed: true, Deadline: deadline, Remaining: deadline.Sub(c.now())}, nil
}

// Sweep runs one debounce/warn/fire pass. Run calls it on a ticker; tests
// call it directly with a controlled clock.
func (c *Controller) Sweep(ctx context.Context) {
	c.armDue(ctx)
	c.fireDue(ctx)
}

func (c *Controller) armDue(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	due := make([]string, 0, len(c.zeroSince))
	for ch, since := range c.zeroSince {
		if now.Sub(since) >= c.debounce {
			due = append(due, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range due {
		exists, err := c.client.Exists(ctx, coord.AutoEndKey(ch)).Result()
		if err != nil {
			c.logger.Warn().Err(err).Str(log.FieldChannelID, ch).Msg("auto-end arm check failed")
			continue
		}
		if exists == 1 {
			continue
		}
		policy, err := c.policies.AutoEndPolicy(ctx, ch)
		if err != nil {
			c.logger.Warn().Err(err).Str(log.FieldChannelID, ch).Msg("auto-end policy lookup failed")
			continue
		}
		if !policy.Enabled {
			c.mu.Lock()
			delete(c.zeroSince, ch)
			c.mu.Unlock()
			continue
		}
		if err := c.arm(ctx, ch, policy, now); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldChannelID, ch).Msg("auto-end arm failed")
		}
	}
}

func (c *Controller) arm(ctx context.Context, channelID string, policy Policy, now time.Time) error {
	timeout := policy.Timeout
	blob := timerBlob{
		ChannelID:      channelID,
		DeadlineMS:     now.Add(timeout).UnixMilli(),
		TimeoutSeconds: int(timeout / time.Second),
		WarnPoints:     policy.WarningPoints,
		ArmedAtMS:      now.UnixMilli(),
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal auto-end timer", err)
	}
	if err := c.client.Set(ctx, coord.AutoEndKey(channelID), raw, timeout).Err(); err != nil {
		return coord.Unavailable("auto-end arm", err)
	}
	c.logger.Info().
		Str(log.FieldChannelID, channelID).
		Time("deadline", time.UnixMilli(blob.DeadlineMS)).
		Msg("auto-end timer armed")
	return nil
}

func (c *Controller) fireDue(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, coord.AutoEndKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := c.client.Get(ctx, key).Result()
		if coord.IsNotFound(err) {
			continue
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("auto-end read failed")
			continue
		}
		var blob timerBlob
		if err := json.Unmarshal([]byte(raw), &blob); err != nil {
			c.logger.Warn().Str("key", key).Msg("auto-end timer blob undecodable, dropping")
			_ = c.client.Del(ctx, key).Err()
			continue
		}
		c.advanceTimer(ctx, key, blob)
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("auto-end scan failed")
	}
}

func (c *Controller) advanceTimer(ctx context.Context, key string, blob timerBlob) {
	now := c.now()
	remaining := time.UnixMilli(blob.DeadlineMS).Sub(now)

	if remaining <= 0 {
		c.fire(ctx, key, blob)
		return
	}

	remainingSec := int(remaining / time.Second)
	updated := false
	for _, point := range blob.WarnPoints {
		// A point beyond the full timeout can never be announced on time;
		// suppress it rather than warn late.
		if point > blob.TimeoutSeconds {
			continue
		}
		if remainingSec > point || warned(blob.Warned, point) {
			continue
		}
		blob.Warned = append(blob.Warned, point)
		updated = true
		c.pub.Publish(domain.Event{
			Type:       domain.EventAutoEndWarning,
			ChannelID:  blob.ChannelID,
			OccurredAt: now,
			Payload:    domain.AutoEndWarning{RemainingSeconds: point},
		})
		c.logger.Info().
			Str(log.FieldChannelID, blob.ChannelID).
			Int("remaining_seconds", point).
			Msg("auto-end warning")
	}
	if updated {
		raw, err := json.Marshal(blob)
		if err != nil {
			return
		}
		ttl := remaining + time.Second
		if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("auto-end warn persist failed")
		}
	}
}

func (c *Controller) fire(ctx context.Context, key string, blob timerBlob) {
	if err := c.stopper.RequestStop(ctx, blob.ChannelID, ReasonNoListeners); err != nil {
		// Keep the timer; the next sweep tries again.
		c.logger.Error().Err(err).Str(log.FieldChannelID, blob.ChannelID).
			Msg("auto-end stop request failed")
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("auto-end timer cleanup failed")
	}
	c.mu.Lock()
	delete(c.zeroSince, blob.ChannelID)
	c.mu.Unlock()

	metrics.IncAutoEnd(blob.ChannelID, ReasonNoListeners)
	c.pub.Publish(domain.Event{
		Type:       domain.EventAutoEndTriggered,
		ChannelID:  blob.ChannelID,
		OccurredAt: c.now(),
		Payload:    domain.AutoEndTriggered{Reason: ReasonNoListeners},
	})
	c.logger.Info().Str(log.FieldChannelID, blob.ChannelID).Msg("auto-end triggered")
}

func warned(list []int, point int) bool {
	for _, p := range list {
		if p == point {
			return true
		}
	}
	return false
}
