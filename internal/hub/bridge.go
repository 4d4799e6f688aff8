// SPDX-License-Identifier: MIT

package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
)

// eventsChannelPrefix is the shared-store pub/sub namespace carrying
// events from worker processes to the daemon's hub.
const eventsChannelPrefix = "events:"

// RedisPublisher sends events over the shared store's pub/sub so a worker
// process can reach the daemon-side hub. It satisfies the same Publisher
// contract the hub does; publishing is fire-and-forget.
type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisPublisher builds a publisher over the shared store.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, logger: log.WithComponent("hub")}
}

// Publish serializes ev onto the channel-scoped pub/sub topic. Events
// without a channel id travel on the system topic.
func (p *RedisPublisher) Publish(ev domain.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str(log.FieldEvent, string(ev.Type)).Msg("event marshal failed")
		return
	}
	topic := eventsChannelPrefix + "system"
	if ev.ChannelID != "" {
		topic = eventsChannelPrefix + ev.ChannelID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, topic, raw).Err(); err != nil {
		p.logger.Warn().Err(err).Str(log.FieldEvent, string(ev.Type)).Msg("event publish failed")
	}
}

// Relay subscribes to every worker event topic and forwards the envelopes
// into the local hub. Run blocks until ctx is done. Because each worker
// publishes its own channel's events sequentially, per-channel order is
// preserved end to end.
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger
}

// NewRelay builds the worker-to-hub event relay.
func NewRelay(client *redis.Client, h *Hub) *Relay {
	return &Relay{client: client, hub: h, logger: log.WithComponent("hub")}
}

// Run consumes the pub/sub stream until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, eventsChannelPrefix+"*")
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	r.logger.Info().Msg("event relay running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := domain.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn().Str("topic", msg.Channel).Msg("undecodable relayed event dropped")
				continue
			}
			r.hub.Publish(ev)
		}
	}
}

// SnapshotSource produces the data for periodic metrics_snapshot events.
type SnapshotSource func(ctx context.Context) domain.MetricsSnapshot

// RunSnapshots publishes a metrics_snapshot event every interval (5s
// minimum, matching the event throttle) until ctx is done.
func (h *Hub) RunSnapshots(ctx context.Context, interval time.Duration, source SnapshotSource) error {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Publish(domain.Event{
				Type:       domain.EventMetricsSnapshot,
				OccurredAt: time.Now(),
				Payload:    source(ctx),
			})
		}
	}
}
