// SPDX-License-Identifier: MIT

// Package hub fans typed events out to UI subscribers. Producers never
// block: each subscriber owns a bounded buffer, and when it overflows the
// oldest event is dropped and a single catchup hint tells the client to
// re-query the REST snapshot. Per channel and producer, delivery order is
// FIFO; there is no global ordering and no acknowledgment.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/metrics"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 256

// Filter narrows what a subscriber receives. Zero value passes everything.
type Filter struct {
	// ChannelID limits delivery to one channel's events. Events without a
	// channel id (system alerts, metrics snapshots) always pass.
	ChannelID string
	// Types limits delivery to the listed event types.
	Types map[domain.EventType]bool
}

func (f Filter) match(ev domain.Event) bool {
	if f.ChannelID != "" && ev.ChannelID != "" && ev.ChannelID != f.ChannelID {
		return false
	}
	if len(f.Types) > 0 && !f.Types[ev.Type] {
		return false
	}
	return true
}

// Subscriber is one attached consumer. Events arrive on C; a closed C
// means the subscription ended.
type Subscriber struct {
	ID string
	C  <-chan domain.Event

	hub    *Hub
	ch     chan domain.Event
	mu     sync.Mutex
	filter Filter
	// dropped marks that the buffer overflowed since the last catchup
	// hint, so the next drain leads with one.
	dropped bool
	closed  bool
}

// SetFilter replaces the subscriber's filter.
func (s *Subscriber) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// CatchupPending reports and clears the overflow marker. The connection
// layer calls it before each delivery and injects a catchup_hint envelope
// when it returns true.
func (s *Subscriber) CatchupPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropped {
		return false
	}
	s.dropped = false
	return true
}

// Hub is the subscriber registry.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscriber
	bufSize int
	logger  zerolog.Logger
}

// New builds a hub with the default buffer size.
func New() *Hub {
	return &Hub{
		subs:    make(map[string]*Subscriber),
		bufSize: DefaultBufferSize,
		logger:  log.WithComponent("hub"),
	}
}

// Subscribe registers a consumer and returns its subscription.
func (h *Hub) Subscribe(f Filter) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		hub:    h,
		ch:     make(chan domain.Event, h.bufSize),
		filter: f,
	}
	sub.C = sub.ch
	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()
	metrics.WebsocketConnections.Set(float64(n))
	h.logger.Debug().Str(log.FieldSubscriberID, sub.ID).Int("subscribers", n).Msg("subscribed")
	return sub
}

// Unsubscribe detaches a subscriber and closes its event channel.
// Idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
	metrics.WebsocketConnections.Set(float64(n))
	h.logger.Debug().Str(log.FieldSubscriberID, id).Int("subscribers", n).Msg("unsubscribed")
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers ev to every matching subscriber without blocking the
// producer. A full subscriber loses its oldest buffered event.
func (h *Hub) Publish(ev domain.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed || !sub.filter.match(ev) {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop the oldest to make room; the buffer holds at least the
			// new event afterwards.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- ev
			sub.dropped = true
			metrics.IncHubDrop(sub.ID)
		}
		sub.mu.Unlock()
	}
}

// Alert publishes a system_alert event.
func (h *Hub) Alert(code, severity, message string) {
	h.Publish(domain.Event{
		Type:       domain.EventSystemAlert,
		OccurredAt: time.Now(),
		Payload:    domain.SystemAlert{Code: code, Severity: severity, Message: message},
	})
}
