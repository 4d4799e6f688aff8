// SPDX-License-Identifier: MIT

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcast/tgcast/internal/domain"
)

func event(t domain.EventType, channelID string) domain.Event {
	return domain.Event{Type: t, ChannelID: channelID, OccurredAt: time.Now()}
}

func drain(sub *Subscriber) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishRespectsFilters(t *testing.T) {
	h := New()
	all := h.Subscribe(Filter{})
	chOnly := h.Subscribe(Filter{ChannelID: "ch-1"})
	typeOnly := h.Subscribe(Filter{Types: map[domain.EventType]bool{domain.EventTrackChange: true}})
	defer func() {
		h.Unsubscribe(all.ID)
		h.Unsubscribe(chOnly.ID)
		h.Unsubscribe(typeOnly.ID)
	}()

	h.Publish(event(domain.EventQueueUpdate, "ch-1"))
	h.Publish(event(domain.EventQueueUpdate, "ch-2"))
	h.Publish(event(domain.EventTrackChange, "ch-2"))
	h.Publish(event(domain.EventSystemAlert, ""))

	assert.Len(t, drain(all), 4)
	// ch-1 events plus the channel-less alert.
	assert.Len(t, drain(chOnly), 2)
	assert.Len(t, drain(typeOnly), 1)
}

func TestPerChannelOrderPreserved(t *testing.T) {
	h := New()
	sub := h.Subscribe(Filter{ChannelID: "ch-1"})
	defer h.Unsubscribe(sub.ID)

	for i := 0; i < 50; i++ {
		h.Publish(domain.Event{
			Type:      domain.EventPositionUpdate,
			ChannelID: "ch-1",
			Payload:   domain.PositionUpdate{PositionSeconds: i},
		})
	}
	got := drain(sub)
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload.(domain.PositionUpdate).PositionSeconds)
	}
}

func TestOverflowDropsOldestAndFlagsCatchup(t *testing.T) {
	h := New()
	h.bufSize = 4
	sub := h.Subscribe(Filter{})
	defer h.Unsubscribe(sub.ID)

	for i := 0; i < 6; i++ {
		h.Publish(domain.Event{
			Type:    domain.EventPositionUpdate,
			Payload: domain.PositionUpdate{PositionSeconds: i},
		})
	}

	got := drain(sub)
	require.Len(t, got, 4)
	// The two oldest were dropped.
	assert.Equal(t, 2, got[0].Payload.(domain.PositionUpdate).PositionSeconds)
	assert.True(t, sub.CatchupPending())
	// The flag clears once reported.
	assert.False(t, sub.CatchupPending())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := New()
	sub := h.Subscribe(Filter{})
	h.Unsubscribe(sub.ID)
	h.Unsubscribe(sub.ID)
	assert.Zero(t, h.SubscriberCount())

	// Publishing after unsubscribe must not panic on the closed channel.
	h.Publish(event(domain.EventSystemAlert, ""))
	_, open := <-sub.C
	assert.False(t, open)
}

func TestRedisBridgeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := New()
	sub := h.Subscribe(Filter{})
	defer h.Unsubscribe(sub.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := NewRelay(client, h)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(ctx)
	}()

	// PSubscribe needs to be attached before publishing.
	time.Sleep(50 * time.Millisecond)

	pub := NewRedisPublisher(client)
	pub.Publish(domain.Event{
		Type:      domain.EventStreamState,
		ChannelID: "ch-1",
		Payload:   domain.StreamStateChange{State: domain.StreamRunning},
	})

	select {
	case ev := <-sub.C:
		assert.Equal(t, domain.EventStreamState, ev.Type)
		assert.Equal(t, "ch-1", ev.ChannelID)
		payload, ok := ev.Payload.(domain.StreamStateChange)
		assert.True(t, ok)
		assert.Equal(t, domain.StreamRunning, payload.State)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event never arrived")
	}

	cancel()
	<-relayDone
}
