// SPDX-License-Identifier: MIT

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeEvent rebuilds a typed event from its wire form so consumers can
// type-assert payloads instead of walking maps. Unknown event types
// decode with the payload left as raw JSON so forward-compatible
// consumers can ignore them.
func DecodeEvent(raw []byte) (Event, error) {
	var wire struct {
		Type       EventType       `json:"type"`
		ChannelID  string          `json:"channel_id"`
		OccurredAt jsonTime        `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev := Event{
		Type:       wire.Type,
		ChannelID:  wire.ChannelID,
		OccurredAt: wire.OccurredAt.t,
	}
	if len(wire.Payload) == 0 {
		return ev, nil
	}

	decode := func(v any) error {
		if err := json.Unmarshal(wire.Payload, v); err != nil {
			return fmt.Errorf("decode %s payload: %w", wire.Type, err)
		}
		return nil
	}
	switch wire.Type {
	case EventQueueUpdate:
		var p QueueUpdate
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventTrackChange:
		var p TrackChange
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventTrackError:
		var p TrackError
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventPositionUpdate:
		var p PositionUpdate
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventStreamState:
		var p StreamStateChange
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventListenersUpdate:
		var p ListenersUpdate
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventAutoEndWarning:
		var p AutoEndWarning
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventAutoEndTriggered:
		var p AutoEndTriggered
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventSystemAlert:
		var p SystemAlert
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	case EventMetricsSnapshot:
		var p MetricsSnapshot
		if err := decode(&p); err != nil {
			return Event{}, err
		}
		ev.Payload = p
	default:
		ev.Payload = wire.Payload
	}
	return ev, nil
}

// jsonTime tolerates both RFC 3339 and empty timestamps.
type jsonTime struct {
	t time.Time
}

func (j *jsonTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || string(b) == `""` {
		return nil
	}
	return j.t.UnmarshalJSON(b)
}
