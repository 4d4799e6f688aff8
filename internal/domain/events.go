// SPDX-License-Identifier: MIT

package domain

import "time"

// EventType names a hub event. The wire names are a published contract;
// renaming one breaks external consumers.
type EventType string

const (
	EventQueueUpdate      EventType = "queue_update"
	EventTrackChange      EventType = "track_change"
	EventTrackError       EventType = "track_error"
	EventPositionUpdate   EventType = "position_update"
	EventStreamState      EventType = "stream_state"
	EventListenersUpdate  EventType = "listeners_update"
	EventAutoEndWarning   EventType = "auto_end_warning"
	EventAutoEndTriggered EventType = "auto_end_triggered"
	EventSystemAlert      EventType = "system_alert"
	EventMetricsSnapshot  EventType = "metrics_snapshot"
)

// Event is the envelope fanned out to hub subscribers. Payload carries one
// of the typed payloads below; it must never contain session material.
type Event struct {
	Type       EventType `json:"type"`
	ChannelID  string    `json:"channel_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// QueueAction describes what changed in a queue_update event. advance is
// the engine-driven pop when a worker takes the next item or falls back to
// the placeholder; the others map to caller operations.
type QueueAction string

const (
	QueueActionAdd         QueueAction = "add"
	QueueActionPriorityAdd QueueAction = "priority_add"
	QueueActionRemove      QueueAction = "remove"
	QueueActionMove        QueueAction = "move"
	QueueActionClear       QueueAction = "clear"
	QueueActionAdvance     QueueAction = "advance"
)

// QueueUpdate is the payload of a queue_update event.
type QueueUpdate struct {
	Action            QueueAction   `json:"action"`
	Item              *PlaylistItem `json:"item,omitempty"`
	Size              int           `json:"queue_size"`
	PlaceholderActive bool          `json:"placeholder_active,omitempty"`
}

// TrackChange reasons: why the previous track ended.
const (
	TrackChangeNatural = "natural"
	TrackChangeSkip    = "skip"
	TrackChangeError   = "error"
)

// TrackChange is the payload of a track_change event. PreviousID names
// the track that just ended, if any; Reason says why it ended.
type TrackChange struct {
	Item        PlaylistItem `json:"item"`
	PreviousID  string       `json:"previous_id,omitempty"`
	Reason      string       `json:"reason"`
	Placeholder bool         `json:"placeholder,omitempty"`
}

// Track error reasons, the closed reason set of track_error events.
const (
	TrackErrorUnreachable = "unreachable"
	TrackErrorDecode      = "decode"
	TrackErrorTransport   = "transport"
	TrackErrorUnknown     = "unknown"
)

// TrackError is the payload of a track_error event.
type TrackError struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// PositionUpdate is the payload of a position_update event, emitted by the
// playing worker once per second of playback.
type PositionUpdate struct {
	ItemID          string `json:"item_id"`
	PositionSeconds int    `json:"position_seconds"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// StreamStateChange is the payload of a stream_state event.
type StreamStateChange struct {
	State    StreamState `json:"state"`
	Previous StreamState `json:"previous,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// ListenersUpdate is the payload of a listeners_update event.
type ListenersUpdate struct {
	Count int `json:"count"`
}

// AutoEndWarning is the payload of an auto_end_warning event, emitted at
// each configured warning point while a channel idles toward auto-end.
type AutoEndWarning struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// AutoEndTriggered is the payload of an auto_end_triggered event.
type AutoEndTriggered struct {
	Reason string `json:"reason"`
}

// System alert codes.
const (
	AlertSessionDegraded   = "session_degraded"
	AlertSessionRecovered  = "session_recovered"
	AlertSessionRevoked    = "session_revoked"
	AlertStartRefused      = "start_refused"
	AlertRestartsExhausted = "restarts_exhausted"
	AlertParamsClamped     = "params_clamped"
)

// SystemAlert is the payload of a system_alert event.
type SystemAlert struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// MetricsSnapshot is the payload of a metrics_snapshot event pushed to
// dashboard subscribers.
type MetricsSnapshot struct {
	StreamsActive int            `json:"streams_active"`
	Listeners     map[string]int `json:"listeners,omitempty"`
	QueueSizes    map[string]int `json:"queue_sizes,omitempty"`
}
