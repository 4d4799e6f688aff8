// SPDX-License-Identifier: MIT

package coord

import (
	"fmt"
	"time"
)

// Key shapes in the shared store. Keep these together: external tooling
// (redis-cli debugging, retention scripts) depends on the layout.

// QueueKey is the FIFO list of item ids for a channel.
func QueueKey(channelID string) string { return "queue:" + channelID }

// QueueZKey is the priority-scored set of item ids for a channel.
func QueueZKey(channelID string) string { return "queue:z:" + channelID }

// ItemKey holds one queued item's JSON blob.
func ItemKey(channelID, itemID string) string {
	return "queue:item:" + channelID + ":" + itemID
}

// QueueStateKey is the hash carrying a channel queue's discipline,
// current item and bookkeeping fields.
func QueueStateKey(channelID string) string { return "queue_state:" + channelID }

// SkipIntentKey marks a pending skip for the playing track.
func SkipIntentKey(channelID string) string { return "queue:skip:" + channelID }

// AutoEndKey is the TTL-bearing auto-end timer blob for a channel.
func AutoEndKey(channelID string) string { return "auto_end:" + channelID }

// RateKey is one fixed-window rate counter.
func RateKey(bucket, identity string, window int64) string {
	return fmt.Sprintf("rate:%s:%s:%d", bucket, identity, window)
}

// WindowIndex maps an instant onto its fixed-window index.
func WindowIndex(now time.Time, window time.Duration) int64 {
	return now.Unix() / int64(window/time.Second)
}

// FiredKey is the scheduler's at-most-once dedup marker for one trigger
// firing instant.
func FiredKey(triggerID string, firedAt time.Time) string {
	return fmt.Sprintf("scheduler:fired:%s:%d", triggerID, firedAt.Unix())
}

// ControlKey is the per-channel list of pending worker control commands
// (pause, resume, seek, settings).
func ControlKey(channelID string) string { return "worker:ctl:" + channelID }

// ControlReplyKey carries one command's reply blob, TTL-bounded.
func ControlReplyKey(channelID, commandID string) string {
	return "worker:ctlreply:" + channelID + ":" + commandID
}

// AuthErrorQueueKey is the list workers push account ids onto when the
// transport rejects their credential; the session manager drains it.
func AuthErrorQueueKey() string { return "session:auth_errors" }

// PositionKey carries the playing worker's last reported playback position.
func PositionKey(channelID string) string { return "worker:pos:" + channelID }

// ListenersKey carries the last reported listener count for a channel.
func ListenersKey(channelID string) string { return "worker:listeners:" + channelID }
