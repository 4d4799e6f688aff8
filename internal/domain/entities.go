// SPDX-License-Identifier: MIT

package domain

import (
	"time"

	"github.com/tgcast/tgcast/internal/secrets"
)

// Account is a Telegram user-session credential under management. The
// session material itself is an opaque secret: it is stored encrypted,
// never logged, and never leaves the process except toward the transport
// layer of a starting worker.
type Account struct {
	ID              string
	OwnerID         string
	Label           string
	Material        secrets.Material
	State           AccountState
	LastValidatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Channel is one broadcast target (a Telegram chat's voice chat) plus the
// per-channel playback policy.
type Channel struct {
	ID              string
	AccountID       string
	ChatTarget      string
	DisplayName     string
	Kind            StreamKind
	EncoderArgs     []string
	PlaceholderPath string
	Discipline      Discipline
	MaxQueueLength  int
	AutoEndSeconds  int
	DesiredState    DesiredState
	ObservedState   ObservedState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Source identifies a playlist item's media origin.
type Source struct {
	Kind  SourceKind `json:"kind"`
	Value string     `json:"value"`
}

// PlaylistItem is one queued piece of media for a channel.
type PlaylistItem struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	Source          Source     `json:"source"`
	Title           string     `json:"title,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	Thumbnail       string     `json:"thumbnail,omitempty"`
	CodecProfile    string     `json:"codec_profile,omitempty"`
	Status          ItemStatus `json:"status"`
	RequesterID     string     `json:"requester_id,omitempty"`
	RequesterTier   Tier       `json:"requester_tier,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// WorkerRecord is the controller's durable bookkeeping for one channel's
// worker process.
type WorkerRecord struct {
	ChannelID       string
	Handle          string
	Lifecycle       WorkerLifecycle
	LastError       string
	RestartAttempts int
	NextRestartAt   time.Time
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// Recurrence is a trigger's firing mode.
type Recurrence string

const (
	RecurrenceOnce      Recurrence = "once"
	RecurrenceRecurring Recurrence = "recurring"
)

// Trigger schedules a playlist onto a channel, either once at a wall-clock
// instant or repeatedly on a cron expression.
type Trigger struct {
	ID          string
	ChannelID   string
	PlaylistRef string
	CronExpr    string
	At          time.Time
	Recurrence  Recurrence
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Principal is the authenticated caller identity attached by the outer
// HTTP surface. The core trusts it as given.
type Principal struct {
	ID   string
	Role Role
}
