// SPDX-License-Identifier: MIT

// Package domain holds the entities and enumerations shared by the core
// components. It is decoupled from storage and transport representations.
package domain

// AccountState tracks the validity of a Telegram user-session credential.
type AccountState string

const (
	AccountActive   AccountState = "active"
	AccountDegraded AccountState = "degraded"
	AccountRevoked  AccountState = "revoked"
)

// DesiredState is the operator-controlled target state of a channel.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ObservedState is the controller's view of a channel's worker.
type ObservedState string

const (
	ObservedStopped  ObservedState = "stopped"
	ObservedStarting ObservedState = "starting"
	ObservedRunning  ObservedState = "running"
	ObservedStopping ObservedState = "stopping"
	ObservedError    ObservedState = "error"
	ObservedUnknown  ObservedState = "unknown"
)

// StreamKind selects the media kind a channel broadcasts.
type StreamKind string

const (
	StreamAudio StreamKind = "audio"
	StreamVideo StreamKind = "video"
)

// SourceKind classifies where a playlist item's media comes from.
type SourceKind string

const (
	SourceWebURL      SourceKind = "web_url"
	SourceLocalPath   SourceKind = "local_path"
	SourceRadioStream SourceKind = "radio_stream"
)

// ItemStatus is the playback status of a playlist item. Transitions are
// monotonic except queued-to-queued reorderings.
type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemPlaying ItemStatus = "playing"
	ItemPlayed  ItemStatus = "played"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"
)

// Discipline is a channel queue's ordering policy.
type Discipline string

const (
	DisciplineFIFO     Discipline = "fifo"
	DisciplinePriority Discipline = "priority"
)

// Tier is the coarse priority tier used by the priority discipline.
// Lower base wins; time breaks ties within a tier.
type Tier string

const (
	TierVIP   Tier = "vip"
	TierAdmin Tier = "admin"
	TierUser  Tier = "user"
)

// Base returns the score base for the tier under the priority discipline.
func (t Tier) Base() float64 {
	switch t {
	case TierVIP:
		return 0
	case TierAdmin:
		return 1000
	default:
		return 2000
	}
}

// Role is the principal role attached by the (external) HTTP surface.
type Role string

const (
	RoleUser       Role = "user"
	RoleOperator   Role = "operator"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// Tier maps a principal role onto a priority tier. VIP is never derived
// from a role; it is assigned explicitly via PriorityAdd.
func (r Role) Tier() Tier {
	switch r {
	case RoleAdmin, RoleSuperadmin, RoleModerator:
		return TierAdmin
	default:
		return TierUser
	}
}

// WorkerLifecycle is the controller-owned lifecycle of one worker process.
type WorkerLifecycle string

const (
	WorkerStarting WorkerLifecycle = "starting"
	WorkerRunning  WorkerLifecycle = "running"
	WorkerStopping WorkerLifecycle = "stopping"
	WorkerStopped  WorkerLifecycle = "stopped"
	WorkerFailed   WorkerLifecycle = "failed"
)

// StreamState is the worker-reported playback state of a channel.
type StreamState string

const (
	StreamStarting    StreamState = "starting"
	StreamRunning     StreamState = "running"
	StreamPaused      StreamState = "paused"
	StreamStopping    StreamState = "stopping"
	StreamStopped     StreamState = "stopped"
	StreamPlaceholder StreamState = "placeholder"
	StreamError       StreamState = "error"
)
