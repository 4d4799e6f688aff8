// SPDX-License-Identifier: MIT

// Package audit records control-plane actions in the WHO/WHAT/WHEN shape:
// every mutation through the service facade and every session, auto-end or
// controller state change leaves a persisted event plus a structured log
// line. The trail is append-only.
package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/store"
)

// Action names. Stable identifiers; dashboards and retention tooling key on
// them.
const (
	ActionChannelCreate  = "channel.create"
	ActionChannelDelete  = "channel.delete"
	ActionChannelStart   = "channel.start"
	ActionChannelStop    = "channel.stop"
	ActionChannelRestart = "channel.restart"

	ActionQueueAdd         = "queue.add"
	ActionQueuePriorityAdd = "queue.priority_add"
	ActionQueueRemove      = "queue.remove"
	ActionQueueMove        = "queue.move"
	ActionQueueSkip        = "queue.skip"
	ActionQueueClear       = "queue.clear"
	ActionQueueDiscipline  = "queue.set_discipline"

	ActionAccountCreate          = "account.create"
	ActionAccountRevoke          = "account.revoke"
	ActionAccountReplaceMaterial = "account.replace_material"

	ActionAutoEndSetTimeout = "auto_end.set_timeout"
	ActionAutoEndTriggered  = "auto_end.triggered"

	ActionStreamPause    = "stream.pause"
	ActionStreamResume   = "stream.resume"
	ActionStreamSeek     = "stream.seek"
	ActionStreamSettings = "stream.settings"

	ActionTriggerCreate = "trigger.create"
	ActionTriggerDelete = "trigger.delete"
	ActionTriggerToggle = "trigger.toggle"

	ActionSessionDegraded = "session.degraded"
	ActionSessionRevoked  = "session.revoked"
)

// Results.
const (
	ResultOK     = "ok"
	ResultDenied = "denied"
	ResultError  = "error"
)

// Recorder writes the audit trail. A failed persist never fails the audited
// operation; the log line still lands.
type Recorder struct {
	repo   *store.Audit
	logger zerolog.Logger
}

// NewRecorder builds a recorder over the audit repository.
func NewRecorder(repo *store.Audit) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: log.WithComponent("audit").With().Str("log_type", "audit").Logger(),
	}
}

// Record persists one action. actor may be the system principal for
// component-originated changes.
func (r *Recorder) Record(ctx context.Context, actor domain.Principal, action, entityKind, entityID, detail string) {
	ev := store.AuditEvent{
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		Detail:     detail,
	}
	if err := r.repo.Append(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("action", action).Msg("audit persist failed")
	}
	r.logger.Info().
		Str("actor", actor.ID).
		Str("role", string(actor.Role)).
		Str("action", action).
		Str("entity_kind", entityKind).
		Str("entity_id", entityID).
		Str("detail", detail).
		Msg("audit event")
}

// System is the principal recorded for component-originated actions.
func System() domain.Principal {
	return domain.Principal{ID: "system", Role: domain.RoleSuperadmin}
}

// List exposes the trail for the facade's ListAuditEvents.
func (r *Recorder) List(ctx context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	return r.repo.List(ctx, f)
}
