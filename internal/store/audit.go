// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
)

// AuditEvent is one recorded control-plane action: who did what to which
// entity, when. Detail is free text bounded by the writer.
type AuditEvent struct {
	Seq        int64
	ActorID    string
	ActorRole  string
	Action     string
	EntityKind string
	EntityID   string
	Detail     string
	OccurredAt time.Time
}

// AuditFilter narrows a ListAuditEvents query. Zero values match all.
type AuditFilter struct {
	ActorID    string
	Action     string
	EntityKind string
	EntityID   string
	Since      time.Time
	Limit      int
}

// Audit is the append-only audit trail repository.
type Audit struct {
	s *DB
}

// Audit returns the audit repository.
func (s *DB) Audit() *Audit { return &Audit{s: s} }

// Append records one action.
func (a *Audit) Append(ctx context.Context, ev AuditEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO audit_events (actor_id, actor_role, action, entity_kind, entity_id, detail, occurred_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ActorID, ev.ActorRole, ev.Action, ev.EntityKind, ev.EntityID,
		truncate(ev.Detail, 1024), ms(ev.OccurredAt))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "append audit event", err)
	}
	return nil
}

// List returns matching events, newest first.
func (a *Audit) List(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	q := `SELECT seq, actor_id, actor_role, action, entity_kind, entity_id, detail, occurred_at_ms
		FROM audit_events WHERE 1=1`
	var args []any
	if f.ActorID != "" {
		q += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.EntityKind != "" {
		q += " AND entity_kind = ?"
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		q += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		q += " AND occurred_at_ms >= ?"
		args = append(args, ms(f.Since))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "query audit events", err)
	}
	defer func() { _ = rows.Close() }()
	var out []AuditEvent
	for rows.Next() {
		var (
			ev         AuditEvent
			occurredMS int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ActorID, &ev.ActorRole, &ev.Action,
			&ev.EntityKind, &ev.EntityID, &ev.Detail, &occurredMS); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan audit event", err)
		}
		ev.OccurredAt = fromMS(occurredMS)
		out = append(out, ev)
	}
	return out, rows.Err()
}
