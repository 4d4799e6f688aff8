// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
)

// Triggers persists scheduler trigger definitions.
type Triggers struct {
	s *DB
}

// Triggers returns the trigger repository.
func (s *DB) Triggers() *Triggers { return &Triggers{s: s} }

const triggerCols = `id, channel_id, playlist_ref, cron_expr, at_ms, recurrence, enabled,
	created_at_ms, updated_at_ms`

// Create stores a new trigger.
func (t *Triggers) Create(ctx context.Context, tr *domain.Trigger) error {
	now := time.Now()
	tr.CreatedAt, tr.UpdatedAt = now, now
	_, err := t.s.db.ExecContext(ctx, `
		INSERT INTO triggers (`+triggerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.ChannelID, tr.PlaylistRef, tr.CronExpr, ms(tr.At),
		string(tr.Recurrence), boolInt(tr.Enabled), ms(tr.CreatedAt), ms(tr.UpdatedAt))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "insert trigger", err)
	}
	return nil
}

// Get loads one trigger.
func (t *Triggers) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	row := t.s.db.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE id = ?`, id)
	return scanTrigger(row)
}

// ListEnabled returns the triggers the scheduler should honor.
func (t *Triggers) ListEnabled(ctx context.Context) ([]*domain.Trigger, error) {
	return t.query(ctx, `SELECT `+triggerCols+` FROM triggers WHERE enabled = 1 ORDER BY created_at_ms`)
}

// List returns every trigger.
func (t *Triggers) List(ctx context.Context) ([]*domain.Trigger, error) {
	return t.query(ctx, `SELECT `+triggerCols+` FROM triggers ORDER BY created_at_ms`)
}

func (t *Triggers) query(ctx context.Context, q string, args ...any) ([]*domain.Trigger, error) {
	rows, err := t.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "query triggers", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*domain.Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SetEnabled toggles a trigger.
func (t *Triggers) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := t.s.db.ExecContext(ctx, `
		UPDATE triggers SET enabled = ?, updated_at_ms = ? WHERE id = ?`,
		boolInt(enabled), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "toggle trigger", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "trigger not found: "+id)
	}
	return nil
}

// Delete removes a trigger.
func (t *Triggers) Delete(ctx context.Context, id string) error {
	res, err := t.s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "delete trigger", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "trigger not found: "+id)
	}
	return nil
}

func scanTrigger(row rowScanner) (*domain.Trigger, error) {
	var (
		tr         domain.Trigger
		atMS       int64
		recurrence string
		enabled    int
		createdMS  int64
		updatedMS  int64
	)
	err := row.Scan(&tr.ID, &tr.ChannelID, &tr.PlaylistRef, &tr.CronExpr, &atMS,
		&recurrence, &enabled, &createdMS, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "trigger not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan trigger", err)
	}
	tr.At = fromMS(atMS)
	tr.Recurrence = domain.Recurrence(recurrence)
	tr.Enabled = enabled == 1
	tr.CreatedAt = fromMS(createdMS)
	tr.UpdatedAt = fromMS(updatedMS)
	return &tr, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
