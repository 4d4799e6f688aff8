// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
)

// maxLastErrorLen bounds the stored error text so a pathological transport
// error cannot bloat the row.
const maxLastErrorLen = 512

// Workers persists the controller's per-channel worker bookkeeping.
type Workers struct {
	s *DB
}

// Workers returns the worker record repository.
func (s *DB) Workers() *Workers { return &Workers{s: s} }

// Upsert writes the full record for a channel.
func (w *Workers) Upsert(ctx context.Context, rec *domain.WorkerRecord) error {
	rec.UpdatedAt = time.Now()
	rec.LastError = truncate(rec.LastError, maxLastErrorLen)
	_, err := w.s.db.ExecContext(ctx, `
		INSERT INTO worker_records (channel_id, handle, lifecycle, last_error,
			restart_attempts, next_restart_at_ms, started_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			handle = excluded.handle,
			lifecycle = excluded.lifecycle,
			last_error = excluded.last_error,
			restart_attempts = excluded.restart_attempts,
			next_restart_at_ms = excluded.next_restart_at_ms,
			started_at_ms = excluded.started_at_ms,
			updated_at_ms = excluded.updated_at_ms`,
		rec.ChannelID, rec.Handle, string(rec.Lifecycle), rec.LastError,
		rec.RestartAttempts, ms(rec.NextRestartAt), ms(rec.StartedAt), ms(rec.UpdatedAt))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "upsert worker record", err)
	}
	return nil
}

// Get loads one channel's worker record.
func (w *Workers) Get(ctx context.Context, channelID string) (*domain.WorkerRecord, error) {
	row := w.s.db.QueryRowContext(ctx, `
		SELECT channel_id, handle, lifecycle, last_error, restart_attempts,
			next_restart_at_ms, started_at_ms, updated_at_ms
		FROM worker_records WHERE channel_id = ?`, channelID)
	return scanWorker(row)
}

// List returns every worker record.
func (w *Workers) List(ctx context.Context) ([]*domain.WorkerRecord, error) {
	rows, err := w.s.db.QueryContext(ctx, `
		SELECT channel_id, handle, lifecycle, last_error, restart_attempts,
			next_restart_at_ms, started_at_ms, updated_at_ms
		FROM worker_records`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "list worker records", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*domain.WorkerRecord
	for rows.Next() {
		rec, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BumpRestart increments the restart counter and records when the next
// attempt may happen. The first failure in a fresh streak also stamps the
// streak start so the controller can expire old streaks.
func (w *Workers) BumpRestart(ctx context.Context, channelID string, next time.Time, freshStreak bool) (int, error) {
	now := time.Now()
	q := `UPDATE worker_records SET restart_attempts = restart_attempts + 1,
		next_restart_at_ms = ?, updated_at_ms = ? WHERE channel_id = ?`
	args := []any{ms(next), ms(now), channelID}
	if freshStreak {
		q = `UPDATE worker_records SET restart_attempts = 1,
			first_failure_at_ms = ?, next_restart_at_ms = ?, updated_at_ms = ?
			WHERE channel_id = ?`
		args = []any{ms(now), ms(next), ms(now), channelID}
	}
	if _, err := w.s.db.ExecContext(ctx, q, args...); err != nil {
		return 0, apperr.Wrap(apperr.KindStorageUnavailable, "bump worker restart", err)
	}
	var attempts int
	err := w.s.db.QueryRowContext(ctx,
		`SELECT restart_attempts FROM worker_records WHERE channel_id = ?`, channelID).Scan(&attempts)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageUnavailable, "read worker restarts", err)
	}
	return attempts, nil
}

// FailureStreakStart returns when the current failure streak began, or the
// zero time if the record never failed.
func (w *Workers) FailureStreakStart(ctx context.Context, channelID string) (time.Time, error) {
	var v int64
	err := w.s.db.QueryRowContext(ctx,
		`SELECT first_failure_at_ms FROM worker_records WHERE channel_id = ?`, channelID).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindStorageUnavailable, "read failure streak", err)
	}
	return fromMS(v), nil
}

// ResetRestarts clears the failure streak after a healthy run or an
// operator intervention.
func (w *Workers) ResetRestarts(ctx context.Context, channelID string) error {
	_, err := w.s.db.ExecContext(ctx, `
		UPDATE worker_records SET restart_attempts = 0, first_failure_at_ms = 0,
			next_restart_at_ms = 0, last_error = '', updated_at_ms = ?
		WHERE channel_id = ?`, ms(time.Now()), channelID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "reset worker restarts", err)
	}
	return nil
}

func scanWorker(row rowScanner) (*domain.WorkerRecord, error) {
	var (
		rec       domain.WorkerRecord
		lifecycle string
		nextMS    int64
		startedMS int64
		updatedMS int64
	)
	err := row.Scan(&rec.ChannelID, &rec.Handle, &lifecycle, &rec.LastError,
		&rec.RestartAttempts, &nextMS, &startedMS, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "worker record not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan worker record", err)
	}
	rec.Lifecycle = domain.WorkerLifecycle(lifecycle)
	rec.NextRestartAt = fromMS(nextMS)
	rec.StartedAt = fromMS(startedMS)
	rec.UpdatedAt = fromMS(updatedMS)
	return &rec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
