// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
)

// Channels persists broadcast channel definitions and their desired /
// observed states.
type Channels struct {
	s *DB
}

// Channels returns the channel repository.
func (s *DB) Channels() *Channels { return &Channels{s: s} }

const channelCols = `id, account_id, chat_target, display_name, kind, encoder_args,
	placeholder_path, discipline, max_queue_length, auto_end_seconds,
	desired_state, observed_state, created_at_ms, updated_at_ms`

// Create stores a new channel in the stopped state.
func (c *Channels) Create(ctx context.Context, ch *domain.Channel) error {
	now := time.Now()
	ch.CreatedAt, ch.UpdatedAt = now, now
	if ch.DesiredState == "" {
		ch.DesiredState = domain.DesiredStopped
	}
	if ch.ObservedState == "" {
		ch.ObservedState = domain.ObservedStopped
	}
	if ch.Discipline == "" {
		ch.Discipline = domain.DisciplineFIFO
	}
	args, err := json.Marshal(ch.EncoderArgs)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal encoder args", err)
	}
	_, err = c.s.db.ExecContext(ctx, `
		INSERT INTO channels (`+channelCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.AccountID, ch.ChatTarget, ch.DisplayName, string(ch.Kind), string(args),
		ch.PlaceholderPath, string(ch.Discipline), ch.MaxQueueLength, ch.AutoEndSeconds,
		string(ch.DesiredState), string(ch.ObservedState), ms(ch.CreatedAt), ms(ch.UpdatedAt))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "insert channel", err)
	}
	return nil
}

// Get loads one channel.
func (c *Channels) Get(ctx context.Context, id string) (*domain.Channel, error) {
	row := c.s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// List returns every channel ordered by creation.
func (c *Channels) List(ctx context.Context) ([]*domain.Channel, error) {
	return c.query(ctx, `SELECT `+channelCols+` FROM channels ORDER BY created_at_ms`)
}

// ListByAccount returns the channels bound to one account.
func (c *Channels) ListByAccount(ctx context.Context, accountID string) ([]*domain.Channel, error) {
	return c.query(ctx, `SELECT `+channelCols+` FROM channels WHERE account_id = ? ORDER BY created_at_ms`, accountID)
}

func (c *Channels) query(ctx context.Context, q string, args ...any) ([]*domain.Channel, error) {
	rows, err := c.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "query channels", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SetDesiredRunning flips desired_state to running, but only while the
// owning account is active. The read of the account state and the write of
// the desired state share one transaction so a concurrent degradation
// cannot slip a start through.
func (c *Channels) SetDesiredRunning(ctx context.Context, id string) error {
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "begin desired-state tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var accountState string
	err = tx.QueryRowContext(ctx, `
		SELECT a.state FROM channels ch JOIN accounts a ON a.id = ch.account_id
		WHERE ch.id = ?`, id).Scan(&accountState)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.KindNotFound, "channel not found: "+id)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "read account state", err)
	}
	if domain.AccountState(accountState) != domain.AccountActive {
		return apperr.WithReason(apperr.KindConflict, apperr.ReasonSessionUnavailable,
			"account session is "+accountState)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE channels SET desired_state = ?, updated_at_ms = ? WHERE id = ?`,
		string(domain.DesiredRunning), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "set desired state", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "commit desired-state tx", err)
	}
	return nil
}

// SetDesiredStopped flips desired_state to stopped unconditionally;
// stopping never needs the account.
func (c *Channels) SetDesiredStopped(ctx context.Context, id string) error {
	res, err := c.s.db.ExecContext(ctx, `
		UPDATE channels SET desired_state = ?, updated_at_ms = ? WHERE id = ?`,
		string(domain.DesiredStopped), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "set desired state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "channel not found: "+id)
	}
	return nil
}

// SetObservedState records the controller's view of the channel's worker.
func (c *Channels) SetObservedState(ctx context.Context, id string, state domain.ObservedState) error {
	_, err := c.s.db.ExecContext(ctx, `
		UPDATE channels SET observed_state = ?, updated_at_ms = ? WHERE id = ?`,
		string(state), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "set observed state", err)
	}
	return nil
}

// SetAutoEndSeconds stores the clamped per-channel idle timeout.
func (c *Channels) SetAutoEndSeconds(ctx context.Context, id string, seconds int) error {
	res, err := c.s.db.ExecContext(ctx, `
		UPDATE channels SET auto_end_seconds = ?, updated_at_ms = ? WHERE id = ?`,
		seconds, ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "set auto-end timeout", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "channel not found: "+id)
	}
	return nil
}

// SetDiscipline records the queue discipline choice. The queue engine
// enforces the empty-queue precondition; this only mirrors the choice into
// the durable record.
func (c *Channels) SetDiscipline(ctx context.Context, id string, d domain.Discipline) error {
	_, err := c.s.db.ExecContext(ctx, `
		UPDATE channels SET discipline = ?, updated_at_ms = ? WHERE id = ?`,
		string(d), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "set discipline", err)
	}
	return nil
}

// Delete removes a channel; playlist items, worker records and triggers
// cascade.
func (c *Channels) Delete(ctx context.Context, id string) error {
	res, err := c.s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "delete channel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "channel not found: "+id)
	}
	return nil
}

func scanChannel(row rowScanner) (*domain.Channel, error) {
	var (
		ch        domain.Channel
		kind      string
		args      string
		disc      string
		desired   string
		observed  string
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&ch.ID, &ch.AccountID, &ch.ChatTarget, &ch.DisplayName, &kind, &args,
		&ch.PlaceholderPath, &disc, &ch.MaxQueueLength, &ch.AutoEndSeconds,
		&desired, &observed, &createdMS, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "channel not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan channel", err)
	}
	if err := json.Unmarshal([]byte(args), &ch.EncoderArgs); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode encoder args", err)
	}
	ch.Kind = domain.StreamKind(kind)
	ch.Discipline = domain.Discipline(disc)
	ch.DesiredState = domain.DesiredState(desired)
	ch.ObservedState = domain.ObservedState(observed)
	ch.CreatedAt = fromMS(createdMS)
	ch.UpdatedAt = fromMS(updatedMS)
	return &ch, nil
}
