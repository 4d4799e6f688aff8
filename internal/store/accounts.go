// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/secrets"
)

// Accounts persists Telegram user-session credentials. Session material is
// sealed with the process envelope before it touches the database and only
// unsealed on read; the plaintext never appears in SQL parameters twice.
type Accounts struct {
	s   *DB
	env *secrets.Envelope
}

// Accounts returns the account repository bound to the envelope key.
func (s *DB) Accounts(env *secrets.Envelope) *Accounts {
	return &Accounts{s: s, env: env}
}

// Create stores a new account in the active state.
func (a *Accounts) Create(ctx context.Context, acc *domain.Account) error {
	blob, err := a.env.Seal(acc.Material)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "seal session material", err)
	}
	now := time.Now()
	acc.CreatedAt, acc.UpdatedAt = now, now
	if acc.State == "" {
		acc.State = domain.AccountActive
	}
	_, err = a.s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, label, material_blob, state, last_validated_at_ms, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.OwnerID, acc.Label, blob, string(acc.State),
		ms(acc.LastValidatedAt), ms(acc.CreatedAt), ms(acc.UpdatedAt))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "insert account", err)
	}
	return nil
}

// Get loads an account with its session material unsealed.
func (a *Accounts) Get(ctx context.Context, id string) (*domain.Account, error) {
	row := a.s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, label, material_blob, state, last_validated_at_ms, created_at_ms, updated_at_ms
		FROM accounts WHERE id = ?`, id)
	return a.scan(row)
}

// List returns every account. Material stays sealed inside the returned
// values only in the sense that it is redacted on print; callers that do
// not need it should drop it promptly.
func (a *Accounts) List(ctx context.Context) ([]*domain.Account, error) {
	rows, err := a.s.db.QueryContext(ctx, `
		SELECT id, owner_id, label, material_blob, state, last_validated_at_ms, created_at_ms, updated_at_ms
		FROM accounts ORDER BY created_at_ms`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "list accounts", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*domain.Account
	for rows.Next() {
		acc, err := a.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// TransitionState moves an account from one lifecycle state to another
// with compare-and-set semantics: the update applies only while the row is
// still in the expected state. A lost race returns conflict.
func (a *Accounts) TransitionState(ctx context.Context, id string, from, to domain.AccountState) error {
	res, err := a.s.db.ExecContext(ctx, `
		UPDATE accounts SET state = ?, updated_at_ms = ? WHERE id = ? AND state = ?`,
		string(to), ms(time.Now()), id, string(from))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "transition account state", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		cur, err := a.Get(ctx, id)
		if err != nil {
			return err
		}
		return apperr.Newf(apperr.KindConflict, "account %s is %s, not %s", id, cur.State, from)
	}
	return nil
}

// MarkValidated records a successful credential validation.
func (a *Accounts) MarkValidated(ctx context.Context, id string, at time.Time) error {
	_, err := a.s.db.ExecContext(ctx, `
		UPDATE accounts SET last_validated_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
		ms(at), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "mark account validated", err)
	}
	return nil
}

// ReplaceMaterial installs fresh session material and returns the account
// to active. This is the operator's out-of-band recovery path for revoked
// accounts.
func (a *Accounts) ReplaceMaterial(ctx context.Context, id string, m secrets.Material) error {
	blob, err := a.env.Seal(m)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "seal session material", err)
	}
	res, err := a.s.db.ExecContext(ctx, `
		UPDATE accounts SET material_blob = ?, state = ?, updated_at_ms = ? WHERE id = ?`,
		blob, string(domain.AccountActive), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "replace session material", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "account not found: "+id)
	}
	return nil
}

// Delete removes an account. Channels referencing it must be deleted
// first; the foreign key enforces that.
func (a *Accounts) Delete(ctx context.Context, id string) error {
	res, err := a.s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindConflict, "delete account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "account not found: "+id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (a *Accounts) scan(row rowScanner) (*domain.Account, error) {
	var (
		acc           domain.Account
		blob          []byte
		state         string
		validatedMS   sql.NullInt64
		createdMS     int64
		updatedMS     int64
	)
	err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Label, &blob, &state, &validatedMS, &createdMS, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "account not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan account", err)
	}
	m, err := a.env.Open(blob)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "unseal session material", err)
	}
	acc.Material = m
	acc.State = domain.AccountState(state)
	if validatedMS.Valid {
		acc.LastValidatedAt = fromMS(validatedMS.Int64)
	}
	acc.CreatedAt = fromMS(createdMS)
	acc.UpdatedAt = fromMS(updatedMS)
	return &acc, nil
}
