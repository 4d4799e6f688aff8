// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
)

// Items is the durable playlist item catalog. The live queue order lives
// in the shared store; this table is the system of record for item
// metadata and terminal statuses.
type Items struct {
	s *DB
}

// Items returns the playlist item repository.
func (s *DB) Items() *Items { return &Items{s: s} }

const itemCols = `id, channel_id, source_kind, source_value, title, duration_seconds,
	thumbnail, codec_profile, status, requester_id, requester_tier,
	created_at_ms, updated_at_ms`

// Put upserts an item record. The queue engine calls it on Add; the worker
// calls it again with status/codec updates.
func (i *Items) Put(ctx context.Context, it *domain.PlaylistItem) error {
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	_, err := i.s.db.ExecContext(ctx, `
		INSERT INTO playlist_items (`+itemCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			duration_seconds = excluded.duration_seconds,
			thumbnail = excluded.thumbnail,
			codec_profile = excluded.codec_profile,
			status = excluded.status,
			updated_at_ms = excluded.updated_at_ms`,
		it.ID, it.ChannelID, string(it.Source.Kind), it.Source.Value, it.Title,
		it.DurationSeconds, it.Thumbnail, it.CodecProfile, string(it.Status),
		it.RequesterID, string(it.RequesterTier), ms(it.CreatedAt), ms(it.UpdatedAt))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "upsert playlist item", err)
	}
	return nil
}

// SetStatus moves an item to a new playback status. Status transitions are
// monotonic; the guard refuses to resurrect a terminal item.
func (i *Items) SetStatus(ctx context.Context, id string, status domain.ItemStatus) error {
	res, err := i.s.db.ExecContext(ctx, `
		UPDATE playlist_items SET status = ?, updated_at_ms = ?
		WHERE id = ? AND status NOT IN ('played', 'failed', 'skipped')`,
		string(status), ms(time.Now()), id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "set item status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "item not found or already terminal: "+id)
	}
	return nil
}

// Get loads one item.
func (i *Items) Get(ctx context.Context, id string) (*domain.PlaylistItem, error) {
	row := i.s.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM playlist_items WHERE id = ?`, id)
	return scanItem(row)
}

// History returns a channel's most recent items, newest first.
func (i *Items) History(ctx context.Context, channelID string, limit int) ([]*domain.PlaylistItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := i.s.db.QueryContext(ctx, `
		SELECT `+itemCols+` FROM playlist_items
		WHERE channel_id = ? ORDER BY created_at_ms DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "query item history", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*domain.PlaylistItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(row rowScanner) (*domain.PlaylistItem, error) {
	var (
		it        domain.PlaylistItem
		kind      string
		status    string
		tier      string
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&it.ID, &it.ChannelID, &kind, &it.Source.Value, &it.Title,
		&it.DurationSeconds, &it.Thumbnail, &it.CodecProfile, &status,
		&it.RequesterID, &tier, &createdMS, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "item not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan playlist item", err)
	}
	it.Source.Kind = domain.SourceKind(kind)
	it.Status = domain.ItemStatus(status)
	it.RequesterTier = domain.Tier(tier)
	it.CreatedAt = fromMS(createdMS)
	it.UpdatedAt = fromMS(updatedMS)
	return &it, nil
}
