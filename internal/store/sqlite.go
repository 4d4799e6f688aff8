// SPDX-License-Identifier: MIT

// Package store persists the durable entities (accounts, channels,
// playlist items, worker records, triggers, audit trail) in SQLite.
// Ephemeral coordination state lives in the shared store, not here;
// transactions stay short.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/tgcast/tgcast/internal/log"
)

const schemaVersion = 1

// Open initializes the SQLite pool with the mandatory pragmas and runs
// pending migrations. The DSN pragmas apply to every pooled connection.
func Open(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	logger := log.WithComponent("store")
	logger.Info().Str("path", dbPath).Msg("relational store ready")
	return s, nil
}

// DB wraps the SQLite handle and hands out the entity repositories.
type DB struct {
	db *sql.DB
}

// Close releases the pool.
func (s *DB) Close() error { return s.db.Close() }

// Ping verifies connectivity for health checks.
func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		label TEXT NOT NULL,
		material_blob BLOB NOT NULL,
		state TEXT NOT NULL,
		last_validated_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		chat_target TEXT NOT NULL,
		display_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		encoder_args TEXT NOT NULL DEFAULT '[]',
		placeholder_path TEXT NOT NULL DEFAULT '',
		discipline TEXT NOT NULL,
		max_queue_length INTEGER NOT NULL,
		auto_end_seconds INTEGER NOT NULL,
		desired_state TEXT NOT NULL,
		observed_state TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channels_account ON channels(account_id);

	CREATE TABLE IF NOT EXISTS playlist_items (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		source_kind TEXT NOT NULL,
		source_value TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		thumbnail TEXT NOT NULL DEFAULT '',
		codec_profile TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		requester_id TEXT NOT NULL DEFAULT '',
		requester_tier TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_channel_status ON playlist_items(channel_id, status);

	CREATE TABLE IF NOT EXISTS worker_records (
		channel_id TEXT PRIMARY KEY REFERENCES channels(id) ON DELETE CASCADE,
		handle TEXT NOT NULL DEFAULT '',
		lifecycle TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		restart_attempts INTEGER NOT NULL DEFAULT 0,
		first_failure_at_ms INTEGER NOT NULL DEFAULT 0,
		next_restart_at_ms INTEGER NOT NULL DEFAULT 0,
		started_at_ms INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		playlist_ref TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		at_ms INTEGER NOT NULL DEFAULT 0,
		recurrence TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_kind TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		occurred_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_occurred ON audit_events(occurred_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
