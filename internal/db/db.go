// Package db provides the embedded SQLite storage for driftsync.
//
// One database file holds four concerns:
//   - records: the local operational store (one row per entity record)
//   - checkpoints and attempts: the sync ledger
//   - offline_queue: durable buffer of local writes made while disconnected
//   - entity_state: per-entity disable flags set on schema mismatch
//
// The database runs in embedded mode with WAL for concurrent reads while
// the orchestrator writes.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with driftsync-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after a WAL checkpoint.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent, safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	-- Local operational store
	CREATE TABLE IF NOT EXISTS records (
		entity TEXT NOT NULL,
		external_id TEXT NOT NULL,
		payload TEXT NOT NULL,     -- JSON object
		updated_at TEXT NOT NULL,  -- fixed-width UTC, drives last-writer-wins
		PRIMARY KEY (entity, external_id)
	);

	-- Sync ledger: per-entity progress markers
	CREATE TABLE IF NOT EXISTS checkpoints (
		entity TEXT PRIMARY KEY,
		last_synced_at TEXT NOT NULL,
		last_checksum TEXT,
		committed_at TEXT NOT NULL
	);

	-- Sync ledger: attempt audit trail
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		records_applied INTEGER NOT NULL DEFAULT 0,
		conflict_losses INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	-- Durable buffer of local writes made while disconnected
	CREATE TABLE IF NOT EXISTS offline_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity TEXT NOT NULL,
		external_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		enqueued_at TEXT NOT NULL
	);

	-- Per-entity operational flags
	CREATE TABLE IF NOT EXISTS entity_state (
		entity TEXT PRIMARY KEY,
		disabled INTEGER NOT NULL DEFAULT 0,
		disabled_reason TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_updated
	    ON records(entity, updated_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_entity
	    ON attempts(entity, started_at);
	CREATE INDEX IF NOT EXISTS idx_queue_entity
	    ON offline_queue(entity, seq);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// storedTimeLayout is fixed width: the fractional second is always nine
// digits and the zone is always Z. SQL compares these strings
// lexicographically (WHERE updated_at > ?, MAX(updated_at)), and only a
// fixed-width rendering makes that order match chronological order.
// RFC3339Nano must not be used here: it trims trailing zeros, which makes
// "12:00:00.5Z" sort before "12:00:00Z".
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// formatTime renders a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

// parseTime reads a stored timestamp, tolerating second precision.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}
