package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// Ledger is the durable sync ledger: per-entity checkpoints, the attempt
// audit trail and entity disable flags.
type Ledger struct {
	db *DB
}

// NewLedger wraps an open database as a sync ledger.
func NewLedger(database *DB) *Ledger {
	return &Ledger{db: database}
}

// GetCheckpoint returns the entity's checkpoint. An entity that has never
// synced gets a zero-valued checkpoint, not an error, so the first cycle
// extracts from the beginning of time.
func (l *Ledger) GetCheckpoint(ctx context.Context, entity string) (schema.Checkpoint, error) {
	cp := schema.Checkpoint{Entity: entity}

	var lastSynced, committedAt string
	var checksum sql.NullString
	err := l.db.conn.QueryRowContext(ctx,
		"SELECT last_synced_at, last_checksum, committed_at FROM checkpoints WHERE entity = ?",
		entity).Scan(&lastSynced, &checksum, &committedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint for %s: %w", entity, err)
	}

	if t, err := parseTime(lastSynced); err == nil {
		cp.LastSyncedAt = t
	}
	if t, err := parseTime(committedAt); err == nil {
		cp.CommittedAt = t
	}
	if checksum.Valid {
		cp.LastChecksum = checksum.String
	}
	return cp, nil
}

// CommitCheckpoint advances the entity's checkpoint. Commits are guarded so
// last-synced-at never regresses: a stale commit is rejected with an error
// rather than silently rewinding the cursor.
func (l *Ledger) CommitCheckpoint(ctx context.Context, cp schema.Checkpoint) error {
	if cp.Entity == "" {
		return fmt.Errorf("checkpoint entity is required")
	}

	current, err := l.GetCheckpoint(ctx, cp.Entity)
	if err != nil {
		return err
	}
	if cp.LastSyncedAt.Before(current.LastSyncedAt) {
		return fmt.Errorf("checkpoint for %s would regress: %s < %s",
			cp.Entity, cp.LastSyncedAt.Format(time.RFC3339Nano),
			current.LastSyncedAt.Format(time.RFC3339Nano))
	}

	if cp.CommittedAt.IsZero() {
		cp.CommittedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO checkpoints (entity, last_synced_at, last_checksum, committed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity) DO UPDATE SET
		last_synced_at = excluded.last_synced_at,
		last_checksum = excluded.last_checksum,
		committed_at = excluded.committed_at
	`
	_, err = l.db.conn.ExecContext(ctx, query,
		cp.Entity, formatTime(cp.LastSyncedAt), cp.LastChecksum, formatTime(cp.CommittedAt))
	if err != nil {
		return fmt.Errorf("failed to commit checkpoint for %s: %w", cp.Entity, err)
	}
	return nil
}

// RecordAttempt inserts or updates a sync attempt. A finalized attempt is
// immutable: further updates to it are rejected.
func (l *Ledger) RecordAttempt(ctx context.Context, attempt *schema.SyncAttempt) error {
	if err := attempt.Validate(); err != nil {
		return fmt.Errorf("invalid attempt: %w", err)
	}

	var existingStatus sql.NullString
	err := l.db.conn.QueryRowContext(ctx,
		"SELECT status FROM attempts WHERE id = ?", attempt.ID).Scan(&existingStatus)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check attempt %s: %w", attempt.ID, err)
	}
	if existingStatus.Valid && schema.AttemptStatus(existingStatus.String) != schema.AttemptRunning {
		return fmt.Errorf("attempt %s is finalized and cannot be updated", attempt.ID)
	}

	query := `
	INSERT INTO attempts (id, entity, started_at, completed_at, status, records_applied, conflict_losses, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		completed_at = excluded.completed_at,
		status = excluded.status,
		records_applied = excluded.records_applied,
		conflict_losses = excluded.conflict_losses,
		error = excluded.error
	`
	_, err = l.db.conn.ExecContext(ctx, query,
		attempt.ID,
		attempt.Entity,
		formatTime(attempt.StartedAt),
		timeToNullString(attempt.CompletedAt),
		string(attempt.Status),
		attempt.RecordsApplied,
		attempt.ConflictLosses,
		attempt.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", attempt.ID, err)
	}
	return nil
}

// LastAttempt returns the most recently started attempt for the entity, or
// nil when the entity has none.
func (l *Ledger) LastAttempt(ctx context.Context, entity string) (*schema.SyncAttempt, error) {
	query := `
	SELECT id, entity, started_at, completed_at, status, records_applied, conflict_losses, error
	FROM attempts
	WHERE entity = ?
	ORDER BY started_at DESC
	LIMIT 1
	`
	attempt, err := scanAttempt(l.db.conn.QueryRowContext(ctx, query, entity))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last attempt for %s: %w", entity, err)
	}
	return attempt, nil
}

// ListAttempts returns the entity's attempt history, newest first.
func (l *Ledger) ListAttempts(ctx context.Context, entity string, limit int) ([]*schema.SyncAttempt, error) {
	query := `
	SELECT id, entity, started_at, completed_at, status, records_applied, conflict_losses, error
	FROM attempts
	WHERE entity = ?
	ORDER BY started_at DESC
	`
	args := []any{entity}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", entity, err)
	}
	defer rows.Close()

	var attempts []*schema.SyncAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

// SetEntityDisabled flags or clears an entity's exclusion from sync cycles.
func (l *Ledger) SetEntityDisabled(ctx context.Context, entity string, disabled bool, reason string) error {
	flag := 0
	if disabled {
		flag = 1
	}
	query := `
	INSERT INTO entity_state (entity, disabled, disabled_reason, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity) DO UPDATE SET
		disabled = excluded.disabled,
		disabled_reason = excluded.disabled_reason,
		updated_at = excluded.updated_at
	`
	_, err := l.db.conn.ExecContext(ctx, query, entity, flag, reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set disabled flag for %s: %w", entity, err)
	}
	return nil
}

// EntityDisabled reports whether the entity is excluded from cycles, and why.
func (l *Ledger) EntityDisabled(ctx context.Context, entity string) (bool, string, error) {
	var disabled int
	var reason sql.NullString
	err := l.db.conn.QueryRowContext(ctx,
		"SELECT disabled, disabled_reason FROM entity_state WHERE entity = ?",
		entity).Scan(&disabled, &reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to load entity state for %s: %w", entity, err)
	}
	return disabled != 0, reason.String, nil
}

// FailRunningAttempts marks every running attempt as failed. Called at
// startup to clean up after a crashed process.
func (l *Ledger) FailRunningAttempts(ctx context.Context, reason string) (int, error) {
	res, err := l.db.conn.ExecContext(ctx, `
	UPDATE attempts
	SET status = ?, error = ?, completed_at = ?
	WHERE status = ?`,
		string(schema.AttemptFailed), reason, formatTime(time.Now()),
		string(schema.AttemptRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep running attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read swept count: %w", err)
	}
	return int(n), nil
}

// PruneAttempts deletes finalized attempts older than the cutoff.
func (l *Ledger) PruneAttempts(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := l.db.conn.ExecContext(ctx,
		"DELETE FROM attempts WHERE status != ? AND started_at < ?",
		string(schema.AttemptRunning), formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned count: %w", err)
	}
	return int(n), nil
}

// scanner abstracts sql.Row and sql.Rows for attempt scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*schema.SyncAttempt, error) {
	var attempt schema.SyncAttempt
	var startedAt string
	var completedAt, errMsg sql.NullString
	var status string

	err := row.Scan(
		&attempt.ID,
		&attempt.Entity,
		&startedAt,
		&completedAt,
		&status,
		&attempt.RecordsApplied,
		&attempt.ConflictLosses,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	if t, err := parseTime(startedAt); err == nil {
		attempt.StartedAt = t
	}
	attempt.CompletedAt = nullStringToTime(completedAt)
	attempt.Status = schema.AttemptStatus(status)
	attempt.Error = errMsg.String
	return &attempt, nil
}
