package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// OfflineQueue is the durable buffer of local writes made while the remote
// side is unreachable. Rows are append-only until drained; per-entity FIFO
// order is carried by the autoincrement sequence.
type OfflineQueue struct {
	db *DB
}

// NewOfflineQueue wraps an open database as an offline queue.
func NewOfflineQueue(database *DB) *OfflineQueue {
	return &OfflineQueue{db: database}
}

// Enqueue appends a record to the entity's queue.
func (q *OfflineQueue) Enqueue(ctx context.Context, rec *schema.ChangeRecord) error {
	if rec.Entity == "" {
		return fmt.Errorf("record entity is required")
	}
	if rec.ExternalID == "" {
		return fmt.Errorf("record external id is required")
	}

	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	observed := rec.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	_, err = q.db.conn.ExecContext(ctx, `
	INSERT INTO offline_queue (entity, external_id, payload, observed_at, enqueued_at)
	VALUES (?, ?, ?, ?, ?)`,
		rec.Entity, rec.ExternalID, string(payloadJSON),
		formatTime(observed), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue record %s/%s: %w", rec.Entity, rec.ExternalID, err)
	}
	return nil
}

// DrainInOrder applies the entity's queued records oldest-first.
//
// Each row is deleted only after apply succeeds, so an interrupted drain
// resumes from the first un-applied record on the next attempt. The first
// apply failure stops the drain and is returned alongside the count of
// records already drained.
func (q *OfflineQueue) DrainInOrder(ctx context.Context, entity string, apply func(*schema.ChangeRecord) error) (int, error) {
	drained := 0
	for {
		select {
		case <-ctx.Done():
			return drained, ctx.Err()
		default:
		}

		seq, rec, err := q.peekOldest(ctx, entity)
		if err != nil {
			return drained, err
		}
		if rec == nil {
			return drained, nil
		}

		if err := apply(rec); err != nil {
			return drained, fmt.Errorf("failed to apply queued record %s/%s: %w", entity, rec.ExternalID, err)
		}

		if _, err := q.db.conn.ExecContext(ctx,
			"DELETE FROM offline_queue WHERE seq = ?", seq); err != nil {
			return drained, fmt.Errorf("failed to delete drained record seq=%d: %w", seq, err)
		}
		drained++
	}
}

// peekOldest returns the entity's oldest queued record without removing it.
func (q *OfflineQueue) peekOldest(ctx context.Context, entity string) (int64, *schema.ChangeRecord, error) {
	var seq int64
	var externalID, payloadJSON, observedAt string

	err := q.db.conn.QueryRowContext(ctx, `
	SELECT seq, external_id, payload, observed_at
	FROM offline_queue
	WHERE entity = ?
	ORDER BY seq ASC
	LIMIT 1`, entity).Scan(&seq, &externalID, &payloadJSON, &observedAt)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to peek queue for %s: %w", entity, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal queued payload: %w", err)
	}

	rec := &schema.ChangeRecord{
		Entity:     entity,
		ExternalID: externalID,
		Payload:    payload,
		Source:     schema.SideLocal,
	}
	if t, err := parseTime(observedAt); err == nil {
		rec.ObservedAt = t
	}
	return seq, rec, nil
}

// Len reports how many records are queued for the entity.
func (q *OfflineQueue) Len(ctx context.Context, entity string) (int, error) {
	var n int
	err := q.db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM offline_queue WHERE entity = ?", entity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue for %s: %w", entity, err)
	}
	return n, nil
}

// Entities returns the distinct entity names with queued records.
func (q *OfflineQueue) Entities(ctx context.Context) ([]string, error) {
	rows, err := q.db.conn.QueryContext(ctx,
		"SELECT DISTINCT entity FROM offline_queue ORDER BY entity")
	if err != nil {
		return nil, fmt.Errorf("failed to list queued entities: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan entity name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return names, nil
}
