package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
	syncpkg "github.com/driftlock/driftsync/internal/sync"
)

// LocalStore is the side adapter over the embedded records table.
// It implements the same three-operation contract as the remote adapter,
// which is what lets the orchestrator push deltas in either direction.
type LocalStore struct {
	db *DB
}

// NewLocalStore wraps an open database as a side adapter.
func NewLocalStore(database *DB) *LocalStore {
	return &LocalStore{db: database}
}

// Probe checks that the database answers a trivial read.
func (s *LocalStore) Probe(ctx context.Context) error {
	var one int
	if err := s.db.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("local store unreachable: %w", err)
	}
	return nil
}

// FetchSince returns records strictly after the (since, afterID) cursor in
// (updated_at, external_id) order, capped at limit. The string comparisons
// are sound because updated_at is stored fixed width.
func (s *LocalStore) FetchSince(ctx context.Context, mapping *schema.EntityMapping, since time.Time, afterID string, limit int) ([]schema.ChangeRecord, error) {
	query := `
	SELECT external_id, payload, updated_at
	FROM records
	WHERE entity = ?
	  AND (updated_at > ? OR (updated_at = ? AND external_id > ?))
	ORDER BY updated_at ASC, external_id ASC
	LIMIT ?
	`

	cursor := formatTime(since)
	rows, err := s.db.conn.QueryContext(ctx, query, mapping.Name, cursor, cursor, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records for %s: %w", mapping.Name, err)
	}
	defer rows.Close()

	var recs []schema.ChangeRecord
	for rows.Next() {
		var externalID, payloadJSON, updatedAt string
		if err := rows.Scan(&externalID, &payloadJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for %s/%s: %w", mapping.Name, externalID, err)
		}

		observed := time.Now().UTC()
		if t, err := parseTime(updatedAt); err == nil {
			observed = t
		}

		recs = append(recs, schema.ChangeRecord{
			Entity:     mapping.Name,
			ExternalID: externalID,
			Payload:    payload,
			Source:     schema.SideLocal,
			ObservedAt: observed,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, nil
}

// PushBatch upserts records in one transaction with last-writer-wins by
// updated-at. A record whose timestamp is not strictly newer than the
// stored copy is skipped and counted as a conflict loss. Any failure rolls
// the whole batch back.
func (s *LocalStore) PushBatch(ctx context.Context, mapping *schema.EntityMapping, records []schema.ChangeRecord) (syncpkg.BatchAck, error) {
	var ack syncpkg.BatchAck
	if len(records) == 0 {
		return ack, nil
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return ack, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The conditional DO UPDATE makes re-running the same batch a no-op
	// beyond the first successful application.
	query := `
	INSERT INTO records (entity, external_id, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity, external_id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at > records.updated_at
	`

	for i := range records {
		rec := &records[i]
		updatedAt, err := mapping.UpdatedAt(rec)
		if err != nil {
			return syncpkg.BatchAck{}, fmt.Errorf("record %s: %w", rec.ExternalID, err)
		}

		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return syncpkg.BatchAck{}, fmt.Errorf("failed to marshal payload for %s: %w", rec.ExternalID, err)
		}

		res, err := tx.ExecContext(ctx, query,
			mapping.Name, rec.ExternalID, string(payloadJSON), formatTime(updatedAt))
		if err != nil {
			return syncpkg.BatchAck{}, fmt.Errorf("failed to upsert %s/%s: %w", mapping.Name, rec.ExternalID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return syncpkg.BatchAck{}, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n > 0 {
			ack.Applied++
		} else {
			ack.ConflictLosses++
		}
	}

	if err := tx.Commit(); err != nil {
		return syncpkg.BatchAck{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	return ack, nil
}

// Summary computes the local collection fingerprint: count, max updated-at,
// and a key hash when the collection is at most hashThreshold rows.
func (s *LocalStore) Summary(ctx context.Context, mapping *schema.EntityMapping, hashThreshold int) (schema.Checksum, error) {
	var cs schema.Checksum

	var maxUpdated sql.NullString
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(updated_at) FROM records WHERE entity = ?",
		mapping.Name).Scan(&cs.Count, &maxUpdated)
	if err != nil {
		return cs, fmt.Errorf("failed to summarize %s: %w", mapping.Name, err)
	}

	if maxUpdated.Valid {
		t, err := parseTime(maxUpdated.String)
		if err != nil {
			return cs, fmt.Errorf("bad stored updated_at %q: %w", maxUpdated.String, err)
		}
		cs.MaxUpdatedAt = t
	}

	if hashThreshold > 0 && cs.Count <= int64(hashThreshold) {
		rows, err := s.db.conn.QueryContext(ctx,
			"SELECT external_id FROM records WHERE entity = ?", mapping.Name)
		if err != nil {
			return cs, fmt.Errorf("failed to enumerate keys for %s: %w", mapping.Name, err)
		}
		defer rows.Close()

		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return cs, fmt.Errorf("failed to scan key: %w", err)
			}
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			return cs, fmt.Errorf("error iterating keys: %w", err)
		}

		cs.KeyHash = schema.HashKeys(keys)
		cs.HashedKeys = true
	}

	return cs, nil
}

// Get returns one stored record, or nil when absent. Used by tests and the
// operator API.
func (s *LocalStore) Get(ctx context.Context, entity, externalID string) (*schema.ChangeRecord, error) {
	var payloadJSON, updatedAt string
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT payload, updated_at FROM records WHERE entity = ? AND external_id = ?",
		entity, externalID).Scan(&payloadJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", entity, externalID, err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	rec := &schema.ChangeRecord{
		Entity:     entity,
		ExternalID: externalID,
		Payload:    payload,
		Source:     schema.SideLocal,
	}
	if t, err := parseTime(updatedAt); err == nil {
		rec.ObservedAt = t
	}
	return rec, nil
}
