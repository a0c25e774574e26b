package db

import (
	"context"
	"testing"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

func TestLocalStore_PushBatch_InsertAndFetch(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ack, err := store.PushBatch(ctx, m, []schema.ChangeRecord{
		testRecord("c-1", base.Add(1*time.Hour)),
		testRecord("c-2", base.Add(2*time.Hour)),
	})
	if err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}
	if ack.Applied != 2 || ack.ConflictLosses != 0 {
		t.Errorf("ack = %+v, want 2 applied", ack)
	}

	got, err := store.FetchSince(ctx, m, base, "", 10)
	if err != nil {
		t.Fatalf("FetchSince() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FetchSince() returned %d records, want 2", len(got))
	}
	if got[0].ExternalID != "c-1" || got[1].ExternalID != "c-2" {
		t.Errorf("records not in ascending order: %s, %s", got[0].ExternalID, got[1].ExternalID)
	}
}

func TestLocalStore_PushBatch_LastWriterWins(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	newer := testRecord("c-1", base.Add(2*time.Hour))
	newer.Payload["name"] = "newer"
	if _, err := store.PushBatch(ctx, m, []schema.ChangeRecord{newer}); err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}

	// A stale write must be skipped and counted as a conflict loss.
	older := testRecord("c-1", base.Add(1*time.Hour))
	older.Payload["name"] = "older"
	ack, err := store.PushBatch(ctx, m, []schema.ChangeRecord{older})
	if err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}
	if ack.Applied != 0 || ack.ConflictLosses != 1 {
		t.Errorf("ack = %+v, want 1 conflict loss", ack)
	}

	got, err := store.Get(ctx, "customers", "c-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil || got.Payload["name"] != "newer" {
		t.Errorf("stored payload = %v, stale write should not have won", got.Payload)
	}
}

func TestLocalStore_PushBatch_EqualTimestampIsConflictLoss(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := testRecord("c-1", at)
	if _, err := store.PushBatch(ctx, m, []schema.ChangeRecord{rec}); err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}

	// Re-running the same batch is a no-op: not strictly newer.
	ack, err := store.PushBatch(ctx, m, []schema.ChangeRecord{rec})
	if err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}
	if ack.Applied != 0 || ack.ConflictLosses != 1 {
		t.Errorf("ack = %+v, want rerun skipped as conflict loss", ack)
	}
}

func TestLocalStore_PushBatch_RollsBackOnBadRecord(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	bad := testRecord("c-2", base)
	delete(bad.Payload, "updated_at")

	_, err := store.PushBatch(ctx, m, []schema.ChangeRecord{
		testRecord("c-1", base.Add(time.Hour)),
		bad,
	})
	if err == nil {
		t.Fatal("PushBatch() should fail on a record without updated-at")
	}

	// The whole batch rolls back, including the good record.
	got, err := store.Get(ctx, "customers", "c-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Error("partial batch should have been rolled back")
	}
}

func TestLocalStore_FetchSince_CursorSemantics(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.PushBatch(ctx, m, []schema.ChangeRecord{
		testRecord("c-1", base.Add(1*time.Hour)),
		testRecord("c-2", base.Add(2*time.Hour)),
		testRecord("c-3", base.Add(3*time.Hour)),
	}); err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}

	// With no after-id the boundary is inclusive: the record at exactly
	// since reappears and the idempotent applier absorbs it.
	got, err := store.FetchSince(ctx, m, base.Add(1*time.Hour), "", 10)
	if err != nil {
		t.Fatalf("FetchSince() failed: %v", err)
	}
	if len(got) != 3 || got[0].ExternalID != "c-1" {
		t.Fatalf("FetchSince() = %d records, want 3 starting c-1", len(got))
	}

	// An after-id skips past the cursor record at the boundary timestamp.
	got, err = store.FetchSince(ctx, m, base.Add(1*time.Hour), "c-1", 10)
	if err != nil {
		t.Fatalf("FetchSince() failed: %v", err)
	}
	if len(got) != 2 || got[0].ExternalID != "c-2" {
		t.Errorf("FetchSince() = %d records starting %s, want 2 starting c-2", len(got), got[0].ExternalID)
	}

	// limit caps the page.
	got, err = store.FetchSince(ctx, m, base, "", 2)
	if err != nil {
		t.Fatalf("FetchSince() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("FetchSince() with limit 2 returned %d records", len(got))
	}
}

func TestLocalStore_FetchSince_PagesThroughTiedTimestamps(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.PushBatch(ctx, m, []schema.ChangeRecord{
		testRecord("c-1", at),
		testRecord("c-2", at),
		testRecord("c-3", at),
	}); err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}

	// Walking (since, afterID) one record at a time must visit every
	// record tied at the same timestamp exactly once.
	var seen []string
	since, afterID := time.Time{}, ""
	for {
		page, err := store.FetchSince(ctx, m, since, afterID, 1)
		if err != nil {
			t.Fatalf("FetchSince() failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].ExternalID)
		since, afterID = at, page[0].ExternalID
		if len(seen) > 5 {
			t.Fatal("cursor did not make progress through tied timestamps")
		}
	}
	if len(seen) != 3 || seen[0] != "c-1" || seen[1] != "c-2" || seen[2] != "c-3" {
		t.Errorf("cursor walk visited %v, want [c-1 c-2 c-3]", seen)
	}
}

func TestLocalStore_SubsecondWriteWinsOverWholeSecond(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	whole := testRecord("c-1", at)
	whole.Payload["name"] = "whole second"
	if _, err := store.PushBatch(ctx, m, []schema.ChangeRecord{whole}); err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}

	// A write 500ms later is newer even though serializing it naively
	// would sort "12:00:00.5Z" before "12:00:00Z".
	later := at.Add(500 * time.Millisecond)
	sub := testRecord("c-1", later)
	sub.Payload["name"] = "sub second"
	sub.Payload["updated_at"] = later.Format(time.RFC3339Nano)
	ack, err := store.PushBatch(ctx, m, []schema.ChangeRecord{sub})
	if err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}
	if ack.Applied != 1 || ack.ConflictLosses != 0 {
		t.Fatalf("ack = %+v, want the sub-second write applied", ack)
	}

	got, err := store.Get(ctx, "customers", "c-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil || got.Payload["name"] != "sub second" {
		t.Errorf("stored payload = %v, want the sub-second write", got.Payload)
	}

	// The sub-second record is visible past the whole-second cursor.
	recs, err := store.FetchSince(ctx, m, at, "c-1", 10)
	if err != nil {
		t.Fatalf("FetchSince() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ExternalID != "c-1" {
		t.Fatalf("FetchSince() = %d records, want the sub-second write", len(recs))
	}

	cs, err := store.Summary(ctx, m, 100)
	if err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}
	if !cs.MaxUpdatedAt.Equal(later) {
		t.Errorf("MaxUpdatedAt = %v, want %v", cs.MaxUpdatedAt, later)
	}
}

func TestLocalStore_Summary(t *testing.T) {
	store := NewLocalStore(testDB(t))
	ctx := context.Background()
	m := testMapping()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	empty, err := store.Summary(ctx, m, 100)
	if err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}
	if empty.Count != 0 || !empty.MaxUpdatedAt.IsZero() {
		t.Errorf("empty summary = %+v", empty)
	}

	if _, err := store.PushBatch(ctx, m, []schema.ChangeRecord{
		testRecord("c-1", base.Add(1*time.Hour)),
		testRecord("c-2", base.Add(2*time.Hour)),
	}); err != nil {
		t.Fatalf("PushBatch() failed: %v", err)
	}

	cs, err := store.Summary(ctx, m, 100)
	if err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}
	if cs.Count != 2 {
		t.Errorf("Count = %d, want 2", cs.Count)
	}
	if !cs.MaxUpdatedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("MaxUpdatedAt = %v, want %v", cs.MaxUpdatedAt, base.Add(2*time.Hour))
	}
	if !cs.HashedKeys {
		t.Error("collection under threshold should include a key hash")
	}
	if want := schema.HashKeys([]string{"c-1", "c-2"}); cs.KeyHash != want {
		t.Errorf("KeyHash = %x, want %x", cs.KeyHash, want)
	}

	// Above threshold, key hashing is skipped.
	cs, err = store.Summary(ctx, m, 1)
	if err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}
	if cs.HashedKeys {
		t.Error("collection above threshold should skip the key hash")
	}
}

func TestLocalStore_Probe(t *testing.T) {
	store := NewLocalStore(testDB(t))
	if err := store.Probe(context.Background()); err != nil {
		t.Errorf("Probe() failed: %v", err)
	}
}
