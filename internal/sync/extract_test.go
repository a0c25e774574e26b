package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

func TestExtractor_Extract_OrderedAndTagged(t *testing.T) {
	m := testMapping("customers")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	source := newMemStore()
	source.seed(m,
		testRecord("customers", "c-3", base.Add(3*time.Hour)),
		testRecord("customers", "c-1", base.Add(1*time.Hour)),
		testRecord("customers", "c-2", base.Add(2*time.Hour)),
	)

	e := NewExtractor(func(*schema.EntityMapping) int { return 10 })
	recs, err := e.Extract(context.Background(), source, schema.SideRemote, m, base, "")
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Extract() returned %d records, want 3", len(recs))
	}
	for i, id := range []string{"c-1", "c-2", "c-3"} {
		if recs[i].ExternalID != id {
			t.Errorf("recs[%d] = %s, want %s", i, recs[i].ExternalID, id)
		}
		if recs[i].Source != schema.SideRemote {
			t.Errorf("recs[%d].Source = %s, want remote", i, recs[i].Source)
		}
	}
}

func TestExtractor_Extract_CursorAndPageSize(t *testing.T) {
	m := testMapping("customers")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	source := newMemStore()
	source.seed(m,
		testRecord("customers", "c-1", base.Add(1*time.Hour)),
		testRecord("customers", "c-2", base.Add(2*time.Hour)),
		testRecord("customers", "c-3", base.Add(3*time.Hour)),
	)

	e := NewExtractor(func(*schema.EntityMapping) int { return 1 })

	// An empty after-id keeps the record tied at since, so a checkpoint
	// resume re-reads its boundary record.
	recs, err := e.Extract(context.Background(), source, schema.SideRemote, m, base.Add(1*time.Hour), "")
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ExternalID != "c-1" {
		t.Errorf("Extract() = %v, want the boundary record c-1", recs)
	}

	// With the boundary id consumed, the cursor moves strictly past it.
	recs, err = e.Extract(context.Background(), source, schema.SideRemote, m, base.Add(1*time.Hour), "c-1")
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ExternalID != "c-2" {
		t.Errorf("Extract() = %v, want one page starting after the cursor", recs)
	}
}

func TestExtractor_Extract_AdvancesThroughTiedTimestamps(t *testing.T) {
	m := testMapping("customers")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	source := newMemStore()
	source.seed(m,
		testRecord("customers", "c-1", at),
		testRecord("customers", "c-2", at),
		testRecord("customers", "c-3", at),
	)

	e := NewExtractor(func(*schema.EntityMapping) int { return 1 })
	var got []string
	since, afterID := time.Time{}, ""
	for {
		recs, err := e.Extract(context.Background(), source, schema.SideRemote, m, since, afterID)
		if err != nil {
			t.Fatalf("Extract() failed: %v", err)
		}
		if len(recs) == 0 {
			break
		}
		got = append(got, recs[0].ExternalID)
		updated, err := m.UpdatedAt(&recs[len(recs)-1])
		if err != nil {
			t.Fatalf("UpdatedAt() failed: %v", err)
		}
		since, afterID = updated, recs[len(recs)-1].ExternalID
	}

	want := []string{"c-1", "c-2", "c-3"}
	if len(got) != len(want) {
		t.Fatalf("paged through %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("page %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExtractor_Extract_EmptyIsNotAnError(t *testing.T) {
	m := testMapping("customers")
	e := NewExtractor(nil)
	recs, err := e.Extract(context.Background(), newMemStore(), schema.SideLocal, m, time.Time{}, "")
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if recs != nil {
		t.Errorf("Extract() = %v, want nil for an empty source", recs)
	}
}

func TestExtractor_Extract_SchemaMismatch(t *testing.T) {
	m := testMapping("customers")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	bad := testRecord("customers", "c-1", base.Add(time.Hour))
	delete(bad.Payload, "updated_at")

	source := newMemStore()
	source.seed(m, bad)

	e := NewExtractor(nil)
	_, err := e.Extract(context.Background(), source, schema.SideRemote, m, base, "")
	if err == nil {
		t.Fatal("Extract() should fail on a payload missing the updated-at field")
	}

	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Errorf("error = %T, want *SchemaMismatchError", err)
	}
	if Classify(err) != ClassSchemaMismatch {
		t.Error("extraction failure should classify as schema mismatch")
	}
}

func TestNewest(t *testing.T) {
	m := testMapping("customers")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	recs := []schema.ChangeRecord{
		testRecord("customers", "c-1", base.Add(1*time.Hour)),
		testRecord("customers", "c-2", base.Add(2*time.Hour)),
	}
	got, err := Newest(m, recs)
	if err != nil {
		t.Fatalf("Newest() failed: %v", err)
	}
	if !got.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Newest() = %v, want %v", got, base.Add(2*time.Hour))
	}

	if _, err := Newest(m, nil); err == nil {
		t.Error("Newest() should fail on an empty batch")
	}
}
