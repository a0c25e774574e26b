package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// testDB opens an initialized database under a temporary directory.
func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return database
}

func testMapping() *schema.EntityMapping {
	return &schema.EntityMapping{
		Name:            "customers",
		ExternalIDField: "id",
		UpdatedAtField:  "updated_at",
		SchemaVersion:   1,
		Fields: []schema.FieldSpec{
			{Name: "id", Type: schema.FieldString, Required: true},
			{Name: "name", Type: schema.FieldString},
			{Name: "updated_at", Type: schema.FieldTimestamp, Required: true},
		},
	}
}

func testRecord(id string, updatedAt time.Time) schema.ChangeRecord {
	return schema.ChangeRecord{
		Entity:     "customers",
		ExternalID: id,
		Payload: map[string]any{
			"id":         id,
			"name":       "Customer " + id,
			"updated_at": updatedAt.UTC().Format(time.RFC3339),
		},
		Source:     schema.SideRemote,
		ObservedAt: updatedAt,
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()

	if database.Path() != path {
		t.Errorf("Path() = %q, want %q", database.Path(), path)
	}
}

func TestInitSchema_CreatesTables(t *testing.T) {
	database := testDB(t)

	tables := []string{"records", "checkpoints", "attempts", "offline_queue", "entity_state"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := database.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	database := testDB(t)
	if err := database.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("Second Close() failed: %v", err)
	}
}

func TestFormatTime_LexicographicOrderMatchesChronological(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Nanosecond),
	}

	// Stored timestamps are compared as strings in SQL, so the fixed-width
	// encoding must sort the same way the times do.
	for i := 1; i < len(times); i++ {
		prev, cur := formatTime(times[i-1]), formatTime(times[i])
		if !(prev < cur) {
			t.Errorf("formatTime(%v) = %q does not sort before formatTime(%v) = %q",
				times[i-1], prev, times[i], cur)
		}
	}
}

func TestFormatTime_RoundTrips(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 500000000, time.UTC)
	got, err := parseTime(formatTime(at))
	if err != nil {
		t.Fatalf("parseTime() failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("round trip = %v, want %v", got, at)
	}
}

func TestParseTime_SecondPrecisionFallback(t *testing.T) {
	got, err := parseTime("2026-03-01T12:00:00Z")
	if err != nil {
		t.Fatalf("parseTime() failed: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseTime() = %v, want %v", got, want)
	}
}
