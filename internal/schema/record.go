// Package schema provides data structures for synchronized entities and the
// change records that flow between sides.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Side identifies which store a record or checksum was produced on.
type Side string

const (
	// SideLocal is the local operational store.
	SideLocal Side = "local"
	// SideRemote is the external system-of-record.
	SideRemote Side = "remote"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLocal {
		return SideRemote
	}
	return SideLocal
}

// FieldType enumerates the payload value types a mapping can declare.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBool      FieldType = "bool"
	FieldTimestamp FieldType = "timestamp"
)

// FieldSpec declares one payload field of an entity's versioned schema.
type FieldSpec struct {
	Name     string    `json:"name" mapstructure:"name"`
	Type     FieldType `json:"type" mapstructure:"type"`
	Required bool      `json:"required" mapstructure:"required"`
}

// EntityMapping describes one synchronized collection.
//
// Mappings are loaded from static configuration at startup and are immutable
// for the lifetime of the process. ExternalIDField and UpdatedAtField name
// the payload keys carrying the record identity and its last-write
// timestamp; both are implicitly required.
type EntityMapping struct {
	// Name is the collection name, e.g. "customers".
	Name string `json:"name" mapstructure:"name"`

	// ExternalIDField is the payload key holding the cross-side identity.
	ExternalIDField string `json:"external_id_field" mapstructure:"external_id_field"`

	// UpdatedAtField is the payload key holding the RFC3339 last-write time.
	UpdatedAtField string `json:"updated_at_field" mapstructure:"updated_at_field"`

	// SchemaVersion identifies the payload schema below. Incremented
	// whenever Fields change shape.
	SchemaVersion int `json:"schema_version" mapstructure:"schema_version"`

	// Fields is the declared payload schema, validated at the extraction
	// boundary.
	Fields []FieldSpec `json:"fields" mapstructure:"fields"`

	// PageSize caps one extraction batch. Zero means the engine default.
	PageSize int `json:"page_size,omitempty" mapstructure:"page_size"`

	// HashThreshold is the max collection size for which the checksum
	// includes a key hash. Zero means the engine default.
	HashThreshold int `json:"hash_threshold,omitempty" mapstructure:"hash_threshold"`
}

// Validate checks that the mapping is well formed.
func (m *EntityMapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(m.Name, " /\\") {
		return fmt.Errorf("name %q must not contain spaces or path separators", m.Name)
	}
	if m.ExternalIDField == "" {
		return fmt.Errorf("external_id_field is required")
	}
	if m.UpdatedAtField == "" {
		return fmt.Errorf("updated_at_field is required")
	}
	if m.SchemaVersion < 1 {
		return fmt.Errorf("schema_version must be >= 1 (got %d)", m.SchemaVersion)
	}
	if m.PageSize < 0 {
		return fmt.Errorf("page_size must not be negative (got %d)", m.PageSize)
	}
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("field name is required")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FieldString, FieldNumber, FieldBool, FieldTimestamp:
		default:
			return fmt.Errorf("field %q has unknown type %q", f.Name, f.Type)
		}
	}
	return nil
}

// ChangeRecord is one row-level change to propagate between sides.
//
// The payload is a flat key/value map matching the mapping's declared
// schema. Records are produced by extraction or captured by the offline
// queue, and discarded once applied.
type ChangeRecord struct {
	// Entity is the owning EntityMapping name.
	Entity string `json:"entity"`

	// ExternalID is the cross-side identity of the record.
	ExternalID string `json:"external_id"`

	// Payload holds the record fields, timestamps as RFC3339 strings.
	Payload map[string]any `json:"payload"`

	// Source is the side the change was observed on.
	Source Side `json:"source"`

	// ObservedAt is when the change was seen by the engine.
	ObservedAt time.Time `json:"observed_at"`
}

// ValidationError reports a payload that does not match the declared schema.
// The extractor treats it as a non-retryable schema mismatch.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("entity %s: field %q: %s", e.Entity, e.Field, e.Reason)
}

// UpdatedAt extracts the record's last-write timestamp from the payload
// using the mapping's updated-at field.
func (m *EntityMapping) UpdatedAt(rec *ChangeRecord) (time.Time, error) {
	raw, ok := rec.Payload[m.UpdatedAtField]
	if !ok {
		return time.Time{}, &ValidationError{Entity: m.Name, Field: m.UpdatedAtField, Reason: "missing updated-at field"}
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, &ValidationError{Entity: m.Name, Field: m.UpdatedAtField, Reason: fmt.Sprintf("updated-at must be an RFC3339 string, got %T", raw)}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &ValidationError{Entity: m.Name, Field: m.UpdatedAtField, Reason: fmt.Sprintf("bad timestamp %q", s)}
	}
	return t, nil
}

// ValidateRecord checks one record against the mapping's declared schema.
//
// The external-id and updated-at fields are always required; declared fields
// are checked for presence (when required) and type. Unknown payload keys
// are tolerated so that schema additions on one side do not stall sync.
func (m *EntityMapping) ValidateRecord(rec *ChangeRecord) error {
	if rec.ExternalID == "" {
		return &ValidationError{Entity: m.Name, Field: m.ExternalIDField, Reason: "empty external id"}
	}
	if rec.Payload == nil {
		return &ValidationError{Entity: m.Name, Field: "", Reason: "nil payload"}
	}
	if id, ok := rec.Payload[m.ExternalIDField]; ok {
		if s, isStr := id.(string); isStr && s != rec.ExternalID {
			return &ValidationError{Entity: m.Name, Field: m.ExternalIDField, Reason: "payload id does not match record id"}
		}
	}
	if _, err := m.UpdatedAt(rec); err != nil {
		return err
	}
	for _, f := range m.Fields {
		raw, present := rec.Payload[f.Name]
		if !present {
			if f.Required {
				return &ValidationError{Entity: m.Name, Field: f.Name, Reason: "required field absent"}
			}
			continue
		}
		if raw == nil {
			continue
		}
		if err := checkFieldType(raw, f.Type); err != nil {
			return &ValidationError{Entity: m.Name, Field: f.Name, Reason: err.Error()}
		}
	}
	return nil
}

func checkFieldType(raw any, typ FieldType) error {
	switch typ {
	case FieldString, FieldTimestamp:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
		if typ == FieldTimestamp {
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return fmt.Errorf("bad timestamp %q", s)
			}
		}
	case FieldNumber:
		switch raw.(type) {
		case float64, int, int64, json.Number:
		default:
			return fmt.Errorf("expected number, got %T", raw)
		}
	case FieldBool:
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", raw)
		}
	}
	return nil
}

// Filename returns the canonical outbox filename for this record.
func (r *ChangeRecord) Filename() string {
	return fmt.Sprintf("%s--%d.json", r.ExternalID, r.ObservedAt.UnixNano())
}

// ReadRecordFile reads and parses a change record JSON file.
//
// The entity name is taken from the file's parent directory when the record
// itself does not carry one, matching the outbox layout
// outbox/{entity}/{id}--{nanos}.json.
func ReadRecordFile(path string) (*ChangeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	var rec ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", filepath.Base(path), err)
	}

	if rec.Entity == "" {
		rec.Entity = filepath.Base(filepath.Dir(path))
	}
	if rec.Source == "" {
		rec.Source = SideLocal
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = time.Now().UTC()
	}
	return &rec, nil
}

// WriteRecordFile writes a change record to dir using its canonical
// filename. Used by tests and by local-write producers that feed the outbox.
func WriteRecordFile(dir string, rec *ChangeRecord) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	path := filepath.Join(dir, rec.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write record file: %w", err)
	}
	return path, nil
}

// SortByUpdatedAt orders records by their payload updated-at ascending,
// falling back to ObservedAt when a timestamp is unreadable. Extraction
// output must be ordered so interrupted batches can resume.
func SortByUpdatedAt(m *EntityMapping, recs []ChangeRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, erri := m.UpdatedAt(&recs[i])
		tj, errj := m.UpdatedAt(&recs[j])
		if erri != nil || errj != nil {
			return recs[i].ObservedAt.Before(recs[j].ObservedAt)
		}
		// External id breaks timestamp ties so batches have one total
		// order and paging cursors can advance through tied records.
		if ti.Equal(tj) {
			return recs[i].ExternalID < recs[j].ExternalID
		}
		return ti.Before(tj)
	})
}
