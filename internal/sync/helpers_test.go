package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// testClock is a manual clock advanced explicitly by tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is an in-memory side adapter with the same last-writer-wins
// semantics as the real adapters.
type memStore struct {
	mu      sync.Mutex
	records map[string]map[string]schema.ChangeRecord // entity -> id -> record

	probeErr error
	fetchErr error
	pushErr  error
	sumErr   error

	// onFetch, when set, runs at the top of FetchSince outside the store
	// lock. Tests use it to hold a sync mid-extraction.
	onFetch func()

	pushLog []string // "entity/id" in apply order
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]map[string]schema.ChangeRecord)}
}

func (s *memStore) seed(m *schema.EntityMapping, recs ...schema.ChangeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if s.records[m.Name] == nil {
			s.records[m.Name] = make(map[string]schema.ChangeRecord)
		}
		s.records[m.Name][rec.ExternalID] = rec
	}
}

func (s *memStore) get(entity, id string) (schema.ChangeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[entity][id]
	return rec, ok
}

func (s *memStore) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *memStore) setProbeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = err
}

func (s *memStore) FetchSince(ctx context.Context, m *schema.EntityMapping, since time.Time, afterID string, limit int) ([]schema.ChangeRecord, error) {
	s.mu.Lock()
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	var out []schema.ChangeRecord
	for _, rec := range s.records[m.Name] {
		t, err := m.UpdatedAt(&rec)
		if err != nil {
			// Unreadable timestamps still flow out so validation at the
			// extraction boundary sees them.
			out = append(out, rec)
			continue
		}
		if t.After(since) || (t.Equal(since) && rec.ExternalID > afterID) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, _ := m.UpdatedAt(&out[i])
		tj, _ := m.UpdatedAt(&out[j])
		if ti.Equal(tj) {
			return out[i].ExternalID < out[j].ExternalID
		}
		return ti.Before(tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) PushBatch(ctx context.Context, m *schema.EntityMapping, recs []schema.ChangeRecord) (BatchAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return BatchAck{}, s.pushErr
	}

	var ack BatchAck
	for _, rec := range recs {
		incoming, err := m.UpdatedAt(&rec)
		if err != nil {
			return BatchAck{}, err
		}
		if s.records[m.Name] == nil {
			s.records[m.Name] = make(map[string]schema.ChangeRecord)
		}
		if existing, ok := s.records[m.Name][rec.ExternalID]; ok {
			current, _ := m.UpdatedAt(&existing)
			if !incoming.After(current) {
				ack.ConflictLosses++
				continue
			}
		}
		s.records[m.Name][rec.ExternalID] = rec
		s.pushLog = append(s.pushLog, m.Name+"/"+rec.ExternalID)
		ack.Applied++
	}
	return ack, nil
}

func (s *memStore) Summary(ctx context.Context, m *schema.EntityMapping, hashThreshold int) (schema.Checksum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sumErr != nil {
		return schema.Checksum{}, s.sumErr
	}

	var cs schema.Checksum
	var keys []string
	for id, rec := range s.records[m.Name] {
		cs.Count++
		keys = append(keys, id)
		if t, err := m.UpdatedAt(&rec); err == nil && t.After(cs.MaxUpdatedAt) {
			cs.MaxUpdatedAt = t
		}
	}
	if hashThreshold > 0 && cs.Count <= int64(hashThreshold) {
		cs.KeyHash = schema.HashKeys(keys)
		cs.HashedKeys = true
	}
	return cs, nil
}

// memLedger is an in-memory Ledger with monotonic checkpoints and
// immutable finalized attempts.
type memLedger struct {
	mu          sync.Mutex
	checkpoints map[string]schema.Checkpoint
	attempts    map[string]*schema.SyncAttempt
	order       []string
	disabled    map[string]string
	commitErr   error
}

func newMemLedger() *memLedger {
	return &memLedger{
		checkpoints: make(map[string]schema.Checkpoint),
		attempts:    make(map[string]*schema.SyncAttempt),
		disabled:    make(map[string]string),
	}
}

func (l *memLedger) GetCheckpoint(ctx context.Context, entity string) (schema.Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp, ok := l.checkpoints[entity]
	if !ok {
		return schema.Checkpoint{Entity: entity}, nil
	}
	return cp, nil
}

func (l *memLedger) CommitCheckpoint(ctx context.Context, cp schema.Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitErr != nil {
		return l.commitErr
	}
	if current, ok := l.checkpoints[cp.Entity]; ok && cp.LastSyncedAt.Before(current.LastSyncedAt) {
		return fmt.Errorf("checkpoint for %s would regress", cp.Entity)
	}
	l.checkpoints[cp.Entity] = cp
	return nil
}

func (l *memLedger) RecordAttempt(ctx context.Context, attempt *schema.SyncAttempt) error {
	if err := attempt.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.attempts[attempt.ID]; ok {
		if existing.Finalized() {
			return fmt.Errorf("attempt %s is finalized", attempt.ID)
		}
	} else {
		l.order = append(l.order, attempt.ID)
	}
	clone := *attempt
	l.attempts[attempt.ID] = &clone
	return nil
}

func (l *memLedger) LastAttempt(ctx context.Context, entity string) (*schema.SyncAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.order) - 1; i >= 0; i-- {
		if a := l.attempts[l.order[i]]; a.Entity == entity {
			clone := *a
			return &clone, nil
		}
	}
	return nil, nil
}

func (l *memLedger) SetEntityDisabled(ctx context.Context, entity string, disabled bool, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if disabled {
		l.disabled[entity] = reason
	} else {
		delete(l.disabled, entity)
	}
	return nil
}

func (l *memLedger) EntityDisabled(ctx context.Context, entity string) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason, ok := l.disabled[entity]
	return ok, reason, nil
}

func (l *memLedger) FailRunningAttempts(ctx context.Context, reason string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, a := range l.attempts {
		if a.Status == schema.AttemptRunning {
			a.Status = schema.AttemptFailed
			a.Error = reason
			n++
		}
	}
	return n, nil
}

func (l *memLedger) PruneAttempts(ctx context.Context, olderThan time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	kept := l.order[:0]
	for _, id := range l.order {
		a := l.attempts[id]
		if a.Finalized() && a.StartedAt.Before(olderThan) {
			delete(l.attempts, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return n, nil
}

func (l *memLedger) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// memQueue is an in-memory FIFO Queue.
type memQueue struct {
	mu      sync.Mutex
	records map[string][]schema.ChangeRecord
}

func newMemQueue() *memQueue {
	return &memQueue{records: make(map[string][]schema.ChangeRecord)}
}

func (q *memQueue) Enqueue(ctx context.Context, rec *schema.ChangeRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records[rec.Entity] = append(q.records[rec.Entity], *rec)
	return nil
}

func (q *memQueue) DrainInOrder(ctx context.Context, entity string, apply func(*schema.ChangeRecord) error) (int, error) {
	drained := 0
	for {
		q.mu.Lock()
		pending := q.records[entity]
		if len(pending) == 0 {
			q.mu.Unlock()
			return drained, nil
		}
		rec := pending[0]
		q.mu.Unlock()

		if err := apply(&rec); err != nil {
			return drained, err
		}

		q.mu.Lock()
		q.records[entity] = q.records[entity][1:]
		q.mu.Unlock()
		drained++
	}
}

func (q *memQueue) Len(ctx context.Context, entity string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records[entity]), nil
}

// Mapping and record builders shared by the engine tests.

func testMapping(name string) *schema.EntityMapping {
	return &schema.EntityMapping{
		Name:            name,
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

func testRecord(entity, id string, updatedAt time.Time) schema.ChangeRecord {
	return schema.ChangeRecord{
		Entity:     entity,
		ExternalID: id,
		Payload: map[string]any{
			"id":         id,
			"name":       "Record " + id,
			"updated_at": updatedAt.UTC().Format(time.RFC3339),
		},
		ObservedAt: updatedAt,
	}
}
