// Package sync implements the bidirectional state-synchronization engine:
// connectivity probing, checksum comparison, delta extraction, idempotent
// application, offline queueing and the orchestration loop tying them
// together.
package sync

import (
	"context"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// BatchAck reports the outcome of one applied batch.
type BatchAck struct {
	// Applied is how many records were inserted or overwrote the
	// destination copy.
	Applied int

	// ConflictLosses is how many records were skipped because the incoming
	// updated-at was not strictly newer than the destination's. Expected
	// behavior under last-writer-wins, never an error.
	ConflictLosses int
}

// Store is the side adapter contract. Both the local operational store and
// the remote system-of-record implement it, which is what makes sync
// genuinely bidirectional.
//
// The engine is adapter-agnostic: an embedded database, an HTTP service or
// a foreign database connection are equally valid implementations. All
// calls honor the passed context's deadline; network failures are returned
// as errors for the engine to classify, never panics.
type Store interface {
	// Probe performs a lightweight reachability check, e.g. a cheap read.
	// A nil return means the side is reachable.
	Probe(ctx context.Context) error

	// FetchSince returns records strictly after the (since, afterID)
	// cursor in (updated-at, external-id) order, capped at limit: a record
	// qualifies when its updated-at exceeds since, or equals since with an
	// external id greater than afterID. An empty afterID therefore keeps
	// every record tied at since, so resuming from a checkpoint re-reads
	// the boundary ties, which the applier's idempotence absorbs. An empty
	// slice (not an error) means nothing new.
	FetchSince(ctx context.Context, mapping *schema.EntityMapping, since time.Time, afterID string, limit int) ([]schema.ChangeRecord, error)

	// PushBatch applies records idempotently, keyed by external id:
	// insert when absent, overwrite only when the incoming updated-at is
	// strictly newer. The whole batch is applied in a single transaction
	// where the side supports one; partial failure rolls everything back.
	PushBatch(ctx context.Context, mapping *schema.EntityMapping, records []schema.ChangeRecord) (BatchAck, error)

	// Summary computes the side's collection fingerprint. The key hash is
	// included only when the collection has at most hashThreshold records,
	// so very large collections are not enumerated every cycle.
	Summary(ctx context.Context, mapping *schema.EntityMapping, hashThreshold int) (schema.Checksum, error)
}

// Ledger is the durable record of per-entity checkpoints and attempt
// history. CommitCheckpoint is only called after a fully applied batch;
// implementations must keep checkpoints monotonically non-decreasing and
// serialize commits per entity.
type Ledger interface {
	// GetCheckpoint returns the entity's checkpoint, or a zero-valued
	// checkpoint (never an error) when the entity has not synced yet.
	GetCheckpoint(ctx context.Context, entity string) (schema.Checkpoint, error)

	// CommitCheckpoint advances the entity's checkpoint. A commit that
	// would move last-synced-at backwards is rejected.
	CommitCheckpoint(ctx context.Context, cp schema.Checkpoint) error

	// RecordAttempt inserts or updates a sync attempt. Attempts are
	// updated until finalized, then immutable.
	RecordAttempt(ctx context.Context, attempt *schema.SyncAttempt) error

	// LastAttempt returns the most recently started attempt for the
	// entity, or nil when none exists.
	LastAttempt(ctx context.Context, entity string) (*schema.SyncAttempt, error)

	// SetEntityDisabled flags or clears an entity excluded from cycles
	// after a schema mismatch. The flag survives restart until an
	// operator acknowledges it.
	SetEntityDisabled(ctx context.Context, entity string, disabled bool, reason string) error

	// EntityDisabled reports the entity's exclusion flag and reason.
	EntityDisabled(ctx context.Context, entity string) (bool, string, error)

	// FailRunningAttempts marks every attempt still recorded as running
	// as failed with the given reason. Called at startup so a crashed
	// process never leaves attempts running forever.
	FailRunningAttempts(ctx context.Context, reason string) (int, error)

	// PruneAttempts deletes finalized attempts older than the cutoff so
	// the audit table does not grow without bound. Returns how many rows
	// were removed.
	PruneAttempts(ctx context.Context, olderThan time.Time) (int, error)
}

// Queue is the durable, ordered buffer of local mutations produced while
// the remote side is unreachable. Records preserve per-entity FIFO order;
// cross-entity ordering is not guaranteed and not required.
type Queue interface {
	// Enqueue appends a record. Called by the local-write path whenever
	// connectivity is down.
	Enqueue(ctx context.Context, rec *schema.ChangeRecord) error

	// DrainInOrder yields the entity's queued records oldest-first,
	// invoking apply for each and deleting the row only after apply
	// succeeds. A failure stops the drain with the failing record still
	// queued, so the next attempt resumes from the first un-applied
	// record. Returns how many records were drained.
	DrainInOrder(ctx context.Context, entity string, apply func(*schema.ChangeRecord) error) (int, error)

	// Len reports how many records are queued for the entity.
	Len(ctx context.Context, entity string) (int, error)
}
