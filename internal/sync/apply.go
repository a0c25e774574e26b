package sync

import (
	"context"
	"fmt"
	"log"

	"github.com/driftlock/driftsync/internal/schema"
)

// Applier idempotently writes record batches into a destination side.
//
// The destination adapter performs last-writer-wins by updated-at inside a
// single transaction; re-running the same batch yields the same destination
// state. A skipped stale write is a conflict loss, logged as informational
// and counted on the ack, never surfaced as an error.
type Applier struct {
	logger *log.Logger
}

// NewApplier creates an applier. A nil logger defaults to stderr with an
// [apply] prefix.
func NewApplier(logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(log.Writer(), "[apply] ", log.LstdFlags)
	}
	return &Applier{logger: logger}
}

// Apply pushes records to the destination and reports the ack. A partial
// batch failure has already been rolled back by the adapter and is returned
// as an error for the orchestrator to retry.
func (a *Applier) Apply(ctx context.Context, dest Store, destSide schema.Side, mapping *schema.EntityMapping, records []schema.ChangeRecord) (BatchAck, error) {
	if len(records) == 0 {
		return BatchAck{}, nil
	}

	ack, err := dest.PushBatch(ctx, mapping, records)
	if err != nil {
		return BatchAck{}, fmt.Errorf("failed to apply %d records to %s for %s: %w",
			len(records), destSide, mapping.Name, err)
	}

	if ack.ConflictLosses > 0 {
		a.logger.Printf("Conflict loss on %s (%s): %d of %d records older than destination copy",
			mapping.Name, destSide, ack.ConflictLosses, len(records))
	}
	return ack, nil
}
