package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// Extractor pulls records changed since a checkpoint from one side.
//
// Results are validated against the mapping's declared payload schema at
// this boundary: a record that no longer matches is a schema mismatch and
// non-retryable. Output is ordered by (updated-at, external-id) so pages
// advance on a cursor that makes progress even through records tied on one
// timestamp; resuming from a checkpoint re-reads only the boundary ties.
type Extractor struct {
	// pageSize resolves the per-entity batch cap.
	pageSize func(*schema.EntityMapping) int
}

// NewExtractor builds an extractor with the given page-size resolver.
// A nil resolver uses the engine default of 500.
func NewExtractor(pageSize func(*schema.EntityMapping) int) *Extractor {
	if pageSize == nil {
		pageSize = func(*schema.EntityMapping) int { return 500 }
	}
	return &Extractor{pageSize: pageSize}
}

// PageSize resolves the entity's batch cap. A page of exactly this length
// may have more records behind it.
func (e *Extractor) PageSize(mapping *schema.EntityMapping) int {
	return e.pageSize(mapping)
}

// Extract returns up to one page of records changed on source after the
// (since, afterID) cursor. An empty result is not an error.
func (e *Extractor) Extract(ctx context.Context, source Store, side schema.Side, mapping *schema.EntityMapping, since time.Time, afterID string) ([]schema.ChangeRecord, error) {
	limit := e.pageSize(mapping)
	recs, err := source.FetchSince(ctx, mapping, since, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s from %s: %w", mapping.Name, side, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	for i := range recs {
		recs[i].Entity = mapping.Name
		recs[i].Source = side
		if err := mapping.ValidateRecord(&recs[i]); err != nil {
			return nil, &SchemaMismatchError{Entity: mapping.Name, Err: err}
		}
	}

	// Adapters promise ascending order; enforce it anyway so a sloppy
	// adapter cannot break checkpoint resumption.
	schema.SortByUpdatedAt(mapping, recs)
	return recs, nil
}

// Newest returns the updated-at of the last record in an ascending batch.
func Newest(mapping *schema.EntityMapping, recs []schema.ChangeRecord) (time.Time, error) {
	if len(recs) == 0 {
		return time.Time{}, fmt.Errorf("empty batch")
	}
	return mapping.UpdatedAt(&recs[len(recs)-1])
}
