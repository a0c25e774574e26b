package sync

import (
	"context"
	"fmt"

	"github.com/driftlock/driftsync/internal/schema"
)

// ChecksumService computes and compares collection fingerprints.
//
// Fingerprints are computed independently per side, with no cross-side
// locking; the comparison result is a probabilistic shortcut for "no sync
// needed this cycle", never a correctness guarantee.
type ChecksumService struct {
	local  Store
	remote Store

	// threshold resolves the per-entity key-hash cutoff.
	threshold func(*schema.EntityMapping) int
}

// NewChecksumService builds a checksum service over the two side adapters.
// threshold may be nil to disable key hashing entirely.
func NewChecksumService(local, remote Store, threshold func(*schema.EntityMapping) int) *ChecksumService {
	if threshold == nil {
		threshold = func(*schema.EntityMapping) int { return 0 }
	}
	return &ChecksumService{local: local, remote: remote, threshold: threshold}
}

// Fingerprint computes the checksum of one entity collection on one side.
func (c *ChecksumService) Fingerprint(ctx context.Context, mapping *schema.EntityMapping, side schema.Side) (schema.Checksum, error) {
	store := c.local
	if side == schema.SideRemote {
		store = c.remote
	}
	cs, err := store.Summary(ctx, mapping, c.threshold(mapping))
	if err != nil {
		return schema.Checksum{}, fmt.Errorf("failed to fingerprint %s on %s: %w", mapping.Name, side, err)
	}
	return cs, nil
}

// Compare fingerprints both sides concurrently and reports whether they
// match by value.
func (c *ChecksumService) Compare(ctx context.Context, mapping *schema.EntityMapping) (local, remote schema.Checksum, equal bool, err error) {
	type result struct {
		cs  schema.Checksum
		err error
	}

	localCh := make(chan result, 1)
	go func() {
		cs, err := c.Fingerprint(ctx, mapping, schema.SideLocal)
		localCh <- result{cs, err}
	}()

	remote, err = c.Fingerprint(ctx, mapping, schema.SideRemote)
	lr := <-localCh
	if lr.err != nil {
		return local, remote, false, lr.err
	}
	if err != nil {
		return local, remote, false, err
	}

	local = lr.cs
	return local, remote, local.Equal(remote), nil
}
