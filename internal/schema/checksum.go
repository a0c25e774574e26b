package schema

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// Checksum is a cheap composite fingerprint of one entity collection on one
// side: record count, max updated-at, and optionally a hash over the set of
// external ids for collections small enough to enumerate.
//
// Equal checksums on opposite sides mean "no sync needed this cycle". This
// is a probabilistic shortcut, not a correctness guarantee: a pair of
// offsetting writes inside the same second can collide. Operators who
// suspect silent drift can force a cycle that bypasses the comparison.
type Checksum struct {
	Count        int64     `json:"count"`
	MaxUpdatedAt time.Time `json:"max_updated_at"`
	KeyHash      uint64    `json:"key_hash,omitempty"`
	HashedKeys   bool      `json:"hashed_keys"`
}

// Equal compares two checksums by value.
//
// The key hash participates only when both sides computed one; a side that
// skipped hashing (collection above threshold) still compares on count and
// max updated-at.
func (c Checksum) Equal(other Checksum) bool {
	if c.Count != other.Count {
		return false
	}
	if !c.MaxUpdatedAt.Equal(other.MaxUpdatedAt) {
		return false
	}
	if c.HashedKeys && other.HashedKeys && c.KeyHash != other.KeyHash {
		return false
	}
	return true
}

// String renders the checksum for storage in the ledger.
func (c Checksum) String() string {
	max := ""
	if !c.MaxUpdatedAt.IsZero() {
		max = c.MaxUpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if c.HashedKeys {
		return fmt.Sprintf("%d:%s:%016x", c.Count, max, c.KeyHash)
	}
	return fmt.Sprintf("%d:%s:-", c.Count, max)
}

// HashKeys computes an order-independent FNV hash over a set of external
// ids. Keys are sorted before hashing so both sides agree regardless of
// enumeration order.
func HashKeys(keys []string) uint64 {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	h := fnv.New64a()
	for _, k := range sorted {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
