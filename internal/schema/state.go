package schema

import (
	"fmt"
	"time"
)

// Checkpoint is the durable marker of how far synchronization has progressed
// for one entity. LastSyncedAt never regresses; it is advanced only together
// with a fully applied batch.
type Checkpoint struct {
	Entity       string    `json:"entity"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastChecksum string    `json:"last_checksum,omitempty"`
	CommittedAt  time.Time `json:"committed_at"`
}

// AttemptStatus is the lifecycle state of one sync attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	// AttemptSkipped marks a cycle where checksums matched and no work ran.
	AttemptSkipped AttemptStatus = "skipped"
)

// SyncAttempt is one execution of the orchestration loop for one entity.
// Attempts are retained for audit and never mutated after completion.
type SyncAttempt struct {
	ID             string        `json:"id"`
	Entity         string        `json:"entity"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Status         AttemptStatus `json:"status"`
	RecordsApplied int           `json:"records_applied"`
	ConflictLosses int           `json:"conflict_losses"`
	Error          string        `json:"error,omitempty"`
}

// Validate checks required attempt fields before persisting.
func (a *SyncAttempt) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if a.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	switch a.Status {
	case AttemptRunning, AttemptCompleted, AttemptFailed, AttemptSkipped:
	default:
		return fmt.Errorf("unknown status %q", a.Status)
	}
	return nil
}

// Finalized reports whether the attempt has reached a terminal status.
func (a *SyncAttempt) Finalized() bool {
	return a.Status != AttemptRunning
}
