package sync

import (
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// EventType identifies an orchestrator lifecycle event.
type EventType string

const (
	// EventCycleSkipped fires when a timer cycle is skipped because the
	// remote side is disconnected.
	EventCycleSkipped EventType = "cycle_skipped"

	// EventAttemptStarted fires when an entity's pipeline begins.
	EventAttemptStarted EventType = "attempt_started"

	// EventAttemptFinished fires when an attempt reaches a terminal
	// status.
	EventAttemptFinished EventType = "attempt_finished"

	// EventConnectivity fires when the probe's status flips.
	EventConnectivity EventType = "connectivity"

	// EventQueueDrained fires after queued local writes were applied.
	EventQueueDrained EventType = "queue_drained"
)

// Event is one lifecycle notification for monitoring consumers.
type Event struct {
	Type         EventType           `json:"type"`
	Entity       string              `json:"entity,omitempty"`
	Attempt      *schema.SyncAttempt `json:"attempt,omitempty"`
	Connectivity *ConnectivityState  `json:"connectivity,omitempty"`
	Message      string              `json:"message,omitempty"`
	At           time.Time           `json:"at"`
}
