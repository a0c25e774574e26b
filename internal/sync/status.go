package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlock/driftsync/internal/schema"
)

// EntityStatus is the operator-facing view of one entity.
type EntityStatus struct {
	Entity         string              `json:"entity"`
	State          State               `json:"state"`
	Checkpoint     schema.Checkpoint   `json:"checkpoint"`
	LastAttempt    *schema.SyncAttempt `json:"last_attempt,omitempty"`
	QueueDepth     int                 `json:"queue_depth"`
	Disabled       bool                `json:"disabled"`
	DisabledReason string              `json:"disabled_reason,omitempty"`
	Failures       int                 `json:"consecutive_failures"`
	NextEligible   *time.Time          `json:"next_eligible,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
}

// Status is the full operator-facing snapshot.
type Status struct {
	Connectivity ConnectivityState       `json:"connectivity"`
	Entities     map[string]EntityStatus `json:"entities"`
}

// GetStatus assembles the per-entity status consumed by monitoring scripts.
// It takes only the short report locks, never the pipeline locks, so a
// status read answers immediately even mid-sync and sees the intermediate
// pipeline states. Failure reasons are plain text, never stack traces.
func (o *Orchestrator) GetStatus(ctx context.Context) (Status, error) {
	status := Status{
		Connectivity: o.probe.State(),
		Entities:     make(map[string]EntityStatus, len(o.opts.Mappings)),
	}

	for i := range o.opts.Mappings {
		name := o.opts.Mappings[i].Name

		cp, err := o.opts.Ledger.GetCheckpoint(ctx, name)
		if err != nil {
			return status, err
		}
		last, err := o.opts.Ledger.LastAttempt(ctx, name)
		if err != nil {
			return status, err
		}
		depth, err := o.opts.Queue.Len(ctx, name)
		if err != nil {
			return status, err
		}
		disabled, reason, err := o.opts.Ledger.EntityDisabled(ctx, name)
		if err != nil {
			return status, err
		}

		es := o.entity(name)
		es.mu.Lock()
		entry := EntityStatus{
			Entity:         name,
			State:          es.state,
			Checkpoint:     cp,
			LastAttempt:    last,
			QueueDepth:     depth,
			Disabled:       disabled,
			DisabledReason: reason,
			Failures:       es.failures,
			LastError:      es.lastError,
		}
		if !es.nextEligible.IsZero() {
			next := es.nextEligible
			entry.NextEligible = &next
		}
		es.mu.Unlock()

		status.Entities[name] = entry
	}
	return status, nil
}

// TriggerSyncNow runs the pipeline on demand for one entity, or for all
// entities when entity is empty. It returns the attempt IDs that were
// opened; entities skipped for backoff or disablement produce none unless
// force is set. The per-entity locks serialize this against the timer loop.
func (o *Orchestrator) TriggerSyncNow(ctx context.Context, entity string, force bool) ([]string, error) {
	state := o.probe.Check(ctx)
	if !state.Connected() {
		return nil, fmt.Errorf("remote side is disconnected")
	}

	var ids []string
	for i := range o.opts.Mappings {
		mapping := &o.opts.Mappings[i]
		if entity != "" && mapping.Name != entity {
			continue
		}
		id, err := o.SyncEntity(ctx, mapping, force)
		if id != "" {
			ids = append(ids, id)
		}
		if err != nil && entity != "" {
			return ids, err
		}
	}

	if entity != "" && len(ids) == 0 && o.mapping(entity) == nil {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	return ids, nil
}

// DrainOfflineQueue drains the entity's queued local writes to the remote
// side without running the rest of the pipeline. Returns the applied count.
func (o *Orchestrator) DrainOfflineQueue(ctx context.Context, entity string) (int, error) {
	mapping := o.mapping(entity)
	if mapping == nil {
		return 0, fmt.Errorf("unknown entity %q", entity)
	}

	state := o.probe.Check(ctx)
	if !state.Connected() {
		return 0, fmt.Errorf("remote side is disconnected")
	}

	es := o.entity(entity)
	es.pipeline.Lock()
	defer es.pipeline.Unlock()

	drained, err := o.drainQueueLocked(ctx, mapping)
	if drained > 0 {
		o.emit(Event{Type: EventQueueDrained, Entity: entity, At: o.clock.Now(),
			Message: fmt.Sprintf("%d queued writes applied", drained)})
	}
	return drained, err
}

// AcknowledgeEntity clears an entity's schema-mismatch exclusion and resets
// its backoff, letting the next cycle pick it up again. Called by an
// operator after reconfiguring the mapping.
func (o *Orchestrator) AcknowledgeEntity(ctx context.Context, entity string) error {
	if o.mapping(entity) == nil {
		return fmt.Errorf("unknown entity %q", entity)
	}
	if err := o.opts.Ledger.SetEntityDisabled(ctx, entity, false, ""); err != nil {
		return err
	}

	es := o.entity(entity)
	es.mu.Lock()
	es.failures = 0
	es.nextEligible = time.Time{}
	es.lastError = ""
	es.state = StateIdle
	es.mu.Unlock()

	o.logger.Printf("Entity %s acknowledged and re-enabled", entity)
	return nil
}

// CaptureLocalWrite records a local mutation: it is applied to the local
// store immediately and, when the remote side is disconnected, also
// enqueued so the write survives until reconnection. While connected the
// next cycle's local-to-remote delta carries it out.
func (o *Orchestrator) CaptureLocalWrite(ctx context.Context, rec *schema.ChangeRecord) error {
	mapping := o.mapping(rec.Entity)
	if mapping == nil {
		// Not retryable: no amount of waiting maps the entity.
		return &FatalError{Err: fmt.Errorf("unknown entity %q", rec.Entity)}
	}
	if err := mapping.ValidateRecord(rec); err != nil {
		return fmt.Errorf("rejected local write: %w", err)
	}

	rec.Source = schema.SideLocal
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = o.clock.Now()
	}

	if _, err := o.opts.Local.PushBatch(ctx, mapping, []schema.ChangeRecord{*rec}); err != nil {
		return fmt.Errorf("failed to store local write: %w", err)
	}

	if !o.probe.State().Connected() {
		if err := o.opts.Queue.Enqueue(ctx, rec); err != nil {
			return fmt.Errorf("failed to queue offline write: %w", err)
		}
		o.logger.Printf("Queued offline write %s/%s", rec.Entity, rec.ExternalID)
	}
	return nil
}

func (o *Orchestrator) mapping(name string) *schema.EntityMapping {
	for i := range o.opts.Mappings {
		if o.opts.Mappings[i].Name == name {
			return &o.opts.Mappings[i]
		}
	}
	return nil
}
