package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/driftlock/driftsync/internal/schema"
)

// State is one stage of the per-entity sync pipeline, reported through the
// operator interface.
type State string

const (
	StateIdle         State = "idle"
	StateProbing      State = "probing"
	StateComparing    State = "comparing"
	StateExtracting   State = "extracting"
	StateApplying     State = "applying"
	StateCommitting   State = "committing"
	StateErrorBackoff State = "error_backoff"
)

// Options configures an Orchestrator. Adapters and stores are injected;
// the orchestrator owns all mutable sync state and there are no package
// level singletons.
type Options struct {
	Mappings []schema.EntityMapping
	Local    Store
	Remote   Store
	Ledger   Ledger
	Queue    Queue

	CycleInterval  time.Duration
	ProbeTimeout   time.Duration
	ProbeDebounce  int
	RequestTimeout time.Duration
	Concurrency    int

	// PageSize and HashThreshold resolve per-entity tuning. Nil selects
	// the engine defaults (500 and no key hashing).
	PageSize      func(*schema.EntityMapping) int
	HashThreshold func(*schema.EntityMapping) int

	Backoff BackoffPolicy

	// AttemptRetention bounds the audit history. Zero disables pruning.
	AttemptRetention time.Duration

	Clock  Clock
	Logger *log.Logger

	// OnEvent, when set, receives lifecycle events for monitoring.
	OnEvent func(Event)
}

// entityState is the orchestrator's mutable per-entity bookkeeping.
//
// pipeline enforces the single-writer-per-entity discipline: a timer cycle
// and an operator trigger can never run the same entity's pipeline at once.
// It is held for the pipeline's whole duration, so the report fields live
// behind their own mutex, held only for field access; status reads never
// wait on an in-flight sync.
type entityState struct {
	pipeline sync.Mutex

	mu           sync.Mutex
	state        State
	failures     int
	nextEligible time.Time
	lastError    string
}

func (es *entityState) setState(s State) {
	es.mu.Lock()
	es.state = s
	es.mu.Unlock()
}

// Orchestrator is the control loop of the sync engine: it schedules cycles,
// probes connectivity, compares checksums, drains the offline queue, runs
// the extract/apply/commit pipeline per entity, and applies backoff and
// circuit breaking on failure.
type Orchestrator struct {
	opts      Options
	probe     *Probe
	checksums *ChecksumService
	extractor *Extractor
	applier   *Applier
	clock     Clock
	logger    *log.Logger

	mu       sync.Mutex
	entities map[string]*entityState
}

// New constructs an orchestrator from injected adapters and configuration.
func New(opts Options) (*Orchestrator, error) {
	if opts.Local == nil || opts.Remote == nil {
		return nil, fmt.Errorf("both side adapters are required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("offline queue is required")
	}
	if len(opts.Mappings) == 0 {
		return nil, fmt.Errorf("at least one entity mapping is required")
	}
	for i := range opts.Mappings {
		if err := opts.Mappings[i].Validate(); err != nil {
			return nil, &FatalError{Err: fmt.Errorf("mapping %d: %w", i, err)}
		}
	}

	if opts.CycleInterval <= 0 {
		opts.CycleInterval = 5 * time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.ProbeDebounce < 1 {
		opts.ProbeDebounce = 2
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = BackoffPolicy{
			Base:             60 * time.Second,
			Multiplier:       2.0,
			Cap:              30 * time.Minute,
			BreakerThreshold: 5,
			BreakerInterval:  time.Hour,
		}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	o := &Orchestrator{
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		entities:  make(map[string]*entityState, len(opts.Mappings)),
		extractor: NewExtractor(opts.PageSize),
		applier:   NewApplier(opts.Logger),
		checksums: NewChecksumService(opts.Local, opts.Remote, opts.HashThreshold),
	}
	o.probe = NewProbe(opts.Remote, opts.ProbeTimeout, opts.ProbeDebounce, opts.Clock, opts.Logger)
	o.probe.OnTransition(func(state ConnectivityState) {
		o.emit(Event{Type: EventConnectivity, Connectivity: &state, At: o.clock.Now()})
	})

	for i := range opts.Mappings {
		o.entities[opts.Mappings[i].Name] = &entityState{state: StateIdle}
	}
	return o, nil
}

// Probe exposes the connectivity probe for the operator interface.
func (o *Orchestrator) Probe() *Probe {
	return o.probe
}

// Mappings returns the configured entity mappings.
func (o *Orchestrator) Mappings() []schema.EntityMapping {
	return o.opts.Mappings
}

func (o *Orchestrator) emit(ev Event) {
	if o.opts.OnEvent != nil {
		o.opts.OnEvent(ev)
	}
}

func (o *Orchestrator) entity(name string) *entityState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entities[name]
}

// Run executes the control loop until ctx is cancelled.
//
// Stale attempts left running by a previous crash are marked failed first,
// then one cycle runs immediately, then the timer takes over. The timer
// wait is cancellable; an in-flight cycle finishes recording its attempts
// before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if n, err := o.opts.Ledger.FailRunningAttempts(ctx, "interrupted by restart"); err != nil {
		return fmt.Errorf("failed to sweep stale attempts: %w", err)
	} else if n > 0 {
		o.logger.Printf("Marked %d interrupted attempts as failed", n)
	}

	o.logger.Printf("Starting sync loop: %d entities, interval %v", len(o.opts.Mappings), o.opts.CycleInterval)
	o.RunCycle(ctx, false)

	ticker := time.NewTicker(o.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Println("Sync loop stopping")
			return nil
		case <-ticker.C:
			o.RunCycle(ctx, false)
			o.pruneAttempts(ctx)
		}
	}
}

// RunCycle executes one full cycle: probe, then the per-entity pipeline on
// a bounded worker pool. Entities are independent; one entity's failure
// never blocks its siblings.
func (o *Orchestrator) RunCycle(ctx context.Context, force bool) {
	state := o.probe.Check(ctx)
	if !state.Connected() {
		o.logger.Printf("Skipping cycle: remote disconnected (%d consecutive failures)", state.ConsecutiveFailures)
		o.emit(Event{Type: EventCycleSkipped, At: o.clock.Now(), Message: "remote disconnected"})
		return
	}

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i := range o.opts.Mappings {
		mapping := &o.opts.Mappings[i]
		g.Go(func() error {
			if _, err := o.SyncEntity(ctx, mapping, force); err != nil {
				o.logger.Printf("Entity %s: %v", mapping.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SyncEntity runs the full pipeline for one entity and returns the attempt
// ID, or "" when the entity was skipped (disabled, backing off, or
// checksums matched). The returned error has already been recorded on the
// attempt; callers use it for logging only.
func (o *Orchestrator) SyncEntity(ctx context.Context, mapping *schema.EntityMapping, force bool) (string, error) {
	es := o.entity(mapping.Name)
	if es == nil {
		return "", fmt.Errorf("unknown entity %q", mapping.Name)
	}
	es.pipeline.Lock()
	defer es.pipeline.Unlock()

	disabled, reason, err := o.opts.Ledger.EntityDisabled(ctx, mapping.Name)
	if err != nil {
		return "", err
	}
	if disabled {
		o.logger.Printf("Skipping %s: disabled (%s)", mapping.Name, reason)
		return "", nil
	}

	now := o.clock.Now()
	es.mu.Lock()
	nextEligible := es.nextEligible
	es.mu.Unlock()
	if !force && now.Before(nextEligible) {
		o.logger.Printf("Skipping %s: backing off until %s", mapping.Name, nextEligible.Format(time.RFC3339))
		return "", nil
	}

	attempt := &schema.SyncAttempt{
		ID:        uuid.NewString(),
		Entity:    mapping.Name,
		StartedAt: now,
		Status:    schema.AttemptRunning,
	}
	if err := o.opts.Ledger.RecordAttempt(ctx, attempt); err != nil {
		return "", fmt.Errorf("failed to open attempt: %w", err)
	}
	o.emit(Event{Type: EventAttemptStarted, Entity: mapping.Name, Attempt: attempt, At: now})

	err = o.runPipeline(ctx, mapping, es, attempt, force)
	o.finalize(es, attempt, err)
	return attempt.ID, err
}

// runPipeline performs drain, compare, extract, apply and commit for one
// entity. Returns nil on success or skip; attempt counters are updated in
// place.
func (o *Orchestrator) runPipeline(ctx context.Context, mapping *schema.EntityMapping, es *entityState, attempt *schema.SyncAttempt, force bool) error {
	// Queued local writes go out before any new pull so stale remote data
	// cannot silently overwrite them.
	es.setState(StateApplying)
	drained, err := o.drainQueueLocked(ctx, mapping)
	if err != nil {
		return err
	}
	attempt.RecordsApplied += drained
	if drained > 0 {
		o.emit(Event{Type: EventQueueDrained, Entity: mapping.Name, At: o.clock.Now(),
			Message: fmt.Sprintf("%d queued writes applied", drained)})
	}

	es.setState(StateComparing)
	local, remote, equal, err := o.checksums.Compare(ctx, mapping)
	if err != nil {
		return err
	}
	if equal && !force && drained == 0 {
		attempt.Status = schema.AttemptSkipped
		return nil
	}

	cp, err := o.opts.Ledger.GetCheckpoint(ctx, mapping.Name)
	if err != nil {
		return err
	}
	newest := cp.LastSyncedAt
	o.logger.Printf("Syncing %s: local=%s remote=%s since=%s",
		mapping.Name, local, remote, cp.LastSyncedAt.Format(time.RFC3339))

	directions := []struct {
		src, dst         Store
		srcSide, dstSide schema.Side
	}{
		{o.opts.Remote, o.opts.Local, schema.SideRemote, schema.SideLocal},
		{o.opts.Local, o.opts.Remote, schema.SideLocal, schema.SideRemote},
	}

	// Versions applied locally by the pull direction, so the push direction
	// does not echo them straight back to the remote.
	pulled := make(map[string]time.Time)

	for _, dir := range directions {
		// Pages advance on a (timestamp, external id) cursor: a full page
		// ending on a tied timestamp resumes after its last id, so ties
		// past the page cap are still reached before the checkpoint moves.
		since, afterID := cp.LastSyncedAt, ""
		for {
			es.setState(StateExtracting)
			recs, err := withTimeout(ctx, o.opts.RequestTimeout, func(ctx context.Context) ([]schema.ChangeRecord, error) {
				return o.extractor.Extract(ctx, dir.src, dir.srcSide, mapping, since, afterID)
			})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				break
			}
			full := len(recs) == o.extractor.PageSize(mapping)

			batch := recs
			if dir.dstSide == schema.SideRemote {
				batch = dropEchoes(mapping, recs, pulled)
			}
			if len(batch) > 0 {
				es.setState(StateApplying)
				ack, err := withTimeout(ctx, o.opts.RequestTimeout, func(ctx context.Context) (BatchAck, error) {
					return o.applier.Apply(ctx, dir.dst, dir.dstSide, mapping, batch)
				})
				if err != nil {
					return err
				}
				attempt.RecordsApplied += ack.Applied
				attempt.ConflictLosses += ack.ConflictLosses

				if dir.dstSide == schema.SideLocal {
					for i := range batch {
						if t, err := mapping.UpdatedAt(&batch[i]); err == nil {
							pulled[batch[i].ExternalID] = t
						}
					}
				}
			}

			if t, err := Newest(mapping, recs); err == nil && t.After(newest) {
				newest = t
			}
			if !full {
				break
			}
			last := &recs[len(recs)-1]
			boundary, err := mapping.UpdatedAt(last)
			if err != nil {
				return &SchemaMismatchError{Entity: mapping.Name, Err: err}
			}
			since, afterID = boundary, last.ExternalID
		}
	}

	es.setState(StateCommitting)
	postSync, err := o.checksums.Fingerprint(ctx, mapping, schema.SideLocal)
	if err != nil {
		return err
	}
	return o.opts.Ledger.CommitCheckpoint(ctx, schema.Checkpoint{
		Entity:       mapping.Name,
		LastSyncedAt: newest,
		LastChecksum: postSync.String(),
		CommittedAt:  o.clock.Now(),
	})
}

// dropEchoes filters out records whose current version was just applied by
// the opposite direction: pushing those back would only burn a round trip
// and count a spurious conflict loss on the attempt. A record re-written
// after the pull carries a different timestamp and passes through.
func dropEchoes(mapping *schema.EntityMapping, recs []schema.ChangeRecord, pulled map[string]time.Time) []schema.ChangeRecord {
	if len(pulled) == 0 {
		return recs
	}
	out := make([]schema.ChangeRecord, 0, len(recs))
	for i := range recs {
		if t, err := mapping.UpdatedAt(&recs[i]); err == nil {
			if pt, ok := pulled[recs[i].ExternalID]; ok && t.Equal(pt) {
				continue
			}
		}
		out = append(out, recs[i])
	}
	return out
}

// finalize records the attempt's terminal status and updates the entity's
// backoff bookkeeping. It uses a fresh context so a cancelled cycle still
// leaves the attempt failed instead of running forever.
func (o *Orchestrator) finalize(es *entityState, attempt *schema.SyncAttempt, pipelineErr error) {
	recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := o.clock.Now()
	attempt.CompletedAt = &now

	if pipelineErr == nil {
		if attempt.Status == schema.AttemptRunning {
			attempt.Status = schema.AttemptCompleted
		}
		es.mu.Lock()
		es.state = StateIdle
		es.failures = 0
		es.nextEligible = time.Time{}
		es.lastError = ""
		es.mu.Unlock()
	} else {
		attempt.Status = schema.AttemptFailed
		attempt.Error = pipelineErr.Error()

		switch Classify(pipelineErr) {
		case ClassSchemaMismatch:
			es.mu.Lock()
			es.state = StateIdle
			es.lastError = pipelineErr.Error()
			es.mu.Unlock()
			if err := o.opts.Ledger.SetEntityDisabled(recordCtx, attempt.Entity, true, pipelineErr.Error()); err != nil {
				o.logger.Printf("Failed to disable %s: %v", attempt.Entity, err)
			}
			o.logger.Printf("Entity %s disabled after schema mismatch; awaiting operator acknowledgement", attempt.Entity)
		default:
			es.mu.Lock()
			es.state = StateErrorBackoff
			es.failures++
			failures := es.failures
			delay := o.opts.Backoff.Delay(failures)
			es.nextEligible = now.Add(delay)
			es.lastError = pipelineErr.Error()
			es.mu.Unlock()
			if o.opts.Backoff.BreakerOpen(failures) {
				o.logger.Printf("Circuit breaker open for %s: next attempt in %v", attempt.Entity, delay)
			} else {
				o.logger.Printf("Entity %s backing off %v after %d consecutive failures", attempt.Entity, delay, failures)
			}
		}
	}

	if err := o.opts.Ledger.RecordAttempt(recordCtx, attempt); err != nil {
		o.logger.Printf("Failed to finalize attempt %s: %v", attempt.ID, err)
	}
	o.emit(Event{Type: EventAttemptFinished, Entity: attempt.Entity, Attempt: attempt, At: now})
}

// drainQueueLocked drains the entity's offline queue to the remote side.
// Caller holds the entity lock.
func (o *Orchestrator) drainQueueLocked(ctx context.Context, mapping *schema.EntityMapping) (int, error) {
	return o.opts.Queue.DrainInOrder(ctx, mapping.Name, func(rec *schema.ChangeRecord) error {
		if err := mapping.ValidateRecord(rec); err != nil {
			return &SchemaMismatchError{Entity: mapping.Name, Err: err}
		}
		applyCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
		defer cancel()
		_, err := o.applier.Apply(applyCtx, o.opts.Remote, schema.SideRemote, mapping, []schema.ChangeRecord{*rec})
		return err
	})
}

// withTimeout bounds one pipeline stage.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(stageCtx)
}

// pruneAttempts trims the audit history per the configured retention.
func (o *Orchestrator) pruneAttempts(ctx context.Context) {
	if o.opts.AttemptRetention <= 0 {
		return
	}
	cutoff := o.clock.Now().Add(-o.opts.AttemptRetention)
	if n, err := o.opts.Ledger.PruneAttempts(ctx, cutoff); err != nil {
		o.logger.Printf("Failed to prune attempts: %v", err)
	} else if n > 0 {
		o.logger.Printf("Pruned %d finished attempts older than %s", n, cutoff.Format(time.RFC3339))
	}
}
