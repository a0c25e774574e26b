package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftlock/driftsync/internal/schema"
	syncpkg "github.com/driftlock/driftsync/internal/sync"
)

// OutboxWatcher watches the per-entity outbox directories for change-record
// JSON files dropped by local-write producers, and feeds them into the
// engine's local-write capture path.
//
// Files are processed with debouncing so a producer still writing a file is
// not read half-finished. A consumed file is deleted; a file that fails
// validation is renamed with a .rejected suffix and logged, so one bad
// producer cannot wedge the outbox. Transient capture failures, e.g. the
// local store momentarily busy, keep the file and retry it.
type OutboxWatcher struct {
	outboxDir string
	entities  []string
	capture   func(context.Context, *schema.ChangeRecord) error
	debounce  time.Duration
	logger    *log.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	wg      sync.WaitGroup
}

// NewOutboxWatcher creates a watcher over outboxDir/{entity} for each
// entity. Directories are created if missing.
func NewOutboxWatcher(outboxDir string, entities []string, capture func(context.Context, *schema.ChangeRecord) error, debounce time.Duration, logger *log.Logger) (*OutboxWatcher, error) {
	if capture == nil {
		return nil, fmt.Errorf("capture func cannot be nil")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &OutboxWatcher{
		outboxDir: outboxDir,
		entities:  entities,
		capture:   capture,
		debounce:  debounce,
		logger:    logger,
		watcher:   fw,
		pending:   make(map[string]time.Time),
	}, nil
}

// Run watches until ctx is cancelled. Files already present at startup are
// processed first so writes made while the daemon was down are not lost.
func (w *OutboxWatcher) Run(ctx context.Context) error {
	for _, entity := range w.entities {
		dir := filepath.Join(w.outboxDir, entity)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create outbox dir %s: %w", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.sweepExisting(ctx, dir)
	}
	w.logger.Printf("Watching outbox: %s (%d entities)", w.outboxDir, len(w.entities))

	w.wg.Add(2)
	go w.watchEvents(ctx)
	go w.processPending(ctx)

	<-ctx.Done()
	if err := w.watcher.Close(); err != nil {
		w.logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// sweepExisting queues files that were already in the outbox at startup.
func (w *OutboxWatcher) sweepExisting(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Printf("Failed to read outbox dir %s: %v", dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.consume(ctx, filepath.Join(dir, entry.Name()))
	}
}

// watchEvents monitors filesystem events and queues changes.
func (w *OutboxWatcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending consumes files whose last event is older than the
// debounce interval.
func (w *OutboxWatcher) processPending(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			var ready []string

			w.mu.Lock()
			for path, queuedAt := range w.pending {
				if now.Sub(queuedAt) < w.debounce {
					continue
				}
				ready = append(ready, path)
				delete(w.pending, path)
			}
			w.mu.Unlock()

			for _, path := range ready {
				w.consume(ctx, path)
			}
		}
	}
}

// consume reads one outbox file, captures it, and removes it. Unreadable or
// invalid files are parked with a .rejected suffix instead of retrying
// forever; a transient capture failure leaves the file in place and requeues
// it for the next debounce pass.
func (w *OutboxWatcher) consume(ctx context.Context, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	rec, err := schema.ReadRecordFile(path)
	if err != nil {
		w.reject(path, err)
		return
	}

	if err := w.capture(ctx, rec); err != nil {
		if syncpkg.Classify(err) == syncpkg.ClassTransient {
			w.logger.Printf("Capture of %s failed, leaving for retry: %v", filepath.Base(path), err)
			w.requeue(path)
			return
		}
		w.reject(path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Printf("Failed to remove consumed outbox file %s: %v", path, err)
		return
	}
	w.logger.Printf("Captured local write: %s/%s", rec.Entity, rec.ExternalID)
}

// requeue schedules the file for another consume attempt.
func (w *OutboxWatcher) requeue(path string) {
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

func (w *OutboxWatcher) reject(path string, cause error) {
	w.logger.Printf("Rejecting outbox file %s: %v", filepath.Base(path), cause)
	if err := os.Rename(path, path+".rejected"); err != nil {
		w.logger.Printf("Failed to park rejected file: %v", err)
	}
}
