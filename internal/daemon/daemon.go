// Package daemon wires the sync engine into a long-running process: the
// orchestration loop, the outbox watcher feeding local writes, and the
// operator API, with graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftlock/driftsync/internal/config"
	"github.com/driftlock/driftsync/internal/dashboard"
	"github.com/driftlock/driftsync/internal/db"
	"github.com/driftlock/driftsync/internal/remote"
	"github.com/driftlock/driftsync/internal/schema"
	syncpkg "github.com/driftlock/driftsync/internal/sync"
)

// Daemon owns the wired components of one driftsync instance. Only one
// daemon may run against a data directory at a time; concurrent instances
// racing on the same ledger are not supported.
type Daemon struct {
	cfg      *config.Config
	logger   *log.Logger
	database *db.DB
	engine   *syncpkg.Orchestrator
	operator *dashboard.Server
	watcher  *OutboxWatcher

	wg sync.WaitGroup
}

// New builds a daemon from configuration. The database is opened and its
// schema initialized; the caller runs it with Run.
func New(cfg *config.Config) (*Daemon, error) {
	if len(cfg.Entities) == 0 {
		return nil, fmt.Errorf("no entities configured")
	}
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote_url is required")
	}

	logger := newLogger(cfg)

	database, err := db.Open(filepath.Join(cfg.DataDir, "driftsync.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	remoteStore, err := remote.New(cfg.RemoteURL, &http.Client{Timeout: cfg.RequestTimeout})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	d := &Daemon{cfg: cfg, logger: logger, database: database}

	engine, err := syncpkg.New(syncpkg.Options{
		Mappings:       cfg.Entities,
		Local:          db.NewLocalStore(database),
		Remote:         remoteStore,
		Ledger:         db.NewLedger(database),
		Queue:          db.NewOfflineQueue(database),
		CycleInterval:  cfg.CycleInterval,
		ProbeTimeout:   cfg.ProbeTimeout,
		ProbeDebounce:  cfg.ProbeDebounce,
		RequestTimeout: cfg.RequestTimeout,
		Concurrency:    cfg.Concurrency,
		PageSize:       func(m *schema.EntityMapping) int { return cfg.EntityPageSize(m) },
		HashThreshold:  func(m *schema.EntityMapping) int { return cfg.EntityHashThreshold(m) },
		Backoff: syncpkg.BackoffPolicy{
			Base:             cfg.Backoff.Base,
			Multiplier:       cfg.Backoff.Multiplier,
			Cap:              cfg.Backoff.Cap,
			BreakerThreshold: cfg.Backoff.BreakerThreshold,
			BreakerInterval:  cfg.Backoff.BreakerInterval,
		},
		AttemptRetention: cfg.AttemptRetention,
		Logger:           logger,
		OnEvent:          d.publish,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	d.engine = engine

	if cfg.ListenAddr != "" {
		d.operator = dashboard.NewServer(cfg.ListenAddr, engine, logger)
	}

	entities := make([]string, 0, len(cfg.Entities))
	for i := range cfg.Entities {
		entities = append(entities, cfg.Entities[i].Name)
	}
	watcher, err := NewOutboxWatcher(
		filepath.Join(cfg.DataDir, "outbox"),
		entities,
		engine.CaptureLocalWrite,
		0,
		logger,
	)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	d.watcher = watcher

	return d, nil
}

// Engine exposes the orchestrator, mainly for the CLI and tests.
func (d *Daemon) Engine() *syncpkg.Orchestrator {
	return d.engine
}

// publish forwards engine events to the operator server when one is up.
func (d *Daemon) publish(ev syncpkg.Event) {
	if d.operator != nil {
		d.operator.Publish(ev)
	}
}

// Run starts all components and blocks until ctx is cancelled, then shuts
// everything down in order: watcher and operator first, engine last, so
// in-flight attempts are recorded before the database closes.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("Starting driftsync daemon (data=%s remote=%s)", d.cfg.DataDir, d.cfg.RemoteURL)

	if d.operator != nil {
		if err := d.operator.Start(); err != nil {
			return err
		}
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.watcher.Run(watchCtx); err != nil {
			d.logger.Printf("Outbox watcher stopped: %v", err)
		}
	}()

	err := d.engine.Run(ctx)

	cancelWatch()
	d.wg.Wait()

	if d.operator != nil {
		if stopErr := d.operator.Stop(); stopErr != nil {
			d.logger.Printf("Operator server stop: %v", stopErr)
		}
	}

	if closeErr := d.database.Close(); closeErr != nil {
		d.logger.Printf("Database close: %v", closeErr)
	}

	d.logger.Println("Daemon stopped")
	return err
}

// newLogger builds the daemon logger, optionally routed through a rotating
// file.
func newLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return log.New(out, "[driftsync] ", log.LstdFlags)
}
