package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"dbcore-engine/internal/busyretry"
	"dbcore-engine/internal/config"
	"dbcore-engine/internal/database"
	"dbcore-engine/internal/events"
	"dbcore-engine/internal/pathutil"
	"dbcore-engine/internal/pool"
	"dbcore-engine/internal/scheduler"
)

const (
	configBusyRetry  = "busy-retry"
	configCheckpoint = "checkpoint-trigger"
)

// engine owns the database pool and attaches the maintenance machinery to
// every database the pool creates.
type engine struct {
	log  *slog.Logger
	hub  *events.Hub
	busy *busyretry.Coordinator

	pool     *pool.Pool[*database.Database]
	ops      *scheduler.OperationQueue
	operator *scheduler.Operator
	trigger  *scheduler.CheckpointTrigger

	// settings by normalized path
	settings map[string]config.Database

	mu   sync.Mutex
	held []*pool.Recyclable[*database.Database]
}

func newEngine(cfg config.Config, hub *events.Hub, log *slog.Logger) (*engine, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	e := &engine{
		log:      log,
		hub:      hub,
		busy:     busyretry.New(busyretry.Config{PrimaryTimeout: cfg.BusyRetry.PrimaryTimeout, BackgroundTimeout: cfg.BusyRetry.BackgroundTimeout}, log),
		settings: make(map[string]config.Database),
	}

	for _, d := range cfg.Databases {
		p := d.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.App.DataDir, p)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		norm, err := pathutil.Normalize(p)
		if err != nil {
			return nil, fmt.Errorf("database %q: %w", d.Path, err)
		}
		d.Path = norm
		e.settings[norm] = d
	}

	opts := database.Options{
		MaxOpenHandles:     cfg.Pool.MaxOpenHandles,
		MaxIdleHandles:     cfg.Pool.MaxIdleHandles,
		HandleIdleLifetime: cfg.Pool.HandleIdleLifetime,
		Logger:             log,
	}
	e.pool = pool.New[*database.Database](func(path string) (*database.Database, error) {
		return database.Open(path, opts)
	}, e, log)

	e.operator = scheduler.NewOperator(e.pool, hub, cfg.Operations.OperationTimeout, log)
	e.operator.BackupPath = e.backupPath
	e.ops = scheduler.NewOperationQueue(e.operator, scheduler.Timing{
		CriticalCheckpointDelay:    cfg.Operations.CriticalCheckpointDelay,
		NonCriticalCheckpointDelay: cfg.Operations.NonCriticalCheckpointDelay,
		CriticalFrames:             cfg.Operations.CriticalFrames,
		RetryAfterFailure:          cfg.Operations.RetryAfterFailure,
		BackupInterval:             cfg.Operations.BackupInterval,
		PurgeAgainInterval:         cfg.Operations.PurgeAgainInterval,
	}, log)
	e.operator.Attach(e.ops)
	e.trigger = scheduler.NewCheckpointTrigger(e.ops, 0)
	return e, nil
}

func (e *engine) backupPath(path string) string {
	if d, ok := e.settings[path]; ok && d.BackupPath != "" {
		return d.BackupPath
	}
	return path + ".bak"
}

// OnDatabaseCreated runs once per database. The pool holds every other
// lookup of the path until it returns.
func (e *engine) OnDatabaseCreated(db *database.Database) {
	path := db.Path()
	db.SetConfig(configBusyRetry, e.busy, 0)
	e.ops.SetCorruptionNotification(path, e.onCorruption)

	d, ok := e.settings[path]
	if ok {
		db.SetTag(d.Tag)
		if d.Checkpoint {
			db.SetConfig(configCheckpoint, e.trigger, 10)
			e.ops.RegisterCheckpoint(path)
		}
		if d.Backup {
			e.ops.RegisterBackup(path)
			e.ops.AsyncBackup(path)
		}
	}
	e.log.Info("database opened", "path", path, "configured", ok)
	e.hub.Publish(events.MakeEvent("", events.TypeDatabaseCreated, 1, events.DatabaseData{Path: path, OK: true}))
}

func (e *engine) OnDatabaseRecycled(path string) {
	e.ops.SetCorruptionNotification(path, nil)
	if d, ok := e.settings[path]; ok {
		if d.Checkpoint {
			e.ops.UnregisterCheckpoint(path)
		}
		if d.Backup {
			e.ops.UnregisterBackup(path)
		}
	}
	e.log.Info("database closed", "path", path)
	e.hub.Publish(events.MakeEvent("", events.TypeDatabaseRecycled, 1, events.DatabaseData{Path: path, OK: true}))
}

func (e *engine) onCorruption(path string) {
	e.log.Warn("integrity check scheduled after corruption", "path", path)
	e.hub.Publish(events.MakeEvent("", events.TypeCorruption, 1, events.DatabaseData{Path: path, Detail: "corruption observed"}))
}

// openConfigured checks out every configured database and holds it until
// release, so the pool keeps them alive.
func (e *engine) openConfigured() error {
	for path := range e.settings {
		r, err := e.pool.GetOrCreate(path)
		if err != nil {
			e.release()
			return fmt.Errorf("open %s: %w", path, err)
		}
		e.mu.Lock()
		e.held = append(e.held, r)
		e.mu.Unlock()
	}
	return nil
}

func (e *engine) release() {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.mu.Unlock()
	for _, r := range held {
		r.Release()
	}
}
