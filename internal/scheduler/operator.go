package scheduler

import (
	"context"
	"log/slog"
	"time"

	"dbcore-engine/internal/database"
	"dbcore-engine/internal/events"
	"dbcore-engine/internal/handle"
	"dbcore-engine/internal/pool"
)

// Publisher receives encoded events (events.Hub).
type Publisher interface {
	Publish(evt string)
}

// Operator carries out due operations against the databases of a pool.
type Operator struct {
	pool      *pool.Pool[*database.Database]
	queue     *OperationQueue
	publisher Publisher
	log       *slog.Logger
	timeout   time.Duration
	// BackupPath maps a database path to its backup destination. nil
	// means the database's own default.
	BackupPath func(path string) string
}

func NewOperator(p *pool.Pool[*database.Database], publisher Publisher, timeout time.Duration, log *slog.Logger) *Operator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Operator{pool: p, publisher: publisher, timeout: timeout, log: log.With("component", "operator")}
}

// Attach connects the operator to the queue it serves. Successful backups
// reschedule themselves through it and corruption reports go to it.
func (o *Operator) Attach(q *OperationQueue) { o.queue = q }

func (o *Operator) opContext() (context.Context, context.CancelFunc) {
	ctx := handle.WithCallerKind(context.Background(), handle.Background)
	return context.WithTimeout(ctx, o.timeout)
}

func (o *Operator) publish(typ string, data events.DatabaseData) {
	if o.publisher != nil {
		o.publisher.Publish(events.MakeEvent("", typ, 1, data))
	}
}

func (o *Operator) observe(path string, err error) {
	if o.queue != nil && err != nil {
		o.queue.ObserveError(path, handle.IsCorrupt(err))
	}
}

func (o *Operator) CheckpointShouldBeOperated(path string, critical bool) bool {
	r, ok := o.pool.Get(path)
	if !ok {
		return true
	}
	defer r.Release()

	mode := database.CheckpointPassive
	if critical {
		mode = database.CheckpointTruncate
	}
	ctx, cancel := o.opContext()
	defer cancel()
	res, err := r.Get().Checkpoint(ctx, mode)
	if err != nil {
		o.log.Warn("checkpoint failed", "path", path, "critical", critical, "error", err)
		o.observe(path, err)
		o.publish(events.TypeCheckpoint, events.DatabaseData{Path: path, Critical: critical, Detail: err.Error()})
		return false
	}
	// A critical checkpoint that could not finish is retried.
	done := !(critical && res.Busy)
	o.publish(events.TypeCheckpoint, events.DatabaseData{Path: path, OK: done, Critical: critical})
	return done
}

func (o *Operator) BackupShouldBeOperated(path string) bool {
	r, ok := o.pool.Get(path)
	if !ok {
		return true
	}
	defer r.Release()

	dest := ""
	if o.BackupPath != nil {
		dest = o.BackupPath(path)
	}
	ctx, cancel := o.opContext()
	defer cancel()
	db := r.Get()
	err := db.RunWithRetry(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		return db.Backup(ctx, dest)
	})
	if err != nil {
		o.log.Warn("backup failed", "path", path, "error", err)
		o.observe(path, err)
		o.publish(events.TypeBackup, events.DatabaseData{Path: path, Detail: err.Error()})
		return false
	}
	o.publish(events.TypeBackup, events.DatabaseData{Path: path, OK: true})
	if o.queue != nil {
		o.queue.AsyncBackup(path)
	}
	return true
}

func (o *Operator) PurgeShouldBeOperated(p Parameter) {
	o.pool.Purge()
	o.publish(events.TypePurge, events.DatabaseData{OK: true, Detail: p.Source.String()})
}

func (o *Operator) IntegrityShouldBeChecked(path string) {
	r, ok := o.pool.Get(path)
	if !ok {
		return
	}
	defer r.Release()

	ctx, cancel := o.opContext()
	defer cancel()
	problems, err := r.Get().CheckIntegrity(ctx)
	switch {
	case err != nil:
		o.log.Error("integrity check failed", "path", path, "error", err)
		o.publish(events.TypeIntegrity, events.DatabaseData{Path: path, Detail: err.Error()})
	case len(problems) > 0:
		o.log.Error("database is corrupted", "path", path, "problems", len(problems))
		o.publish(events.TypeIntegrity, events.DatabaseData{Path: path, Problems: problems})
	default:
		o.log.Info("integrity check passed", "path", path)
		if o.queue != nil {
			o.queue.ClearCorrupted(path)
		}
		o.publish(events.TypeIntegrity, events.DatabaseData{Path: path, OK: true})
	}
}
