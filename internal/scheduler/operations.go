// Package scheduler runs delayed database maintenance (checkpoints, backups,
// purges and integrity checks) from one timed queue, plus plain periodic
// tasks.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dbcore-engine/internal/timedqueue"
)

type OperationType int

const (
	OpCheckpoint OperationType = iota
	OpBackup
	OpPurge
	OpIntegrity
)

func (t OperationType) String() string {
	switch t {
	case OpCheckpoint:
		return "checkpoint"
	case OpBackup:
		return "backup"
	case OpPurge:
		return "purge"
	case OpIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Operation is the queue key. Purge is process-wide and has no path.
type Operation struct {
	Type OperationType
	Path string
}

type PurgeSource int

const (
	PurgeMemoryWarning PurgeSource = iota + 1
	PurgeFileDescriptorsWarning
	PurgeOutOfFileDescriptors
	PurgeRequested
)

func (s PurgeSource) String() string {
	switch s {
	case PurgeMemoryWarning:
		return "memory_warning"
	case PurgeFileDescriptorsWarning:
		return "file_descriptors_warning"
	case PurgeOutOfFileDescriptors:
		return "out_of_file_descriptors"
	case PurgeRequested:
		return "requested"
	default:
		return "other"
	}
}

type Parameter struct {
	Critical        bool
	Source          PurgeSource
	FileDescriptors int
}

// Event performs the operations once they are due. A false result from
// the checkpoint and backup calls schedules a retry.
type Event interface {
	CheckpointShouldBeOperated(path string, critical bool) bool
	BackupShouldBeOperated(path string) bool
	PurgeShouldBeOperated(p Parameter)
	IntegrityShouldBeChecked(path string)
}

type Timing struct {
	CriticalCheckpointDelay    time.Duration
	NonCriticalCheckpointDelay time.Duration
	// CriticalFrames is the WAL size, in frames, at which a checkpoint
	// becomes critical.
	CriticalFrames     int
	RetryAfterFailure  time.Duration
	BackupInterval     time.Duration
	PurgeAgainInterval time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		CriticalCheckpointDelay:    time.Second,
		NonCriticalCheckpointDelay: 10 * time.Second,
		CriticalFrames:             100,
		RetryAfterFailure:          10 * time.Second,
		BackupInterval:             60 * time.Second,
		PurgeAgainInterval:         30 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.CriticalCheckpointDelay <= 0 {
		t.CriticalCheckpointDelay = d.CriticalCheckpointDelay
	}
	if t.NonCriticalCheckpointDelay <= 0 {
		t.NonCriticalCheckpointDelay = d.NonCriticalCheckpointDelay
	}
	if t.CriticalFrames <= 0 {
		t.CriticalFrames = d.CriticalFrames
	}
	if t.RetryAfterFailure <= 0 {
		t.RetryAfterFailure = d.RetryAfterFailure
	}
	if t.BackupInterval <= 0 {
		t.BackupInterval = d.BackupInterval
	}
	if t.PurgeAgainInterval <= 0 {
		t.PurgeAgainInterval = d.PurgeAgainInterval
	}
	return t
}

type record struct {
	checkpoint int
	backup     int
}

type OperationQueue struct {
	queue  *timedqueue.Queue[Operation, Parameter]
	event  Event
	timing Timing
	purges *rate.Limiter
	log    *slog.Logger

	mu        sync.RWMutex
	records   map[string]*record
	corrupted map[string]bool
	onCorrupt map[string]func(path string)
}

func NewOperationQueue(event Event, timing Timing, log *slog.Logger, opts ...timedqueue.Option) *OperationQueue {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	timing = timing.withDefaults()
	return &OperationQueue{
		queue:     timedqueue.New[Operation, Parameter](opts...),
		event:     event,
		timing:    timing,
		purges:    rate.NewLimiter(rate.Every(timing.PurgeAgainInterval), 1),
		log:       log.With("component", "operations"),
		records:   make(map[string]*record),
		corrupted: make(map[string]bool),
		onCorrupt: make(map[string]func(path string)),
	}
}

func (q *OperationQueue) Timing() Timing { return q.timing }

// Run processes operations until Stop. It blocks.
func (q *OperationQueue) Run() {
	q.queue.Loop(q.onTimed)
}

// Stop drops pending operations and waits for Run to return.
func (q *OperationQueue) Stop() {
	q.queue.Stop()
	q.queue.WaitUntilDone()
}

// Pending reports whether op is queued and when it is due.
func (q *OperationQueue) Pending(op Operation) (time.Time, Parameter, bool) {
	return q.queue.Pending(op)
}

func (q *OperationQueue) onTimed(op Operation, p Parameter) bool {
	switch op.Type {
	case OpCheckpoint:
		if !q.event.CheckpointShouldBeOperated(op.Path, p.Critical) {
			q.retry(op, p)
		}
	case OpBackup:
		if !q.event.BackupShouldBeOperated(op.Path) {
			q.retry(op, p)
		}
	case OpPurge:
		q.log.Warn("purging", "source", p.Source.String(), "file_descriptors", p.FileDescriptors)
		q.event.PurgeShouldBeOperated(p)
	case OpIntegrity:
		q.event.IntegrityShouldBeChecked(op.Path)
	}
	return true
}

// retry requeues a failed operation, unless its registration has been
// dropped in the meantime.
func (q *OperationQueue) retry(op Operation, p Parameter) {
	if !q.registered(op) {
		return
	}
	q.log.Debug("operation failed, retrying", "op", op.Type.String(), "path", op.Path, "after", q.timing.RetryAfterFailure)
	q.queue.Schedule(op, q.timing.RetryAfterFailure, p)
}

func (q *OperationQueue) registered(op Operation) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.records[op.Path]
	if !ok {
		return false
	}
	switch op.Type {
	case OpCheckpoint:
		return r.checkpoint > 0
	case OpBackup:
		return r.backup > 0
	}
	return true
}

func (q *OperationQueue) recordFor(path string) *record {
	r, ok := q.records[path]
	if !ok {
		r = &record{}
		q.records[path] = r
	}
	return r
}

func (q *OperationQueue) RegisterCheckpoint(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recordFor(path).checkpoint++
}

// UnregisterCheckpoint drops one registration; the last one also drops any
// pending checkpoint for path.
func (q *OperationQueue) UnregisterCheckpoint(path string) {
	q.mu.Lock()
	r := q.recordFor(path)
	last := r.checkpoint == 1
	if r.checkpoint > 0 {
		r.checkpoint--
	}
	q.mu.Unlock()
	if last {
		q.queue.Remove(Operation{Type: OpCheckpoint, Path: path})
	}
}

// AsyncCheckpoint schedules a checkpoint for a registered path. A WAL at or
// above the critical size gets the short delay. Repeated calls debounce:
// each one pushes the checkpoint back to its own delay.
func (q *OperationQueue) AsyncCheckpoint(path string, frames int) {
	q.mu.RLock()
	r, ok := q.records[path]
	registered := ok && r.checkpoint > 0
	q.mu.RUnlock()
	if !registered {
		return
	}
	op := Operation{Type: OpCheckpoint, Path: path}
	if frames >= q.timing.CriticalFrames {
		q.queue.Schedule(op, q.timing.CriticalCheckpointDelay, Parameter{Critical: true})
		return
	}
	// A pending critical checkpoint is not downgraded.
	if _, p, ok := q.queue.Pending(op); ok && p.Critical {
		return
	}
	q.queue.Schedule(op, q.timing.NonCriticalCheckpointDelay, Parameter{})
}

func (q *OperationQueue) RegisterBackup(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recordFor(path).backup++
}

func (q *OperationQueue) UnregisterBackup(path string) {
	q.mu.Lock()
	r := q.recordFor(path)
	last := r.backup == 1
	if r.backup > 0 {
		r.backup--
	}
	q.mu.Unlock()
	if last {
		q.queue.Remove(Operation{Type: OpBackup, Path: path})
	}
}

// AsyncBackup schedules a backup of a registered path after the backup
// interval. A backup already pending keeps its schedule.
func (q *OperationQueue) AsyncBackup(path string) {
	q.mu.RLock()
	r, ok := q.records[path]
	registered := ok && r.backup > 0
	q.mu.RUnlock()
	if !registered {
		return
	}
	q.queue.ScheduleIfAbsent(Operation{Type: OpBackup, Path: path}, q.timing.BackupInterval, Parameter{})
}

// AsyncPurge schedules an immediate purge unless one ran within the purge
// interval. It reports whether a purge was scheduled.
func (q *OperationQueue) AsyncPurge(p Parameter) bool {
	if !q.purges.Allow() {
		return false
	}
	q.queue.Schedule(Operation{Type: OpPurge}, 0, p)
	return true
}

// ObserveError inspects an error returned by a database operation on path
// and schedules an integrity check the first time path looks corrupted.
func (q *OperationQueue) ObserveError(path string, corrupted bool) {
	if !corrupted || path == "" {
		return
	}
	q.mu.Lock()
	seen := q.corrupted[path]
	q.corrupted[path] = true
	notify := q.onCorrupt[path]
	q.mu.Unlock()
	if seen {
		return
	}
	q.log.Error("database reported corruption", "path", path)
	if notify != nil {
		notify(path)
	}
	q.queue.Schedule(Operation{Type: OpIntegrity, Path: path}, 0, Parameter{})
}

// SetCorruptionNotification registers fn to run, outside the queue lock,
// the first time path is observed corrupted. A nil fn removes it.
func (q *OperationQueue) SetCorruptionNotification(path string, fn func(path string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fn == nil {
		delete(q.onCorrupt, path)
		return
	}
	q.onCorrupt[path] = fn
}

// Corrupted reports whether path has been observed corrupted.
func (q *OperationQueue) Corrupted(path string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.corrupted[path]
}

// ClearCorrupted forgets a corruption observation, typically after a
// successful integrity check.
func (q *OperationQueue) ClearCorrupted(path string) {
	q.mu.Lock()
	delete(q.corrupted, path)
	q.mu.Unlock()
}
