package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dbcore-engine/internal/database"
	"dbcore-engine/internal/handle"
	"dbcore-engine/internal/timedqueue"
)

type call struct {
	op       OperationType
	path     string
	critical bool
	source   PurgeSource
}

type fakeEvent struct {
	mu    sync.Mutex
	calls []call
	fail  atomic.Int32
	ch    chan call
}

func newFakeEvent() *fakeEvent { return &fakeEvent{ch: make(chan call, 16)} }

func (e *fakeEvent) record(c call) {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	e.mu.Unlock()
	e.ch <- c
}

func (e *fakeEvent) failing() bool {
	for {
		n := e.fail.Load()
		if n <= 0 {
			return false
		}
		if e.fail.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (e *fakeEvent) CheckpointShouldBeOperated(path string, critical bool) bool {
	e.record(call{op: OpCheckpoint, path: path, critical: critical})
	return !e.failing()
}

func (e *fakeEvent) BackupShouldBeOperated(path string) bool {
	e.record(call{op: OpBackup, path: path})
	return !e.failing()
}

func (e *fakeEvent) PurgeShouldBeOperated(p Parameter) {
	e.record(call{op: OpPurge, source: p.Source})
}

func (e *fakeEvent) IntegrityShouldBeChecked(path string) {
	e.record(call{op: OpIntegrity, path: path})
}

func (e *fakeEvent) next(t *testing.T, within time.Duration) call {
	t.Helper()
	select {
	case c := <-e.ch:
		return c
	case <-time.After(within):
		t.Fatal("no operation ran")
		return call{}
	}
}

func (e *fakeEvent) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case c := <-e.ch:
		t.Fatalf("unexpected operation %+v", c)
	case <-time.After(within):
	}
}

func fastTiming() Timing {
	return Timing{
		CriticalCheckpointDelay:    10 * time.Millisecond,
		NonCriticalCheckpointDelay: 80 * time.Millisecond,
		CriticalFrames:             100,
		RetryAfterFailure:          30 * time.Millisecond,
		BackupInterval:             20 * time.Millisecond,
		PurgeAgainInterval:         time.Hour,
	}
}

func startQueue(t *testing.T, e Event) *OperationQueue {
	t.Helper()
	q := NewOperationQueue(e, fastTiming(), nil, timedqueue.WithExitSignal(func() bool { return false }))
	go q.Run()
	t.Cleanup(q.Stop)
	return q
}

func TestAsyncCheckpoint_OnlyForRegisteredPaths(t *testing.T) {
	e := newFakeEvent()
	q := startQueue(t, e)

	q.AsyncCheckpoint("/db/a", 500)
	e.none(t, 50*time.Millisecond)

	q.RegisterCheckpoint("/db/a")
	q.AsyncCheckpoint("/db/a", 500)
	c := e.next(t, time.Second)
	if c.op != OpCheckpoint || c.path != "/db/a" || !c.critical {
		t.Fatalf("got %+v, want critical checkpoint of /db/a", c)
	}
}

func TestAsyncCheckpoint_CriticalUsesShortDelay(t *testing.T) {
	e := newFakeEvent()
	q := startQueue(t, e)
	q.RegisterCheckpoint("/db/a")

	q.AsyncCheckpoint("/db/a", 1)
	_, p, ok := q.Pending(Operation{Type: OpCheckpoint, Path: "/db/a"})
	if !ok || p.Critical {
		t.Fatalf("expected a pending non-critical checkpoint, ok=%v p=%+v", ok, p)
	}

	start := time.Now()
	q.AsyncCheckpoint("/db/a", 100)
	c := e.next(t, time.Second)
	if !c.critical {
		t.Fatal("large WAL should upgrade to a critical checkpoint")
	}
	if d := time.Since(start); d >= 80*time.Millisecond {
		t.Fatalf("critical checkpoint took %v", d)
	}
	e.none(t, 120*time.Millisecond)
}

func TestAsyncCheckpoint_CriticalNotDowngraded(t *testing.T) {
	e := newFakeEvent()
	q := NewOperationQueue(e, fastTiming(), nil, timedqueue.WithExitSignal(func() bool { return false }))
	q.RegisterCheckpoint("/db/a")

	q.AsyncCheckpoint("/db/a", 200)
	q.AsyncCheckpoint("/db/a", 0)
	_, p, ok := q.Pending(Operation{Type: OpCheckpoint, Path: "/db/a"})
	if !ok || !p.Critical {
		t.Fatalf("pending checkpoint should stay critical: ok=%v p=%+v", ok, p)
	}
}

func TestUnregisterCheckpoint_DropsPending(t *testing.T) {
	e := newFakeEvent()
	q := startQueue(t, e)
	q.RegisterCheckpoint("/db/a")
	q.RegisterCheckpoint("/db/a")
	q.AsyncCheckpoint("/db/a", 0)

	q.UnregisterCheckpoint("/db/a")
	if _, _, ok := q.Pending(Operation{Type: OpCheckpoint, Path: "/db/a"}); !ok {
		t.Fatal("one registration left, checkpoint should stay pending")
	}
	q.UnregisterCheckpoint("/db/a")
	if _, _, ok := q.Pending(Operation{Type: OpCheckpoint, Path: "/db/a"}); ok {
		t.Fatal("last unregister should drop the pending checkpoint")
	}
	q.UnregisterCheckpoint("/db/a")
	e.none(t, 120*time.Millisecond)
}

func TestFailedCheckpointIsRetried(t *testing.T) {
	e := newFakeEvent()
	e.fail.Store(1)
	q := startQueue(t, e)
	q.RegisterCheckpoint("/db/a")

	q.AsyncCheckpoint("/db/a", 100)
	first := e.next(t, time.Second)
	second := e.next(t, time.Second)
	if first.path != second.path || !second.critical {
		t.Fatalf("retry should keep the operation: %+v then %+v", first, second)
	}
	e.none(t, 80*time.Millisecond)
}

func TestAsyncBackup(t *testing.T) {
	e := newFakeEvent()
	q := startQueue(t, e)

	q.AsyncBackup("/db/a")
	e.none(t, 50*time.Millisecond)

	q.RegisterBackup("/db/a")
	q.AsyncBackup("/db/a")
	before, _, _ := q.Pending(Operation{Type: OpBackup, Path: "/db/a"})
	q.AsyncBackup("/db/a")
	after, _, _ := q.Pending(Operation{Type: OpBackup, Path: "/db/a"})
	if !before.Equal(after) {
		t.Fatal("pending backup should keep its schedule")
	}
	if c := e.next(t, time.Second); c.op != OpBackup {
		t.Fatalf("got %+v want backup", c)
	}

	q.UnregisterBackup("/db/a")
	q.AsyncBackup("/db/a")
	e.none(t, 50*time.Millisecond)
}

func TestAsyncPurge_Throttled(t *testing.T) {
	e := newFakeEvent()
	q := startQueue(t, e)

	if !q.AsyncPurge(Parameter{Source: PurgeMemoryWarning}) {
		t.Fatal("first purge should be scheduled")
	}
	if q.AsyncPurge(Parameter{Source: PurgeFileDescriptorsWarning}) {
		t.Fatal("second purge within the interval should be dropped")
	}
	c := e.next(t, time.Second)
	if c.op != OpPurge || c.source != PurgeMemoryWarning {
		t.Fatalf("got %+v", c)
	}
	e.none(t, 50*time.Millisecond)
}

func TestObserveError_ChecksIntegrityOnce(t *testing.T) {
	e := newFakeEvent()
	q := startQueue(t, e)

	q.ObserveError("/db/a", false)
	e.none(t, 30*time.Millisecond)

	q.ObserveError("/db/a", true)
	q.ObserveError("/db/a", true)
	if c := e.next(t, time.Second); c.op != OpIntegrity || c.path != "/db/a" {
		t.Fatalf("got %+v", c)
	}
	e.none(t, 50*time.Millisecond)
	if !q.Corrupted("/db/a") {
		t.Fatal("path should be marked corrupted")
	}
	q.ClearCorrupted("/db/a")
	if q.Corrupted("/db/a") {
		t.Fatal("corruption mark should be cleared")
	}
}

func TestSetCorruptionNotification(t *testing.T) {
	e := newFakeEvent()
	q := startQueue(t, e)

	var mu sync.Mutex
	var notified []string
	q.SetCorruptionNotification("/db/a", func(path string) {
		// Runs outside the queue lock, so queue reads are safe here.
		if !q.Corrupted(path) {
			t.Error("notification fired before the path was marked")
		}
		mu.Lock()
		notified = append(notified, path)
		mu.Unlock()
	})

	q.ObserveError("/db/b", true)
	q.ObserveError("/db/a", true)
	q.ObserveError("/db/a", true)
	mu.Lock()
	got := append([]string(nil), notified...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "/db/a" {
		t.Fatalf("notified: %v", got)
	}

	q.ClearCorrupted("/db/a")
	q.SetCorruptionNotification("/db/a", nil)
	q.ObserveError("/db/a", true)
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 {
		t.Fatalf("removed notification still fired: %v", notified)
	}
}

func TestCheckpointTrigger(t *testing.T) {
	ctx := context.Background()
	e := newFakeEvent()
	q := NewOperationQueue(e, fastTiming(), nil, timedqueue.WithExitSignal(func() bool { return false }))

	path := filepath.Join(t.TempDir(), "trig.db")
	db, err := database.Open(path, database.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetConfig("checkpoint", NewCheckpointTrigger(q, 0), 1)
	q.RegisterCheckpoint(path)

	if err := db.Migrate(ctx, []database.Migration{{Version: 1, Statements: []string{`CREATE TABLE t (v INTEGER)`}}}); err != nil {
		t.Fatal(err)
	}
	op := Operation{Type: OpCheckpoint, Path: path}
	if _, _, ok := q.Pending(op); !ok {
		t.Fatal("committed write should schedule a checkpoint")
	}

	q.UnregisterCheckpoint(path)
	q.RegisterCheckpoint(path)
	err = db.Run(ctx, func(ctx context.Context, h *handle.Handle) error {
		var n int
		return h.QueryRow(ctx, `SELECT COUNT(*) FROM t`, nil, &n)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := q.Pending(op); ok {
		t.Fatal("reads must not schedule checkpoints")
	}
}

func TestReadOnly(t *testing.T) {
	for q, want := range map[string]bool{
		"select 1":                true,
		"  PRAGMA user_version":   true,
		"INSERT INTO t VALUES(1)": false,
		"COMMIT":                  false,
		"ROLLBACK":                true,
	} {
		if got := readOnly(q); got != want {
			t.Errorf("readOnly(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		Every(ctx, nil, 10*time.Millisecond, "count", func(context.Context) error {
			runs.Add(1)
			return nil
		})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Every did not return after cancel")
	}
	if runs.Load() < 3 {
		t.Fatalf("runs: got %d want >= 3", runs.Load())
	}
}
