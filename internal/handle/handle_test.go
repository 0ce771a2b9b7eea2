package handle

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(0)&_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openHandle(t *testing.T, db *sql.DB, path string) *Handle {
	t.Helper()
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h := New(path, conn, nil)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// contendedPair returns two handles on the same file through independent
// connection pools, the way two processes would see it.
func contendedPair(t *testing.T) (*Handle, *Handle) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	a := openHandle(t, openDB(t, path), path)
	b := openHandle(t, openDB(t, path), path)
	if _, err := a.Exec(context.Background(), `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}
	return a, b
}

type recordingStepper struct {
	mu        sync.Mutex
	before    int
	after     int
	failed    int
	inTxAfter []bool
	veto      bool
}

func (r *recordingStepper) BeforeStep(*Statement) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before++
	return !r.veto
}

func (r *recordingStepper) AfterStep(st *Statement, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after++
	if !ok {
		r.failed++
	}
	r.inTxAfter = append(r.inTxAfter, st.InTransaction())
}

type busyFunc func(l *WaitLedger, path string, retries int) bool

func (f busyFunc) OnBusy(_ context.Context, l *WaitLedger, path string, retries int) bool {
	return f(l, path, retries)
}

func TestHandle_StepObserversWrapEveryStep(t *testing.T) {
	ctx := context.Background()
	a, _ := contendedPair(t)
	rec := &recordingStepper{}
	a.SetNotificationWhenStepping("rec", rec)

	if _, err := a.Exec(ctx, `INSERT INTO kv VALUES ('a', '1')`); err != nil {
		t.Fatal(err)
	}
	var v string
	if err := a.QueryRow(ctx, `SELECT v FROM kv WHERE k = ?`, []any{"a"}, &v); err != nil {
		t.Fatal(err)
	}
	if v != "1" {
		t.Fatalf("v: got %q want %q", v, "1")
	}
	if _, err := a.Exec(ctx, `INSERT INTO nope VALUES (1)`); err == nil {
		t.Fatal("expected error for missing table")
	}

	if rec.before != 3 || rec.after != 3 {
		t.Fatalf("before=%d after=%d, want 3/3", rec.before, rec.after)
	}
	if rec.failed != 1 {
		t.Fatalf("failed steps: got %d want 1", rec.failed)
	}

	a.SetNotificationWhenStepping("rec", nil)
	if _, err := a.Exec(ctx, `DELETE FROM kv`); err != nil {
		t.Fatal(err)
	}
	if rec.before != 3 {
		t.Fatal("removed observer still notified")
	}
}

func TestHandle_TransactionStateVisibleToAfterStep(t *testing.T) {
	ctx := context.Background()
	a, _ := contendedPair(t)
	rec := &recordingStepper{}
	a.SetNotificationWhenStepping("rec", rec)

	if err := a.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if !a.InTransaction() {
		t.Fatal("handle should be in a transaction after Begin")
	}
	if err := a.Begin(ctx); !errors.Is(err, ErrInTransaction) {
		t.Fatalf("nested Begin: got %v want ErrInTransaction", err)
	}
	if _, err := a.Exec(ctx, `INSERT INTO kv VALUES ('a', '1')`); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if a.InTransaction() {
		t.Fatal("handle should not be in a transaction after Commit")
	}
	if err := a.Commit(ctx); !errors.Is(err, ErrNotInTransaction) {
		t.Fatalf("Commit without Begin: got %v want ErrNotInTransaction", err)
	}

	// BEGIN, INSERT, COMMIT: COMMIT must already read as outside the
	// transaction so waiters get woken.
	want := []bool{true, true, false}
	if len(rec.inTxAfter) != len(want) {
		t.Fatalf("after notifications: got %v want %v", rec.inTxAfter, want)
	}
	for i := range want {
		if rec.inTxAfter[i] != want[i] {
			t.Fatalf("after notifications: got %v want %v", rec.inTxAfter, want)
		}
	}
}

func TestHandle_BusyWithoutObserverFailsImmediately(t *testing.T) {
	ctx := context.Background()
	a, b := contendedPair(t)
	if err := a.Begin(ctx); err != nil {
		t.Fatal(err)
	}

	err := b.Begin(ctx)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v want ErrBusy", err)
	}
	var be *BusyError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BusyError, got %T", err)
	}
	if be.Reason != AbortNoObserver || be.Retries != 0 {
		t.Fatalf("reason=%s retries=%d", be.Reason, be.Retries)
	}
	if !IsBusy(be.Err) {
		t.Fatalf("wrapped error should be SQLITE_BUSY: %v", be.Err)
	}
	if b.InTransaction() {
		t.Fatal("failed Begin must not mark the handle in a transaction")
	}
}

func TestHandle_BusyObserverRetries(t *testing.T) {
	ctx := context.Background()
	a, b := contendedPair(t)
	if err := a.Begin(ctx); err != nil {
		t.Fatal(err)
	}

	var seen []int
	b.SetNotificationWhenBusy(busyFunc(func(l *WaitLedger, path string, retries int) bool {
		seen = append(seen, retries)
		if path != b.Path() {
			t.Errorf("path: got %q want %q", path, b.Path())
		}
		if retries == 2 {
			// Release the lock; the next attempt succeeds.
			if err := a.Commit(ctx); err != nil {
				t.Error(err)
			}
		}
		return true
	}))

	if err := b.Begin(ctx); err != nil {
		t.Fatalf("Begin after retries: %v", err)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("retry counts: got %v want [0 1 2]", seen)
	}
	if err := b.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestHandle_BusyObserverAbortCarriesReason(t *testing.T) {
	ctx := handleCtx(Primary)
	a, b := contendedPair(t)
	if err := a.Begin(ctx); err != nil {
		t.Fatal(err)
	}

	b.SetNotificationWhenBusy(busyFunc(func(l *WaitLedger, path string, retries int) bool {
		if l.Kind != Primary {
			t.Errorf("ledger kind: got %s want primary", l.Kind)
		}
		l.NoteAbort(path, AbortNoNotifier)
		return false
	}))

	_, err := b.Exec(ctx, `INSERT INTO kv VALUES ('b', '2')`)
	var be *BusyError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BusyError, got %v", err)
	}
	if be.Reason != AbortNoNotifier {
		t.Fatalf("reason: got %s want %s", be.Reason, AbortNoNotifier)
	}
}

func TestHandle_VetoSkipsStep(t *testing.T) {
	ctx := context.Background()
	a, _ := contendedPair(t)
	first := &recordingStepper{}
	veto := &recordingStepper{veto: true}
	a.SetNotificationWhenStepping("first", first)
	a.SetNotificationWhenStepping("veto", veto)

	if _, err := a.Exec(ctx, `INSERT INTO kv VALUES ('a', '1')`); !errors.Is(err, ErrStepVetoed) {
		t.Fatalf("got %v want ErrStepVetoed", err)
	}
	if first.before != 1 || first.after != 1 {
		t.Fatalf("observer before the veto must stay balanced: before=%d after=%d", first.before, first.after)
	}
	if veto.after != 0 {
		t.Fatal("vetoing observer should not get AfterStep")
	}
}

func TestHandle_ClosedHandle(t *testing.T) {
	ctx := context.Background()
	a, _ := contendedPair(t)
	if err := a.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := a.Exec(ctx, `SELECT 1`); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestWaitLedger(t *testing.T) {
	l := NewWaitLedger(Background)
	l.Add("p", 5)
	l.Add("p", 7)
	if l.Waited("p") != 12 {
		t.Fatalf("waited: got %v want 12", l.Waited("p"))
	}
	l.Reset("p")
	if l.Waited("p") != 0 {
		t.Fatal("reset should zero the path")
	}
	if l.LastAbort("p") != AbortTimedOut {
		t.Fatal("default abort reason should be timed_out")
	}

	ctx := WithWaitLedger(context.Background(), l)
	if WaitLedgerFrom(ctx) != l {
		t.Fatal("ledger not carried by context")
	}
	if WaitLedgerFrom(context.Background()) != nil {
		t.Fatal("bare context should carry no ledger")
	}
}

func handleCtx(kind CallerKind) context.Context {
	return WithCallerKind(context.Background(), kind)
}
