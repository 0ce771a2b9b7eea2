// Package handle wraps one dedicated SQLite connection and exposes the
// notifications the concurrency layer hooks into:
//
//   - a busy observer, asked whether to retry whenever the engine reports
//     SQLITE_BUSY for an operation on this handle;
//   - step observers, called immediately before and after every statement
//     step, registered under an identifier so independent observers can
//     share a handle;
//   - the handle's explicit transaction state.
//
// The connection is expected to run with busy_timeout=0 so the engine
// reports contention immediately and the busy observer owns all waiting.
// A Handle is used by one goroutine at a time; observer registration is
// safe from any goroutine.
package handle

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
)

// BusyObserver decides whether an operation blocked by another connection's
// lock is retried. retries is 0 on the first busy report of an operation.
// A wait inside OnBusy ends early when ctx is done.
type BusyObserver interface {
	OnBusy(ctx context.Context, ledger *WaitLedger, path string, retries int) bool
}

// StepObserver is notified around each statement step. BeforeStep returning
// false vetoes the step.
type StepObserver interface {
	BeforeStep(st *Statement) bool
	AfterStep(st *Statement, succeeded bool)
}

// Config is attached to every handle a database hands out and detached
// before the handle is returned. The busy-retry coordinator and the
// checkpoint trigger are configs.
type Config interface {
	Invoke(h *Handle) error
	Uninvoke(h *Handle) error
}

// Statement identifies the statement being stepped.
type Statement struct {
	SQL    string
	handle *Handle
}

func (s *Statement) Handle() *Handle { return s.handle }

// InTransaction reports whether the owning handle is inside an explicit
// transaction. A statement without a handle never is.
func (s *Statement) InTransaction() bool {
	return s.handle != nil && s.handle.InTransaction()
}

type registeredStepper struct {
	id  string
	obs StepObserver
}

type Handle struct {
	path string
	conn *sql.Conn
	log  *slog.Logger

	mu       sync.Mutex
	busy     BusyObserver
	steppers []registeredStepper

	inTx   atomic.Bool
	closed atomic.Bool
}

// New wraps conn, a connection dedicated to the database at path.
func New(path string, conn *sql.Conn, log *slog.Logger) *Handle {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handle{path: path, conn: conn, log: log}
}

func (h *Handle) Path() string { return h.path }

// SetNotificationWhenBusy installs o as the busy observer. nil removes it.
func (h *Handle) SetNotificationWhenBusy(o BusyObserver) {
	h.mu.Lock()
	h.busy = o
	h.mu.Unlock()
}

// SetNotificationWhenStepping registers o under id, replacing a previous
// registration with the same id. nil removes the registration.
func (h *Handle) SetNotificationWhenStepping(id string, o StepObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.steppers {
		if s.id != id {
			continue
		}
		if o == nil {
			h.steppers = append(h.steppers[:i], h.steppers[i+1:]...)
		} else {
			h.steppers[i].obs = o
		}
		return
	}
	if o != nil {
		h.steppers = append(h.steppers, registeredStepper{id: id, obs: o})
	}
}

func (h *Handle) InTransaction() bool { return h.inTx.Load() }

func (h *Handle) observers() (BusyObserver, []StepObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	steppers := make([]StepObserver, len(h.steppers))
	for i, s := range h.steppers {
		steppers[i] = s.obs
	}
	return h.busy, steppers
}

// Exec steps a statement that returns no rows.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := h.step(ctx, query, func(ctx context.Context) error {
		var err error
		res, err = h.conn.ExecContext(ctx, query, args...)
		return err
	}, nil)
	return res, err
}

// Query steps a statement and hands the rows to scan. The rows are fully
// consumed and closed inside the step, so the engine lock is released when
// Query returns.
func (h *Handle) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	return h.step(ctx, query, func(ctx context.Context) error {
		rows, err := h.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	}, nil)
}

// QueryRow steps a single-row query and scans it into dest.
func (h *Handle) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	return h.step(ctx, query, func(ctx context.Context) error {
		return h.conn.QueryRowContext(ctx, query, args...).Scan(dest...)
	}, nil)
}

// Begin opens an explicit IMMEDIATE transaction, taking the write lock up
// front so contention surfaces here rather than at the first write.
func (h *Handle) Begin(ctx context.Context) error {
	if h.InTransaction() {
		return ErrInTransaction
	}
	return h.step(ctx, "BEGIN IMMEDIATE", h.execRaw("BEGIN IMMEDIATE"), func(err error) {
		if err == nil {
			h.inTx.Store(true)
		}
	})
}

func (h *Handle) Commit(ctx context.Context) error {
	if !h.InTransaction() {
		return ErrNotInTransaction
	}
	return h.step(ctx, "COMMIT", h.execRaw("COMMIT"), func(err error) {
		if err == nil {
			h.inTx.Store(false)
		}
	})
}

func (h *Handle) Rollback(ctx context.Context) error {
	if !h.InTransaction() {
		return ErrNotInTransaction
	}
	return h.step(ctx, "ROLLBACK", h.execRaw("ROLLBACK"), func(error) {
		h.inTx.Store(false)
	})
}

func (h *Handle) execRaw(query string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := h.conn.ExecContext(ctx, query)
		return err
	}
}

// Close rolls back any open transaction and returns the connection to its
// pool. Observers are not notified of the rollback.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.inTx.Swap(false) {
		if _, err := h.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			h.log.Warn("rollback on close failed", "path", h.path, "error", err)
		}
	}
	return h.conn.Close()
}

// step runs one statement step with observer notifications, retrying for
// as long as the busy observer allows. settle runs between the step and the
// AfterStep notifications so observers see the resulting transaction state.
func (h *Handle) step(ctx context.Context, query string, run func(context.Context) error, settle func(error)) error {
	if h.closed.Load() {
		return ErrClosed
	}
	ledger := WaitLedgerFrom(ctx)
	if ledger == nil {
		ledger = NewWaitLedger(Background)
	}
	st := &Statement{SQL: query, handle: h}

	for retries := 0; ; retries++ {
		busy, steppers := h.observers()

		notified := make([]StepObserver, 0, len(steppers))
		vetoed := false
		for _, o := range steppers {
			if !o.BeforeStep(st) {
				vetoed = true
				break
			}
			notified = append(notified, o)
		}
		var err error
		if vetoed {
			err = ErrStepVetoed
		} else {
			err = run(ctx)
		}
		if settle != nil && !vetoed {
			settle(err)
		}
		for _, o := range notified {
			o.AfterStep(st, err == nil)
		}

		if !IsBusy(err) {
			return err
		}

		var reason AbortReason
		switch {
		case busy == nil:
			reason = AbortNoObserver
		case ctx.Err() != nil:
			reason = AbortCanceled
		case busy.OnBusy(ctx, ledger, h.path, retries):
			h.log.Debug("retrying busy statement", "path", h.path, "retries", retries)
			continue
		default:
			reason = ledger.LastAbort(h.path)
		}
		return &BusyError{
			Path:    h.path,
			Retries: retries,
			Waited:  ledger.Waited(h.path),
			Reason:  reason,
			Err:     err,
		}
	}
}
