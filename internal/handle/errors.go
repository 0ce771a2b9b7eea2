package handle

import (
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrBusy             = errors.New("database busy")
	ErrClosed           = errors.New("handle closed")
	ErrStepVetoed       = errors.New("step vetoed by observer")
	ErrInTransaction    = errors.New("transaction already open")
	ErrNotInTransaction = errors.New("no open transaction")
)

// AbortReason says why a busy operation was given up.
type AbortReason string

const (
	// AbortBudgetExhausted: the caller already waited its whole budget.
	AbortBudgetExhausted AbortReason = "budget_exhausted"
	// AbortNoNotifier: no local statement was stepping, so nothing would
	// ever wake a waiter.
	AbortNoNotifier AbortReason = "no_notifier"
	// AbortTimedOut: the wait ran out before any step finished.
	AbortTimedOut AbortReason = "timed_out"
	// AbortNoObserver: no busy observer is attached to the handle.
	AbortNoObserver AbortReason = "no_observer"
	// AbortCanceled: the caller's context ended.
	AbortCanceled AbortReason = "canceled"
)

// BusyError is the definitive lock-timeout failure surfaced to callers. It
// matches ErrBusy with errors.Is and unwraps to the engine error.
type BusyError struct {
	Path    string
	Retries int
	Waited  time.Duration
	Reason  AbortReason
	Err     error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("database busy: %s (reason=%s retries=%d waited=%v)", e.Path, e.Reason, e.Retries, e.Waited)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

func (e *BusyError) Unwrap() error { return e.Err }

// IsBusy reports whether err is the engine's SQLITE_BUSY result (any
// extended code).
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended result codes carry the primary code in the low byte.
	return se.Code()&0xff == sqlite3.SQLITE_BUSY
}

// IsCorrupt reports whether err says the database file is damaged or not a
// database at all.
func IsCorrupt(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}
