package handle

import (
	"context"
	"time"
)

// CallerKind selects the busy-wait budget a caller gets.
type CallerKind int

const (
	Background CallerKind = iota
	// Primary is a latency-sensitive caller, such as a request path or a
	// UI-facing goroutine, and gets the shorter budget.
	Primary
)

func (k CallerKind) String() string {
	if k == Primary {
		return "primary"
	}
	return "background"
}

// WaitLedger is the per-caller record of time spent waiting on busy
// databases, keyed by path. It belongs to one goroutine and is not safe for
// concurrent use. Entries are only meaningful inside one busy episode and
// are reset when a new episode starts.
type WaitLedger struct {
	Kind   CallerKind
	waited map[string]time.Duration
	reason map[string]AbortReason
}

func NewWaitLedger(kind CallerKind) *WaitLedger {
	return &WaitLedger{
		Kind:   kind,
		waited: make(map[string]time.Duration),
		reason: make(map[string]AbortReason),
	}
}

// Reset starts a new episode for path.
func (l *WaitLedger) Reset(path string) {
	l.waited[path] = 0
	delete(l.reason, path)
}

func (l *WaitLedger) Waited(path string) time.Duration { return l.waited[path] }

func (l *WaitLedger) Add(path string, d time.Duration) { l.waited[path] += d }

// NoteAbort records why the current episode for path was given up.
func (l *WaitLedger) NoteAbort(path string, reason AbortReason) { l.reason[path] = reason }

// LastAbort returns the reason noted for the current episode of path,
// AbortTimedOut when none was noted.
func (l *WaitLedger) LastAbort(path string) AbortReason {
	if r, ok := l.reason[path]; ok {
		return r
	}
	return AbortTimedOut
}

type ledgerKey struct{}

// WithWaitLedger attaches l to ctx. Handles use it for every busy episode
// of operations run with that context.
func WithWaitLedger(ctx context.Context, l *WaitLedger) context.Context {
	return context.WithValue(ctx, ledgerKey{}, l)
}

// WithCallerKind attaches a fresh ledger of the given kind to ctx.
func WithCallerKind(ctx context.Context, kind CallerKind) context.Context {
	return WithWaitLedger(ctx, NewWaitLedger(kind))
}

// WaitLedgerFrom returns the ledger attached to ctx, or nil.
func WaitLedgerFrom(ctx context.Context) *WaitLedger {
	l, _ := ctx.Value(ledgerKey{}).(*WaitLedger)
	return l
}
