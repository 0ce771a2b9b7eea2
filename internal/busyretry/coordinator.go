// Package busyretry turns SQLITE_BUSY reports into a cooperative wait.
//
// A Coordinator is attached to every handle of a database. When a handle is
// blocked it waits until some other locally managed statement finishes
// stepping outside a transaction, since that is when the lock is likely to
// have been released, but never longer than the caller's remaining budget.
package busyretry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbcore-engine/internal/handle"
)

const (
	DefaultPrimaryTimeout    = 2 * time.Second
	DefaultBackgroundTimeout = 6 * time.Second
)

type Config struct {
	// PrimaryTimeout is the wait budget of latency-sensitive callers.
	PrimaryTimeout time.Duration
	// BackgroundTimeout is the wait budget of every other caller.
	BackgroundTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = DefaultBackgroundTimeout
	}
	return c
}

type Coordinator struct {
	id  string
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	waiting  int
	stepping int
	// notify is closed to wake every waiter, then replaced.
	notify chan struct{}
}

func New(cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		id:     "busy-" + uuid.NewString(),
		cfg:    cfg.withDefaults(),
		log:    log,
		notify: make(chan struct{}),
	}
}

// ID is the identifier the coordinator registers its step observer under.
func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) budget(kind handle.CallerKind) time.Duration {
	if kind == handle.Primary {
		return c.cfg.PrimaryTimeout
	}
	return c.cfg.BackgroundTimeout
}

func (c *Coordinator) Invoke(h *handle.Handle) error {
	h.SetNotificationWhenBusy(c)
	h.SetNotificationWhenStepping(c.id, c)
	return nil
}

func (c *Coordinator) Uninvoke(h *handle.Handle) error {
	h.SetNotificationWhenBusy(nil)
	h.SetNotificationWhenStepping(c.id, nil)
	return nil
}

// OnBusy reports whether the blocked operation on path should be retried.
// A zero retries starts a new episode for path in ledger. Cancelling ctx
// ends the wait with AbortCanceled.
func (c *Coordinator) OnBusy(ctx context.Context, ledger *handle.WaitLedger, path string, retries int) bool {
	if retries == 0 {
		ledger.Reset(path)
	}
	remaining := c.budget(ledger.Kind) - ledger.Waited(path)
	if remaining <= 0 {
		ledger.NoteAbort(path, handle.AbortBudgetExhausted)
		return false
	}

	c.mu.Lock()
	if c.stepping == 0 {
		c.mu.Unlock()
		ledger.NoteAbort(path, handle.AbortNoNotifier)
		c.log.Debug("busy with nothing stepping", "path", path, "retries", retries)
		return false
	}
	c.waiting++
	notify := c.notify
	c.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(remaining)
	woken, canceled := false, false
	select {
	case <-notify:
		woken = true
	case <-ctx.Done():
		canceled = true
	case <-timer.C:
	}
	timer.Stop()

	c.mu.Lock()
	c.waiting--
	c.mu.Unlock()

	if canceled {
		ledger.Add(path, min(time.Since(start), remaining))
		ledger.NoteAbort(path, handle.AbortCanceled)
		return false
	}
	if !woken {
		ledger.NoteAbort(path, handle.AbortTimedOut)
		c.log.Debug("busy wait timed out", "path", path, "retries", retries, "waited", remaining)
		return false
	}
	ledger.Add(path, min(time.Since(start), remaining))
	return true
}

func (c *Coordinator) BeforeStep(*handle.Statement) bool {
	c.mu.Lock()
	c.stepping++
	c.mu.Unlock()
	return true
}

func (c *Coordinator) AfterStep(st *handle.Statement, _ bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stepping > 0 {
		c.stepping--
	}
	// Steps inside a transaction keep holding the outer lock.
	if st.InTransaction() || c.waiting == 0 {
		return
	}
	close(c.notify)
	c.notify = make(chan struct{})
}

// Snapshot returns the current number of waiting callers and stepping
// statements.
func (c *Coordinator) Snapshot() (waiting, stepping int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting, c.stepping
}
