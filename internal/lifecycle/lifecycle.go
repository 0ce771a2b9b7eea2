// Package lifecycle holds process-wide shutdown state shared by the
// background queues.
package lifecycle

import (
	"sync"
	"sync/atomic"
)

var (
	exiting  atomic.Bool
	done     = make(chan struct{})
	markOnce sync.Once
)

// MarkExiting flags the process as shutting down. Queues stop accepting
// work once this is set and favor a fast exit over draining. Idle loops
// parked on Done wake up.
func MarkExiting() {
	exiting.Store(true)
	markOnce.Do(func() { close(done) })
}

// Exiting reports whether MarkExiting has been called.
func Exiting() bool { return exiting.Load() }

// Done is closed by the first MarkExiting.
func Done() <-chan struct{} { return done }
