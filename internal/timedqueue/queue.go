// Package timedqueue schedules keyed work for a point in the future and runs
// it from a single processing loop.
//
// A Queue holds at most one pending entry per key. Scheduling a key that is
// already pending replaces it, always with the new delay. Loop blocks until
// the earliest entry is due, calls the expiry callback without holding the
// queue lock, and erases the entry only when the callback reports it
// consumed. Scheduling an entry that becomes the new earliest wakes the loop
// immediately.
//
// Stop is terminal: it drops every pending entry and makes all later calls
// no-ops. A stopped Queue must be discarded.
package timedqueue

import (
	"sync"
	"time"

	"dbcore-engine/internal/lifecycle"
)

// ExpiredFunc is called by Loop for each due entry. Returning true consumes
// the entry. Returning false leaves it queued; see WithRetryDelay.
type ExpiredFunc[K comparable, V any] func(key K, info V) bool

type options struct {
	retryDelay time.Duration
	exiting    func() bool
	exitC      <-chan struct{}
}

type Option func(*options)

// WithRetryDelay pushes an entry whose callback returned false back by d.
// With the default of zero the entry is reconsidered on the very next loop
// iteration, so such callbacks must make progress on their own.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithExitSignal replaces the process-wide exiting check
// (lifecycle.Exiting) consulted by the queue.
func WithExitSignal(exiting func() bool) Option {
	return func(o *options) { o.exiting = exiting }
}

// WithExitChannel replaces lifecycle.Done as the channel that wakes an idle
// Loop so it can observe the exiting check.
func WithExitChannel(done <-chan struct{}) Option {
	return func(o *options) { o.exitC = done }
}

type Queue[K comparable, V any] struct {
	mu      sync.Mutex
	set     *orderedSet[K, V]
	wake    chan struct{}
	stopped bool
	running bool
	exited  *sync.Cond

	retryDelay time.Duration
	exiting    func() bool
	exitC      <-chan struct{}
}

func New[K comparable, V any](opts ...Option) *Queue[K, V] {
	o := options{exiting: lifecycle.Exiting, exitC: lifecycle.Done()}
	for _, opt := range opts {
		opt(&o)
	}
	q := &Queue[K, V]{
		set:        newOrderedSet[K, V](),
		wake:       make(chan struct{}, 1),
		retryDelay: o.retryDelay,
		exiting:    o.exiting,
		exitC:      o.exitC,
	}
	q.exited = sync.NewCond(&q.mu)
	return q
}

// Schedule queues key to expire after delay, replacing any pending entry for
// the same key.
func (q *Queue[K, V]) Schedule(key K, delay time.Duration, info V) {
	q.schedule(key, delay, info, true)
}

// ScheduleIfAbsent queues key only when it is not already pending. A pending
// entry keeps its original expiry and info.
func (q *Queue[K, V]) ScheduleIfAbsent(key K, delay time.Duration, info V) {
	q.schedule(key, delay, info, false)
}

func (q *Queue[K, V]) schedule(key K, delay time.Duration, info V, requeue bool) {
	if q.exiting() {
		q.Stop()
		return
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if !requeue {
		if _, ok := q.set.find(key); ok {
			q.mu.Unlock()
			return
		}
	}

	var shortest time.Time
	head, hadHead := q.set.first()
	if hadHead {
		shortest = head.expiry
	}
	e := q.set.insert(time.Now().Add(delay), key, info)
	newHead, _ := q.set.first()
	notify := newHead == e && (!hadHead || e.expiry.Before(shortest))
	q.mu.Unlock()

	if notify {
		q.signal()
	}
}

// Remove drops the pending entry for key, if any.
func (q *Queue[K, V]) Remove(key K) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.set.erase(key)
	q.mu.Unlock()

	if q.exiting() {
		q.Stop()
	}
}

// Pending returns the expiry and info of the entry queued for key.
func (q *Queue[K, V]) Pending(key K) (expiry time.Time, info V, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.set.find(key)
	if !ok {
		return time.Time{}, info, false
	}
	return e.expiry, e.value, true
}

func (q *Queue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.set.Len()
}

// Stop drops all pending entries and shuts the queue down for good.
func (q *Queue[K, V]) Stop() {
	q.mu.Lock()
	q.set.clear()
	q.stopped = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[K, V]) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// WaitUntilDone blocks until a running Loop has observed Stop and returned.
// It returns immediately when no loop is running.
func (q *Queue[K, V]) WaitUntilDone() {
	q.mu.Lock()
	for q.running {
		q.exited.Wait()
	}
	q.mu.Unlock()
}

// Loop processes entries until the queue is stopped or the process is
// exiting. An idle or sleeping Loop returns as soon as the exit channel
// closes. Only one Loop runs per queue; extra calls return immediately.
func (q *Queue[K, V]) Loop(onExpired ExpiredFunc[K, V]) {
	q.mu.Lock()
	if q.running || q.stopped {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.exited.Broadcast()
		q.mu.Unlock()
	}()

	for !q.exiting() {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		head, ok := q.set.first()
		if !ok {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.exitC:
				return
			}
			continue
		}
		if wait := time.Until(head.expiry); wait > 0 {
			q.mu.Unlock()
			if !q.sleep(wait) {
				return
			}
			continue
		}
		key, info, seq := head.key, head.value, head.seq
		q.mu.Unlock()

		consumed := false
		if !q.exiting() {
			consumed = onExpired(key, info)
		}

		q.mu.Lock()
		// The callback may have rescheduled its own key; only settle the
		// entry that was dispatched.
		if cur, ok := q.set.find(key); ok && cur.seq == seq {
			if consumed {
				q.set.erase(key)
			} else if q.retryDelay > 0 {
				q.set.insert(time.Now().Add(q.retryDelay), key, info)
			}
		}
		q.mu.Unlock()
	}
}

// sleep reports false when the exit channel closed while waiting.
func (q *Queue[K, V]) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.wake:
	case <-q.exitC:
		return false
	case <-t.C:
	}
	return true
}

func (q *Queue[K, V]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
