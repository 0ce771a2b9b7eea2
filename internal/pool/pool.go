// Package pool keeps at most one live connection object per normalized path
// and shares it between callers through reference-counted handles.
//
// Lookups take the read lock; creation, recycling and purge take the write
// lock. Creation is double-checked so two callers missing the same path
// concurrently build exactly one instance. A new connection is handed to no
// one until its creation event has returned. Connections are purged and
// closed only after the lock is released.
package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"dbcore-engine/internal/pathutil"
)

var ErrEmptyPath = pathutil.ErrEmptyPath

// Connection is the pooled object.
type Connection interface {
	Path() string
	Tag() int64
	// Purge drops whatever the connection can rebuild on demand.
	Purge()
	Close() error
}

// Factory builds the connection for a normalized path. It runs under the
// pool's write lock and must not perform blocking I/O or call back into the
// pool.
type Factory[C Connection] func(path string) (C, error)

// Event receives pool notifications.
type Event[C Connection] interface {
	// OnDatabaseCreated fires once per constructed connection, after the
	// pool lock is released. Every lookup of the path waits for it to
	// return, so it is the place for first-time setup.
	OnDatabaseCreated(conn C)
	// OnDatabaseRecycled fires after the last handle is released and the
	// connection has been closed.
	OnDatabaseRecycled(path string)
}

type entry[C Connection] struct {
	conn C
	refs atomic.Int32
	// ready is closed once OnDatabaseCreated has returned.
	ready chan struct{}
}

func (e *entry[C]) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

type Pool[C Connection] struct {
	mu      sync.RWMutex
	entries map[string]*entry[C]
	factory Factory[C]
	event   Event[C]
	log     *slog.Logger
}

func New[C Connection](factory Factory[C], event Event[C], log *slog.Logger) *Pool[C] {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pool[C]{
		entries: make(map[string]*entry[C]),
		factory: factory,
		event:   event,
		log:     log.With("component", "pool"),
	}
}

// GetOrCreate returns a handle to the connection for path, constructing it
// on first use. The handle must be released.
func (p *Pool[C]) GetOrCreate(path string) (*Recyclable[C], error) {
	norm, err := pathutil.Normalize(path)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	if e, ok := p.entries[norm]; ok {
		e.refs.Add(1)
		p.mu.RUnlock()
		<-e.ready
		return p.recyclable(norm, e), nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	if e, ok := p.entries[norm]; ok {
		e.refs.Add(1)
		p.mu.Unlock()
		<-e.ready
		return p.recyclable(norm, e), nil
	}
	conn, err := p.factory(norm)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	e := &entry[C]{conn: conn, ready: make(chan struct{})}
	e.refs.Store(1)
	p.entries[norm] = e
	p.mu.Unlock()

	p.log.Debug("created connection", "path", norm)
	if p.event != nil {
		p.event.OnDatabaseCreated(conn)
	}
	close(e.ready)
	return p.recyclable(norm, e), nil
}

// Get returns a handle to the live connection for path, if any. It never
// creates one.
func (p *Pool[C]) Get(path string) (*Recyclable[C], bool) {
	norm, err := pathutil.Normalize(path)
	if err != nil {
		return nil, false
	}
	p.mu.RLock()
	e, ok := p.entries[norm]
	if ok {
		e.refs.Add(1)
	}
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	<-e.ready
	return p.recyclable(norm, e), true
}

type held[C Connection] struct {
	path string
	e    *entry[C]
}

// acquireAll takes a reference on every live connection.
func (p *Pool[C]) acquireAll() []held[C] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]held[C], 0, len(p.entries))
	for path, e := range p.entries {
		e.refs.Add(1)
		out = append(out, held[C]{path: path, e: e})
	}
	return out
}

// GetByTag returns a handle to a live connection carrying tag. Connections
// still being set up are waited for, since their tag may not be set yet.
func (p *Pool[C]) GetByTag(tag int64) (*Recyclable[C], bool) {
	var found *held[C]
	for _, h := range p.acquireAll() {
		if found == nil {
			<-h.e.ready
			if h.e.conn.Tag() == tag {
				found = &h
				continue
			}
		}
		p.recycle(h.path, h.e)
	}
	if found == nil {
		return nil, false
	}
	return p.recyclable(found.path, found.e), true
}

// Purge asks every live connection to drop its reclaimable resources.
// Connections referenced by callers stay open and usable. The pool lock is
// not held while connections purge.
func (p *Pool[C]) Purge() {
	all := p.acquireAll()
	for _, h := range all {
		if h.e.isReady() {
			h.e.conn.Purge()
		}
		p.recycle(h.path, h.e)
	}
	p.log.Debug("purged", "connections", len(all))
}

// Snapshot calls fn for every live connection with its reference count.
func (p *Pool[C]) Snapshot(fn func(conn C, refs int)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		fn(e.conn, int(e.refs.Load()))
	}
}

func (p *Pool[C]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool[C]) recycle(path string, e *entry[C]) {
	p.mu.Lock()
	if e.refs.Add(-1) > 0 {
		p.mu.Unlock()
		return
	}
	if cur, ok := p.entries[path]; ok && cur == e {
		delete(p.entries, path)
	}
	p.mu.Unlock()

	if err := e.conn.Close(); err != nil {
		p.log.Warn("close connection failed", "path", path, "error", err)
	}
	p.log.Debug("recycled connection", "path", path)
	if p.event != nil {
		p.event.OnDatabaseRecycled(path)
	}
}

func (p *Pool[C]) recyclable(path string, e *entry[C]) *Recyclable[C] {
	return &Recyclable[C]{pool: p, path: path, e: e}
}

// Recyclable is one caller's reference to a pooled connection. Release is
// mandatory; a leaked Recyclable keeps its connection alive forever.
type Recyclable[C Connection] struct {
	pool *Pool[C]
	path string
	e    *entry[C]
	once sync.Once
}

func (r *Recyclable[C]) Get() C { return r.e.conn }

func (r *Recyclable[C]) Path() string { return r.path }

// Release drops the reference. Extra calls are no-ops.
func (r *Recyclable[C]) Release() {
	r.once.Do(func() { r.pool.recycle(r.path, r.e) })
}
