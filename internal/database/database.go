// Package database is the pooled connection object: one *sql.DB per
// normalized path, handing out dedicated handles with every registered
// handle config attached.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dbcore-engine/internal/handle"
)

var ErrClosed = errors.New("database closed")

const (
	DefaultMaxOpenHandles     = 8
	DefaultMaxIdleHandles     = 2
	DefaultHandleIdleLifetime = 5 * time.Minute
)

type Options struct {
	MaxOpenHandles     int
	MaxIdleHandles     int
	HandleIdleLifetime time.Duration
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxOpenHandles <= 0 {
		o.MaxOpenHandles = DefaultMaxOpenHandles
	}
	if o.MaxIdleHandles <= 0 {
		o.MaxIdleHandles = DefaultMaxIdleHandles
	}
	if o.MaxIdleHandles > o.MaxOpenHandles {
		o.MaxIdleHandles = o.MaxOpenHandles
	}
	if o.HandleIdleLifetime <= 0 {
		o.HandleIdleLifetime = DefaultHandleIdleLifetime
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

type namedConfig struct {
	name  string
	cfg   handle.Config
	order int
}

type Database struct {
	path string
	pool *sql.DB
	opts Options
	log  *slog.Logger

	tag    atomic.Int64
	closed atomic.Bool

	mu      sync.Mutex
	configs []namedConfig
	// invoked remembers which configs each outstanding handle got, so
	// Release detaches exactly those.
	invoked map[*handle.Handle][]namedConfig
}

// DSN returns the modernc sqlite DSN for path. busy_timeout is zero so the
// engine reports contention immediately and the busy-retry coordinator owns
// all waiting.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(0)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
}

// Open prepares the database at path. No I/O happens until the first handle
// is checked out. path is expected to be normalized already.
func Open(path string, opts Options) (*Database, error) {
	opts = opts.withDefaults()
	pool, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	pool.SetMaxOpenConns(opts.MaxOpenHandles)
	pool.SetMaxIdleConns(opts.MaxIdleHandles)
	pool.SetConnMaxIdleTime(opts.HandleIdleLifetime)

	return &Database{
		path:    path,
		pool:    pool,
		opts:    opts,
		log:     opts.Logger.With("component", "database", "path", path),
		invoked: make(map[*handle.Handle][]namedConfig),
	}, nil
}

func (d *Database) Path() string { return d.path }

func (d *Database) Tag() int64 { return d.tag.Load() }

func (d *Database) SetTag(tag int64) { d.tag.Store(tag) }

// SetConfig registers cfg under name, replacing any config with that name.
// Configs are invoked on new handles in ascending order. Handles already
// checked out are not affected.
func (d *Database) SetConfig(name string, cfg handle.Config, order int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeConfigLocked(name)
	d.configs = append(d.configs, namedConfig{name: name, cfg: cfg, order: order})
	sort.SliceStable(d.configs, func(i, j int) bool { return d.configs[i].order < d.configs[j].order })
}

func (d *Database) RemoveConfig(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeConfigLocked(name)
}

func (d *Database) removeConfigLocked(name string) {
	for i, c := range d.configs {
		if c.name == name {
			d.configs = append(d.configs[:i], d.configs[i+1:]...)
			return
		}
	}
}

// Handle checks out a dedicated connection. Callers must Release it.
func (d *Database) Handle(ctx context.Context) (*handle.Handle, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := d.pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout %s: %w", d.path, err)
	}
	h := handle.New(d.path, conn, d.log)

	d.mu.Lock()
	configs := append([]namedConfig(nil), d.configs...)
	d.mu.Unlock()

	for i, c := range configs {
		if err := c.cfg.Invoke(h); err != nil {
			d.uninvoke(h, configs[:i])
			_ = h.Close()
			return nil, fmt.Errorf("invoke config %q: %w", c.name, err)
		}
	}

	d.mu.Lock()
	d.invoked[h] = configs
	d.mu.Unlock()
	return h, nil
}

// Release detaches the configs from h and returns its connection.
func (d *Database) Release(h *handle.Handle) error {
	d.mu.Lock()
	configs, ok := d.invoked[h]
	delete(d.invoked, h)
	d.mu.Unlock()
	if ok {
		d.uninvoke(h, configs)
	}
	return h.Close()
}

func (d *Database) uninvoke(h *handle.Handle, configs []namedConfig) {
	for i := len(configs) - 1; i >= 0; i-- {
		if err := configs[i].cfg.Uninvoke(h); err != nil {
			d.log.Warn("uninvoke config failed", "config", configs[i].name, "error", err)
		}
	}
}

// Run checks out a handle for the duration of fn.
func (d *Database) Run(ctx context.Context, fn func(ctx context.Context, h *handle.Handle) error) error {
	h, err := d.Handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Release(h) }()
	return fn(ctx, h)
}

// Transaction runs fn inside an IMMEDIATE transaction, committing when fn
// returns nil and rolling back otherwise.
func (d *Database) Transaction(ctx context.Context, fn func(ctx context.Context, h *handle.Handle) error) error {
	return d.Run(ctx, func(ctx context.Context, h *handle.Handle) error {
		if err := h.Begin(ctx); err != nil {
			return err
		}
		if err := fn(ctx, h); err != nil {
			if rbErr := h.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, handle.ErrNotInTransaction) {
				d.log.Warn("rollback failed", "error", rbErr)
			}
			return err
		}
		return h.Commit(ctx)
	})
}

// Purge closes every idle connection. Checked-out handles are untouched.
func (d *Database) Purge() {
	if d.closed.Load() {
		return
	}
	before := d.pool.Stats().Idle
	d.pool.SetMaxIdleConns(0)
	d.pool.SetMaxIdleConns(d.opts.MaxIdleHandles)
	d.log.Debug("purged idle handles", "closed", before)
}

type Stats struct {
	Path   string `json:"path"`
	Tag    int64  `json:"tag"`
	Open   int    `json:"open"`
	InUse  int    `json:"inUse"`
	Idle   int    `json:"idle"`
	Closed bool   `json:"closed"`
}

func (d *Database) Stats() Stats {
	s := d.pool.Stats()
	return Stats{
		Path:   d.path,
		Tag:    d.Tag(),
		Open:   s.OpenConnections,
		InUse:  s.InUse,
		Idle:   s.Idle,
		Closed: d.closed.Load(),
	}
}

// Close shuts the connection pool. Outstanding handles keep working until
// they are released.
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.log.Debug("closing database")
	return d.pool.Close()
}
