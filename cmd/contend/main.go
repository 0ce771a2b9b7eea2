// Command contend hammers one database with concurrent writers to show how
// the busy-retry coordinator spreads lock contention. Every worker opens the
// database through the shared pool, so all of them share one coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"dbcore-engine/internal/busyretry"
	"dbcore-engine/internal/database"
	"dbcore-engine/internal/handle"
	"dbcore-engine/internal/logging"
	"dbcore-engine/internal/pool"
)

type result struct {
	ok        atomic.Int64
	busy      atomic.Int64
	exhausted atomic.Int64
	timedOut  atomic.Int64
	noNotify  atomic.Int64
	failed    atomic.Int64
}

func (r *result) record(err error) {
	var be *handle.BusyError
	switch {
	case err == nil:
		r.ok.Add(1)
	case errors.As(err, &be):
		r.busy.Add(1)
		switch be.Reason {
		case handle.AbortBudgetExhausted:
			r.exhausted.Add(1)
		case handle.AbortTimedOut:
			r.timedOut.Add(1)
		case handle.AbortNoNotifier:
			r.noNotify.Add(1)
		}
	default:
		r.failed.Add(1)
	}
}

func main() {
	var (
		path     = pflag.String("db", filepath.Join(os.TempDir(), "contend.db"), "database file")
		workers  = pflag.IntP("workers", "w", 8, "concurrent writers")
		writes   = pflag.IntP("writes", "n", 200, "transactions per writer")
		rows     = pflag.Int("rows", 5, "rows inserted per transaction")
		primary  = pflag.Duration("primary-timeout", busyretry.DefaultPrimaryTimeout, "busy budget of primary callers")
		attempts = pflag.Uint64("attempts", 3, "caller-level retries after a definitive busy")
		level    = pflag.String("log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	)
	pflag.Parse()

	log, _ := logging.New(*level, os.Stderr)
	if err := run(log, *path, *workers, *writes, *rows, *primary, *attempts); err != nil {
		log.Error("contend failed", "error", err)
		os.Exit(1)
	}
}

type coordinated struct {
	busy *busyretry.Coordinator
}

func (c coordinated) OnDatabaseCreated(db *database.Database) {
	db.SetConfig("busy-retry", c.busy, 0)
}

func (coordinated) OnDatabaseRecycled(string) {}

func run(log *slog.Logger, path string, workers, writes, rows int, primary time.Duration, attempts uint64) error {
	coord := busyretry.New(busyretry.Config{PrimaryTimeout: primary}, log)
	p := pool.New[*database.Database](func(path string) (*database.Database, error) {
		return database.Open(path, database.Options{MaxOpenHandles: workers, Logger: log})
	}, coordinated{busy: coord}, log)

	ctx := handle.WithCallerKind(context.Background(), handle.Primary)
	setup, err := p.GetOrCreate(path)
	if err != nil {
		return err
	}
	defer setup.Release()
	err = setup.Get().Migrate(ctx, []database.Migration{{
		Version:    1,
		Statements: []string{`CREATE TABLE IF NOT EXISTS samples (worker INTEGER, seq INTEGER, at TEXT)`},
	}})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var res result
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			r, err := p.GetOrCreate(path)
			if err != nil {
				return err
			}
			defer r.Release()
			db := r.Get()
			for i := 0; i < writes; i++ {
				// Each transaction gets a fresh ledger so its budget starts full.
				tctx := handle.WithWaitLedger(gctx, handle.NewWaitLedger(handle.Primary))
				err := db.RunWithRetry(tctx, attempts, 10*time.Millisecond, func(ctx context.Context) error {
					return db.Transaction(ctx, func(ctx context.Context, h *handle.Handle) error {
						for j := 0; j < rows; j++ {
							if _, err := h.Exec(ctx, `INSERT INTO samples VALUES (?, ?, ?)`, w, i, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
								return err
							}
						}
						return nil
					})
				})
				res.record(err)
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := res.ok.Load() + res.busy.Load() + res.failed.Load()
	log.Info("contention run finished",
		"path", setup.Get().Path(),
		"workers", workers,
		"transactions", total,
		"committed", res.ok.Load(),
		"busy", res.busy.Load(),
		"budget_exhausted", res.exhausted.Load(),
		"timed_out", res.timedOut.Load(),
		"no_notifier", res.noNotify.Load(),
		"failed", res.failed.Load(),
		"elapsed", elapsed.Round(time.Millisecond),
		"tx_per_sec", fmt.Sprintf("%.1f", float64(total)/elapsed.Seconds()),
	)
	return nil
}
