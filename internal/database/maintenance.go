package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sethvargo/go-retry"

	"dbcore-engine/internal/handle"
)

type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointFull     CheckpointMode = "FULL"
	CheckpointRestart  CheckpointMode = "RESTART"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

// ParseCheckpointMode accepts a mode name in any case. Empty means passive.
func ParseCheckpointMode(s string) (CheckpointMode, error) {
	switch m := CheckpointMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return CheckpointPassive, nil
	case CheckpointPassive, CheckpointFull, CheckpointRestart, CheckpointTruncate:
		return m, nil
	default:
		return "", fmt.Errorf("unknown checkpoint mode %q", s)
	}
}

type CheckpointResult struct {
	Busy         bool `json:"busy"`
	LogFrames    int  `json:"logFrames"`
	Checkpointed int  `json:"checkpointed"`
}

// Checkpoint copies WAL frames back into the database file.
func (d *Database) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	var res CheckpointResult
	if _, err := ParseCheckpointMode(string(mode)); err != nil {
		return res, err
	}
	if mode == "" {
		mode = CheckpointPassive
	}
	err := d.Run(ctx, func(ctx context.Context, h *handle.Handle) error {
		var busy int
		q := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)
		if err := h.QueryRow(ctx, q, nil, &busy, &res.LogFrames, &res.Checkpointed); err != nil {
			return err
		}
		res.Busy = busy != 0
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("checkpoint %s: %w", d.path, err)
	}
	d.log.Debug("checkpointed", "mode", mode, "frames", res.LogFrames, "checkpointed", res.Checkpointed, "busy", res.Busy)
	return res, nil
}

// BackupPath is where Backup writes when no destination is given.
func (d *Database) BackupPath() string { return d.path + ".bak" }

// Backup writes a consistent copy of the database to dest with VACUUM INTO.
// A file lock on dest+".lock" keeps concurrent processes from writing the
// same backup; the copy is renamed into place once complete.
func (d *Database) Backup(ctx context.Context, dest string) error {
	if dest == "" {
		dest = d.BackupPath()
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	lock := flock.New(dest + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock backup %s: %w", dest, err)
	}
	if !locked {
		return fmt.Errorf("lock backup %s: not acquired", dest)
	}
	defer func() { _ = lock.Unlock() }()

	tmp := dest + ".tmp"
	_ = os.Remove(tmp)
	err = d.Run(ctx, func(ctx context.Context, h *handle.Handle) error {
		_, err := h.Exec(ctx, `VACUUM INTO ?`, tmp)
		return err
	})
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("backup %s: %w", d.path, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	d.log.Info("backed up", "dest", dest)
	return nil
}

// Migration moves the schema to Version. Statements run in order inside the
// migration transaction.
type Migration struct {
	Version    int
	Statements []string
}

// Migrate applies every migration newer than PRAGMA user_version in one
// transaction and records the last applied version.
func (d *Database) Migrate(ctx context.Context, migrations []Migration) error {
	return d.Transaction(ctx, func(ctx context.Context, h *handle.Handle) error {
		var v int
		if err := h.QueryRow(ctx, `PRAGMA user_version`, nil, &v); err != nil {
			return err
		}
		applied := v
		for _, m := range migrations {
			if m.Version <= applied {
				continue
			}
			for _, stmt := range m.Statements {
				if _, err := h.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.Version, err)
				}
			}
			applied = m.Version
		}
		if applied == v {
			return nil
		}
		if _, err := h.Exec(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, applied)); err != nil {
			return err
		}
		d.log.Info("migrated schema", "from", v, "to", applied)
		return nil
	})
}

// RunWithRetry calls fn until it succeeds, fails with something other than
// a definitive busy error, or attempts retries are used up. Waits between
// attempts follow a Fibonacci backoff starting at base.
func (d *Database) RunWithRetry(ctx context.Context, attempts uint64, base time.Duration, fn func(ctx context.Context) error) error {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	b := retry.WithMaxRetries(attempts, retry.NewFibonacci(base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, handle.ErrBusy) {
			d.log.Debug("retrying after busy", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// CheckIntegrity runs PRAGMA quick_check and returns the reported problems.
// An empty result means the database is intact.
func (d *Database) CheckIntegrity(ctx context.Context) ([]string, error) {
	var problems []string
	err := d.Run(ctx, func(ctx context.Context, h *handle.Handle) error {
		return h.Query(ctx, `PRAGMA quick_check`, nil, func(rows *sql.Rows) error {
			for rows.Next() {
				var line string
				if err := rows.Scan(&line); err != nil {
					return err
				}
				if line != "ok" {
					problems = append(problems, line)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("integrity check %s: %w", d.path, err)
	}
	return problems, nil
}
