package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

type Validation struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *Validation) addErr(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}
func (v *Validation) addWarn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}
func (v Validation) OK() bool { return len(v.Errors) == 0 }

// NormalizeAndValidate returns a normalized copy of cfg and what is wrong
// with it.
func NormalizeAndValidate(cfg Config) (Config, Validation) {
	out := cfg
	var res Validation

	out.Log.Level = strings.ToUpper(strings.TrimSpace(out.Log.Level))
	out.App.Addr = strings.TrimSpace(out.App.Addr)

	// Normalize database list: trim, drop empties, dedupe by cleaned path.
	seen := map[string]bool{}
	var dbs []Database
	for _, d := range out.Databases {
		d.Path = strings.TrimSpace(d.Path)
		if d.Path == "" {
			res.addWarn("databases: entry with empty path ignored")
			continue
		}
		key := filepath.Clean(d.Path)
		if seen[key] {
			res.addWarn("databases: %q listed more than once", d.Path)
			continue
		}
		seen[key] = true
		dbs = append(dbs, d)
	}
	out.Databases = dbs

	// ---- Validation rules ----

	if _, _, err := net.SplitHostPort(out.App.Addr); err != nil {
		res.addErr("app.addr must be host:port (%v)", err)
	}
	switch out.Log.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		res.addErr("log.level must be one of DEBUG, INFO, WARN, ERROR")
	}

	if out.BusyRetry.PrimaryTimeout <= 0 {
		res.addErr("busy_retry.primary_timeout must be > 0")
	}
	if out.BusyRetry.BackgroundTimeout <= 0 {
		res.addErr("busy_retry.background_timeout must be > 0")
	}
	if out.BusyRetry.PrimaryTimeout > out.BusyRetry.BackgroundTimeout {
		res.addWarn("busy_retry.primary_timeout (%v) exceeds background_timeout (%v)",
			out.BusyRetry.PrimaryTimeout, out.BusyRetry.BackgroundTimeout)
	}

	if out.Pool.MaxOpenHandles <= 0 {
		res.addErr("pool.max_open_handles must be > 0")
	}
	if out.Pool.MaxIdleHandles < 0 {
		res.addErr("pool.max_idle_handles must be >= 0")
	} else if out.Pool.MaxIdleHandles > out.Pool.MaxOpenHandles {
		res.addWarn("pool.max_idle_handles (%d) exceeds max_open_handles (%d) and will be capped",
			out.Pool.MaxIdleHandles, out.Pool.MaxOpenHandles)
	}

	ops := out.Operations
	for name, d := range map[string]int64{
		"critical_checkpoint_delay":     int64(ops.CriticalCheckpointDelay),
		"non_critical_checkpoint_delay": int64(ops.NonCriticalCheckpointDelay),
		"retry_after_failure":           int64(ops.RetryAfterFailure),
		"backup_interval":               int64(ops.BackupInterval),
		"purge_again_interval":          int64(ops.PurgeAgainInterval),
		"pressure_check_interval":       int64(ops.PressureCheckInterval),
	} {
		if d <= 0 {
			res.addErr("operations.%s must be > 0", name)
		}
	}
	if ops.CriticalCheckpointDelay > ops.NonCriticalCheckpointDelay {
		res.addWarn("operations.critical_checkpoint_delay is longer than the non-critical delay")
	}
	if ops.CriticalFrames <= 0 {
		res.addErr("operations.critical_frames must be > 0")
	}
	if ops.FileDescriptorRatio <= 0 || ops.FileDescriptorRatio > 1 {
		res.addErr("operations.file_descriptor_ratio must be in (0, 1]")
	}

	for i, d := range out.Databases {
		if d.Backup && d.BackupPath != "" && filepath.Clean(d.BackupPath) == filepath.Clean(d.Path) {
			res.addErr("databases[%d].backup_path must differ from path", i)
		}
	}

	return out, res
}
