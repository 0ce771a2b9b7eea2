package httpapi

import (
	"log/slog"
	"sync/atomic"

	"dbcore-engine/internal/config"
	"dbcore-engine/internal/database"
	"dbcore-engine/internal/events"
	"dbcore-engine/internal/pool"
	"dbcore-engine/internal/scheduler"
)

type Deps struct {
	Pool *pool.Pool[*database.Database]
	Ops  *scheduler.OperationQueue
	Hub  *events.Hub
	// BackupPath maps a database path to its backup destination.
	BackupPath func(path string) string

	CfgVal *atomic.Value // stores config.Config

	// Config persistence
	UserCfgPath string
	LoadCfg     func() (config.Config, error)
	// OnConfig runs after a new config has been saved and reloaded.
	OnConfig func(config.Config)

	Log *slog.Logger
}
