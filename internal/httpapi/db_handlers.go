package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"dbcore-engine/internal/database"
	"dbcore-engine/internal/events"
	"dbcore-engine/internal/handle"
	"dbcore-engine/internal/pool"
	"dbcore-engine/internal/scheduler"
)

type DBHandler struct {
	Pool       *pool.Pool[*database.Database]
	Ops        *scheduler.OperationQueue
	Hub        *events.Hub
	BackupPath func(path string) string
	Log        *slog.Logger
}

type DatabaseStatus struct {
	database.Stats
	Refs               int        `json:"refs"`
	Corrupted          bool       `json:"corrupted"`
	CheckpointDue      *time.Time `json:"checkpointDue,omitempty"`
	CheckpointCritical bool       `json:"checkpointCritical,omitempty"`
	BackupDue          *time.Time `json:"backupDue,omitempty"`
}

func (h DBHandler) List(w http.ResponseWriter, r *http.Request) {
	var out []DatabaseStatus
	h.Pool.Snapshot(func(db *database.Database, refs int) {
		out = append(out, DatabaseStatus{Stats: db.Stats(), Refs: refs})
	})
	// Queue lookups happen outside the pool lock.
	for i := range out {
		s := &out[i]
		if h.Ops == nil {
			continue
		}
		s.Corrupted = h.Ops.Corrupted(s.Path)
		if at, p, ok := h.Ops.Pending(scheduler.Operation{Type: scheduler.OpCheckpoint, Path: s.Path}); ok {
			s.CheckpointDue = &at
			s.CheckpointCritical = p.Critical
		}
		if at, _, ok := h.Ops.Pending(scheduler.Operation{Type: scheduler.OpBackup, Path: s.Path}); ok {
			s.BackupDue = &at
		}
	}
	slices.SortFunc(out, func(a, b DatabaseStatus) int { return strings.Compare(a.Path, b.Path) })
	if out == nil {
		out = []DatabaseStatus{}
	}
	writeJSON(w, out)
}

func (h DBHandler) Purge(w http.ResponseWriter, r *http.Request) {
	scheduled := h.Ops.AsyncPurge(scheduler.Parameter{Source: scheduler.PurgeRequested})
	WriteJSON(w, http.StatusAccepted, map[string]any{"scheduled": scheduled})
}

func (h DBHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	mode, err := database.ParseCheckpointMode(r.URL.Query().Get("mode"))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "bad_mode", err.Error())
		return
	}
	h.withDatabase(w, r, func(ctx context.Context, db *database.Database) {
		res, err := db.Checkpoint(ctx, mode)
		h.publish(r, events.TypeCheckpoint, events.DatabaseData{Path: db.Path(), OK: err == nil && !res.Busy, Detail: errDetail(err)})
		if err != nil {
			h.fail(w, r, db.Path(), err)
			return
		}
		writeJSON(w, res)
	})
}

func (h DBHandler) Backup(w http.ResponseWriter, r *http.Request) {
	h.withDatabase(w, r, func(ctx context.Context, db *database.Database) {
		dest := db.BackupPath()
		if h.BackupPath != nil {
			dest = h.BackupPath(db.Path())
		}
		err := db.Backup(ctx, dest)
		h.publish(r, events.TypeBackup, events.DatabaseData{Path: db.Path(), OK: err == nil, Detail: errDetail(err)})
		if err != nil {
			h.fail(w, r, db.Path(), err)
			return
		}
		writeJSON(w, map[string]any{"path": db.Path(), "backup": dest})
	})
}

func (h DBHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	h.withDatabase(w, r, func(ctx context.Context, db *database.Database) {
		problems, err := db.CheckIntegrity(ctx)
		if err != nil {
			h.publish(r, events.TypeIntegrity, events.DatabaseData{Path: db.Path(), Detail: err.Error()})
			h.fail(w, r, db.Path(), err)
			return
		}
		ok := len(problems) == 0
		if ok && h.Ops != nil {
			h.Ops.ClearCorrupted(db.Path())
		}
		h.publish(r, events.TypeIntegrity, events.DatabaseData{Path: db.Path(), OK: ok, Problems: problems})
		writeJSON(w, map[string]any{"path": db.Path(), "ok": ok, "problems": problems})
	})
}

// withDatabase resolves the path query parameter to a live database and
// runs fn with a primary caller context.
func (h DBHandler) withDatabase(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, db *database.Database)) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		WriteError(w, r, http.StatusBadRequest, "missing_path", "path is required")
		return
	}
	rec, ok := h.Pool.Get(path)
	if !ok {
		WriteError(w, r, http.StatusNotFound, "not_found", "database is not open: "+path)
		return
	}
	defer rec.Release()
	fn(handle.WithCallerKind(r.Context(), handle.Primary), rec.Get())
}

func (h DBHandler) fail(w http.ResponseWriter, r *http.Request, path string, err error) {
	if h.Ops != nil {
		h.Ops.ObserveError(path, handle.IsCorrupt(err))
	}
	var be *handle.BusyError
	if errors.As(err, &be) {
		WriteError(w, r, http.StatusServiceUnavailable, "busy", be.Error())
		return
	}
	if h.Log != nil {
		h.Log.Warn("database operation failed", "request_id", RequestIDFrom(r.Context()), "path", path, "error", err)
	}
	WriteError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
}

func (h DBHandler) publish(r *http.Request, typ string, data events.DatabaseData) {
	if h.Hub != nil {
		h.Hub.Publish(events.MakeEvent(RequestIDFrom(r.Context()), typ, 1, data))
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
