package httpapi

import (
	"net/http"
	"time"

	"dbcore-engine/internal/database"
	"dbcore-engine/internal/events"
	"dbcore-engine/internal/lifecycle"
	"dbcore-engine/internal/pool"
)

type HealthHandler struct {
	Pool *pool.Pool[*database.Database]
	Hub  *events.Hub
}

func (h HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"ok":      !lifecycle.Exiting(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"exiting": lifecycle.Exiting(),
	}
	if h.Pool != nil {
		out["databases"] = h.Pool.Len()
	}
	if h.Hub != nil {
		out["subscribers"] = h.Hub.Clients()
	}
	writeJSON(w, out)
}
