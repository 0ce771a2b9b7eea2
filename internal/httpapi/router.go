package httpapi

import "net/http"

// NewMux returns the raw mux so main() can still attach /shutdown (needs srv+token).
func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	hh := HealthHandler{Pool: d.Pool, Hub: d.Hub}
	mux.HandleFunc("/health", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: hh.Health,
	}))

	// Databases
	dh := DBHandler{Pool: d.Pool, Ops: d.Ops, Hub: d.Hub, BackupPath: d.BackupPath, Log: d.Log}
	mux.HandleFunc("/databases", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: dh.List,
	}))
	mux.HandleFunc("/databases/purge", methodMux(map[string]http.HandlerFunc{
		http.MethodPost: localOnly(dh.Purge),
	}))
	mux.HandleFunc("/databases/checkpoint", methodMux(map[string]http.HandlerFunc{
		http.MethodPost: localOnly(dh.Checkpoint),
	}))
	mux.HandleFunc("/databases/backup", methodMux(map[string]http.HandlerFunc{
		http.MethodPost: localOnly(dh.Backup),
	}))
	mux.HandleFunc("/databases/integrity", methodMux(map[string]http.HandlerFunc{
		http.MethodPost: localOnly(dh.Integrity),
	}))

	// Config
	ch := ConfigHandler{
		CfgVal:      d.CfgVal,
		UserCfgPath: d.UserCfgPath,
		LoadCfg:     d.LoadCfg,
		OnConfig:    d.OnConfig,
	}
	mux.HandleFunc("/config", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ch.Get,
		http.MethodPut: localOnly(ch.Put),
	}))
	mux.HandleFunc("/config/path", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ch.Path,
	}))
	mux.HandleFunc("/config/validate", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: ch.Validate,
	}))

	// SSE events
	eh := EventsHandler{Hub: d.Hub}
	mux.HandleFunc("/events", methodMux(map[string]http.HandlerFunc{
		http.MethodGet: eh.ServeSSE,
	}))

	return mux
}

// Handler wraps the mux in the standard middleware chain.
func Handler(d Deps, mux http.Handler) http.Handler {
	return Chain(mux, RequestID, Recover(d.Log), AccessLog(d.Log), Cors)
}
