// Command engine runs the database maintenance daemon: it keeps the
// configured SQLite databases open through the shared pool, coordinates
// busy retries between their handles, runs checkpoints, backups and purges
// in the background, and serves a local admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"dbcore-engine/internal/config"
	"dbcore-engine/internal/events"
	"dbcore-engine/internal/httpapi"
	"dbcore-engine/internal/lifecycle"
	"dbcore-engine/internal/logging"
	"dbcore-engine/internal/scheduler"
)

type flags struct {
	config   string
	dataDir  string
	addr     string
	logLevel string
}

func main() {
	var f flags
	pflag.StringVar(&f.config, "config", "", "config file (default <data-dir>/config.yml)")
	pflag.StringVar(&f.dataDir, "data-dir", "", "data directory (env DBCORE_DATA_DIR)")
	pflag.StringVar(&f.addr, "addr", "", "admin API listen address (env DBCORE_ADDR)")
	pflag.StringVar(&f.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (env DBCORE_LOG_LEVEL)")
	pflag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	dataDir := f.dataDir
	if dataDir == "" {
		dataDir = os.Getenv("DBCORE_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	userCfgPath := f.config
	if userCfgPath == "" {
		p, err := config.EnsureUserConfig(dataDir, filepath.Join("config", "config.yml"))
		if err != nil {
			return fmt.Errorf("config bootstrap failed: %w", err)
		}
		userCfgPath = p
	}

	loadCfg := func() (config.Config, error) {
		cfg, err := config.Load(userCfgPath)
		if err != nil {
			return cfg, fmt.Errorf("config load failed (%s): %w", userCfgPath, err)
		}
		config.ApplyEnv(&cfg)
		if f.dataDir != "" {
			cfg.App.DataDir = f.dataDir
		}
		if f.addr != "" {
			cfg.App.Addr = f.addr
		}
		if f.logLevel != "" {
			cfg.Log.Level = f.logLevel
		}
		if err := config.OverlayDatabases(&cfg, filepath.Join(dataDir, "databases.yml")); err != nil {
			return cfg, fmt.Errorf("databases overlay: %w", err)
		}
		if err := config.Validate(cfg); err != nil {
			return cfg, err
		}
		cfg, _ = config.NormalizeAndValidate(cfg)
		return cfg, nil
	}
	cfg, err := loadCfg()
	if err != nil {
		return err
	}

	log, level := logging.New(cfg.Log.Level, os.Stderr)
	slog.SetDefault(log)

	var cfgVal atomic.Value // stores config.Config
	cfgVal.Store(cfg)

	hub := events.NewHub(log)
	eng, err := newEngine(cfg, hub, log)
	if err != nil {
		return err
	}
	if err := eng.openConfigured(); err != nil {
		return err
	}
	defer eng.release()

	token, err := shutdownToken(dataDir)
	if err != nil {
		return fmt.Errorf("shutdown token: %w", err)
	}

	deps := httpapi.Deps{
		Pool:        eng.pool,
		Ops:         eng.ops,
		Hub:         hub,
		BackupPath:  eng.backupPath,
		CfgVal:      &cfgVal,
		UserCfgPath: userCfgPath,
		LoadCfg:     loadCfg,
		OnConfig: func(c config.Config) {
			if l, err := logging.ParseLevel(c.Log.Level); err == nil {
				level.Set(l)
			}
			log.Info("config replaced; busy-retry, pool and operation settings apply after restart")
		},
		Log: log,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := httpapi.NewMux(deps)
	srv := &http.Server{
		Handler:           httpapi.Handler(deps, mux),
		ReadHeaderTimeout: 5 * time.Second,
		// Event streams end when the process starts shutting down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	mux.HandleFunc("/shutdown", shutdownHandler(token, srv))

	ln, err := net.Listen("tcp", cfg.App.Addr)
	if err != nil {
		return err
	}
	log.Info("engine listening", "addr", "http://"+ln.Addr().String(), "databases", len(eng.settings), "config", userCfgPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		// A /shutdown request ends the process too.
		stop()
		return nil
	})
	g.Go(func() error {
		eng.ops.Run()
		return nil
	})
	g.Go(func() error {
		p := scheduler.NewPressure(eng.ops, scheduler.PressureLimits{
			MemoryLimitMB:       cfg.Operations.MemoryLimitMB,
			MaxFileDescriptors:  cfg.Operations.MaxFileDescriptors,
			FileDescriptorRatio: cfg.Operations.FileDescriptorRatio,
		}, log)
		scheduler.Every(gctx, log, cfg.Operations.PressureCheckInterval, "pressure", p.Check)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		lifecycle.MarkExiting()
		eng.ops.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}
