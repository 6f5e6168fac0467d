package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	bushttp "github.com/namastexlabs/automagik-omni/internal/http"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/config"
	"github.com/namastexlabs/automagik-omni/internal/registry"
	"github.com/namastexlabs/automagik-omni/internal/router"
	"github.com/namastexlabs/automagik-omni/internal/store"
	"github.com/namastexlabs/automagik-omni/internal/store/pg"
	"github.com/namastexlabs/automagik-omni/internal/store/sqlite"
	"github.com/namastexlabs/automagik-omni/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default action)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, stores, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open config store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	msgBus := bus.New()
	reg := registry.New(stores.Instances, msgBus)

	collector, otelShutdown := newCollector(cfg, stores.Traces)
	rtr := router.NewWithCollector(stores.Instances, stores.Access, stores.Users, msgBus, collector)
	rtr.SetLifecycle(reg)
	reg.SetInboundHandler(rtr.Handle)

	if err := reg.LoadAll(ctx); err != nil {
		slog.Error("failed to load instances", "error", err)
		os.Exit(1)
	}

	srv := bushttp.NewServer(cfg, reg, msgBus, stores)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var cfgWatcher *fsnotify.Watcher
	if watch {
		cfgWatcher, err = startConfigWatcher(cfgPath)
		if err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		} else {
			defer cfgWatcher.Close()
		}
	}

	go func() {
		sig := <-sigCh
		slog.Info("shutdown initiated", "signal", sig)
		rtr.Shutdown()
		reg.Shutdown(context.Background())
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel exporter shutdown failed", "error", err)
		}
		cancel()
	}()

	slog.Info("automagik-omni starting",
		"version", Version,
		"database_mode", cfg.Database.Mode,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))

	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newCollector builds the Trace Recorder's collector, mirroring spans to an
// OTLP backend when telemetry is enabled (AUTOMAGIK_OMNI_OTEL_ENDPOINT or
// config.json's telemetry block) and falling back to a plain collector
// otherwise. The returned shutdown func is a no-op when telemetry is off.
func newCollector(cfg *config.Config, traceStore store.TraceStore) (*tracing.Collector, func(context.Context) error) {
	if !cfg.Telemetry.Enabled {
		return tracing.NewCollector(traceStore), func(context.Context) error { return nil }
	}
	return tracing.NewCollectorWithTelemetry(traceStore, tracing.OtelConfig{
		Enabled:     true,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
}

// openStores connects to the Config Store backend selected by
// cfg.Database.Mode — Postgres for multi-tenant deployments, SQLite for
// single-tenant/desktop ones.
func openStores(ctx context.Context, cfg *config.Config) (*sql.DB, *store.Stores, error) {
	switch cfg.Database.Mode {
	case "sqlite":
		path := config.ExpandHome(cfg.Database.SQLitePath)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return db, sqlite.Stores(db), nil
	default:
		if cfg.Database.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("database mode %q requires AUTOMAGIK_OMNI_DATABASE_URL", cfg.Database.Mode)
		}
		db, err := pg.Open(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return db, pg.Stores(db), nil
	}
}

// startConfigWatcher watches config.json for edits and re-parses the file
// on each write, logging an error if it no longer loads. The re-parsed
// values are not applied to the running process: every setting still
// takes effect only on restart.
func startConfigWatcher(path string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: new watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("fsnotify: watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(path) {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				slog.Info("config file changed, reloading", "path", path)
				if _, err := config.Load(path); err != nil {
					slog.Error("config reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return w, nil
}
