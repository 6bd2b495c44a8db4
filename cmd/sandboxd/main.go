// Command sandboxd serves the execution context API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/sandboxd/internal/api"
	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/backend/docker"
	fc "github.com/seantiz/sandboxd/internal/backend/firecracker"
	"github.com/seantiz/sandboxd/internal/backend/local"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/config"
	"github.com/seantiz/sandboxd/internal/manager"
	"github.com/seantiz/sandboxd/internal/model"
	"github.com/seantiz/sandboxd/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("sandboxd: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backends", cfg.Backends,
		"default_backend", cfg.DefaultBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, shutdownBackends, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to set up backends: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	deps := backend.Deps{Logger: logger, Capabilities: capability.DefaultRegistry()}
	m := manager.New(reg, deps, manager.Options{
		DefaultType:     cfg.DefaultBackend,
		DefaultConfig:   cfg.ContextDefaults,
		CleanupInterval: cfg.CleanupInterval,
		ErrorGrace:      cfg.ErrorGrace,
		MaxAge:          cfg.MaxAge,
		History:         db,
		PurgeHistory:    cfg.PurgeHistory,
	}, logger)
	m.Start()

	srv := api.NewServer(cfg.ListenAddr, m, api.Options{
		Version:     version,
		CORSOrigins: cfg.CORSOrigins,
		CreateRate:  cfg.CreateRate,
		CreateBurst: cfg.CreateBurst,
	}, logger)

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.Stop(shutdownCtx); err != nil {
		logger.Error("sandboxd: context cleanup incomplete", "error", err)
	}
	shutdownBackends(shutdownCtx)

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
	logger.Info("sandboxd: stopped")
}

// buildRegistry registers a factory for every configured backend. A backend
// that cannot be initialised is skipped with an error log unless it is the
// default. The returned function releases backend-wide resources.
func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend.Registry, func(context.Context), error) {
	reg := backend.NewRegistry()
	var shutdowns []func(context.Context)

	for _, typ := range cfg.Backends {
		var err error
		switch typ {
		case model.BackendDocker:
			var cli docker.API
			if cli, err = docker.NewClient(ctx); err == nil {
				reg.Register(model.BackendDocker, docker.NewFactory(cli))
			}
		case model.BackendLocal:
			reg.Register(model.BackendLocal, local.New)
		case model.BackendFirecracker:
			var pool *fc.Pool
			if pool, err = fc.NewPool(fc.LoadConfig(), logger); err == nil {
				if err = pool.Verify(); err == nil {
					reg.Register(model.BackendFirecracker, pool.Factory())
					shutdowns = append(shutdowns, pool.Shutdown)
				}
			}
		default:
			err = fmt.Errorf("%w: %s", backend.ErrUnknownType, typ)
		}

		if err != nil {
			if typ == cfg.DefaultBackend {
				return nil, nil, fmt.Errorf("default backend %s: %w", typ, err)
			}
			logger.Error("sandboxd: backend unavailable", "backend", typ, "error", err)
			continue
		}
		logger.Info("sandboxd: backend registered", "backend", typ)
	}

	shutdown := func(ctx context.Context) {
		for _, fn := range shutdowns {
			fn(ctx)
		}
	}
	return reg, shutdown, nil
}
