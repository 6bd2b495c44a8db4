// testserver starts a sandboxd API server backed only by the local backend
// and an in-memory history, for end-to-end testing without Docker or KVM.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/sandboxd/internal/api"
	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/backend/local"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/manager"
	"github.com/seantiz/sandboxd/internal/model"
	"github.com/seantiz/sandboxd/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("SANDBOXD_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(store.MemoryDSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register(model.BackendLocal, local.New)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := manager.New(reg, backend.Deps{Capabilities: capability.DefaultRegistry()}, manager.Options{
		DefaultType:     model.BackendLocal,
		CleanupInterval: 30 * time.Second,
		MaxAge:          10 * time.Minute,
		History:         db,
	}, logger)
	m.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(addr, m, api.Options{Version: "testserver"}, logger)
	logger.Info("testserver: starting", "addr", addr)
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Stop(shutdownCtx); err != nil {
		logger.Error("testserver: cleanup incomplete", "error", err)
	}
	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
