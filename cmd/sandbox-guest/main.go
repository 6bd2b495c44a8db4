// Command sandbox-guest is the agent that runs as init inside Firecracker
// microVMs. It serves process execution and file transfer requests from the
// host over vsock.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o sandbox-guest ./cmd/sandbox-guest
package main

import (
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/sandboxd/internal/backend/firecracker"
	"github.com/seantiz/sandboxd/internal/guest"
)

func main() {
	// The serial console is the only place guest logs can go.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	guest.SetupInit(logger)
	if err := os.MkdirAll(fc.GuestWorkDir, 0o755); err != nil {
		logger.Warn("create work dir", "dir", fc.GuestWorkDir, "error", err)
	}

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("sandbox-guest listening", "port", port)

	agent := guest.New(l, fc.GuestWorkDir, logger)
	if err := agent.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
