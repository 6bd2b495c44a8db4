// Package local implements a backend that runs each context as host
// processes inside a private temporary directory. It is not an isolation
// boundary: commands run with the server's privileges and absolute paths
// reach the host filesystem. It backs tests and the development server.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

// Backend is a host-process context.
type Backend struct {
	*backend.Sandbox
	caps *capability.Registry

	mu   sync.Mutex
	root string
}

var _ backend.Backend = (*Backend)(nil)

// New is the backend.Factory for local contexts.
func New(id string, cfg model.Config, deps backend.Deps) (backend.Backend, error) {
	return &Backend{
		Sandbox: backend.NewSandbox(id, model.BackendLocal, cfg, deps.Logger),
		caps:    deps.Capabilities,
	}, nil
}

// Start creates the work directory and initializes capabilities.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.start(ctx); err != nil {
		b.Fail(err)
		return &backend.Error{Op: "start", ContextID: b.ID(), Err: err}
	}
	return nil
}

func (b *Backend) start(ctx context.Context) error {
	root, err := os.MkdirTemp("", "sandbox-"+b.ID()+"-")
	if err != nil {
		return fmt.Errorf("create context root: %w", err)
	}
	b.mu.Lock()
	b.root = root
	b.mu.Unlock()

	workDir := filepath.Join(root, filepath.Clean("/"+b.Config().WorkingDir))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	err = backend.WaitReady(ctx, backend.ReadyInterval, backend.ReadyTimeout, func(context.Context) (bool, error) {
		info, err := os.Stat(workDir)
		if err != nil {
			return false, err
		}
		return info.IsDir(), nil
	})
	if err != nil {
		return err
	}

	b.SetMetadata("work_dir", workDir)
	b.SetEnvironment(&capability.HostEnvironment{Dir: workDir})
	b.InitCapabilities(b.caps)
	if err := b.SetStatus(model.StatusReady); err != nil {
		return err
	}
	b.Logger().Info("local context ready", "work_dir", workDir)
	return nil
}

// Stop marks the context stopped. There is no long-lived process to halt.
func (b *Backend) Stop(_ context.Context) error {
	switch b.Status() {
	case model.StatusStopped, model.StatusError, model.StatusCleanup:
		return nil
	}
	return b.SetStatus(model.StatusStopped)
}

// Cleanup removes the context root when RemoveOnExit is set.
func (b *Backend) Cleanup(_ context.Context) {
	if err := b.SetStatus(model.StatusCleanup); err != nil {
		b.Logger().Debug("cleanup status unchanged", "status", b.Status())
	}

	b.mu.Lock()
	root := b.root
	b.mu.Unlock()
	if root == "" {
		return
	}
	if !b.Config().RemovesOnExit() {
		b.Logger().Info("retaining context root", "root", root)
		return
	}
	if err := os.RemoveAll(root); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.Logger().Error("remove context root", "root", root, "error", err)
	}
}

// ExecuteCode runs code in process with the Starlark executor. "python" is
// an alias: snippets run as Starlark.
func (b *Backend) ExecuteCode(ctx context.Context, code, language string, opts backend.ExecOptions) (model.Outcome, error) {
	switch strings.ToLower(language) {
	case "", backend.LanguagePython, backend.LanguageStarlark:
		return b.RunCode(ctx, capability.NameStarlark, code, opts)
	}
	return model.Outcome{}, &backend.Error{Op: "execute_code", ContextID: b.ID(), Err: fmt.Errorf("%w: %q", backend.ErrUnsupportedLanguage, language)}
}
