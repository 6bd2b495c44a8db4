// Package docker implements the reference container backend: one Docker
// container per context, operated through the Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

// Stop timeouts in seconds.
const (
	stopTimeout    = 10
	retainTimeout  = 5
	cleanupTimeout = 30 * time.Second
)

// Backend is a container-backed context.
type Backend struct {
	*backend.Sandbox
	api  API
	caps *capability.Registry

	readyInterval time.Duration
	readyTimeout  time.Duration

	mu          sync.Mutex
	containerID string
}

var _ backend.Backend = (*Backend)(nil)

// NewFactory returns a backend.Factory creating containers through api.
func NewFactory(api API) backend.Factory {
	return func(id string, cfg model.Config, deps backend.Deps) (backend.Backend, error) {
		return &Backend{
			Sandbox:       backend.NewSandbox(id, model.BackendDocker, cfg, deps.Logger),
			api:           api,
			caps:          deps.Capabilities,
			readyInterval: backend.ReadyInterval,
			readyTimeout:  backend.ReadyTimeout,
		}, nil
	}
}

// Start pulls the image if needed, creates and starts the container and
// waits for it to report running.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.start(ctx); err != nil {
		b.Fail(err)
		return &backend.Error{Op: "start", ContextID: b.ID(), Err: err}
	}
	return nil
}

func (b *Backend) start(ctx context.Context) error {
	cfg := b.Config()
	ccfg, hcfg, err := containerConfig(b.ID(), cfg)
	if err != nil {
		return err
	}

	if err := b.ensureImage(ctx, cfg.Image); err != nil {
		return fmt.Errorf("ensure image %s: %w", cfg.Image, err)
	}

	name := containerName(b.ID())
	resp, err := b.api.CreateContainer(ctx, ccfg, hcfg, name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		b.Logger().Warn("container create warning", "warning", w)
	}

	b.mu.Lock()
	b.containerID = resp.ID
	b.mu.Unlock()
	b.SetMetadata("container_id", resp.ID)
	b.SetMetadata("container_name", name)

	if err := b.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	err = backend.WaitReady(ctx, b.readyInterval, b.readyTimeout, func(ctx context.Context) (bool, error) {
		inspect, err := b.api.ContainerInspect(ctx, resp.ID)
		if err != nil {
			return false, err
		}
		if inspect.ContainerJSONBase == nil || inspect.State == nil {
			return false, nil
		}
		if inspect.State.Status == "exited" || inspect.State.Status == "dead" {
			return false, fmt.Errorf("container %s with code %d", inspect.State.Status, inspect.State.ExitCode)
		}
		return inspect.State.Running, nil
	})
	if err != nil {
		return err
	}

	b.SetEnvironment(&containerEnv{api: b.api, id: resp.ID, workDir: cfg.WorkingDir})
	b.InitCapabilities(b.caps)
	if err := b.SetStatus(model.StatusReady); err != nil {
		return err
	}
	b.Logger().Info("container ready", "container_id", resp.ID, "image", cfg.Image)
	return nil
}

func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := b.api.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	b.Logger().Info("pulling image", "image", ref)
	rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (b *Backend) id() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.containerID
}

// Stop stops the container. A missing container counts as stopped.
func (b *Backend) Stop(ctx context.Context) error {
	switch b.Status() {
	case model.StatusStopped, model.StatusError, model.StatusCleanup:
		return nil
	}

	if cid := b.id(); cid != "" {
		timeout := stopTimeout
		err := b.api.ContainerStop(ctx, cid, container.StopOptions{Timeout: &timeout})
		if err != nil && !errdefs.IsNotFound(err) {
			return &backend.Error{Op: "stop", ContextID: b.ID(), Err: err}
		}
	}
	return b.SetStatus(model.StatusStopped)
}

// Cleanup removes the container when RemoveOnExit is set and otherwise
// leaves it stopped.
func (b *Backend) Cleanup(ctx context.Context) {
	if err := b.SetStatus(model.StatusCleanup); err != nil {
		b.Logger().Debug("cleanup status unchanged", "status", b.Status())
	}

	cid := b.id()
	if cid == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if b.Config().RemovesOnExit() {
		err := b.api.ContainerRemove(ctx, cid, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			b.Logger().Error("remove container", "container_id", cid, "error", err)
		}
		return
	}

	timeout := retainTimeout
	err := b.api.ContainerStop(ctx, cid, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		b.Logger().Error("stop retained container", "container_id", cid, "error", err)
	}
}

// ExecuteCode runs Python through the delegated driver inside the container
// and Starlark in process.
func (b *Backend) ExecuteCode(ctx context.Context, code, language string, opts backend.ExecOptions) (model.Outcome, error) {
	switch strings.ToLower(language) {
	case "", backend.LanguagePython:
		return b.RunCode(ctx, capability.NamePython, code, opts)
	case backend.LanguageStarlark:
		return b.RunCode(ctx, capability.NameStarlark, code, opts)
	}
	return model.Outcome{}, &backend.Error{Op: "execute_code", ContextID: b.ID(), Err: fmt.Errorf("%w: %q", backend.ErrUnsupportedLanguage, language)}
}
