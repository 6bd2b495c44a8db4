package firecracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"time"

	"github.com/seantiz/sandboxd/internal/archive"
	"github.com/seantiz/sandboxd/internal/capability"
)

// guestEnv runs processes and file operations through the guest agent.
// Every call dials a fresh connection.
type guestEnv struct {
	dial    Dialer
	workDir string
}

var _ capability.Environment = (*guestEnv)(nil)

// NewGuestEnvironment returns a capability.Environment backed by the guest
// agent reachable through dial.
func NewGuestEnvironment(dial Dialer, workDir string) capability.Environment {
	return &guestEnv{dial: dial, workDir: workDir}
}

func (e *guestEnv) WorkDir() string { return e.workDir }

func (e *guestEnv) resolve(p string) string {
	if p == "" {
		return e.workDir
	}
	if !path.IsAbs(p) {
		p = path.Join(e.workDir, p)
	}
	return path.Clean(p)
}

func (e *guestEnv) call(ctx context.Context, req GuestRequest, onLine func(stream, line string)) (GuestResponse, error) {
	start := time.Now()
	resp, err := e.roundTrip(ctx, req, onLine)
	guestOpDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())

	result := resultOK
	switch {
	case err != nil && ctx.Err() != nil:
		result = resultTimeout
	case err != nil || resp.Error != "":
		result = resultFailed
	}
	guestOpsTotal.WithLabelValues(req.Op, result).Inc()
	return resp, err
}

func (e *guestEnv) roundTrip(ctx context.Context, req GuestRequest, onLine func(stream, line string)) (GuestResponse, error) {
	gc, err := e.dial(ctx)
	if err != nil {
		return GuestResponse{}, err
	}
	defer gc.Close()
	return gc.Call(ctx, req, onLine)
}

// Ping checks that the guest agent answers.
func (e *guestEnv) Ping(ctx context.Context) error {
	resp, err := e.call(ctx, GuestRequest{Op: OpPing}, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// Run executes argv inside the guest. The guest kills the process when the
// connection drops.
func (e *guestEnv) Run(ctx context.Context, spec capability.RunSpec) (capability.RunResult, error) {
	if len(spec.Argv) == 0 {
		return capability.RunResult{}, errors.New("empty command")
	}

	req := GuestRequest{
		Op:     OpExec,
		Argv:   spec.Argv,
		Env:    spec.Env,
		Dir:    e.resolve(spec.Dir),
		Stdin:  spec.Stdin,
		Stream: spec.OnLine != nil,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutS = int(math.Ceil(time.Until(deadline).Seconds()))
	}

	resp, err := e.call(ctx, req, spec.OnLine)
	if err != nil {
		return capability.RunResult{ExitCode: -1}, fmt.Errorf("exec %s: %w", spec.Argv[0], err)
	}
	res := capability.RunResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.Error != "" && resp.ExitCode < 0 {
		return res, fmt.Errorf("exec %s: %s", spec.Argv[0], resp.Error)
	}
	return res, nil
}

// ReadFile fetches p from the guest as a single-file archive.
func (e *guestEnv) ReadFile(ctx context.Context, p string, maxSize int64) ([]byte, error) {
	resp, err := e.call(ctx, GuestRequest{Op: OpRead, Path: e.resolve(p), MaxSize: maxSize}, nil)
	if err != nil {
		return nil, err
	}
	if err := fileError(p, resp); err != nil {
		return nil, err
	}

	_, data, err := archive.UnpackFile(bytes.NewReader(resp.Data), maxSize)
	if err != nil {
		if errors.Is(err, archive.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %w", capability.ErrFileTooLarge, err)
		}
		return nil, err
	}
	return data, nil
}

// WriteFile sends data to the guest as a single-file archive.
func (e *guestEnv) WriteFile(ctx context.Context, p string, data []byte, createDirs bool) error {
	target := e.resolve(p)
	tarball, err := archive.PackFile(path.Base(target), data, 0o644)
	if err != nil {
		return err
	}
	resp, err := e.call(ctx, GuestRequest{Op: OpWrite, Path: target, Data: tarball, CreateDirs: createDirs}, nil)
	if err != nil {
		return err
	}
	return fileError(p, resp)
}

// RemoveFile deletes p inside the guest.
func (e *guestEnv) RemoveFile(ctx context.Context, p string) error {
	resp, err := e.call(ctx, GuestRequest{Op: OpRemove, Path: e.resolve(p)}, nil)
	if err != nil {
		return err
	}
	return fileError(p, resp)
}

func fileError(p string, resp GuestResponse) error {
	switch {
	case resp.NotFound:
		return fmt.Errorf("%s: %w", p, os.ErrNotExist)
	case resp.TooLarge:
		return fmt.Errorf("%w: %s", capability.ErrFileTooLarge, resp.Error)
	case resp.Error != "":
		return fmt.Errorf("%s: %s", p, resp.Error)
	}
	return nil
}
