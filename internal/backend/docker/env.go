package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/seantiz/sandboxd/internal/archive"
	"github.com/seantiz/sandboxd/internal/capability"
)

// containerEnv runs processes with docker exec and moves files as
// single-file tar archives.
type containerEnv struct {
	api     API
	id      string
	workDir string
}

var _ capability.Environment = (*containerEnv)(nil)

func (e *containerEnv) WorkDir() string { return e.workDir }

func (e *containerEnv) resolve(p string) string {
	if p == "" {
		return e.workDir
	}
	if !path.IsAbs(p) {
		p = path.Join(e.workDir, p)
	}
	return path.Clean(p)
}

// Run executes argv in the container and demultiplexes its output.
func (e *containerEnv) Run(ctx context.Context, spec capability.RunSpec) (capability.RunResult, error) {
	if len(spec.Argv) == 0 {
		return capability.RunResult{}, errors.New("empty command")
	}

	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}

	created, err := e.api.ContainerExecCreate(ctx, e.id, container.ExecOptions{
		Cmd:          spec.Argv,
		Env:          env,
		WorkingDir:   e.resolve(spec.Dir),
		AttachStdin:  len(spec.Stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return capability.RunResult{}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := e.api.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return capability.RunResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	if len(spec.Stdin) > 0 {
		if _, err := attach.Conn.Write(spec.Stdin); err != nil {
			return capability.RunResult{}, fmt.Errorf("write exec stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return capability.RunResult{}, fmt.Errorf("close exec stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	outW, errW := io.Writer(&stdout), io.Writer(&stderr)
	var lines []*capability.LineWriter
	if spec.OnLine != nil {
		lo := capability.NewLineWriter(capability.StreamStdout, spec.OnLine)
		le := capability.NewLineWriter(capability.StreamStderr, spec.OnLine)
		lines = append(lines, lo, le)
		outW = io.MultiWriter(&stdout, lo)
		errW = io.MultiWriter(&stderr, le)
	}
	_, copyErr := stdcopy.StdCopy(outW, errW, attach.Reader)
	for _, lw := range lines {
		lw.Flush()
	}

	res := capability.RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("exec %s: %w", spec.Argv[0], ctxErr)
	}
	if copyErr != nil {
		return res, fmt.Errorf("read exec output: %w", copyErr)
	}

	code, err := e.exitCode(ctx, created.ID)
	if err != nil {
		return res, err
	}
	res.ExitCode = code
	return res, nil
}

// exitCode waits briefly for the exec to be reported finished; the output
// stream can close before the daemon records the exit.
func (e *containerEnv) exitCode(ctx context.Context, execID string) (int, error) {
	for range 50 {
		inspect, err := e.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return -1, errors.New("exec still running after its output closed")
}

// ReadFile copies path out of the container.
func (e *containerEnv) ReadFile(ctx context.Context, p string, maxSize int64) ([]byte, error) {
	rc, stat, err := e.api.CopyFromContainer(ctx, e.id, p)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", p, os.ErrNotExist)
		}
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if maxSize > 0 && stat.Size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", capability.ErrFileTooLarge, stat.Size, maxSize)
	}

	_, data, err := archive.UnpackFile(rc, maxSize)
	if err != nil {
		if errors.Is(err, archive.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %w", capability.ErrFileTooLarge, err)
		}
		return nil, err
	}
	return data, nil
}

// WriteFile packs data and copies it into the parent directory of p.
func (e *containerEnv) WriteFile(ctx context.Context, p string, data []byte, createDirs bool) error {
	dir := path.Dir(p)
	if createDirs {
		res, err := e.Run(ctx, capability.RunSpec{Argv: []string{"mkdir", "-p", dir}})
		if err != nil {
			return fmt.Errorf("create parent dirs: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("create parent dirs: %s", bytes.TrimSpace(res.Stderr))
		}
	}

	tarball, err := archive.PackFile(path.Base(p), data, 0o644)
	if err != nil {
		return err
	}
	if err := e.api.CopyToContainer(ctx, e.id, dir, bytes.NewReader(tarball), container.CopyToContainerOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("directory %s: %w", dir, os.ErrNotExist)
		}
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// RemoveFile deletes p inside the container.
func (e *containerEnv) RemoveFile(ctx context.Context, p string) error {
	res, err := e.Run(ctx, capability.RunSpec{Argv: []string{"rm", "-f", p}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rm %s: %s", p, bytes.TrimSpace(res.Stderr))
	}
	return nil
}
