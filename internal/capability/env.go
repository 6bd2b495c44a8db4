package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Environment is the isolated surface a capability acts on. Each backend
// supplies one bound to its resource. Errors are infrastructure failures;
// a nonzero exit is reported in RunResult, not as an error.
type Environment interface {
	// Run executes argv and waits for it. When ctx ends first, Run returns
	// an error wrapping ctx.Err().
	Run(ctx context.Context, spec RunSpec) (RunResult, error)

	// ReadFile returns the contents of path. A maxSize above zero makes
	// larger files fail with an error wrapping ErrFileTooLarge.
	ReadFile(ctx context.Context, path string, maxSize int64) ([]byte, error)

	// WriteFile replaces path with data, creating parent directories first
	// when createDirs is set.
	WriteFile(ctx context.Context, path string, data []byte, createDirs bool) error

	// RemoveFile deletes path. Missing files are not an error.
	RemoveFile(ctx context.Context, path string) error

	// WorkDir is the directory relative paths resolve against.
	WorkDir() string
}

// RunSpec describes one process execution.
type RunSpec struct {
	Argv  []string
	Env   map[string]string
	Dir   string
	Stdin []byte

	// OnLine, when set, receives each output line as it is produced. It may
	// be called concurrently for the two streams.
	OnLine func(stream, line string)
}

// Output stream names passed to RunSpec.OnLine.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// RunResult is the captured result of a finished process.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// waitDelay bounds how long Run waits for output pipes after the process
// is killed, so grandchildren holding the pipes cannot hang a timeout.
const waitDelay = time.Second

// HostEnvironment runs processes and file operations directly on the host,
// rooted at Dir. It provides no isolation of its own.
type HostEnvironment struct {
	Dir string
}

var _ Environment = (*HostEnvironment)(nil)

// WorkDir returns the host directory relative paths resolve against.
func (h *HostEnvironment) WorkDir() string { return h.Dir }

// Run spawns argv as a host subprocess with the merged environment.
func (h *HostEnvironment) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if len(spec.Argv) == 0 {
		return RunResult{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = h.Dir
	if spec.Dir != "" {
		cmd.Dir = Resolve(spec.Dir, h.Dir)
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	outW, errW := io.Writer(&stdout), io.Writer(&stderr)
	var lineWriters []*LineWriter
	if spec.OnLine != nil {
		lo := NewLineWriter(StreamStdout, spec.OnLine)
		le := NewLineWriter(StreamStderr, spec.OnLine)
		lineWriters = append(lineWriters, lo, le)
		outW = io.MultiWriter(&stdout, lo)
		errW = io.MultiWriter(&stderr, le)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err := cmd.Run()
	for _, lw := range lineWriters {
		lw.Flush()
	}

	res := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", spec.Argv[0], ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", spec.Argv[0], err)
	}
	return res, nil
}

// ReadFile reads a host file, enforcing maxSize before reading.
func (h *HostEnvironment) ReadFile(_ context.Context, path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(path)
}

// WriteFile writes a host file.
func (h *HostEnvironment) WriteFile(_ context.Context, path string, data []byte, createDirs bool) error {
	if createDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent dirs: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// RemoveFile deletes a host file.
func (h *HostEnvironment) RemoveFile(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LineWriter splits a byte stream into lines for RunSpec.OnLine.
type LineWriter struct {
	stream string
	emit   func(stream, line string)
	buf    bytes.Buffer
}

// NewLineWriter returns a writer that calls emit once per complete line.
func NewLineWriter(stream string, emit func(stream, line string)) *LineWriter {
	return &LineWriter{stream: stream, emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.emit(w.stream, line[:len(line)-1])
	}
}

// Flush emits any trailing partial line.
func (w *LineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emit(w.stream, w.buf.String())
		w.buf.Reset()
	}
}
