package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/sandboxd/internal/model"
)

var (
	// ErrNotStarted is returned when an operation needs a ready context.
	ErrNotStarted = errors.New("context not started")

	// ErrUnsupportedLanguage is returned by ExecuteCode for unknown languages.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrCapabilityDisabled is returned when an operation needs a capability
	// that was not enabled when the context started.
	ErrCapabilityDisabled = errors.New("capability not enabled")

	// ErrInvalidTransition is returned by SetStatus for moves the status
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownType is returned by Registry.Create for unregistered types.
	ErrUnknownType = errors.New("unknown backend type")
)

// Backend is one isolated execution context. Infrastructure failures are
// returned as errors; failures of the caller's code or command are reported
// in the returned outcome.
type Backend interface {
	ID() string
	Type() string
	Status() model.Status
	Info() model.ContextInfo

	// Start provisions the resource, waits for it to become ready and
	// initializes the enabled capabilities. On failure the status is Error.
	Start(ctx context.Context) error

	// Stop shuts the resource down gracefully. Stopping twice is a no-op.
	Stop(ctx context.Context) error

	// Cleanup releases the resource. Failures are logged, not returned.
	Cleanup(ctx context.Context)

	ExecuteCode(ctx context.Context, code, language string, opts ExecOptions) (model.Outcome, error)
	ExecuteCommand(ctx context.Context, command string, opts ExecOptions) (model.Outcome, error)
	ReadFile(ctx context.Context, path string, opts FileOptions) (model.Outcome, error)
	WriteFile(ctx context.Context, path string, content []byte, opts FileOptions) (model.Outcome, error)
	ExecuteCapability(ctx context.Context, name string, params map[string]any) (model.Outcome, error)

	// Capabilities lists the capabilities enabled in this context.
	Capabilities() []string
}

// Code languages accepted by ExecuteCode.
const (
	LanguagePython   = "python"
	LanguageStarlark = "starlark"
)

// ExecOptions tunes a single code or command execution.
type ExecOptions struct {
	Timeout    time.Duration
	WorkingDir string
	Env        map[string]string

	// OnLine receives command output lines as they are produced.
	OnLine func(stream, line string)
}

// FileOptions tunes a single file read or write. Content passed to
// WriteFile is raw bytes when Binary is set and UTF-8 text otherwise.
type FileOptions struct {
	Encoding   string
	Binary     bool
	CreateDirs bool
}

// Error is an infrastructure failure of a backend operation.
type Error struct {
	Op        string
	ContextID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.ContextID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
