// Package capability defines the named, independently configurable
// operations (code execution, commands, file I/O) that run inside a context,
// the registry that constructs them, and the shared security policy they
// enforce.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/sandboxd/internal/model"
)

// Built-in capability names.
const (
	NameStarlark   = "starlark_executor"
	NamePython     = "python_executor"
	NameShell      = "shell_executor"
	NameFileReader = "file_reader"
	NameFileWriter = "file_writer"
)

// DefaultTimeout bounds a capability run when neither the call nor the
// capability config sets one.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotRegistered is returned when a capability name has no constructor.
	ErrNotRegistered = errors.New("capability not registered")

	// ErrPolicyDenied marks operations blocked by configuration.
	ErrPolicyDenied = errors.New("denied by policy")

	// ErrFileTooLarge is returned by environments when a file exceeds the
	// requested size ceiling.
	ErrFileTooLarge = errors.New("file exceeds size limit")
)

// Capability is a named operation that runs against an Environment.
// Execute never returns domain failures as Go errors: bad input, nonzero
// exits and policy denials are all encoded in the outcome.
type Capability interface {
	Name() string
	Schema() Schema
	Enabled() bool
	Timeout() time.Duration

	// Validate checks params against the schema and static policy before any
	// side effect. It returns a *ValidationError or *PolicyError.
	Validate(params map[string]any) error

	Execute(ctx context.Context, env Environment, params map[string]any) model.Outcome
}

// CodeRunner is implemented by capabilities that execute source code.
type CodeRunner interface {
	Capability
	RunCode(ctx context.Context, env Environment, req CodeRequest) model.Outcome
}

// CodeRequest is a typed code execution request.
type CodeRequest struct {
	Code       string
	Timeout    time.Duration
	WorkingDir string
	Env        map[string]string
}

// ValidationError reports a malformed or missing parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("parameter %q %s", e.Field, e.Message)
}

// PolicyError reports an operation blocked by the capability's policy.
type PolicyError struct {
	Subject string
	Reason  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Subject, e.Reason)
}

// Unwrap lets callers match policy denials with errors.Is(err, ErrPolicyDenied).
func (e *PolicyError) Unwrap() error { return ErrPolicyDenied }

// base carries the fields every capability shares.
type base struct {
	name    string
	enabled bool
	timeout time.Duration
	schema  Schema
}

func newBase(name string, cfg model.CapabilityConfig, schema Schema) base {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return base{
		name:    name,
		enabled: cfg.IsEnabled(),
		timeout: timeout,
		schema:  schema,
	}
}

func (b *base) Name() string           { return b.name }
func (b *base) Schema() Schema         { return b.schema }
func (b *base) Enabled() bool          { return b.enabled }
func (b *base) Timeout() time.Duration { return b.timeout }

// effectiveTimeout picks the per-call timeout when set, else the configured one.
func (b *base) effectiveTimeout(call time.Duration) time.Duration {
	if call > 0 {
		return call
	}
	return b.timeout
}

// tagged stamps the capability name onto an outcome.
func (b *base) tagged(o model.Outcome) model.Outcome {
	o.Tool = b.name
	return o
}

// contextOutcome translates a context error into a timeout or cancelled
// outcome. ok is false when err is not a context error.
func contextOutcome(err error, timeout time.Duration, what string, result any, start time.Time) (model.Outcome, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.TimedOut(fmt.Sprintf("%s timed out after %g seconds", what, timeout.Seconds()), result, start), true
	case errors.Is(err, context.Canceled):
		return model.Cancelled(what+" cancelled", start), true
	}
	return model.Outcome{}, false
}
