package capability

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/seantiz/sandboxd/internal/model"
)

// ShellOptions configures the shell executor.
type ShellOptions struct {
	MaxOutputSize   int      `mapstructure:"max_output_size"`
	BlockedCommands []string `mapstructure:"blocked_commands"`
}

// ShellExecutor runs a tokenized command as a subprocess of its environment.
// It does not interpose a shell: pipes and builtins are not interpreted.
type ShellExecutor struct {
	base
	opts ShellOptions
}

var shellSchema = Schema{
	{Name: "command", Type: TypeString, Types: []string{TypeString, TypeArray}, Required: true, Description: "Command line, or argument list"},
	{Name: "working_dir", Type: TypeString, Description: "Working directory"},
	{Name: "env", Type: TypeObject, Description: "Extra environment variables"},
	{Name: "timeout", Type: TypeNumber, Description: "Timeout in seconds"},
}

// NewShellExecutor builds a shell executor from cfg.
func NewShellExecutor(cfg model.CapabilityConfig) (Capability, error) {
	var opts ShellOptions
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.MaxOutputSize == 0 {
		opts.MaxOutputSize = DefaultMaxOutputSize
	}
	if opts.BlockedCommands == nil {
		opts.BlockedCommands = slices.Clone(DefaultBlockedCommands)
	}
	return &ShellExecutor{base: newBase(NameShell, cfg, shellSchema), opts: opts}, nil
}

// Validate checks params and rejects blocked leading commands.
func (s *ShellExecutor) Validate(params map[string]any) error {
	if err := s.schema.Validate(params); err != nil {
		return err
	}
	argv, err := commandArgv(params["command"])
	if err != nil {
		return err
	}
	return s.checkBlocked(argv[0])
}

// Execute tokenizes and runs the command.
func (s *ShellExecutor) Execute(ctx context.Context, env Environment, params map[string]any) model.Outcome {
	start := time.Now()
	if err := s.Validate(params); err != nil {
		return s.tagged(model.Failed(fmt.Sprintf("Shell execution failed: %v", err), nil, start))
	}

	argv, _ := commandArgv(params["command"])
	out, err := RunCommand(ctx, env, CommandRequest{
		Argv:          argv,
		Timeout:       s.effectiveTimeout(secondsParam(params, "timeout")),
		WorkingDir:    stringParam(params, "working_dir", ""),
		Env:           stringMapParam(params, "env"),
		MaxOutputSize: s.opts.MaxOutputSize,
	})
	if err != nil {
		return s.tagged(model.Failed(fmt.Sprintf("Shell execution failed: %v", err), nil, start))
	}
	return s.tagged(out)
}

func (s *ShellExecutor) checkBlocked(cmd string) error {
	name := filepath.Base(cmd)
	if slices.Contains(s.opts.BlockedCommands, name) || slices.Contains(s.opts.BlockedCommands, cmd) {
		return &PolicyError{Subject: cmd, Reason: "command is blocked"}
	}
	return nil
}

// commandArgv turns a string or list command into an argument vector.
func commandArgv(v any) ([]string, error) {
	var argv []string
	switch c := v.(type) {
	case string:
		tokens, err := shlex.Split(c)
		if err != nil {
			return nil, &ValidationError{Field: "command", Message: fmt.Sprintf("cannot be tokenized: %v", err)}
		}
		argv = tokens
	case []string:
		argv = c
	case []any:
		for _, a := range c {
			argv = append(argv, fmt.Sprint(a))
		}
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, &ValidationError{Field: "command", Message: "cannot be empty"}
	}
	return argv, nil
}

// CommandRequest is a typed command execution request.
type CommandRequest struct {
	Argv          []string
	Timeout       time.Duration
	WorkingDir    string
	Env           map[string]string
	MaxOutputSize int
	OnLine        func(stream, line string)
}

// RunCommand runs req.Argv in env under a hard wall-clock timeout.
// Nonzero exits become error outcomes and timeouts become timeout outcomes.
// Only infrastructure failures of the environment are returned as errors.
func RunCommand(ctx context.Context, env Environment, req CommandRequest) (model.Outcome, error) {
	start := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOut := req.MaxOutputSize
	if maxOut == 0 {
		maxOut = DefaultMaxOutputSize
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := env.Run(runCtx, RunSpec{
		Argv:   req.Argv,
		Env:    req.Env,
		Dir:    req.WorkingDir,
		OnLine: req.OnLine,
	})

	stdout := string(res.Stdout)
	stderr := string(res.Stderr)
	result := map[string]any{
		"output":      truncate(combine(stdout, stderr), maxOut),
		"stdout":      stdout,
		"stderr":      stderr,
		"return_code": res.ExitCode,
	}

	if err != nil {
		if out, ok := contextOutcome(runCtx.Err(), timeout, "Command", result, start); ok {
			return out, nil
		}
		return model.Outcome{}, err
	}

	if res.ExitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("command exited with code %d", res.ExitCode)
		}
		return model.Failed(msg, result, start), nil
	}
	return model.Succeeded(result, start), nil
}
