package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/seantiz/sandboxd/internal/model"
)

// StarlarkOptions configures the in-process code executor.
type StarlarkOptions struct {
	MaxOutputSize   int      `mapstructure:"max_output_size"`
	Modules         []string `mapstructure:"modules"`
	BlockedModules  []string `mapstructure:"blocked_modules"`
	AllowedBuiltins []string `mapstructure:"allowed_builtins"`
	BlockedBuiltins []string `mapstructure:"blocked_builtins"`
	MaxSteps        uint64   `mapstructure:"max_steps"`
}

// DefaultStarlarkBuiltins is the universe allow-list used when
// allowed_builtins is not configured. Introspection builtins (dir, getattr,
// hasattr) are left out.
var DefaultStarlarkBuiltins = []string{
	"abs", "all", "any", "bool", "bytes", "chr", "dict", "enumerate", "fail",
	"float", "hash", "int", "len", "list", "max", "min", "ord", "print",
	"range", "repr", "reversed", "set", "sorted", "str", "tuple", "type", "zip",
}

// alwaysAllowed universe names are constants, not builtins.
var alwaysAllowed = []string{"None", "True", "False"}

// starlarkModules are the loadable modules, keyed by load() name.
var starlarkModules = map[string]starlark.StringDict{
	"math":   {"math": starlarkmath.Module},
	"json":   {"json": starlarkjson.Module},
	"time":   {"time": starlarktime.Module},
	"struct": {"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)},
}

var starlarkFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

const (
	starlarkFile = "<sandbox>"

	// resultGlobal receives the value of a trailing expression statement.
	resultGlobal = "_sandbox_result"
)

// StarlarkExecutor evaluates Starlark source in process. Every run gets fresh
// globals and touches nothing outside the interpreter, so it behaves the same
// on every backend.
type StarlarkExecutor struct {
	base
	opts StarlarkOptions
}

var _ CodeRunner = (*StarlarkExecutor)(nil)

var codeSchema = Schema{
	{Name: "code", Type: TypeString, Required: true, Description: "Source code to execute"},
	{Name: "timeout", Type: TypeNumber, Description: "Timeout in seconds"},
	{Name: "working_dir", Type: TypeString, Description: "Working directory"},
	{Name: "env", Type: TypeObject, Description: "Extra environment variables"},
}

// NewStarlarkExecutor builds a Starlark executor from cfg.
func NewStarlarkExecutor(cfg model.CapabilityConfig) (Capability, error) {
	var opts StarlarkOptions
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.MaxOutputSize == 0 {
		opts.MaxOutputSize = DefaultMaxOutputSize
	}
	if opts.AllowedBuiltins == nil {
		opts.AllowedBuiltins = slices.Clone(DefaultStarlarkBuiltins)
	}
	for _, m := range opts.Modules {
		if _, ok := starlarkModules[m]; !ok {
			return nil, fmt.Errorf("unknown starlark module %q", m)
		}
	}
	return &StarlarkExecutor{base: newBase(NameStarlark, cfg, codeSchema), opts: opts}, nil
}

// Validate checks params and rejects loads of blocked modules.
func (s *StarlarkExecutor) Validate(params map[string]any) error {
	if err := s.schema.Validate(params); err != nil {
		return err
	}
	return s.checkLoads(stringParam(params, "code", ""))
}

// checkLoads scans load statements. Source that does not parse passes:
// syntax errors surface as outcomes when the code runs.
func (s *StarlarkExecutor) checkLoads(code string) error {
	f, err := starlarkFileOptions.Parse(starlarkFile, code, 0)
	if err != nil {
		return nil
	}
	for _, stmt := range f.Stmts {
		load, ok := stmt.(*syntax.LoadStmt)
		if !ok {
			continue
		}
		if !s.moduleAllowed(load.ModuleName()) {
			return &PolicyError{Subject: load.ModuleName(), Reason: "module is not allowed"}
		}
	}
	return nil
}

func (s *StarlarkExecutor) moduleAllowed(name string) bool {
	return slices.Contains(s.opts.Modules, name) && !slices.Contains(s.opts.BlockedModules, name)
}

// Execute runs the code named by params.
func (s *StarlarkExecutor) Execute(ctx context.Context, env Environment, params map[string]any) model.Outcome {
	if err := s.Validate(params); err != nil {
		return s.tagged(model.Failed(fmt.Sprintf("Code execution failed: %v", err), nil, time.Now()))
	}
	return s.RunCode(ctx, env, CodeRequest{
		Code:       stringParam(params, "code", ""),
		Timeout:    secondsParam(params, "timeout"),
		WorkingDir: stringParam(params, "working_dir", ""),
		Env:        stringMapParam(params, "env"),
	})
}

// RunCode executes req.Code. When the last top-level statement is an
// expression its value is reported as return_value.
func (s *StarlarkExecutor) RunCode(ctx context.Context, _ Environment, req CodeRequest) model.Outcome {
	start := time.Now()
	if err := s.checkLoads(req.Code); err != nil {
		return s.tagged(model.Failed(fmt.Sprintf("Code execution failed: %v", err), nil, start))
	}
	timeout := s.effectiveTimeout(req.Timeout)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr strings.Builder
	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteByte('\n')
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			if !s.moduleAllowed(module) {
				return nil, fmt.Errorf("module %q is not allowed", module)
			}
			return starlarkModules[module], nil
		},
	}
	if s.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.opts.MaxSteps)
	}
	stop := context.AfterFunc(runCtx, func() { thread.Cancel(runCtx.Err().Error()) })
	defer stop()

	rv, err := s.eval(thread, req, &stderr)

	result := func(rv any) map[string]any {
		out, errOut := stdout.String(), stderr.String()
		return map[string]any{
			"output":       truncate(combine(out, errOut), s.opts.MaxOutputSize),
			"stdout":       out,
			"stderr":       errOut,
			"return_value": rv,
		}
	}

	if err != nil {
		if out, ok := contextOutcome(runCtx.Err(), timeout, "Code execution", result(nil), start); ok {
			return s.tagged(out)
		}
		var syntaxErr syntax.Error
		if errors.As(err, &syntaxErr) {
			return s.tagged(model.Failed(fmt.Sprintf("Syntax error: %v", syntaxErr), result(nil), start))
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			stderr.WriteString(evalErr.Backtrace())
			stderr.WriteByte('\n')
			return s.tagged(model.Failed(evalErr.Msg, result(nil), start))
		}
		return s.tagged(model.Failed(err.Error(), result(nil), start))
	}
	return s.tagged(model.Succeeded(result(toGo(rv)), start))
}

// eval runs the code once with fresh, unfrozen globals. A trailing
// expression is captured by rewriting it into an assignment, so it sees the
// same live state as the statements before it.
func (s *StarlarkExecutor) eval(thread *starlark.Thread, req CodeRequest, stderr *strings.Builder) (starlark.Value, error) {
	predeclared := s.predeclared(req.Env, stderr)

	f, err := starlarkFileOptions.Parse(starlarkFile, req.Code, 0)
	if err != nil {
		return nil, err
	}
	captured := captureTrailingExpr(f)

	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return nil, err
	}
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, err
	}
	if !captured {
		return starlark.None, nil
	}
	if v, ok := globals[resultGlobal]; ok {
		return v, nil
	}
	return starlark.None, nil
}

func (s *StarlarkExecutor) predeclared(env map[string]string, stderr *strings.Builder) starlark.StringDict {
	envDict := starlark.NewDict(len(env))
	for k, v := range env {
		_ = envDict.SetKey(starlark.String(k), starlark.String(v))
	}
	envDict.Freeze()

	d := starlark.StringDict{
		"env": envDict,
		"eprint": starlark.NewBuiltin("eprint", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				if str, ok := a.(starlark.String); ok {
					parts[i] = string(str)
				} else {
					parts[i] = a.String()
				}
			}
			stderr.WriteString(strings.Join(parts, " "))
			stderr.WriteByte('\n')
			return starlark.None, nil
		}),
	}
	// Predeclared names resolve before the universe, so shadowing a
	// universe name here removes it.
	for name := range starlark.Universe {
		if !s.builtinAllowed(name) {
			d[name] = disallowedBuiltin(name)
		}
	}
	return d
}

func (s *StarlarkExecutor) builtinAllowed(name string) bool {
	if slices.Contains(alwaysAllowed, name) {
		return true
	}
	return slices.Contains(s.opts.AllowedBuiltins, name) && !slices.Contains(s.opts.BlockedBuiltins, name)
}

func disallowedBuiltin(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		return nil, fmt.Errorf("%s is not allowed", b.Name())
	})
}

// captureTrailingExpr replaces a trailing expression statement with an
// assignment to resultGlobal. Positions are kept, so errors and tracebacks
// refer to the caller's own lines.
func captureTrailingExpr(f *syntax.File) bool {
	n := len(f.Stmts)
	if n == 0 {
		return false
	}
	last, ok := f.Stmts[n-1].(*syntax.ExprStmt)
	if !ok {
		return false
	}
	start, _ := last.X.Span()
	f.Stmts[n-1] = &syntax.AssignStmt{
		OpPos: start,
		Op:    syntax.EQ,
		LHS:   &syntax.Ident{NamePos: start, Name: resultGlobal},
		RHS:   last.X,
	}
	return true
}

// toGo converts a Starlark value into JSON-friendly Go data.
func toGo(v starlark.Value) any {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i
		}
		return x.String()
	case starlark.Float:
		return float64(x)
	case starlark.String:
		return string(x)
	case starlark.Bytes:
		return string(x)
	case *starlark.List:
		out := make([]any, x.Len())
		for i := range out {
			out[i] = toGo(x.Index(i))
		}
		return out
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = toGo(e)
		}
		return out
	case *starlark.Set:
		out := make([]any, 0, x.Len())
		it := x.Iterate()
		defer it.Done()
		var e starlark.Value
		for it.Next(&e) {
			out = append(out, toGo(e))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key := item[0].String()
			if s, ok := item[0].(starlark.String); ok {
				key = string(s)
			}
			out[key] = toGo(item[1])
		}
		return out
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err == nil {
				out[name] = toGo(attr)
			}
		}
		return out
	}
	return v.String()
}
