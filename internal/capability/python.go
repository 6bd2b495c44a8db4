package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/sandboxd/internal/model"
)

// PythonOptions configures the delegated Python executor.
type PythonOptions struct {
	Interpreter    string   `mapstructure:"interpreter"`
	MaxOutputSize  int      `mapstructure:"max_output_size"`

	// BlockedModules are refused by a static scan and by an __import__
	// hook in the driver. importlib and sys.modules get around both.
	BlockedModules []string `mapstructure:"blocked_modules"`
}

// DefaultBlockedModules are refused by the Python executor unless overridden.
var DefaultBlockedModules = []string{"ctypes", "multiprocessing", "socket", "subprocess"}

// resultMarker prefixes the driver's final JSON line.
const resultMarker = "__SANDBOX_RESULT__"

var driverTemplate = template.Must(template.New("driver").Parse(`import ast, base64, builtins, contextlib, io, json, sys, traceback

_blocked = set(json.loads({{printf "%q" .Blocked}}))
_real_import = builtins.__import__

def _guarded_import(name, *args, **kwargs):
    if name.split(".")[0] in _blocked:
        raise ImportError("Module '%s' is not allowed" % name)
    return _real_import(name, *args, **kwargs)

_source = base64.b64decode("{{.Code}}").decode("utf-8")
_out, _err = io.StringIO(), io.StringIO()
_status, _value, _error = "success", None, None
try:
    _tree = ast.parse(_source, "<sandbox>", "exec")
    _last = None
    if _tree.body and isinstance(_tree.body[-1], ast.Expr):
        _last = ast.Expression(_tree.body.pop().value)
    _globals = {"__name__": "__main__"}
    builtins.__import__ = _guarded_import
    try:
        with contextlib.redirect_stdout(_out), contextlib.redirect_stderr(_err):
            exec(compile(_tree, "<sandbox>", "exec"), _globals)
            if _last is not None:
                _value = eval(compile(_last, "<sandbox>", "eval"), _globals)
    finally:
        builtins.__import__ = _real_import
except SyntaxError as e:
    _status, _error = "error", "Syntax error: %s" % e
except BaseException as e:
    _status, _error = "error", "%s: %s" % (type(e).__name__, e)
    _err.write(traceback.format_exc())
try:
    json.dumps(_value)
except (TypeError, ValueError):
    _value = repr(_value)
sys.stdout.write("\n{{.Marker}}" + json.dumps({
    "status": _status,
    "stdout": _out.getvalue(),
    "stderr": _err.getvalue(),
    "return_value": _value,
    "error": _error,
}) + "\n")
`))

type driverData struct {
	Code    string
	Blocked string
	Marker  string
}

type driverResult struct {
	Status      string `json:"status"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ReturnValue any    `json:"return_value"`
	Error       string `json:"error"`
}

var importPattern = regexp.MustCompile(`(?m)^\s*(?:from\s+([\w.]+)\s+import|import\s+([\w.,\s]+))`)

// PythonExecutor runs Python source through a driver script inside the
// environment, so the code executes wherever the environment lives.
type PythonExecutor struct {
	base
	opts PythonOptions
}

var _ CodeRunner = (*PythonExecutor)(nil)

// NewPythonExecutor builds a Python executor from cfg.
func NewPythonExecutor(cfg model.CapabilityConfig) (Capability, error) {
	var opts PythonOptions
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.MaxOutputSize == 0 {
		opts.MaxOutputSize = DefaultMaxOutputSize
	}
	if opts.BlockedModules == nil {
		opts.BlockedModules = slices.Clone(DefaultBlockedModules)
	}
	return &PythonExecutor{base: newBase(NamePython, cfg, codeSchema), opts: opts}, nil
}

// Validate checks params and rejects imports of blocked modules.
func (p *PythonExecutor) Validate(params map[string]any) error {
	if err := p.schema.Validate(params); err != nil {
		return err
	}
	return p.checkImports(stringParam(params, "code", ""))
}

func (p *PythonExecutor) checkImports(code string) error {
	for _, m := range importPattern.FindAllStringSubmatch(code, -1) {
		names := []string{m[1]}
		if m[1] == "" {
			names = strings.Split(m[2], ",")
		}
		for _, name := range names {
			fields := strings.Fields(name)
			if len(fields) == 0 {
				continue
			}
			root := strings.SplitN(fields[0], ".", 2)[0]
			if slices.Contains(p.opts.BlockedModules, root) {
				return &PolicyError{Subject: root, Reason: "module is not allowed"}
			}
		}
	}
	return nil
}

// Execute runs the code named by params.
func (p *PythonExecutor) Execute(ctx context.Context, env Environment, params map[string]any) model.Outcome {
	if err := p.Validate(params); err != nil {
		return p.tagged(model.Failed(fmt.Sprintf("Code execution failed: %v", err), nil, time.Now()))
	}
	return p.RunCode(ctx, env, CodeRequest{
		Code:       stringParam(params, "code", ""),
		Timeout:    secondsParam(params, "timeout"),
		WorkingDir: stringParam(params, "working_dir", ""),
		Env:        stringMapParam(params, "env"),
	})
}

// RunCode writes the driver to a temporary file in env, runs it and parses
// the JSON line it prints last. The file is removed afterwards.
func (p *PythonExecutor) RunCode(ctx context.Context, env Environment, req CodeRequest) model.Outcome {
	start := time.Now()
	fail := func(err error) model.Outcome {
		return p.tagged(model.Failed(fmt.Sprintf("Code execution failed: %v", err), nil, start))
	}
	if err := p.checkImports(req.Code); err != nil {
		return fail(err)
	}

	script, err := p.render(req.Code)
	if err != nil {
		return fail(err)
	}

	dir := req.WorkingDir
	if dir == "" {
		dir = env.WorkDir()
	}
	scriptPath := path.Join(dir, ".sandbox_"+uuid.NewString()+".py")
	if err := env.WriteFile(ctx, scriptPath, script, true); err != nil {
		return fail(fmt.Errorf("write driver: %w", err))
	}
	defer func() {
		// The run context may already be done.
		_ = env.RemoveFile(context.WithoutCancel(ctx), scriptPath)
	}()

	timeout := p.effectiveTimeout(req.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, runErr := env.Run(runCtx, RunSpec{
		Argv: []string{p.opts.Interpreter, scriptPath},
		Env:  req.Env,
		Dir:  dir,
	})
	if runErr != nil {
		partial := p.result(string(res.Stdout), string(res.Stderr), nil)
		if out, ok := contextOutcome(runCtx.Err(), timeout, "Code execution", partial, start); ok {
			return p.tagged(out)
		}
		return fail(runErr)
	}

	dr, ok := parseDriverOutput(res.Stdout)
	if !ok {
		stderr := strings.TrimSpace(string(res.Stderr))
		if stderr == "" {
			stderr = fmt.Sprintf("interpreter exited with code %d", res.ExitCode)
		}
		return p.tagged(model.Failed(stderr, p.result(string(res.Stdout), string(res.Stderr), nil), start))
	}

	result := p.result(dr.Stdout, dr.Stderr, dr.ReturnValue)
	if dr.Status != string(model.ExecSuccess) {
		return p.tagged(model.Failed(dr.Error, result, start))
	}
	return p.tagged(model.Succeeded(result, start))
}

func (p *PythonExecutor) render(code string) ([]byte, error) {
	blocked, err := json.Marshal(p.opts.BlockedModules)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = driverTemplate.Execute(&buf, driverData{
		Code:    base64.StdEncoding.EncodeToString([]byte(code)),
		Blocked: string(blocked),
		Marker:  resultMarker,
	})
	if err != nil {
		return nil, fmt.Errorf("render driver: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *PythonExecutor) result(stdout, stderr string, rv any) map[string]any {
	return map[string]any{
		"output":       truncate(combine(stdout, stderr), p.opts.MaxOutputSize),
		"stdout":       stdout,
		"stderr":       stderr,
		"return_value": rv,
	}
}

// parseDriverOutput finds the last marker line in stdout.
func parseDriverOutput(stdout []byte) (driverResult, bool) {
	lines := strings.Split(strings.TrimRight(string(stdout), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		payload, found := strings.CutPrefix(lines[i], resultMarker)
		if !found {
			continue
		}
		var dr driverResult
		if err := json.Unmarshal([]byte(payload), &dr); err != nil {
			return driverResult{}, false
		}
		return dr, true
	}
	return driverResult{}, false
}
