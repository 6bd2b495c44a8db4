package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

// Sandbox holds the state every backend shares: identity, config, status,
// metadata and the capabilities enabled at start. Backends embed it and
// supply an Environment once their resource is provisioned.
type Sandbox struct {
	id     string
	typ    string
	cfg    model.Config
	logger *slog.Logger

	mu        sync.RWMutex
	status    model.Status
	createdAt time.Time
	updatedAt time.Time
	metadata  map[string]any
	caps      map[string]capability.Capability
	env       capability.Environment
	active    int
}

// NewSandbox creates shared state for a context in the Initializing status.
func NewSandbox(id, typ string, cfg model.Config, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := time.Now().UTC()
	return &Sandbox{
		id:        id,
		typ:       typ,
		cfg:       cfg,
		logger:    logger.With("context_id", id, "backend", typ),
		status:    model.StatusInitializing,
		createdAt: now,
		updatedAt: now,
		metadata:  make(map[string]any),
		caps:      make(map[string]capability.Capability),
	}
}

// ID returns the context identifier.
func (s *Sandbox) ID() string { return s.id }

// Type returns the backend type tag.
func (s *Sandbox) Type() string { return s.typ }

// Config returns the configuration the context was created with.
func (s *Sandbox) Config() model.Config { return s.cfg }

// Logger returns a logger carrying the context id and backend type.
func (s *Sandbox) Logger() *slog.Logger { return s.logger }

// Status returns the current status.
func (s *Sandbox) Status() model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus moves the context to status to. Setting the current status
// again is a no-op.
func (s *Sandbox) SetStatus(to model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(to)
}

func (s *Sandbox) setStatusLocked(to model.Status) error {
	if s.status == to {
		return nil
	}
	if !model.ValidTransition(s.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.status = to
	s.updatedAt = time.Now().UTC()
	return nil
}

// Fail records err in metadata and moves the context to Error when the
// status machine allows it.
func (s *Sandbox) Fail(err error) {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata["error"] = msg
	if err := s.setStatusLocked(model.StatusError); err != nil {
		s.logger.Warn("cannot mark context failed", "error", err, "cause", msg)
		return
	}
	s.logger.Error("context failed", "error", msg)
}

// SetMetadata stores a metadata value.
func (s *Sandbox) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
	s.updatedAt = time.Now().UTC()
}

// Metadata returns a metadata value.
func (s *Sandbox) Metadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}

// Info returns a snapshot of the context.
func (s *Sandbox) Info() model.ContextInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.ContextInfo{
		ID:           s.id,
		Status:       s.status,
		Type:         s.typ,
		Config:       s.cfg.Clone(),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
		Metadata:     maps.Clone(s.metadata),
		Capabilities: s.capabilityNamesLocked(),
	}
}

// SetEnvironment binds the surface capabilities act on. Backends call it
// once their resource is reachable.
func (s *Sandbox) SetEnvironment(env capability.Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = env
}

// InitCapabilities creates every registered capability the config leaves
// enabled. A capability whose constructor fails is logged and skipped.
func (s *Sandbox) InitCapabilities(reg *capability.Registry) {
	available := reg.ListAvailable()
	for name := range s.cfg.Capabilities {
		if !slices.Contains(available, name) {
			s.logger.Warn("configured capability is not registered", "capability", name)
		}
	}

	caps := make(map[string]capability.Capability, len(available))
	for _, name := range available {
		cfg := s.cfg.Capabilities[name]
		if !cfg.IsEnabled() {
			continue
		}
		c, err := reg.Create(name, cfg)
		if err != nil {
			s.logger.Warn("capability init failed", "capability", name, "error", err)
			continue
		}
		caps[name] = c
	}

	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
	s.logger.Debug("capabilities initialized", "capabilities", slices.Sorted(maps.Keys(caps)))
}

// Capabilities lists the enabled capability names, sorted.
func (s *Sandbox) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilityNamesLocked()
}

func (s *Sandbox) capabilityNamesLocked() []string {
	return slices.Sorted(maps.Keys(s.caps))
}

// Capability returns the enabled capability called name.
func (s *Sandbox) Capability(name string) (capability.Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caps[name]
	return c, ok
}

// Begin marks the context Running for the duration of one call. The
// returned func restores Ready once the last concurrent call finishes.
func (s *Sandbox) Begin(op string) (capability.Environment, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.env == nil || (s.status != model.StatusReady && s.status != model.StatusRunning) {
		return nil, nil, s.wrap(op, fmt.Errorf("%w (status %s)", ErrNotStarted, s.status))
	}
	if s.active == 0 {
		_ = s.setStatusLocked(model.StatusRunning)
	}
	s.active++

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.active--
			if s.active == 0 && s.status == model.StatusRunning {
				_ = s.setStatusLocked(model.StatusReady)
			}
		})
	}
	return s.env, done, nil
}

func (s *Sandbox) wrap(op string, err error) error {
	return &Error{Op: op, ContextID: s.id, Err: err}
}

// timeout picks the per-call timeout, falling back to the config.
func (s *Sandbox) timeout(call time.Duration) time.Duration {
	if call > 0 {
		return call
	}
	return s.cfg.Timeout.Std()
}

// ExecuteCommand runs command through sh -c in the environment.
func (s *Sandbox) ExecuteCommand(ctx context.Context, command string, opts ExecOptions) (model.Outcome, error) {
	const op = "execute_command"
	if command == "" {
		return model.Outcome{}, &capability.ValidationError{Field: "command", Message: "cannot be empty"}
	}
	env, done, err := s.Begin(op)
	if err != nil {
		return model.Outcome{}, err
	}
	defer done()

	out, err := capability.RunCommand(ctx, env, capability.CommandRequest{
		Argv:       []string{"sh", "-c", command},
		Timeout:    s.timeout(opts.Timeout),
		WorkingDir: opts.WorkingDir,
		Env:        s.cfg.MergeEnv(opts.Env),
		OnLine:     opts.OnLine,
	})
	if err != nil {
		return model.Outcome{}, s.wrap(op, err)
	}
	return out, nil
}

// RunCode runs code through the named code capability.
func (s *Sandbox) RunCode(ctx context.Context, capName, code string, opts ExecOptions) (model.Outcome, error) {
	const op = "execute_code"
	if code == "" {
		return model.Outcome{}, &capability.ValidationError{Field: "code", Message: "cannot be empty"}
	}
	c, ok := s.Capability(capName)
	runner, isRunner := c.(capability.CodeRunner)
	if !ok || !isRunner {
		return model.Outcome{}, s.wrap(op, fmt.Errorf("%w: %s", ErrCapabilityDisabled, capName))
	}
	env, done, err := s.Begin(op)
	if err != nil {
		return model.Outcome{}, err
	}
	defer done()

	return runner.RunCode(ctx, env, capability.CodeRequest{
		Code:       code,
		Timeout:    s.timeout(opts.Timeout),
		WorkingDir: opts.WorkingDir,
		Env:        s.cfg.MergeEnv(opts.Env),
	}), nil
}

// ReadFile reads path through the file_reader capability.
func (s *Sandbox) ReadFile(ctx context.Context, path string, opts FileOptions) (model.Outcome, error) {
	const op = "read_file"
	c, _ := s.Capability(capability.NameFileReader)
	reader, ok := c.(*capability.FileReader)
	if !ok {
		return model.Outcome{}, s.wrap(op, fmt.Errorf("%w: %s", ErrCapabilityDisabled, capability.NameFileReader))
	}
	env, done, err := s.Begin(op)
	if err != nil {
		return model.Outcome{}, err
	}
	defer done()

	return reader.Read(ctx, env, capability.ReadRequest{
		Path:     path,
		Encoding: opts.Encoding,
		Binary:   opts.Binary,
	}), nil
}

// WriteFile writes content to path through the file_writer capability.
func (s *Sandbox) WriteFile(ctx context.Context, path string, content []byte, opts FileOptions) (model.Outcome, error) {
	const op = "write_file"
	c, _ := s.Capability(capability.NameFileWriter)
	writer, ok := c.(*capability.FileWriter)
	if !ok {
		return model.Outcome{}, s.wrap(op, fmt.Errorf("%w: %s", ErrCapabilityDisabled, capability.NameFileWriter))
	}
	env, done, err := s.Begin(op)
	if err != nil {
		return model.Outcome{}, err
	}
	defer done()

	return writer.Write(ctx, env, capability.WriteRequest{
		Path:       path,
		Content:    content,
		Encoding:   opts.Encoding,
		Binary:     opts.Binary,
		CreateDirs: opts.CreateDirs,
	}), nil
}

// ExecuteCapability validates params and runs the named capability.
// Validation and policy failures are returned as *capability.ValidationError
// and *capability.PolicyError.
func (s *Sandbox) ExecuteCapability(ctx context.Context, name string, params map[string]any) (model.Outcome, error) {
	const op = "execute_capability"
	c, ok := s.Capability(name)
	if !ok {
		if _, known := s.cfg.Capabilities[name]; known {
			return model.Outcome{}, s.wrap(op, fmt.Errorf("%w: %s", ErrCapabilityDisabled, name))
		}
		return model.Outcome{}, fmt.Errorf("%w: %q", capability.ErrNotRegistered, name)
	}

	params = c.Schema().Apply(params)
	if err := c.Validate(params); err != nil {
		return model.Outcome{}, err
	}

	env, done, err := s.Begin(op)
	if err != nil {
		return model.Outcome{}, err
	}
	defer done()

	return c.Execute(ctx, env, params), nil
}

// WaitReady polls probe every interval until it reports ready, returns an
// error, or timeout elapses.
func WaitReady(ctx context.Context, interval, timeout time.Duration, probe func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ready, err := probe(ctx)
		if err == nil && ready {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("not ready after %s: %w", timeout, errors.Join(ctx.Err(), lastErr))
			}
			return fmt.Errorf("not ready after %s: %w", timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Readiness polling defaults.
const (
	ReadyInterval = 500 * time.Millisecond
	ReadyTimeout  = 30 * time.Second
)
