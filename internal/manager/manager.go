package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
	"github.com/seantiz/sandboxd/internal/store"
)

var (
	// ErrNotFound is returned when no context has the requested id.
	ErrNotFound = errors.New("context not found")

	// ErrAlreadyExists is returned when a caller-chosen id is taken.
	ErrAlreadyExists = errors.New("context already exists")
)

// CreateError reports a context that could not be created. Whatever the
// backend provisioned has already been cleaned up.
type CreateError struct {
	Type string
	ID   string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create %s context %s: %v", e.Type, e.ID, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// Default option values.
const (
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultErrorGrace          = time.Hour
	DefaultMaxAge              = 24 * time.Hour
	DefaultShutdownConcurrency = 4
)

// historyTimeout bounds one history write.
const historyTimeout = 5 * time.Second

// Options tunes a Manager.
type Options struct {
	// DefaultType is the backend used when a create names none.
	DefaultType string

	// DefaultConfig fills fields a create request leaves unset.
	DefaultConfig model.Config

	CleanupInterval     time.Duration
	ErrorGrace          time.Duration
	MaxAge              time.Duration
	ShutdownConcurrency int

	// History receives one record per execution. Nil disables recording.
	History store.Store

	// PurgeHistory drops a context's history when it is deleted.
	PurgeHistory bool
}

// DefaultOptions returns the reclamation defaults with the docker backend
// as the default type.
func DefaultOptions() Options {
	return Options{
		DefaultType:         model.BackendDocker,
		DefaultConfig:       model.DefaultConfig(),
		CleanupInterval:     DefaultCleanupInterval,
		ErrorGrace:          DefaultErrorGrace,
		MaxAge:              DefaultMaxAge,
		ShutdownConcurrency: DefaultShutdownConcurrency,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultType == "" {
		o.DefaultType = d.DefaultType
	}
	o.DefaultConfig = o.DefaultConfig.WithDefaults(d.DefaultConfig)
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.ErrorGrace <= 0 {
		o.ErrorGrace = d.ErrorGrace
	}
	if o.MaxAge <= 0 {
		o.MaxAge = d.MaxAge
	}
	if o.ShutdownConcurrency <= 0 {
		o.ShutdownConcurrency = d.ShutdownConcurrency
	}
	return o
}

// Manager tracks live contexts in memory. It is safe for concurrent use.
type Manager struct {
	registry *backend.Registry
	deps     backend.Deps
	opts     Options
	logger   *slog.Logger
	broker   *OutputBroker
	now      func() time.Time

	mu       sync.RWMutex
	contexts map[string]backend.Backend
	pending  map[string]bool // ids reserved by in-flight creates

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a manager. Call Start to begin reclamation.
func New(reg *backend.Registry, deps backend.Deps, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Capabilities == nil {
		deps.Capabilities = capability.DefaultRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Manager{
		registry: reg,
		deps:     deps,
		opts:     opts.withDefaults(),
		logger:   logger,
		broker:   NewOutputBroker(),
		now:      time.Now,
		contexts: make(map[string]backend.Backend),
		pending:  make(map[string]bool),
	}
}

// Broker returns the broker command output is published to.
func (m *Manager) Broker() *OutputBroker {
	return m.broker
}

// DefaultType returns the backend used when a create names none.
func (m *Manager) DefaultType() string {
	return m.opts.DefaultType
}

// Registry returns the backend registry contexts are created from.
func (m *Manager) Registry() *backend.Registry {
	return m.registry
}

// Capabilities returns the capability registry handed to backends.
func (m *Manager) Capabilities() *capability.Registry {
	return m.deps.Capabilities
}

// History returns the execution history store, or nil.
func (m *Manager) History() store.Store {
	return m.opts.History
}

// Start launches the reclamation loop. Calling it again is a no-op.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.wg.Go(func() {
		m.reclaimLoop(ctx)
	})
	m.logger.Info("manager started",
		"cleanup_interval", m.opts.CleanupInterval.String(),
		"error_grace", m.opts.ErrorGrace.String(),
		"max_age", m.opts.MaxAge.String(),
	)
}

// Stop halts reclamation, waits for it to finish and deletes every context.
// It returns an error naming the contexts whose teardown failed.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	if m.running {
		m.cancel()
		m.running = false
	}
	m.runMu.Unlock()
	m.wg.Wait()

	ids := m.ids()
	if len(ids) == 0 {
		return nil
	}
	m.logger.Info("deleting contexts", "count", len(ids))

	var g errgroup.Group
	g.SetLimit(m.opts.ShutdownConcurrency)
	var (
		failMu sync.Mutex
		failed []string
	)
	for _, id := range ids {
		g.Go(func() error {
			if !m.DeleteContext(ctx, id) {
				failMu.Lock()
				failed = append(failed, id)
				failMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(failed) > 0 {
		slices.Sort(failed)
		return fmt.Errorf("delete contexts %v: teardown incomplete", failed)
	}
	return nil
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	return ids
}

// CreateContext constructs and starts a context of type typ. An empty typ
// selects the default backend and an empty id a generated one. The context
// is tracked only once it has started.
func (m *Manager) CreateContext(ctx context.Context, typ string, cfg model.Config, id string) (backend.Backend, error) {
	if typ == "" {
		typ = m.opts.DefaultType
	}
	cfg = cfg.WithDefaults(m.opts.DefaultConfig)
	if err := cfg.Validate(); err != nil {
		return nil, &capability.ValidationError{Field: "config", Message: err.Error()}
	}
	if id == "" {
		id = model.NewID()
	}
	if err := m.reserve(id); err != nil {
		return nil, err
	}
	defer m.release(id)

	logger := m.logger.With("context_id", id, "backend", typ)
	b, err := m.registry.Create(typ, id, cfg, m.deps)
	if err != nil {
		contextsCreatedTotal.WithLabelValues(typ, "failed").Inc()
		return nil, &CreateError{Type: typ, ID: id, Err: err}
	}

	start := time.Now()
	if err := b.Start(ctx); err != nil {
		contextsCreatedTotal.WithLabelValues(typ, "failed").Inc()
		logger.Error("context start failed", "error", err)
		b.Cleanup(context.WithoutCancel(ctx))
		return nil, &CreateError{Type: typ, ID: id, Err: err}
	}

	m.mu.Lock()
	m.contexts[id] = b
	activeContexts.Set(float64(len(m.contexts)))
	m.mu.Unlock()

	contextsCreatedTotal.WithLabelValues(typ, "ok").Inc()
	logger.Info("context created", "start_ms", time.Since(start).Milliseconds())
	return b, nil
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[id]; ok || m.pending[id] {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	m.pending[id] = true
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// GetContext returns the live context id.
func (m *Manager) GetContext(id string) (backend.Backend, error) {
	m.mu.RLock()
	b, ok := m.contexts[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b, nil
}

// SubscribeOutput subscribes to command output of the live context id. The
// channel is closed when the context is deleted. The lookup and subscription
// happen under one lock, so a concurrent delete cannot strand the
// subscriber.
func (m *Manager) SubscribeOutput(id string) (<-chan OutputLine, func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.contexts[id]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ch, unsub := m.broker.Subscribe(id)
	return ch, unsub, nil
}

// GetInfo returns a snapshot of context id.
func (m *Manager) GetInfo(id string) (model.ContextInfo, error) {
	b, err := m.GetContext(id)
	if err != nil {
		return model.ContextInfo{}, err
	}
	return b.Info(), nil
}

// List returns snapshots of every context, oldest first. A non-empty status
// keeps only contexts in that status.
func (m *Manager) List(status model.Status) []model.ContextInfo {
	m.mu.RLock()
	infos := make([]model.ContextInfo, 0, len(m.contexts))
	for _, b := range m.contexts {
		infos = append(infos, b.Info())
	}
	m.mu.RUnlock()

	if status != "" {
		infos = slices.DeleteFunc(infos, func(info model.ContextInfo) bool {
			return info.Status != status
		})
	}
	slices.SortFunc(infos, func(a, b model.ContextInfo) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return infos
}

// StopContext stops context id. It returns false when the context is
// unknown or its backend failed to stop.
func (m *Manager) StopContext(ctx context.Context, id string) bool {
	b, err := m.GetContext(id)
	if err != nil {
		return false
	}
	if err := b.Stop(ctx); err != nil {
		m.logger.Error("stop context", "context_id", id, "error", err)
		return false
	}
	return true
}

// DeleteContext stops and cleans up context id and forgets it. False means
// the id was unknown or part of the teardown failed; the context is
// forgotten either way.
func (m *Manager) DeleteContext(ctx context.Context, id string) bool {
	m.mu.Lock()
	b, ok := m.contexts[id]
	if ok {
		delete(m.contexts, id)
		activeContexts.Set(float64(len(m.contexts)))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	logger := m.logger.With("context_id", id, "backend", b.Type())
	clean := true
	if err := b.Stop(ctx); err != nil {
		logger.Error("stop during delete", "error", err)
		clean = false
	}
	b.Cleanup(ctx)
	m.broker.Close(id)

	if m.opts.PurgeHistory && m.opts.History != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		if _, err := m.opts.History.DeleteContextExecutions(hctx, id); err != nil {
			logger.Warn("purge history", "error", err)
		}
		cancel()
	}

	logger.Info("context deleted", "clean", clean)
	return clean
}

// Stats counts live contexts by status and backend type.
func (m *Manager) Stats() model.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := model.Stats{
		Total:    len(m.contexts),
		ByStatus: make(map[model.Status]int),
		ByType:   make(map[string]int),
	}
	for _, b := range m.contexts {
		stats.ByStatus[b.Status()]++
		stats.ByType[b.Type()]++
	}
	return stats
}

// ExecuteCode runs code in context id.
func (m *Manager) ExecuteCode(ctx context.Context, id, code, language string, opts backend.ExecOptions) (model.Outcome, error) {
	b, err := m.GetContext(id)
	if err != nil {
		return model.Outcome{}, err
	}
	o, err := b.ExecuteCode(ctx, code, language, opts)
	if err != nil {
		return o, err
	}
	m.record(ctx, id, model.KindCode, o)
	return o, nil
}

// ExecuteCommand runs command in context id, publishing each output line to
// the broker as well as to opts.OnLine.
func (m *Manager) ExecuteCommand(ctx context.Context, id, command string, opts backend.ExecOptions) (model.Outcome, error) {
	b, err := m.GetContext(id)
	if err != nil {
		return model.Outcome{}, err
	}

	onLine := opts.OnLine
	opts.OnLine = func(stream, line string) {
		m.broker.Publish(id, OutputLine{Stream: stream, Line: line})
		if onLine != nil {
			onLine(stream, line)
		}
	}

	o, err := b.ExecuteCommand(ctx, command, opts)
	if err != nil {
		return o, err
	}
	m.record(ctx, id, model.KindCommand, o)
	return o, nil
}

// ReadFile reads path from context id.
func (m *Manager) ReadFile(ctx context.Context, id, path string, opts backend.FileOptions) (model.Outcome, error) {
	b, err := m.GetContext(id)
	if err != nil {
		return model.Outcome{}, err
	}
	o, err := b.ReadFile(ctx, path, opts)
	if err != nil {
		return o, err
	}
	m.record(ctx, id, model.KindReadFile, o)
	return o, nil
}

// WriteFile writes content to path in context id.
func (m *Manager) WriteFile(ctx context.Context, id, path string, content []byte, opts backend.FileOptions) (model.Outcome, error) {
	b, err := m.GetContext(id)
	if err != nil {
		return model.Outcome{}, err
	}
	o, err := b.WriteFile(ctx, path, content, opts)
	if err != nil {
		return o, err
	}
	m.record(ctx, id, model.KindWriteFile, o)
	return o, nil
}

// ExecuteCapability runs the named capability in context id.
func (m *Manager) ExecuteCapability(ctx context.Context, id, name string, params map[string]any) (model.Outcome, error) {
	b, err := m.GetContext(id)
	if err != nil {
		return model.Outcome{}, err
	}
	o, err := b.ExecuteCapability(ctx, name, params)
	if err != nil {
		return o, err
	}
	if o.Tool == "" {
		o.Tool = name
	}
	m.record(ctx, id, model.KindCapability, o)
	return o, nil
}

// ListCapabilities returns the capabilities enabled in context id.
func (m *Manager) ListCapabilities(id string) ([]string, error) {
	b, err := m.GetContext(id)
	if err != nil {
		return nil, err
	}
	return b.Capabilities(), nil
}

// record writes an execution to history. Failures are logged only.
func (m *Manager) record(ctx context.Context, id, kind string, o model.Outcome) {
	executionsTotal.WithLabelValues(kind, string(o.Status)).Inc()
	if m.opts.History == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := m.opts.History.RecordExecution(ctx, model.NewExecution(id, kind, o.Tool, o)); err != nil {
		m.logger.Warn("record execution", "context_id", id, "kind", kind, "error", err)
	}
}

// WithContext creates a context, passes it to fn and deletes it when fn
// returns, whatever fn returns.
func WithContext(ctx context.Context, m *Manager, typ string, cfg model.Config, fn func(backend.Backend) error) error {
	b, err := m.CreateContext(ctx, typ, cfg, "")
	if err != nil {
		return err
	}
	defer m.DeleteContext(context.WithoutCancel(ctx), b.ID())
	return fn(b)
}
