package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/sandboxd/internal/model"
)

// Constructor builds a capability instance from its per-context config.
type Constructor func(cfg model.CapabilityConfig) (Capability, error)

// Info describes a registered capability for listing endpoints.
type Info struct {
	Name   string `json:"name"`
	Schema Schema `json:"parameters"`
}

// Registry maps capability names to constructors. It is populated
// explicitly at process start.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry holding every built-in capability.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameStarlark, NewStarlarkExecutor)
	r.Register(NamePython, NewPythonExecutor)
	r.Register(NameShell, NewShellExecutor)
	r.Register(NameFileReader, NewFileReader)
	r.Register(NameFileWriter, NewFileWriter)
	return r
}

// Register adds a constructor under name, replacing any previous one.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Create builds the named capability.
func (r *Registry) Create(name string, cfg model.CapabilityConfig) (Capability, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	c, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("create capability %q: %w", name, err)
	}
	return c, nil
}

// ListAvailable returns the registered names sorted alphabetically.
func (r *Registry) ListAvailable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name and schema of every registered capability, built
// with default config.
func (r *Registry) Describe() []Info {
	var infos []Info
	for _, name := range r.ListAvailable() {
		c, err := r.Create(name, model.CapabilityConfig{})
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: name, Schema: c.Schema()})
	}
	return infos
}
