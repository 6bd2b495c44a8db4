package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

// Deps are the collaborators a factory hands to a new backend.
type Deps struct {
	Capabilities *capability.Registry
	Logger       *slog.Logger
}

// Factory constructs an unstarted backend for a context.
type Factory func(id string, cfg model.Config, deps Deps) (Backend, error)

// Registry maps backend type tags to factories. It is populated explicitly
// at process start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the given type tag.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Create constructs an unstarted backend of type typ.
func (r *Registry) Create(typ, id string, cfg model.Config, deps Deps) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if deps.Capabilities == nil {
		deps.Capabilities = capability.DefaultRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return f(id, cfg, deps)
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types returns the registered type tags sorted by name for a stable API
// response.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
