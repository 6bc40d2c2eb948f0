package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnavailable is returned when a capability is not in the caller's available set
	ErrUnavailable = errors.New("capability unavailable")
	// ErrSignature is returned when the registered handler has different input/output types
	ErrSignature = errors.New("capability signature mismatch")
)

// Handler is the typed function behind a capability name
type Handler[In, Out any] func(ctx context.Context, in In) (Out, error)

type entry struct {
	name        string
	description string
	handler     interface{}
}

// Registry maps capability names to typed handlers.
// It is the host's live view of what can be invoked by name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry)}
}

// Register installs a handler under name, replacing any previous one
func Register[In, Out any](reg *Registry, name, description string, fn func(context.Context, In) (Out, error)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.handlers[name] = entry{name: name, description: description, handler: Handler[In, Out](fn)}
}

// Clone returns an independent copy of the registry
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Registry{handlers: make(map[string]entry, len(r.handlers))}
	for name, e := range r.handlers {
		out.handlers[name] = e
	}
	return out
}

// Merge installs every handler of other into r, replacing same-named ones
func (r *Registry) Merge(other *Registry) {
	if other == r {
		return
	}
	other.mu.RLock()
	staged := make(map[string]entry, len(other.handlers))
	for name, e := range other.handlers {
		staged[name] = e
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range staged {
		r.handlers[name] = e
	}
}

// Has reports whether a handler is registered under name
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered capability names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the description a handler was registered with
func (r *Registry) Describe(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name].description
}

// Invoke calls the named capability if it is in set and registered with matching types
func Invoke[In, Out any](ctx context.Context, set AvailableSet, reg *Registry, name string, in In) (Out, error) {
	var zero Out

	if !set.Has(name) {
		return zero, fmt.Errorf("%s: %w", name, ErrUnavailable)
	}

	reg.mu.RLock()
	e, ok := reg.handlers[name]
	reg.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%s: %w", name, ErrUnavailable)
	}

	fn, ok := e.handler.(Handler[In, Out])
	if !ok {
		return zero, fmt.Errorf("%s: %w: got %T", name, ErrSignature, e.handler)
	}

	return fn(ctx, in)
}
