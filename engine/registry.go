package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentbridge/core"
)

// Registry maps engine identifiers to adapters. Register all adapters at
// process start, before serving the first request; after that the registry
// is read-only and lookups need no locking beyond the internal RWMutex kept
// as a guard against misuse.
//
// Pass the registry explicitly to the session manager rather than reaching
// for a package-level singleton; the wiring layer owns its lifetime.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an adapter under its descriptor ID. Registering a duplicate
// or empty ID is a wiring bug and returns an error rather than overwriting.
func (r *Registry) Register(e Engine) error {
	desc := e.Descriptor()
	if desc.ID == "" {
		return fmt.Errorf("engine descriptor has empty ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[desc.ID]; exists {
		return fmt.Errorf("engine %q already registered", desc.ID)
	}
	r.engines[desc.ID] = e
	return nil
}

// Resolve returns the adapter for the identifier or core.ErrUnknownEngine.
func (r *Registry) Resolve(engineID string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[engineID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownEngine, engineID)
	}
	return e, nil
}

// Descriptors returns capability metadata for all registered engines sorted
// by ID, for discovery surfaces (engine pickers, diagnostics).
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.engines))
	for _, e := range r.engines {
		descs = append(descs, e.Descriptor())
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	return descs
}
