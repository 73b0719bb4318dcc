package connector

import (
	"fmt"
	"sync"

	"github.com/reown-com/appkit-go/caip"
)

// Registry is the catalog of available connectors. Registration order is
// preserved per namespace because it drives default display order.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Descriptor
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Descriptor),
	}
}

// Register adds a descriptor, overwriting any existing entry with the same
// ID. An overwrite keeps the original registration position.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("register connector: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.byID[d.ID] = d
	return nil
}

// Get returns the descriptor for id. An unknown id is an integrator error,
// signalled with ErrConnectorNotFound.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrConnectorNotFound, id)
	}
	return d, nil
}

// ListByNamespace returns all descriptors for the namespace in
// registration order.
func (r *Registry) ListByNamespace(namespace caip.Namespace) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, id := range r.order {
		d := r.byID[id]
		if d.Namespace == namespace || d.Type == TypeMultiChain {
			out = append(out, d)
		}
	}
	return out
}

// RemoveByNamespace deletes every connector registered for the namespace.
// Used when the host application tears down support for a chain.
func (r *Registry) RemoveByNamespace(namespace caip.Namespace) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	for _, id := range r.order {
		if r.byID[id].Namespace == namespace {
			delete(r.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Len returns the number of registered connectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
