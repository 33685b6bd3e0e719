package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/vocalis/internal/calibration"
)

// ErrStoreNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested store name.
var ErrStoreNotRegistered = errors.New("config: store not registered")

// StoreFactory builds a calibration store from its config entry. ctx bounds
// any connection work done at construction time.
type StoreFactory func(ctx context.Context, entry StoreEntry) (calibration.Store, error)

// Registry maps store names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]StoreFactory)}
}

// Register registers a store factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// Names returns the registered store names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create instantiates a store using the factory registered under entry.Name.
// Returns [ErrStoreNotRegistered] if no factory has been registered for that
// name.
func (r *Registry) Create(ctx context.Context, entry StoreEntry) (calibration.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStoreNotRegistered, entry.Name)
	}
	s, err := factory(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("config: create store %q: %w", entry.Name, err)
	}
	return s, nil
}
