package store

import (
	"reflect"
	"sync"
)

/*
Registry hands out one shared Store per element type.

Nothing in this module uses a package-level table. A host application that wants
"one store per type for the whole process" creates a Registry and passes it around.
*/
type Registry struct {
	mu     sync.Mutex
	stores map[reflect.Type]purger
}

type purger interface {
	Purge() int
}

// NewRegistry returns a Registry with no stores.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[reflect.Type]purger)}
}

// For returns the Store for T, creating it on first use.
func For[T any](r *Registry) *Store[T] {
	t := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[t]; ok {
		return s.(*Store[T])
	}
	s := New[T]()
	r.stores[t] = s
	return s
}

// PurgeAll clears every store in the registry.
func (r *Registry) PurgeAll() int {
	r.mu.Lock()
	stores := make([]purger, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range stores {
		n += s.Purge()
	}
	return n
}
