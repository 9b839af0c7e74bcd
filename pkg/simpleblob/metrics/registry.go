package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// Registry indexes the metrics stores of every blob store by name.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s *Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[s.Name()]; exists {
		return fmt.Errorf("metrics for store %s already registered", s.Name())
	}
	r.stores[s.Name()] = s
	return nil
}

// Unregister removes the store named name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, name)
}

// Get returns the current metrics of the store named name.
func (r *Registry) Get(name string) (simpleblob.AggregateMetrics, bool) {
	s, ok := r.Store(name)
	if !ok {
		return simpleblob.AggregateMetrics{}, false
	}
	return s.Current(), true
}

// Store returns the metrics store named name.
func (r *Registry) Store(name string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	return s, ok
}

// Names returns the registered store names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the current metrics of every store.
func (r *Registry) Snapshot() map[string]simpleblob.AggregateMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]simpleblob.AggregateMetrics, len(r.stores))
	for name, s := range r.stores {
		out[name] = s.Current()
	}
	return out
}

// Start runs the flush loop of every registered store and blocks until ctx is done
// and each loop has made its final flush.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	stores := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			s.Start(ctx)
		}(s)
	}
	wg.Wait()
}
