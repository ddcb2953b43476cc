package session

import (
	"sort"
	"sync"
)

// Registry looks up live contexts by worker id. It only indexes; each Context
// is still owned and driven by its worker.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]*Context)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the process-wide registry used when Options.Registry is nil.
func DefaultRegistry() *Registry { return defaultRegistry }

func (r *Registry) add(c *Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contexts[c.workerID]; exists {
		return false
	}
	r.contexts[c.workerID] = c
	return true
}

func (r *Registry) remove(c *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contexts[c.workerID] == c {
		delete(r.contexts, c.workerID)
	}
}

// Lookup returns the context registered for workerID.
func (r *Registry) Lookup(workerID string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[workerID]
	return c, ok
}

// Workers returns the registered worker ids, sorted.
func (r *Registry) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
