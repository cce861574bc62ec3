package mapping

import (
	"slices"
	"sync"
)

// Registry owns the mappings of one cache. Folios link back to their mapping
// through Lookup by id.
type Registry struct {
	mu       sync.RWMutex
	mappings map[ID]*Mapping
}

func NewRegistry() *Registry {
	return &Registry{mappings: make(map[ID]*Mapping)}
}

// Open returns the mapping for id, creating it on first use.
func (r *Registry) Open(id ID) *Mapping {
	r.mu.RLock()
	m, ok := r.mappings[id]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock
	if m, ok = r.mappings[id]; ok {
		return m
	}
	m = New(id)
	r.mappings[id] = m
	return m
}

// Lookup returns the open mapping for id.
func (r *Registry) Lookup(id ID) (*Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[id]
	return m, ok
}

// Close unregisters id and closes its mapping. The caller is responsible for
// truncating the returned mapping.
func (r *Registry) Close(id ID) (*Mapping, bool) {
	r.mu.Lock()
	m, ok := r.mappings[id]
	delete(r.mappings, id)
	r.mu.Unlock()
	if ok {
		m.Close()
	}
	return m, ok
}

// All returns the open mappings ordered by id.
func (r *Registry) All() []*Mapping {
	r.mu.RLock()
	out := make([]*Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Mapping) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}
