// Package mapping indexes the folios of one container by offset and keeps the
// registry of open containers.
package mapping

import (
	"slices"
	"sync"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
)

// ID identifies a container.
type ID = folio.MappingID

// Mapping is the per-container index. A folio spanning several pages
// occupies one slot per page, all pointing at the same folio. Lookups take
// the shared lock; insertions and removals take it exclusively.
type Mapping struct {
	id ID

	mu     sync.RWMutex
	slots  map[uint64]*folio.Folio
	folios int
	pages  int
	closed bool
}

// New creates an empty mapping.
func New(id ID) *Mapping {
	return &Mapping{
		id:    id,
		slots: make(map[uint64]*folio.Folio),
	}
}

func (m *Mapping) ID() ID { return m.id }

// Find returns the folio covering offset. The result carries no reference;
// callers must TryGet it and recheck before use.
func (m *Mapping) Find(offset uint64) (*folio.Folio, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.slots[offset]
	return f, ok
}

// Holds reports whether offset still maps to f.
func (m *Mapping) Holds(offset uint64, f *folio.Folio) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[offset] == f
}

// InsertIfAbsent indexes f at offset, which must be f's head index, if every
// slot of its span is free. The mapping takes its own reference on success.
// Otherwise it returns the folio occupying offset, or the first occupant found
// inside the span. A closed mapping inserts nothing and returns no occupant.
func (m *Mapping) InsertIfAbsent(offset uint64, f *folio.Folio) (inserted bool, existing *folio.Folio) {
	if offset != f.Index() || f.Mapping() != m.id {
		cacheerrors.Invariant("insert of folio %d:%d into mapping %d at offset %d", f.Mapping(), f.Index(), m.id, offset)
	}
	if !folio.Fits(f.Index(), f.Order()) {
		cacheerrors.Invariant("insert of folio %d:%d of order %d wraps the offset range", f.Mapping(), f.Index(), f.Order())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, nil
	}
	if occupant, ok := m.slots[offset]; ok {
		return false, occupant
	}
	for off := f.Index() + 1; off < f.End(); off++ {
		if occupant, ok := m.slots[off]; ok {
			return false, occupant
		}
	}
	f.Get()
	for off := f.Index(); off < f.End(); off++ {
		m.slots[off] = f
	}
	m.folios++
	m.pages += f.Span()
	return true, nil
}

// Remove unindexes f if every slot it occupies still points at it, marking it
// invalid first so that concurrent lookups holding a speculative reference
// back off. The caller inherits the mapping's reference.
func (m *Mapping) Remove(offset uint64, f *folio.Folio) bool {
	if !f.Contains(offset) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for off := f.Index(); off < f.End(); off++ {
		if m.slots[off] != f {
			return false
		}
	}
	f.SetFlag(folio.FlagInvalid)
	for off := f.Index(); off < f.End(); off++ {
		delete(m.slots, off)
	}
	m.folios--
	m.pages -= f.Span()
	return true
}

// Len returns the number of indexed folios.
func (m *Mapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.folios
}

// NrPages returns the number of indexed pages.
func (m *Mapping) NrPages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pages
}

// Folios returns a snapshot of the indexed folios ordered by index. Entries
// carry no reference.
func (m *Mapping) Folios() []*folio.Folio {
	m.mu.RLock()
	out := make([]*folio.Folio, 0, m.folios)
	for off, f := range m.slots {
		if off == f.Index() {
			out = append(out, f)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *folio.Folio) int {
		switch {
		case a.Index() < b.Index():
			return -1
		case a.Index() > b.Index():
			return 1
		}
		return 0
	})
	return out
}

// Offsets returns the head index of every indexed folio in ascending order.
func (m *Mapping) Offsets() []uint64 {
	folios := m.Folios()
	out := make([]uint64, len(folios))
	for i, f := range folios {
		out[i] = f.Index()
	}
	return out
}

// Range calls fn on a snapshot of the folios in index order until it returns false.
func (m *Mapping) Range(fn func(*folio.Folio) bool) {
	for _, f := range m.Folios() {
		if !fn(f) {
			return
		}
	}
}

// CountDirty returns the number of dirty folios.
func (m *Mapping) CountDirty() int {
	n := 0
	m.Range(func(f *folio.Folio) bool {
		if f.IsDirty() {
			n++
		}
		return true
	})
	return n
}

// Close stops further insertions. Existing folios stay indexed until removed.
func (m *Mapping) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *Mapping) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
