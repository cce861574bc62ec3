package reclaim

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sushant-115/foliocache/core/page_cache/folio"
)

// DefaultShadowEntries bounds the shadow table when no size is configured.
const DefaultShadowEntries = 4096

type shadowKey struct {
	mapping folio.MappingID
	index   uint64
}

// Shadows remembers recently evicted folios together with the value of the
// eviction clock at the time. When a folio is recreated at the same place,
// the clock distance tells whether it was evicted too early.
type Shadows struct {
	entries *lru.Cache[shadowKey, uint64]
	clock   atomic.Uint64
}

func NewShadows(size int) (*Shadows, error) {
	if size <= 0 {
		size = DefaultShadowEntries
	}
	entries, err := lru.New[shadowKey, uint64](size)
	if err != nil {
		return nil, err
	}
	return &Shadows{entries: entries}, nil
}

// Record advances the eviction clock by the folio's pages and leaves a
// shadow entry at its head index.
func (s *Shadows) Record(f *folio.Folio) {
	now := s.clock.Add(uint64(f.Span()))
	s.entries.Add(shadowKey{f.Mapping(), f.Index()}, now)
}

// Refault consumes the shadow entry at (id, index) and reports whether the
// pages evicted since then number no more than workingSet.
func (s *Shadows) Refault(id folio.MappingID, index uint64, workingSet int) bool {
	key := shadowKey{id, index}
	evictedAt, ok := s.entries.Peek(key)
	if !ok {
		return false
	}
	s.entries.Remove(key)
	return s.clock.Load()-evictedAt <= uint64(workingSet)
}

// Forget drops the shadow entries of a container that went away.
func (s *Shadows) Forget(id folio.MappingID) int {
	n := 0
	for _, key := range s.entries.Keys() {
		if key.mapping == id && s.entries.Remove(key) {
			n++
		}
	}
	return n
}

func (s *Shadows) Len() int { return s.entries.Len() }

// Clock returns the number of pages evicted so far.
func (s *Shadows) Clock() uint64 { return s.clock.Load() }
