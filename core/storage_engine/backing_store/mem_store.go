package backingstore

import (
	"context"
	"sync"

	"github.com/sushant-115/foliocache/core/page_cache/folio"
)

type pageKey struct {
	id    folio.MappingID
	index uint64
}

// MemStore is an in-memory, swap-like store. Pages never written read back
// as zeroes.
type MemStore struct {
	pageSize int
	stable   bool

	mu    sync.RWMutex
	pages map[pageKey][]byte

	populates, persists int64
}

func NewMemStore(pageSize int, stableWrites bool) *MemStore {
	return &MemStore{
		pageSize: pageSize,
		stable:   stableWrites,
		pages:    make(map[pageKey][]byte),
	}
}

func (s *MemStore) StableWrites() bool { return s.stable }

func (s *MemStore) Populate(ctx context.Context, f *folio.Folio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.populates++
	for _, p := range f.Pages() {
		dst := p.Data()
		if src, ok := s.pages[pageKey{f.Mapping(), p.Index()}]; ok {
			copy(dst, src)
		} else {
			clear(dst)
		}
	}
	return nil
}

func (s *MemStore) Persist(ctx context.Context, f *folio.Folio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	for _, p := range f.Pages() {
		key := pageKey{f.Mapping(), p.Index()}
		buf, ok := s.pages[key]
		if !ok {
			buf = make([]byte, s.pageSize)
			s.pages[key] = buf
		}
		copy(buf, p.Data())
	}
	return nil
}

// Page returns a copy of the stored page.
func (s *MemStore) Page(id folio.MappingID, index uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.pages[pageKey{id, index}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf...), true
}

// Counts returns the number of Populate and Persist calls served.
func (s *MemStore) Counts() (populates, persists int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.populates, s.persists
}

func (s *MemStore) Remove(id folio.MappingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.pages {
		if key.id == id {
			delete(s.pages, key)
		}
	}
	return nil
}
