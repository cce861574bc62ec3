package reclaim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
	"github.com/sushant-115/foliocache/core/page_cache/mapping"
	"github.com/sushant-115/foliocache/core/page_cache/writeback"
	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
	internaltelemetry "github.com/sushant-115/foliocache/internal/telemetry"
)

// ScannerConfig wires a Scanner. Store and Shadows may be nil: without a
// store dirty folios are never evicted, without shadows no refaults are
// detected.
type ScannerConfig struct {
	List     *List
	Registry *mapping.Registry
	Store    backingstore.Store
	Shadows  *Shadows
	Logger   *zap.Logger
	Metrics  *internaltelemetry.CacheMetrics
}

// Scanner evicts folios from the back of a reclaim list with a second
// chance policy. It also serves as the direct reclaimer of the lookup engine.
type Scanner struct {
	list     *List
	registry *mapping.Registry
	store    backingstore.Store
	shadows  *Shadows
	logger   *zap.Logger
	metrics  *internaltelemetry.CacheMetrics

	// mu serializes scans; concurrent scans would only rotate each other's
	// candidates.
	mu      sync.Mutex
	evicted atomic.Uint64
}

func NewScanner(cfg ScannerConfig) *Scanner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		list:     cfg.List,
		registry: cfg.Registry,
		store:    cfg.Store,
		shadows:  cfg.Shadows,
		logger:   logger.Named("scanner"),
		metrics:  cfg.Metrics,
	}
}

// Reclaim evicts folios until at least want pages are freed or the list has
// been walked twice. Dirty folios of noWriteback are not written back, so a
// writer allocating for that container never waits on its own writeback;
// its clean folios are still evicted. It returns the pages freed.
func (s *Scanner) Reclaim(ctx context.Context, want int, noWriteback *mapping.Mapping) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	freed := 0
	budget := 2 * s.list.Len()
	for ; freed < want && budget > 0; budget-- {
		if ctx.Err() != nil {
			break
		}
		f := s.list.Back()
		if f == nil {
			break
		}
		freed += s.scanOne(ctx, f, noWriteback)
	}
	if freed > 0 {
		s.metrics.Evicted(ctx, freed)
	}
	s.logger.Debug("Reclaim scan finished",
		zap.Int("want", want),
		zap.Int("freed", freed),
		zap.Int("remaining", s.list.NrPages()))
	return freed
}

// Shrink evicts until at most keep pages remain on the list or nothing more
// can be evicted.
func (s *Scanner) Shrink(ctx context.Context, keep int) int {
	total := 0
	for {
		excess := s.list.NrPages() - keep
		if excess <= 0 {
			return total
		}
		n := s.Reclaim(ctx, excess, nil)
		if n == 0 {
			return total
		}
		total += n
	}
}

func (s *Scanner) scanOne(ctx context.Context, f *folio.Folio, noWriteback *mapping.Mapping) int {
	if f.ClearFlag(folio.FlagReferenced) || f.ClearFlag(folio.FlagActive) {
		s.list.Rotate(f)
		return 0
	}
	if f.IsLocked() || f.IsWriteback() {
		s.list.Rotate(f)
		return 0
	}
	if f.IsDirty() {
		skip := noWriteback != nil && f.Mapping() == noWriteback.ID()
		if skip || s.store == nil || !f.TryGet() {
			s.list.Rotate(f)
			return 0
		}
		_, err := writeback.WriteFolio(ctx, s.store, f, writeback.NoWait)
		f.Put()
		if err != nil {
			s.logger.Warn("Writeback before eviction failed",
				zap.Uint64("mapping", uint64(f.Mapping())),
				zap.Uint64("offset", f.Index()),
				zap.Error(err))
			s.list.Rotate(f)
			return 0
		}
	}

	if err := s.list.Isolate(f); err != nil {
		if !errors.Is(err, cacheerrors.ErrNotEligible) {
			s.logger.Error("Isolation failed", zap.Error(err))
		}
		s.metrics.IsolateFailed(ctx)
		s.list.Rotate(f)
		return 0
	}
	return s.EvictIsolated(f)
}

// Evicted returns the pages evicted so far.
func (s *Scanner) Evicted() uint64 { return s.evicted.Load() }

// EvictIsolated removes an isolated folio from its mapping, leaves a shadow
// entry and frees it, returning the pages freed. The caller owns the frozen
// mapping reference. A folio whose mapping no longer holds it is put back.
func (s *Scanner) EvictIsolated(f *folio.Folio) int {
	m, ok := s.registry.Lookup(f.Mapping())
	if !ok || !m.Remove(f.Index(), f) {
		s.list.Putback(f)
		return 0
	}
	if s.shadows != nil {
		s.shadows.Record(f)
	}
	pages := f.Span()
	f.ReleaseFrozen()
	s.evicted.Add(uint64(pages))
	return pages
}
