// Package filemap implements lookup and creation of folios in a mapping,
// together with the read, write-begin and invalidation paths built on it.
package filemap

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
	"github.com/sushant-115/foliocache/core/page_cache/mapping"
	"github.com/sushant-115/foliocache/core/page_cache/reclaim"
	"github.com/sushant-115/foliocache/core/storage_engine/allocator"
	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
	internaltelemetry "github.com/sushant-115/foliocache/internal/telemetry"
)

const (
	// DefaultMaxOrder caps folios at 16 pages.
	DefaultMaxOrder = 4
	// MaxOrderLimit is the largest order an engine accepts.
	MaxOrderLimit = 10
)

// Reclaimer frees memory when an allocation fails. Dirty folios of
// noWriteback must not be written back; its clean folios may be evicted.
type Reclaimer interface {
	Reclaim(ctx context.Context, pages int, noWriteback *mapping.Mapping) int
}

// Probe observes every lookup. It has no say in the result.
type Probe func(mapping, offset uint64, outcome string)

// Config wires an Engine. Allocator is required; everything else is optional.
type Config struct {
	MaxOrder  uint8
	Allocator allocator.Allocator
	List      *reclaim.List
	Shadows   *reclaim.Shadows
	Reclaimer Reclaimer
	Store     backingstore.Store
	Metrics   *internaltelemetry.CacheMetrics
	Probe     Probe
	Logger    *zap.Logger
	// OnDirty runs when MarkDirty turns a clean folio dirty.
	OnDirty func(f *folio.Folio)
}

// Stats counts lookup outcomes since the engine was created.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Created       uint64
	RaceLost      uint64
	WouldBlock    uint64
	AllocFailures uint64
	Refaults      uint64
}

// Engine resolves (mapping, offset) to a folio. It never performs I/O itself
// except in the explicit read path.
type Engine struct {
	maxOrder  uint8
	alloc     allocator.Allocator
	lru       *reclaim.List
	shadows   *reclaim.Shadows
	reclaimer Reclaimer
	store     backingstore.Store
	metrics   *internaltelemetry.CacheMetrics
	probe     Probe
	logger    *zap.Logger
	onDirty   func(f *folio.Folio)

	hits       atomic.Uint64
	misses     atomic.Uint64
	created    atomic.Uint64
	raceLost   atomic.Uint64
	wouldBlock atomic.Uint64
	allocFail  atomic.Uint64
	refaults   atomic.Uint64
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Allocator == nil {
		return nil, errors.New("filemap: allocator is required")
	}
	if cfg.MaxOrder > MaxOrderLimit {
		return nil, fmt.Errorf("filemap: max order %d exceeds %d", cfg.MaxOrder, MaxOrderLimit)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	list := cfg.List
	if list == nil {
		list = reclaim.NewList(logger)
	}
	return &Engine{
		maxOrder:  cfg.MaxOrder,
		alloc:     cfg.Allocator,
		lru:       list,
		shadows:   cfg.Shadows,
		reclaimer: cfg.Reclaimer,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		probe:     cfg.Probe,
		logger:    logger.Named("filemap"),
		onDirty:   cfg.OnDirty,
	}, nil
}

// List returns the reclaim list new folios are added to.
func (e *Engine) List() *reclaim.List { return e.lru }

// PageSize is the allocator's page size.
func (e *Engine) PageSize() int { return e.alloc.PageSize() }

func (e *Engine) Stats() Stats {
	return Stats{
		Hits:          e.hits.Load(),
		Misses:        e.misses.Load(),
		Created:       e.created.Load(),
		RaceLost:      e.raceLost.Load(),
		WouldBlock:    e.wouldBlock.Load(),
		AllocFailures: e.allocFail.Load(),
		Refaults:      e.refaults.Load(),
	}
}

type lookupState int

const (
	absent lookupState = iota
	found
	// busy covers folios that are frozen by isolation or being removed.
	busy
)

// lookup takes a reference on the folio at offset if it is live and still
// indexed there.
func (e *Engine) lookup(m *mapping.Mapping, offset uint64) (*folio.Folio, lookupState) {
	f, ok := m.Find(offset)
	if !ok {
		return nil, absent
	}
	if !f.TryGet() {
		return nil, busy
	}
	if f.IsInvalid() || !m.Holds(offset, f) {
		f.Put()
		return nil, busy
	}
	return f, found
}

// GetOrCreate returns the folio covering offset with a reference the caller
// must drop with Put. A miss without Create returns ErrMiss. A created folio
// is not uptodate; filling it is up to the caller.
func (e *Engine) GetOrCreate(ctx context.Context, m *mapping.Mapping, offset uint64, opts Options) (*folio.Folio, error) {
	f, outcome, err := e.getOrCreate(ctx, m, offset, opts.normalize())
	e.record(ctx, m, offset, outcome)
	return f, err
}

func (e *Engine) getOrCreate(ctx context.Context, m *mapping.Mapping, offset uint64, opts Options) (*folio.Folio, string, error) {
	if offset > folio.MaxIndex {
		return nil, internaltelemetry.OutcomeError, outOfRange(offset)
	}
	order := e.orderFor(offset, opts.SizeHint)
	reclaimed := false

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, internaltelemetry.OutcomeError, err
			}
		}

		f, state := e.lookup(m, offset)
		switch state {
		case found:
			if opts.Lock {
				if opts.NoWait {
					if !f.TryLock() {
						f.Put()
						e.wouldBlock.Add(1)
						return nil, internaltelemetry.OutcomeWouldBlock,
							fmt.Errorf("%w: folio %d:%d is locked", cacheerrors.ErrWouldBlock, m.ID(), f.Index())
					}
				} else {
					f.Lock()
				}
				// Invalidation may have won while we slept on the lock.
				if f.IsInvalid() || !m.Holds(offset, f) {
					f.Unlock()
					f.Put()
					continue
				}
			}
			if opts.Accessed {
				f.MarkAccessed()
			}
			e.hits.Add(1)
			return f, internaltelemetry.OutcomeHit, nil

		case busy:
			if opts.NoWait {
				e.wouldBlock.Add(1)
				return nil, internaltelemetry.OutcomeWouldBlock,
					fmt.Errorf("%w: offset %d of mapping %d is being reclaimed", cacheerrors.ErrWouldBlock, offset, m.ID())
			}
			if !opts.Create {
				e.misses.Add(1)
				return nil, internaltelemetry.OutcomeMiss, cacheerrors.ErrMiss
			}
			runtime.Gosched()
			continue
		}

		if !opts.Create {
			e.misses.Add(1)
			return nil, internaltelemetry.OutcomeMiss, cacheerrors.ErrMiss
		}
		if m.Closed() {
			return nil, internaltelemetry.OutcomeError, cacheerrors.ErrClosed
		}

		nf, err := e.allocFolio(ctx, m, offset, order, opts, &reclaimed)
		if err != nil {
			e.allocFail.Add(1)
			return nil, internaltelemetry.OutcomeAllocFail, err
		}
		inserted, existing := m.InsertIfAbsent(offset, nf)
		if inserted {
			e.added(ctx, m, nf)
			if opts.Accessed {
				nf.MarkAccessed()
			}
			if !opts.Lock {
				nf.Unlock()
			}
			e.created.Add(1)
			return nf, internaltelemetry.OutcomeCreated, nil
		}

		// Lost: the new folio was never visible, drop it.
		nf.Unlock()
		nf.Put()
		if existing == nil {
			return nil, internaltelemetry.OutcomeError, cacheerrors.ErrClosed
		}
		e.raceLost.Add(1)
		e.metrics.Lookup(ctx, internaltelemetry.OutcomeRaceLost)
		if nf.Order() > 0 && !existing.Contains(offset) {
			order = nf.Order() - 1
		}
	}
}

// orderFor rounds hint up to a power of two, caps it and shrinks it until
// offset is aligned to it and the folio ends before the offset range does.
func (e *Engine) orderFor(offset uint64, hint int) uint8 {
	if hint <= 1 {
		return 0
	}
	order := uint8(bits.Len(uint(hint - 1)))
	if order > e.maxOrder {
		order = e.maxOrder
	}
	for order > 0 && (offset&(1<<order-1) != 0 || !folio.Fits(offset, order)) {
		order--
	}
	return order
}

func outOfRange(offset uint64) error {
	return fmt.Errorf("%w: offset %d is past %d", cacheerrors.ErrOutOfRange, offset, folio.MaxIndex)
}

// allocFolio returns a locked, unindexed folio. Without NoWait a failed
// allocation falls back to smaller orders and then to one round of direct
// reclaim per lookup.
func (e *Engine) allocFolio(ctx context.Context, m *mapping.Mapping, offset uint64, order uint8, opts Options, reclaimed *bool) (*folio.Folio, error) {
	want := 1 << order
	for {
		buf, err := e.alloc.Alloc(allocator.Request{Pages: 1 << order, NoWait: opts.NoWait})
		if err == nil {
			f := folio.New(m.ID(), offset, order, buf, e.alloc.Free)
			f.Lock()
			return f, nil
		}
		if !errors.Is(err, cacheerrors.ErrAllocFailure) {
			err = fmt.Errorf("%w: %w", cacheerrors.ErrAllocFailure, err)
		}
		if opts.NoWait {
			return nil, err
		}
		if order > 0 {
			order--
			continue
		}
		if *reclaimed || e.reclaimer == nil {
			return nil, err
		}
		*reclaimed = true

		var noWriteback *mapping.Mapping
		if opts.WriteBegin {
			noWriteback = m
		}
		freed := e.reclaimer.Reclaim(ctx, want, noWriteback)
		e.logger.Debug("Direct reclaim after allocation failure",
			zap.Uint64("mapping", uint64(m.ID())),
			zap.Uint64("offset", offset),
			zap.Int("want", want),
			zap.Int("freed", freed))
		if freed == 0 {
			return nil, err
		}
	}
}

// added finishes the insertion of f: it goes on the reclaim list and is
// flagged as part of the working set if it was evicted recently.
func (e *Engine) added(ctx context.Context, m *mapping.Mapping, f *folio.Folio) {
	e.lru.Add(f)
	if e.shadows != nil && e.shadows.Refault(m.ID(), f.Index(), e.lru.NrPages()) {
		f.SetFlag(folio.FlagWorkingset)
		f.MarkAccessed()
		e.refaults.Add(1)
		e.metrics.Refault(ctx)
	}
}

func (e *Engine) record(ctx context.Context, m *mapping.Mapping, offset uint64, outcome string) {
	e.metrics.Lookup(ctx, outcome)
	if e.probe != nil {
		e.probe(uint64(m.ID()), offset, outcome)
	}
	if outcome == internaltelemetry.OutcomeMiss {
		if ce := e.logger.Check(zap.DebugLevel, "Folio lookup missed"); ce != nil {
			ce.Write(zap.Uint64("mapping", uint64(m.ID())), zap.Uint64("offset", offset))
		}
	}
}

// NewFolio allocates an unlocked, unindexed folio for AddFolio.
func (e *Engine) NewFolio(ctx context.Context, m *mapping.Mapping, offset uint64, hint int, noWait bool) (*folio.Folio, error) {
	if offset > folio.MaxIndex {
		return nil, outOfRange(offset)
	}
	reclaimed := false
	f, err := e.allocFolio(ctx, m, offset, e.orderFor(offset, hint), Options{NoWait: noWait}, &reclaimed)
	if err != nil {
		e.allocFail.Add(1)
		return nil, err
	}
	f.Unlock()
	return f, nil
}

// AddFolio indexes a folio the caller allocated at offset, its head index.
// On success the folio is on the reclaim list and the caller keeps its
// reference; lock tells whether it is returned locked. If the offset is
// taken, AddFolio returns ErrExists and leaves f untouched.
func (e *Engine) AddFolio(ctx context.Context, m *mapping.Mapping, f *folio.Folio, offset uint64, lock bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Index() != offset || f.Mapping() != m.ID() {
		return cacheerrors.AssertionFailed("add of folio %d:%d at %d:%d", f.Mapping(), f.Index(), m.ID(), offset)
	}
	if !folio.Fits(offset, f.Order()) {
		return outOfRange(f.Index() + uint64(f.Span()) - 1)
	}
	wasLocked := f.IsLocked()
	if !wasLocked {
		f.Lock()
	}
	inserted, existing := m.InsertIfAbsent(offset, f)
	if !inserted {
		if !wasLocked {
			f.Unlock()
		}
		if existing == nil {
			return cacheerrors.ErrClosed
		}
		return fmt.Errorf("%w: folio %d:%d covers offset %d", cacheerrors.ErrExists, m.ID(), existing.Index(), offset)
	}
	e.added(ctx, m, f)
	if !lock {
		f.Unlock()
	}
	e.created.Add(1)
	e.record(ctx, m, offset, internaltelemetry.OutcomeCreated)
	return nil
}

// ReadFolio returns an uptodate, unlocked folio covering offset, filling it
// from the store when needed. On a store failure the folio stays cached but
// not uptodate, with its error flag set, and a later call retries the read.
func (e *Engine) ReadFolio(ctx context.Context, m *mapping.Mapping, offset uint64, hint int) (*folio.Folio, error) {
	f, err := e.GetOrCreate(ctx, m, offset, Options{Create: true, Lock: true, Accessed: true, SizeHint: hint})
	if err != nil {
		return nil, err
	}
	err = func() error {
		defer f.Unlock()
		if f.IsUptodate() {
			return nil
		}
		if e.store == nil {
			return cacheerrors.ErrNoStore
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.Populate(ctx, f); err != nil {
			f.SetFlag(folio.FlagError)
			return cacheerrors.IO(err, "populate")
		}
		f.ClearFlag(folio.FlagError)
		f.MarkUptodate()
		return nil
	}()
	if err != nil {
		e.logger.Warn("Folio read failed",
			zap.Uint64("mapping", uint64(m.ID())),
			zap.Uint64("offset", offset),
			zap.Error(err))
		f.Put()
		return nil, err
	}
	return f, nil
}

// GrabForWrite returns the folio covering offset locked for a write, waiting
// for writeback first when the store needs stable pages.
func (e *Engine) GrabForWrite(ctx context.Context, m *mapping.Mapping, offset uint64, hint int) (*folio.Folio, error) {
	f, err := e.GetOrCreate(ctx, m, offset, ForWriteBegin(hint))
	if err != nil {
		return nil, err
	}
	if e.store != nil {
		f.WaitStable(e.store.StableWrites())
	}
	return f, nil
}

// MarkDirty marks f dirty and notifies the OnDirty hook on the clean to
// dirty transition.
func (e *Engine) MarkDirty(f *folio.Folio) bool {
	if !f.MarkDirty() {
		return false
	}
	if e.onDirty != nil {
		e.onDirty(f)
	}
	return true
}

// Invalidate removes the folio whose head is at offset, discarding dirty
// data. It waits for the folio lock, for a writeback in flight and for a
// reclaim in progress. It reports whether a folio was removed.
func (e *Engine) Invalidate(ctx context.Context, m *mapping.Mapping, offset uint64) (bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		f, state := e.lookup(m, offset)
		switch state {
		case absent:
			return false, nil
		case busy:
			runtime.Gosched()
			continue
		}
		if f.Index() != offset {
			f.Put()
			return false, nil
		}
		var removed bool
		f.RunLocked(func() { removed = e.remove(m, f) })
		f.Put()
		if removed {
			return true, nil
		}
	}
}

// remove unindexes a locked folio and drops the mapping's reference.
func (e *Engine) remove(m *mapping.Mapping, f *folio.Folio) bool {
	f.WaitWriteback()
	if !m.Holds(f.Index(), f) {
		return false
	}
	f.ClearDirtyForIO()
	onList := e.lru.Del(f)
	if !m.Remove(f.Index(), f) {
		if onList {
			e.lru.Add(f)
		}
		return false
	}
	f.Put()
	return true
}

// Truncate removes every folio whose head is at or past from and returns the
// pages removed. A folio starting before from stays whole.
func (e *Engine) Truncate(ctx context.Context, m *mapping.Mapping, from uint64) (int, error) {
	pages := 0
	for _, f := range m.Folios() {
		if f.Index() < from {
			continue
		}
		span := f.Span()
		removed, err := e.Invalidate(ctx, m, f.Index())
		if err != nil {
			return pages, err
		}
		if removed {
			pages += span
		}
	}
	if pages > 0 {
		e.logger.Debug("Mapping truncated",
			zap.Uint64("mapping", uint64(m.ID())),
			zap.Uint64("from", from),
			zap.Int("pages", pages))
	}
	return pages, nil
}
