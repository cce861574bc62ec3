// Package pagecache assembles the page cache: folio lookup and creation,
// writeback, reclaim and the backing store, behind one handle-based API.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/filemap"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
	"github.com/sushant-115/foliocache/core/page_cache/mapping"
	"github.com/sushant-115/foliocache/core/page_cache/reclaim"
	"github.com/sushant-115/foliocache/core/page_cache/writeback"
	"github.com/sushant-115/foliocache/core/storage_engine/allocator"
	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
	commonutils "github.com/sushant-115/foliocache/internal/common_utils"
	internaltelemetry "github.com/sushant-115/foliocache/internal/telemetry"
	"github.com/sushant-115/foliocache/pkg/telemetry"
)

// Options is re-exported so callers need not import the engine package.
type Options = filemap.Options

// ForWriteBegin is filemap.ForWriteBegin.
func ForWriteBegin(hint int) Options { return filemap.ForWriteBegin(hint) }

// Stats is a point in time snapshot of the cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Created       uint64
	RaceLost      uint64
	WouldBlock    uint64
	AllocFailures uint64
	Refaults      uint64
	Evicted       uint64
	Writebacks    uint64
	WriteErrors   uint64

	ResidentPages int
	DirtyFolios   int
	Containers    int
	ShadowEntries int
}

// Cache is a page cache over one backing store.
type Cache struct {
	cfg    Config
	logger *zap.Logger

	registry *mapping.Registry
	alloc    allocator.Allocator
	list     *reclaim.List
	shadows  *reclaim.Shadows
	scanner  *reclaim.Scanner
	flusher  *writeback.Flusher
	engine   *filemap.Engine
	store    backingstore.Store
	metrics  *internaltelemetry.CacheMetrics

	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds a cache over store. A nil store gets a volatile in-memory one,
// a nil tel disables telemetry.
func New(cfg Config, store backingstore.Store, logger *zap.Logger, tel *telemetry.Telemetry) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Disabled()
	}
	if store == nil {
		store = backingstore.NewMemStore(cfg.PageSize, false)
	}

	alloc, err := allocator.New(cfg.Allocator, cfg.PageSize, cfg.MaxPages)
	if err != nil {
		return nil, err
	}
	metrics, err := internaltelemetry.NewCacheMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache metrics: %w", err)
	}
	shadows, err := reclaim.NewShadows(cfg.ShadowEntries)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:      cfg,
		logger:   logger,
		registry: mapping.NewRegistry(),
		alloc:    alloc,
		list:     reclaim.NewList(logger),
		shadows:  shadows,
		store:    store,
		metrics:  metrics,
	}
	c.scanner = reclaim.NewScanner(reclaim.ScannerConfig{
		List:     c.list,
		Registry: c.registry,
		Store:    store,
		Shadows:  shadows,
		Logger:   logger,
		Metrics:  metrics,
	})
	c.flusher = writeback.NewFlusher(cfg.Writeback, c.registry, store, logger, tel.Tracer, metrics)

	var probe filemap.Probe
	if cfg.TraceLookups {
		probe = commonutils.CallerProbe(logger, 3)
	}
	c.engine, err = filemap.NewEngine(filemap.Config{
		MaxOrder:  cfg.MaxOrder,
		Allocator: alloc,
		List:      c.list,
		Shadows:   shadows,
		Reclaimer: c.scanner,
		Store:     store,
		Metrics:   metrics,
		Probe:     probe,
		Logger:    logger,
		OnDirty:   func(*folio.Folio) { c.flusher.Kick() },
	})
	if err != nil {
		return nil, err
	}

	if err := internaltelemetry.RegisterDirtyGauge(tel.Meter, func() int64 { return int64(c.dirtyFolios()) }); err != nil {
		return nil, fmt.Errorf("failed to register dirty gauge: %w", err)
	}

	logger.Info("Page cache created",
		zap.Int("page_size", cfg.PageSize),
		zap.Uint8("max_order", cfg.MaxOrder),
		zap.Int64("max_pages", cfg.MaxPages),
		zap.String("allocator", cfg.Allocator),
		zap.Bool("stable_writes", store.StableWrites()))
	return c, nil
}

// Start launches background writeback.
func (c *Cache) Start(ctx context.Context) { c.flusher.Start(ctx) }

func (c *Cache) PageSize() int { return c.cfg.PageSize }

// Engine exposes the lookup engine for callers that manage folios directly.
func (c *Cache) Engine() *filemap.Engine { return c.engine }

// Open returns the container id, creating it on first use.
func (c *Cache) Open(id mapping.ID) (*mapping.Mapping, error) {
	if c.closed.Load() {
		return nil, cacheerrors.ErrClosed
	}
	return c.registry.Open(id), nil
}

// LookupOrCreate resolves (id, offset) to a folio handle. The handle must be
// released with Release, and unlocked first if opts.Lock was set. A lookup
// without Create in a container that was never opened is a miss.
func (c *Cache) LookupOrCreate(ctx context.Context, id mapping.ID, offset uint64, opts Options) (*folio.Folio, error) {
	if c.closed.Load() {
		return nil, cacheerrors.ErrClosed
	}
	m, ok := c.registry.Lookup(id)
	if !ok {
		if !opts.Create && !opts.WriteBegin {
			return nil, cacheerrors.ErrMiss
		}
		m = c.registry.Open(id)
	}
	return c.engine.GetOrCreate(ctx, m, offset, opts)
}

// Release drops a handle.
func (c *Cache) Release(f *folio.Folio) { f.Put() }

func (c *Cache) Unlock(f *folio.Folio) { f.Unlock() }

// MarkDirty marks f dirty and wakes the flusher if it was clean.
func (c *Cache) MarkDirty(f *folio.Folio) bool { return c.engine.MarkDirty(f) }

func (c *Cache) BeginWriteback(f *folio.Folio) bool { return f.StartWriteback() }
func (c *Cache) EndWriteback(f *folio.Folio)        { f.EndWriteback() }
func (c *Cache) WaitWriteback(f *folio.Folio)       { f.WaitWriteback() }

// Isolate takes f off the reclaim list for eviction; see reclaim.List.Isolate.
// It must be called without holding a handle on f. A successful isolation is
// finished with Evict or undone with Putback.
func (c *Cache) Isolate(f *folio.Folio) error { return c.list.Isolate(f) }

func (c *Cache) IsolatePage(p *folio.Page) error { return c.list.IsolatePage(p) }

func (c *Cache) Putback(f *folio.Folio) { c.list.Putback(f) }

// Evict releases an isolated folio and returns the pages freed.
func (c *Cache) Evict(f *folio.Folio) int {
	n := c.scanner.EvictIsolated(f)
	if n > 0 {
		c.metrics.Evicted(context.Background(), n)
	}
	return n
}

// Reclaim runs the scanner until want pages are freed.
func (c *Cache) Reclaim(ctx context.Context, want int) int {
	return c.scanner.Reclaim(ctx, want, nil)
}

// Shrink evicts until at most keep pages stay cached.
func (c *Cache) Shrink(ctx context.Context, keep int) int {
	return c.scanner.Shrink(ctx, keep)
}

// ReadAt reads len(p) bytes of container id at byte offset off, filling
// missing pages from the store.
func (c *Cache) ReadAt(ctx context.Context, id mapping.ID, p []byte, off int64) (int, error) {
	m, err := c.Open(id)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	ps := int64(c.cfg.PageSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		index := uint64(pos / ps)
		f, err := c.engine.ReadFolio(ctx, m, index, c.pagesLeft(pos, len(p)-n))
		if err != nil {
			return n, err
		}
		f.RunLocked(func() {
			start := int64(index-f.Index())*ps + pos%ps
			n += copy(p[n:], f.Data()[start:])
		})
		f.Put()
	}
	return n, nil
}

// WriteAt writes p into container id at byte offset off. Partially written
// folios are read from the store first.
func (c *Cache) WriteAt(ctx context.Context, id mapping.ID, p []byte, off int64) (int, error) {
	m, err := c.Open(id)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	ps := int64(c.cfg.PageSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		index := uint64(pos / ps)
		f, err := c.engine.GrabForWrite(ctx, m, index, c.pagesLeft(pos, len(p)-n))
		if err != nil {
			return n, err
		}
		err = func() error {
			defer f.Unlock()
			start := int64(index-f.Index())*ps + pos%ps
			whole := start == 0 && int64(len(p)-n) >= int64(len(f.Data()))
			if !f.IsUptodate() && !whole {
				if err := c.store.Populate(ctx, f); err != nil {
					f.SetFlag(folio.FlagError)
					return cacheerrors.IO(err, "populate before write")
				}
			}
			n += copy(f.Data()[start:], p[n:])
			f.MarkUptodate()
			c.engine.MarkDirty(f)
			return nil
		}()
		f.Put()
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// pagesLeft is the size hint for a transfer of remaining bytes from pos.
func (c *Cache) pagesLeft(pos int64, remaining int) int {
	ps := int64(c.cfg.PageSize)
	first := pos / ps
	last := (pos + int64(remaining) - 1) / ps
	return int(last - first + 1)
}

// Sync writes back every dirty folio of id and syncs the store.
func (c *Cache) Sync(ctx context.Context, id mapping.ID) error {
	m, ok := c.registry.Lookup(id)
	if !ok {
		return nil
	}
	return c.flusher.FlushMapping(ctx, m)
}

// Invalidate drops the folio whose head is at offset, discarding dirty data.
func (c *Cache) Invalidate(ctx context.Context, id mapping.ID, offset uint64) (bool, error) {
	m, ok := c.registry.Lookup(id)
	if !ok {
		return false, nil
	}
	return c.engine.Invalidate(ctx, m, offset)
}

// Truncate drops every folio of id whose head is at or past from.
func (c *Cache) Truncate(ctx context.Context, id mapping.ID, from uint64) (int, error) {
	m, ok := c.registry.Lookup(id)
	if !ok {
		return 0, nil
	}
	return c.engine.Truncate(ctx, m, from)
}

// CloseContainer flushes id, removes all its folios and forgets it.
func (c *Cache) CloseContainer(ctx context.Context, id mapping.ID) error {
	m, ok := c.registry.Close(id)
	if !ok {
		return nil
	}
	return c.retire(ctx, m)
}

func (c *Cache) retire(ctx context.Context, m *mapping.Mapping) error {
	flushErr := c.flusher.FlushMapping(ctx, m)
	if flushErr != nil {
		c.logger.Error("Flush before close failed", zap.Uint64("mapping", uint64(m.ID())), zap.Error(flushErr))
	}
	pages, err := c.engine.Truncate(ctx, m, 0)
	c.shadows.Forget(m.ID())
	c.logger.Debug("Container closed", zap.Uint64("mapping", uint64(m.ID())), zap.Int("pages", pages))
	return errors.Join(flushErr, err)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	es := c.engine.Stats()
	written, failed := c.flusher.Writebacks()
	return Stats{
		Hits:          es.Hits,
		Misses:        es.Misses,
		Created:       es.Created,
		RaceLost:      es.RaceLost,
		WouldBlock:    es.WouldBlock,
		AllocFailures: es.AllocFailures,
		Refaults:      es.Refaults,
		Evicted:       c.scanner.Evicted(),
		Writebacks:    written,
		WriteErrors:   failed,
		ResidentPages: c.list.NrPages(),
		DirtyFolios:   c.dirtyFolios(),
		Containers:    len(c.registry.All()),
		ShadowEntries: c.shadows.Len(),
	}
}

func (c *Cache) dirtyFolios() int {
	n := 0
	for _, m := range c.registry.All() {
		n += m.CountDirty()
	}
	return n
}

// Close stops writeback, flushes and closes every container, and closes the
// store if it can be closed. Later calls return nil.
func (c *Cache) Close(ctx context.Context) error {
	var errs error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.flusher.Stop()
		for _, m := range c.registry.All() {
			if _, ok := c.registry.Close(m.ID()); ok {
				errs = errors.Join(errs, c.retire(ctx, m))
			}
		}
		if closer, ok := c.store.(io.Closer); ok {
			errs = errors.Join(errs, closer.Close())
		}
		c.logger.Info("Page cache closed", zap.Error(errs))
	})
	return errs
}
