package pagecache

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
)

// --- Test Helpers ---

func newTestCache(t *testing.T, store backingstore.Store, tweak func(*Config)) *Cache {
	t.Helper()
	cfg := DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg, store, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

// --- Test Cases ---

func TestCache_WriteReadRoundTrip(t *testing.T) {
	c := newTestCache(t, nil, nil)
	ctx := context.Background()
	ps := c.PageSize()

	data := pattern(3*ps+100, 7)
	n, err := c.WriteAt(ctx, 1, data, 1000)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = c.ReadAt(ctx, 1, got, 1000)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.True(t, bytes.Equal(data, got), "read back what was written")

	head := make([]byte, 1000)
	_, err = c.ReadAt(ctx, 1, head, 0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 1000), head, "bytes before the write read as zero")
}

func TestCache_FileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	data := pattern(2*4096+17, 3)

	store, err := backingstore.NewFileStore(dir, 4096, false, logger)
	require.NoError(t, err)
	c, err := New(DefaultConfig(), store, logger, nil)
	require.NoError(t, err)
	_, err = c.WriteAt(ctx, 42, data, 4000)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	store, err = backingstore.NewFileStore(dir, 4096, false, logger)
	require.NoError(t, err)
	c = newTestCache(t, store, nil)
	got := make([]byte, len(data))
	_, err = c.ReadAt(ctx, 42, got, 4000)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(t, nil, func(cfg *Config) { cfg.MaxOrder = 0 })
	ctx := context.Background()

	_, err := c.WriteAt(ctx, 1, pattern(2*c.PageSize(), 1), 0)
	require.NoError(t, err)
	want := Stats{Created: 2, ResidentPages: 2, DirtyFolios: 2, Containers: 1}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Fatalf("stats after write (-want +got):\n%s", diff)
	}

	require.NoError(t, c.Sync(ctx, 1))
	_, err = c.ReadAt(ctx, 1, make([]byte, 10), 0)
	require.NoError(t, err)
	want = Stats{Hits: 1, Created: 2, Writebacks: 2, ResidentPages: 2, Containers: 1}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Fatalf("stats after sync (-want +got):\n%s", diff)
	}
}

func TestCache_LookupOrCreate(t *testing.T) {
	c := newTestCache(t, nil, nil)
	ctx := context.Background()

	_, err := c.LookupOrCreate(ctx, 5, 0, Options{})
	require.ErrorIs(t, err, cacheerrors.ErrMiss)

	f, err := c.LookupOrCreate(ctx, 5, 0, Options{Create: true, Lock: true})
	require.NoError(t, err)
	require.True(t, f.IsLocked())
	require.True(t, c.MarkDirty(f))
	c.Unlock(f)

	require.True(t, c.BeginWriteback(f))
	require.False(t, f.IsDirty())
	c.EndWriteback(f)
	c.WaitWriteback(f)
	c.Release(f)

	again, err := c.LookupOrCreate(ctx, 5, 0, Options{})
	require.NoError(t, err)
	require.Same(t, f, again)
	c.Release(again)
}

func TestCache_IsolateAndEvict(t *testing.T) {
	c := newTestCache(t, nil, nil)
	ctx := context.Background()

	f, err := c.LookupOrCreate(ctx, 1, 0, Options{Create: true, SizeHint: 4})
	require.NoError(t, err)
	require.Equal(t, 4, f.Span())
	pages := f.Pages()
	c.Release(f)

	require.ErrorIs(t, c.IsolatePage(pages[2]), cacheerrors.ErrInvariant)
	require.NoError(t, c.IsolatePage(pages[0]))
	_, err = c.LookupOrCreate(ctx, 1, 2, Options{})
	require.ErrorIs(t, err, cacheerrors.ErrMiss)

	c.Putback(f)
	require.NoError(t, c.Isolate(f))
	require.Equal(t, 4, c.Evict(f))
	require.True(t, f.IsReleased())

	stats := c.Stats()
	require.Equal(t, uint64(4), stats.Evicted)
	require.Zero(t, stats.ResidentPages)
	require.Equal(t, 1, stats.ShadowEntries)
}

// TestCache_ReclaimUnderBudget fills the page budget with dirty data of one
// container, then writes another: the first container's folios are written
// back and evicted, and read back intact.
func TestCache_ReclaimUnderBudget(t *testing.T) {
	store := backingstore.NewMemStore(4096, false)
	c := newTestCache(t, store, func(cfg *Config) {
		cfg.MaxOrder = 0
		cfg.MaxPages = 4
	})
	ctx := context.Background()

	first := pattern(4*4096, 11)
	second := pattern(4*4096, 99)
	_, err := c.WriteAt(ctx, 1, first, 0)
	require.NoError(t, err)
	_, err = c.WriteAt(ctx, 2, second, 0)
	require.NoError(t, err)

	stats := c.Stats()
	require.Equal(t, uint64(4), stats.Evicted)
	require.Equal(t, 4, stats.ResidentPages)
	for i := uint64(0); i < 4; i++ {
		page, ok := store.Page(1, i)
		require.True(t, ok, "page %d was written back before eviction", i)
		require.Equal(t, first[i*4096:(i+1)*4096], page)
	}

	got := make([]byte, len(first))
	_, err = c.ReadAt(ctx, 1, got, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(first, got))
	require.Equal(t, uint64(4), c.Stats().Refaults)
}

// TestCache_SequentialWriteRecyclesCleanPages writes more pages than the
// budget holds to one container, syncing as it goes: the write path evicts
// the container's own clean pages to make room.
func TestCache_SequentialWriteRecyclesCleanPages(t *testing.T) {
	store := backingstore.NewMemStore(4096, false)
	c := newTestCache(t, store, func(cfg *Config) {
		cfg.MaxOrder = 4
		cfg.MaxPages = 16
	})
	ctx := context.Background()

	const pages = 24
	for i := 0; i < pages; i++ {
		_, err := c.WriteAt(ctx, 1, pattern(4096, byte(i)), int64(i)*4096)
		require.NoError(t, err, "page %d", i)
		require.NoError(t, c.Sync(ctx, 1))
	}
	stats := c.Stats()
	require.Equal(t, uint64(pages-16), stats.Evicted)
	require.Equal(t, 16, stats.ResidentPages)

	got := make([]byte, 4096)
	for i := 0; i < pages; i++ {
		_, err := c.ReadAt(ctx, 1, got, int64(i)*4096)
		require.NoError(t, err, "page %d", i)
		require.True(t, bytes.Equal(pattern(4096, byte(i)), got), "page %d", i)
	}
}

// TestCache_WriteBeginDoesNotWriteBackOwnContainer fills the budget with
// dirty pages of the container being written: nothing can be reclaimed
// without writing that container back, so the write fails.
func TestCache_WriteBeginDoesNotWriteBackOwnContainer(t *testing.T) {
	store := backingstore.NewMemStore(4096, false)
	c := newTestCache(t, store, func(cfg *Config) {
		cfg.MaxOrder = 0
		cfg.MaxPages = 2
	})
	ctx := context.Background()

	n, err := c.WriteAt(ctx, 1, pattern(3*4096, 0), 0)
	require.ErrorIs(t, err, cacheerrors.ErrAllocFailure)
	require.Equal(t, 2*4096, n)
	_, persists := store.Counts()
	require.Zero(t, persists)
}

func TestCache_InvalidateAndTruncate(t *testing.T) {
	c := newTestCache(t, nil, func(cfg *Config) { cfg.MaxOrder = 0 })
	ctx := context.Background()

	_, err := c.WriteAt(ctx, 1, pattern(4*4096, 5), 0)
	require.NoError(t, err)

	removed, err := c.Invalidate(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, removed)
	pages, err := c.Truncate(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, pages)
	require.Equal(t, 1, c.Stats().ResidentPages)

	removed, err = c.Invalidate(ctx, 9, 0)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestCache_CloseContainer(t *testing.T) {
	store := backingstore.NewMemStore(4096, false)
	c := newTestCache(t, store, nil)
	ctx := context.Background()
	data := pattern(4096, 21)

	_, err := c.WriteAt(ctx, 7, data, 0)
	require.NoError(t, err)
	require.NoError(t, c.CloseContainer(ctx, 7))

	page, ok := store.Page(7, 0)
	require.True(t, ok, "dirty data is flushed on close")
	require.Equal(t, data, page)

	stats := c.Stats()
	require.Zero(t, stats.Containers)
	require.Zero(t, stats.ResidentPages)
	_, err = c.LookupOrCreate(ctx, 7, 0, Options{})
	require.ErrorIs(t, err, cacheerrors.ErrMiss)
	require.NoError(t, c.CloseContainer(ctx, 7))
}

func TestCache_Close(t *testing.T) {
	store := backingstore.NewMemStore(4096, false)
	c, err := New(DefaultConfig(), store, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	ctx := context.Background()
	c.Start(ctx)

	_, err = c.WriteAt(ctx, 3, pattern(4096, 1), 0)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	_, ok := store.Page(3, 0)
	require.True(t, ok)
	_, err = c.LookupOrCreate(ctx, 3, 0, Options{Create: true})
	require.ErrorIs(t, err, cacheerrors.ErrClosed)
	_, err = c.Open(3)
	require.ErrorIs(t, err, cacheerrors.ErrClosed)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"page size":    func(c *Config) { c.PageSize = 3000 },
		"max order":    func(c *Config) { c.MaxOrder = 11 },
		"budget":       func(c *Config) { c.MaxPages = 8 },
		"negative":     func(c *Config) { c.MaxPages = -1 },
		"allocator":    func(c *Config) { c.Allocator = "slab" },
		"interval":     func(c *Config) { c.Writeback.Interval = -1 },
		"flusher rate": func(c *Config) { c.Writeback.PagesPerSecond = -5 },
	}
	for name, tweak := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tweak(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
