package reclaim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
	"github.com/sushant-115/foliocache/core/page_cache/mapping"
	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
)

// --- Test Helpers ---

const testPageSize = 32

type fixture struct {
	registry *mapping.Registry
	m        *mapping.Mapping
	list     *List
	shadows  *Shadows
	store    *backingstore.MemStore
	scanner  *Scanner
	released map[uint64]bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	shadows, err := NewShadows(64)
	require.NoError(t, err)
	fx := &fixture{
		registry: mapping.NewRegistry(),
		list:     NewList(logger),
		shadows:  shadows,
		store:    backingstore.NewMemStore(testPageSize, false),
		released: make(map[uint64]bool),
	}
	fx.m = fx.registry.Open(1)
	fx.scanner = NewScanner(ScannerConfig{
		List:     fx.list,
		Registry: fx.registry,
		Store:    fx.store,
		Shadows:  shadows,
		Logger:   logger,
	})
	return fx
}

// add indexes a folio and puts it on the list, leaving only the mapping's
// reference, as after a lookup handle has been released.
func (fx *fixture) add(t *testing.T, index uint64, order uint8) *folio.Folio {
	t.Helper()
	f := folio.New(fx.m.ID(), index, order, make([]byte, testPageSize<<order), func([]byte) {
		fx.released[index] = true
	})
	inserted, _ := fx.m.InsertIfAbsent(index, f)
	require.True(t, inserted)
	fx.list.Add(f)
	f.Put()
	require.Equal(t, int32(1), f.Refs())
	return f
}

// --- Test Cases ---

// TestList_IsolateLockedIsNotEligible checks a locked folio is refused and
// stays on the list.
func TestList_IsolateLockedIsNotEligible(t *testing.T) {
	fx := newFixture(t)
	f := fx.add(t, 0, 0)

	f.Lock()
	err := fx.list.Isolate(f)
	require.ErrorIs(t, err, cacheerrors.ErrNotEligible)
	require.True(t, f.OnLRU())
	require.Equal(t, 1, fx.list.Len())
	require.Equal(t, int32(1), f.Refs())
	f.Unlock()
}

func TestList_IsolateBusyIsNotEligible(t *testing.T) {
	fx := newFixture(t)

	dirty := fx.add(t, 0, 0)
	dirty.MarkDirty()
	require.ErrorIs(t, fx.list.Isolate(dirty), cacheerrors.ErrNotEligible)

	wb := fx.add(t, 1, 0)
	require.True(t, wb.StartWriteback())
	require.ErrorIs(t, fx.list.Isolate(wb), cacheerrors.ErrNotEligible)
	wb.EndWriteback()

	held := fx.add(t, 2, 0)
	require.True(t, held.TryGet())
	require.ErrorIs(t, fx.list.Isolate(held), cacheerrors.ErrNotEligible)
	held.Put()

	require.Equal(t, 3, fx.list.Len())
}

// TestList_IsolatedFolioIsNotFound verifies that lookups cannot take an
// isolated folio until it is put back.
func TestList_IsolatedFolioIsNotFound(t *testing.T) {
	fx := newFixture(t)
	f := fx.add(t, 4, 0)

	require.NoError(t, fx.list.Isolate(f))
	require.False(t, f.OnLRU())
	require.Zero(t, fx.list.Len())
	require.True(t, f.IsFrozen())
	require.False(t, f.TryGet())
	require.ErrorIs(t, fx.list.Isolate(f), cacheerrors.ErrNotEligible)

	fx.list.Putback(f)
	require.True(t, f.OnLRU())
	require.Equal(t, 1, fx.list.Len())
	require.Equal(t, int32(1), f.Refs())
	require.True(t, f.TryGet())
	f.Put()
}

func TestList_IsolateTailPageIsInvariantViolation(t *testing.T) {
	fx := newFixture(t)
	f := fx.add(t, 8, 2)

	for _, offset := range []uint64{9, 10, 11} {
		err := fx.list.IsolatePage(f.PageAt(offset))
		require.ErrorIs(t, err, cacheerrors.ErrInvariant)
		require.False(t, errors.Is(err, cacheerrors.ErrNotEligible))
	}
	require.True(t, f.OnLRU())
	require.False(t, f.IsFrozen())

	require.NoError(t, fx.list.IsolatePage(f.PageAt(8)))
	fx.list.Putback(f)
}

func TestList_AddTwicePanics(t *testing.T) {
	fx := newFixture(t)
	f := fx.add(t, 0, 0)
	require.Panics(t, func() { fx.list.Add(f) })
}

func TestList_PagesAndDel(t *testing.T) {
	fx := newFixture(t)
	a := fx.add(t, 0, 0)
	fx.add(t, 4, 2)
	require.Equal(t, 5, fx.list.NrPages())
	require.Same(t, a, fx.list.Back())

	require.True(t, fx.list.Del(a))
	require.False(t, a.OnLRU())
	require.False(t, fx.list.Del(a))
	require.Equal(t, 4, fx.list.NrPages())
}

// TestScanner_SecondChance checks that a referenced folio is rotated and the
// next cold folio is evicted instead.
func TestScanner_SecondChance(t *testing.T) {
	fx := newFixture(t)
	f0 := fx.add(t, 0, 0)
	f1 := fx.add(t, 1, 0)
	fx.add(t, 2, 0)
	f0.MarkAccessed()

	freed := fx.scanner.Reclaim(context.Background(), 1, nil)
	require.Equal(t, 1, freed)
	require.True(t, fx.released[1])
	require.True(t, f1.IsReleased())
	_, ok := fx.m.Find(1)
	require.False(t, ok)

	require.False(t, f0.Has(folio.FlagReferenced), "the second chance is spent")
	require.True(t, f0.OnLRU())
	require.Equal(t, 2, fx.list.Len())
	require.Equal(t, 1, fx.shadows.Len())
	require.Equal(t, uint64(1), fx.scanner.Evicted())
}

func TestScanner_WritesBackBeforeEvicting(t *testing.T) {
	fx := newFixture(t)
	f := fx.add(t, 3, 0)
	f.Data()[0] = 0x77
	f.MarkDirty()

	require.Equal(t, 1, fx.scanner.Reclaim(context.Background(), 1, nil))
	page, ok := fx.store.Page(1, 3)
	require.True(t, ok)
	require.Equal(t, byte(0x77), page[0])
	require.True(t, fx.released[3])
}

func TestScanner_SkipsLocked(t *testing.T) {
	fx := newFixture(t)
	locked := fx.add(t, 0, 0)
	fx.add(t, 1, 0)
	locked.Lock()
	defer locked.Unlock()

	require.Equal(t, 1, fx.scanner.Reclaim(context.Background(), 2, nil))
	require.True(t, locked.OnLRU())
	require.False(t, fx.released[0])
	require.True(t, fx.released[1])
}

// TestScanner_NoWritebackContainer checks that a container excluded from
// writeback keeps its dirty folios but still gives up its clean ones.
func TestScanner_NoWritebackContainer(t *testing.T) {
	fx := newFixture(t)
	dirty := fx.add(t, 0, 0)
	dirty.MarkDirty()
	fx.add(t, 1, 0)

	require.Equal(t, 1, fx.scanner.Reclaim(context.Background(), 2, fx.m))
	require.True(t, fx.released[1], "clean folio evicted")
	require.False(t, fx.released[0])
	require.True(t, dirty.IsDirty())
	require.True(t, dirty.OnLRU())
	_, persists := fx.store.Counts()
	require.Zero(t, persists)

	other := fx.registry.Open(2)
	require.Equal(t, 1, fx.scanner.Reclaim(context.Background(), 1, other))
	require.True(t, fx.released[0], "dirty folio of another container is written back and evicted")
	_, persists = fx.store.Counts()
	require.Equal(t, int64(1), persists)
}

func TestScanner_Shrink(t *testing.T) {
	fx := newFixture(t)
	for i := uint64(0); i < 6; i++ {
		fx.add(t, i, 0)
	}
	require.Equal(t, 4, fx.scanner.Shrink(context.Background(), 2))
	require.Equal(t, 2, fx.list.NrPages())
	require.Equal(t, 2, fx.m.Len())
}

func TestScanner_EvictIsolatedOfClosedMappingPutsBack(t *testing.T) {
	fx := newFixture(t)
	f := fx.add(t, 0, 0)
	require.NoError(t, fx.list.Isolate(f))
	fx.registry.Close(fx.m.ID())

	require.Zero(t, fx.scanner.EvictIsolated(f))
	require.True(t, f.OnLRU())
	require.False(t, f.IsFrozen())
}

func TestShadows_RefaultDistance(t *testing.T) {
	shadows, err := NewShadows(16)
	require.NoError(t, err)

	evicted := folio.New(1, 10, 0, nil, nil)
	shadows.Record(evicted)
	require.True(t, shadows.Refault(1, 10, 4))
	require.False(t, shadows.Refault(1, 10, 4), "a shadow entry is consumed by its refault")

	shadows.Record(evicted)
	for i := uint64(0); i < 5; i++ {
		shadows.Record(folio.New(1, 100+i, 0, nil, nil))
	}
	require.Equal(t, uint64(7), shadows.Clock())
	require.False(t, shadows.Refault(1, 10, 4), "evicted too long ago to be in the working set")
	require.False(t, shadows.Refault(2, 10, 100), "other containers have their own entries")

	require.Equal(t, 5, shadows.Forget(1))
	require.Zero(t, shadows.Len())
}
