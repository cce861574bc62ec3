package mapping

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/foliocache/core/page_cache/folio"
)

func newFolio(id ID, index uint64, order uint8) *folio.Folio {
	return folio.New(id, index, order, make([]byte, 16<<order), nil)
}

func TestMapping_InsertIfAbsent(t *testing.T) {
	m := New(1)
	f := newFolio(1, 5, 0)

	inserted, existing := m.InsertIfAbsent(5, f)
	require.True(t, inserted)
	require.Nil(t, existing)
	require.Equal(t, int32(2), f.Refs(), "the mapping holds its own reference")

	got, ok := m.Find(5)
	require.True(t, ok)
	require.Same(t, f, got)

	loser := newFolio(1, 5, 0)
	inserted, existing = m.InsertIfAbsent(5, loser)
	require.False(t, inserted)
	require.Same(t, f, existing)
	require.Equal(t, int32(1), loser.Refs(), "a losing insert takes no reference")
	require.Equal(t, 1, m.Len())
}

// TestMapping_MultiPageSpan checks that a large folio occupies every slot of
// its span and conflicts anywhere inside it.
func TestMapping_MultiPageSpan(t *testing.T) {
	m := New(1)
	small := newFolio(1, 6, 0)
	inserted, _ := m.InsertIfAbsent(6, small)
	require.True(t, inserted)

	big := newFolio(1, 4, 2)
	inserted, existing := m.InsertIfAbsent(4, big)
	require.False(t, inserted)
	require.Same(t, small, existing)
	_, ok := m.Find(4)
	require.False(t, ok, "a refused insert leaves no partial entries")

	big2 := newFolio(1, 8, 2)
	inserted, _ = m.InsertIfAbsent(8, big2)
	require.True(t, inserted)
	for off := uint64(8); off < 12; off++ {
		got, ok := m.Find(off)
		require.True(t, ok)
		require.Same(t, big2, got)
	}
	require.Equal(t, 2, m.Len())
	require.Equal(t, 5, m.NrPages())
	require.Equal(t, []uint64{6, 8}, m.Offsets())
}

func TestMapping_InsertAtWrongOffsetPanics(t *testing.T) {
	m := New(1)
	require.Panics(t, func() { m.InsertIfAbsent(3, newFolio(1, 4, 0)) })
	require.Panics(t, func() { m.InsertIfAbsent(4, newFolio(2, 4, 0)) })
}

func TestMapping_InsertWrappingSpanPanics(t *testing.T) {
	m := New(1)
	require.Panics(t, func() { m.InsertIfAbsent(folio.MaxIndex-14, newFolio(1, folio.MaxIndex-14, 4)) })
	require.Panics(t, func() { m.InsertIfAbsent(folio.MaxIndex+1, newFolio(1, folio.MaxIndex+1, 0)) })
	require.Zero(t, m.Len())
	require.Zero(t, m.NrPages())
}

func TestMapping_RemoveChecksIdentity(t *testing.T) {
	m := New(1)
	f := newFolio(1, 8, 1)
	m.InsertIfAbsent(8, f)

	other := newFolio(1, 8, 1)
	require.False(t, m.Remove(8, other), "remove of a folio that is not indexed")
	require.False(t, other.IsInvalid())

	require.True(t, m.Remove(9, f), "any covered offset identifies the folio")
	require.True(t, f.IsInvalid())
	_, ok := m.Find(8)
	require.False(t, ok)
	_, ok = m.Find(9)
	require.False(t, ok)
	require.Zero(t, m.Len())
	require.Zero(t, m.NrPages())
	require.False(t, m.Remove(8, f))
}

func TestMapping_ClosedRefusesInserts(t *testing.T) {
	m := New(1)
	m.Close()
	require.True(t, m.Closed())
	inserted, existing := m.InsertIfAbsent(0, newFolio(1, 0, 0))
	require.False(t, inserted)
	require.Nil(t, existing)
}

func TestMapping_CountDirty(t *testing.T) {
	m := New(1)
	for i := uint64(0); i < 4; i++ {
		f := newFolio(1, i, 0)
		m.InsertIfAbsent(i, f)
		if i%2 == 0 {
			f.MarkDirty()
		}
	}
	require.Equal(t, 2, m.CountDirty())

	visited := 0
	m.Range(func(*folio.Folio) bool {
		visited++
		return visited < 3
	})
	require.Equal(t, 3, visited)
}

// TestMapping_ConcurrentInsertOneWinner races inserts on one offset.
func TestMapping_ConcurrentInsertOneWinner(t *testing.T) {
	m := New(1)
	const racers = 16
	var wg sync.WaitGroup
	winners := make(chan *folio.Folio, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := newFolio(1, 9, 0)
			if inserted, _ := m.InsertIfAbsent(9, f); inserted {
				winners <- f
			}
		}()
	}
	wg.Wait()
	close(winners)

	require.Len(t, winners, 1)
	winner := <-winners
	got, ok := m.Find(9)
	require.True(t, ok)
	require.Same(t, winner, got)
}

func TestRegistry_OpenIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := r.Open(3)
	require.Same(t, a, r.Open(3))
	r.Open(1)

	all := r.All()
	require.Len(t, all, 2)
	require.Equal(t, ID(1), all[0].ID())

	got, ok := r.Lookup(3)
	require.True(t, ok)
	require.Same(t, a, got)

	closed, ok := r.Close(3)
	require.True(t, ok)
	require.True(t, closed.Closed())
	_, ok = r.Lookup(3)
	require.False(t, ok)
	_, ok = r.Close(3)
	require.False(t, ok)
	require.NotSame(t, a, r.Open(3), "a closed container reopens fresh")
}
