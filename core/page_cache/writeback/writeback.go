// Package writeback moves dirty folios to the backing store, either one at a
// time on behalf of reclaim or in the background through a Flusher.
package writeback

import (
	"context"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
	backingstore "github.com/sushant-115/foliocache/core/storage_engine/backing_store"
)

// Mode selects how WriteFolio deals with contention.
type Mode int

const (
	// Sync waits for the folio lock and for any writeback already in flight.
	Sync Mode = iota
	// NoWait skips folios that are locked or already under writeback.
	NoWait
)

func (m Mode) String() string {
	if m == NoWait {
		return "nowait"
	}
	return "sync"
}

// WriteFolio persists f if it is dirty and reports whether a writeback was
// issued. The caller holds a reference and must not hold the folio lock.
//
// The dirty bit moves into the writeback bit under the lock; Persist runs
// with the lock dropped so that readers and writers are not held up by I/O.
// A failed Persist redirties the folio and sets its error flag, so the next
// pass retries it.
func WriteFolio(ctx context.Context, store backingstore.Store, f *folio.Folio, mode Mode) (bool, error) {
	if store == nil {
		return false, cacheerrors.ErrNoStore
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if mode == NoWait {
		if !f.TryLock() {
			return false, nil
		}
	} else {
		f.Lock()
	}
	if f.IsWriteback() {
		if mode == NoWait {
			f.Unlock()
			return false, nil
		}
		f.WaitWriteback()
	}
	if f.IsInvalid() || !f.IsDirty() || !f.StartWriteback() {
		f.Unlock()
		return false, nil
	}
	f.Unlock()

	err := store.Persist(ctx, f)
	if err != nil {
		f.Redirty()
		f.SetFlag(folio.FlagError)
	} else {
		f.ClearFlag(folio.FlagError)
	}
	f.EndWriteback()
	if err != nil {
		return true, cacheerrors.IO(err, "writeback")
	}
	return true, nil
}
