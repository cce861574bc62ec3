// Package reclaim keeps the reclaim list of a cache and the scanner that
// evicts idle folios from it.
package reclaim

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
	"github.com/sushant-115/foliocache/core/page_cache/folio"
)

// List is the reclaim list: the most recently added folio at the front, the
// eviction candidates at the back. A folio is on the list exactly when its
// lru flag is set.
type List struct {
	mu    sync.Mutex
	lru   *list.List
	pages int

	logger  *zap.Logger
	tailLog rate.Sometimes
}

func NewList(logger *zap.Logger) *List {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &List{
		lru:     list.New(),
		logger:  logger.Named("reclaim"),
		tailLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Add puts f at the front. Adding a folio that is already on the list is an
// invariant violation.
func (l *List) Add(f *folio.Folio) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f.LRUElement() != nil || !f.SetFlag(folio.FlagLRU) {
		cacheerrors.Invariant("folio %d:%d added to the reclaim list twice", f.Mapping(), f.Index())
	}
	f.SetLRUElement(l.lru.PushFront(f))
	l.pages += f.Span()
}

// Del takes f off the list and reports whether it was on it.
func (l *List) Del(f *folio.Folio) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlink(f)
}

// l.mu must be held.
func (l *List) unlink(f *folio.Folio) bool {
	e := f.LRUElement()
	if e == nil {
		return false
	}
	l.lru.Remove(e)
	f.SetLRUElement(nil)
	f.ClearFlag(folio.FlagLRU)
	l.pages -= f.Span()
	return true
}

// Isolate takes f off the list for eviction. It succeeds only when f is on
// the list, unlocked, clean, not under writeback and referenced by nothing
// but its mapping; the caller must not hold a counted reference of its own.
// On success the reference count is frozen at zero, so lookups can no longer
// take f, and the caller owns the mapping's reference. Otherwise it returns
// ErrNotEligible and f stays where it was.
func (l *List) Isolate(f *folio.Folio) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f.LRUElement() == nil {
		return notEligible(f, "not on the reclaim list")
	}
	if reason := busy(f); reason != "" {
		return notEligible(f, reason)
	}
	if !f.Freeze(1) {
		return notEligible(f, fmt.Sprintf("%d references held", f.Refs()))
	}
	// Nothing can change state on a folio nobody holds, but a holder may
	// have dropped its reference between the check and the freeze.
	if reason := busy(f); reason != "" {
		f.Unfreeze(1)
		return notEligible(f, reason)
	}
	l.unlink(f)
	return nil
}

// IsolatePage isolates the folio a page belongs to. Only the head page may
// be used: isolating a tail would evict a sub-range of a folio.
func (l *List) IsolatePage(p *folio.Page) error {
	if p.IsTail() {
		err := cacheerrors.AssertionFailed("isolation through tail page %d of folio %d:%d",
			p.Index(), p.Folio().Mapping(), p.Folio().Index())
		l.tailLog.Do(func() {
			l.logger.Error("Refusing to isolate a tail page",
				zap.Uint64("mapping", uint64(p.Folio().Mapping())),
				zap.Uint64("head", p.Folio().Index()),
				zap.Uint64("page", p.Index()),
				zap.Error(err))
		})
		return err
	}
	return l.Isolate(p.Folio())
}

// Putback undoes Isolate, or an eviction that could not finish. A frozen
// folio gets its mapping reference back.
func (l *List) Putback(f *folio.Folio) {
	if f.IsFrozen() {
		f.Unfreeze(1)
	}
	l.Add(f)
}

// Rotate moves f to the front if it is still on the list.
func (l *List) Rotate(f *folio.Folio) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := f.LRUElement(); e != nil {
		l.lru.MoveToFront(e)
	}
}

// Back returns the coldest folio without taking a reference.
func (l *List) Back() *folio.Folio {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.lru.Back()
	if e == nil {
		return nil
	}
	return e.Value.(*folio.Folio)
}

// Len returns the number of folios on the list.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

// NrPages returns the number of pages on the list.
func (l *List) NrPages() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages
}

func busy(f *folio.Folio) string {
	switch {
	case f.IsLocked():
		return "locked"
	case f.IsDirty():
		return "dirty"
	case f.IsWriteback():
		return "under writeback"
	}
	return ""
}

func notEligible(f *folio.Folio, reason string) error {
	return fmt.Errorf("%w: folio %d:%d %s", cacheerrors.ErrNotEligible, f.Mapping(), f.Index(), reason)
}
