// Package folio implements the cache unit of the page cache: a reference
// counted, lockable run of one or more contiguous pages with its dirty,
// writeback and reclaim state.
package folio

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
)

// MappingID identifies the container (file or swap area) a folio caches data
// for. Folios refer to their container only by id.
type MappingID uint64

// Flags is the folio state word. Bits are set and cleared atomically.
type Flags uint32

const (
	FlagDirty      Flags = 1 << iota // content newer than the backing store
	FlagWriteback                    // persist in flight
	FlagUptodate                     // content valid
	FlagLRU                          // on the reclaim list
	FlagReferenced                   // accessed since the last reclaim scan
	FlagActive                       // accessed repeatedly, survives one more scan
	FlagWorkingset                   // recreated shortly after eviction
	FlagError                        // last I/O on this folio failed
	FlagInvalid                      // being removed from its mapping
)

var flagNames = []string{"dirty", "writeback", "uptodate", "lru", "referenced", "active", "workingset", "error", "invalid"}

func (f Flags) String() string {
	out := ""
	for i, name := range flagNames {
		if f&(1<<i) == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += name
	}
	if out == "" {
		return "clean"
	}
	return out
}

// MaxIndex is the last offset a folio can cache, so that End never wraps.
const MaxIndex uint64 = math.MaxUint64 - 1

// ReleaseFunc returns a folio's memory to its allocator. It runs exactly once,
// when the last reference is dropped after the folio left its mapping.
type ReleaseFunc func(data []byte)

// Folio is a cached range of a container. The mapping that indexes a folio
// holds one reference on it for as long as it is indexed, so the reference
// count cannot reach zero while the folio is reachable from a lookup.
type Folio struct {
	mapping MappingID
	index   uint64
	order   uint8
	data    []byte

	flags      atomic.Uint32
	refs       atomic.Int32
	generation atomic.Uint64
	released   atomic.Bool

	// mu guards locked and is the lock behind cond. cond is broadcast on
	// unlock and on writeback completion; waiters recheck their condition.
	mu     sync.Mutex
	cond   sync.Cond
	locked bool
	owner  int64

	// lruElement is owned by the reclaim list and only touched under its lock.
	lruElement *list.Element

	release ReleaseFunc
}

// New creates an unindexed folio of 1<<order pages at index. The caller owns
// the single initial reference.
func New(mapping MappingID, index uint64, order uint8, data []byte, release ReleaseFunc) *Folio {
	f := &Folio{
		mapping: mapping,
		index:   index,
		order:   order,
		data:    data,
		release: release,
	}
	f.cond.L = &f.mu
	f.refs.Store(1)
	return f
}

func (f *Folio) Mapping() MappingID { return f.mapping }
func (f *Folio) Index() uint64      { return f.index }
func (f *Folio) Order() uint8       { return f.order }
func (f *Folio) Span() int          { return 1 << f.order }
func (f *Folio) Data() []byte       { return f.data }

// End is the first offset past the folio. It wraps to zero or below Index
// for a folio reaching past MaxIndex, which InsertIfAbsent refuses.
func (f *Folio) End() uint64 { return f.index + uint64(f.Span()) }

// Fits reports whether a folio of order can start at index without running
// past MaxIndex.
func Fits(index uint64, order uint8) bool {
	return index <= MaxIndex && MaxIndex-index >= uint64(1)<<order-1
}

// Contains reports whether offset falls inside the folio.
func (f *Folio) Contains(offset uint64) bool {
	return offset >= f.index && offset < f.End()
}

// PageSize is the size of one constituent page.
func (f *Folio) PageSize() int { return len(f.data) / f.Span() }

// Generation counts the writebacks started on this folio.
func (f *Folio) Generation() uint64 { return f.generation.Load() }

// --- State flags ---

func (f *Folio) Flags() Flags            { return Flags(f.flags.Load()) }
func (f *Folio) Has(flag Flags) bool     { return f.Flags()&flag != 0 }
func (f *Folio) SetFlag(flag Flags) bool { return Flags(f.flags.Or(uint32(flag)))&flag == 0 }
func (f *Folio) ClearFlag(flag Flags) bool {
	return Flags(f.flags.And(^uint32(flag)))&flag != 0
}

func (f *Folio) IsDirty() bool     { return f.Has(FlagDirty) }
func (f *Folio) IsWriteback() bool { return f.Has(FlagWriteback) }
func (f *Folio) IsUptodate() bool  { return f.Has(FlagUptodate) }
func (f *Folio) IsInvalid() bool   { return f.Has(FlagInvalid) }
func (f *Folio) OnLRU() bool       { return f.Has(FlagLRU) }

// MarkUptodate records that the content is valid. The caller holds the lock.
func (f *Folio) MarkUptodate() { f.SetFlag(FlagUptodate) }

// MarkDirty sets the dirty bit without taking the folio lock. It reports true
// only on the clean to dirty transition, which is what a writeback scheduler
// reacts to; marking an already dirty folio changes nothing.
func (f *Folio) MarkDirty() bool { return f.SetFlag(FlagDirty) }

// Redirty marks the folio dirty again after a failed or abandoned writeback.
func (f *Folio) Redirty() { f.SetFlag(FlagDirty) }

// ClearDirtyForIO clears the dirty bit and reports whether it was set. The
// caller holds the lock and takes responsibility for the dirty data.
func (f *Folio) ClearDirtyForIO() bool { return f.ClearFlag(FlagDirty) }

// MarkAccessed promotes the folio one step: unreferenced becomes referenced,
// referenced becomes active.
func (f *Folio) MarkAccessed() {
	for {
		old := f.flags.Load()
		var next uint32
		switch {
		case Flags(old)&FlagReferenced == 0:
			next = old | uint32(FlagReferenced)
		case Flags(old)&FlagActive == 0 && Flags(old)&FlagLRU != 0:
			next = (old &^ uint32(FlagReferenced)) | uint32(FlagActive)
		default:
			return
		}
		if f.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// --- Writeback ---

// StartWriteback moves the dirty bit into the writeback bit in a single
// atomic step and starts a new generation. It fails if a writeback is already
// in flight. A MarkDirty racing with it either lands first and is written by
// this writeback, or lands after and stays set for the next one.
func (f *Folio) StartWriteback() bool {
	for {
		old := f.flags.Load()
		if Flags(old)&FlagWriteback != 0 {
			return false
		}
		next := (old &^ uint32(FlagDirty)) | uint32(FlagWriteback)
		if f.flags.CompareAndSwap(old, next) {
			f.generation.Add(1)
			return true
		}
	}
}

// EndWriteback clears the writeback bit and wakes every waiter.
func (f *Folio) EndWriteback() {
	f.mu.Lock()
	if Flags(f.flags.And(^uint32(FlagWriteback)))&FlagWriteback == 0 {
		f.mu.Unlock()
		cacheerrors.Invariant("end writeback on folio %d:%d with no writeback in flight", f.mapping, f.index)
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

// WaitWriteback blocks until no writeback is in flight. It returns at once if
// there is none.
func (f *Folio) WaitWriteback() {
	if !f.IsWriteback() {
		return
	}
	f.mu.Lock()
	for f.IsWriteback() {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// WaitStable waits for writeback only when the backing store needs page
// content to stay unchanged while it is being persisted.
func (f *Folio) WaitStable(stableWrites bool) {
	if stableWrites {
		f.WaitWriteback()
	}
}

// --- Lock ---

// Lock acquires the folio lock, sleeping while another caller holds it. The
// caller must hold a reference and must release the lock on every path;
// prefer WithLock.
func (f *Folio) Lock() {
	f.mu.Lock()
	for f.locked {
		f.cond.Wait()
	}
	f.locked = true
	f.setOwner()
	f.mu.Unlock()
}

// TryLock acquires the lock only if it is free.
func (f *Folio) TryLock() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return false
	}
	f.locked = true
	f.setOwner()
	return true
}

// Unlock releases the lock. Unlocking a folio that is not locked is an
// invariant violation.
func (f *Folio) Unlock() {
	f.mu.Lock()
	if !f.locked {
		f.mu.Unlock()
		cacheerrors.Invariant("unlock of unlocked folio %d:%d", f.mapping, f.index)
	}
	f.locked = false
	f.owner = 0
	f.cond.Broadcast()
	f.mu.Unlock()
}

// IsLocked reports whether the lock is held by anyone.
func (f *Folio) IsLocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// RunLocked runs fn with the folio locked and unlocks on every return path.
func (f *Folio) RunLocked(fn func()) {
	f.Lock()
	defer f.Unlock()
	fn()
}

// WithLock runs fn with the folio locked and unlocks on every return path,
// including panics.
func (f *Folio) WithLock(fn func() error) error {
	f.Lock()
	defer f.Unlock()
	return fn()
}

// --- Reference counting ---

// Refs returns the current reference count. Zero means released or frozen.
func (f *Folio) Refs() int32 { return f.refs.Load() }

// Get adds a reference. The caller must already hold one.
func (f *Folio) Get() {
	if v := f.refs.Add(1); v <= 1 {
		cacheerrors.Invariant("get on folio %d:%d without a reference (count %d)", f.mapping, f.index, v)
	}
}

// TryGet takes a reference speculatively. It fails on a released or frozen
// folio, which lookups treat as absent.
func (f *Folio) TryGet() bool {
	for {
		v := f.refs.Load()
		if v <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Put drops a reference. Dropping the last reference releases the memory;
// this can only happen once the mapping has dropped its own reference.
func (f *Folio) Put() {
	v := f.refs.Add(-1)
	switch {
	case v < 0:
		cacheerrors.Invariant("folio %d:%d reference count underflow", f.mapping, f.index)
	case v == 0:
		f.free()
	}
}

// Freeze sets the reference count to zero if it currently equals expected,
// making TryGet fail until Unfreeze. The freezer inherits those references.
func (f *Folio) Freeze(expected int32) bool {
	return f.refs.CompareAndSwap(expected, 0)
}

// IsFrozen reports a zero count on a folio that has not been released.
func (f *Folio) IsFrozen() bool { return f.refs.Load() == 0 && !f.released.Load() }

// Unfreeze restores count references taken by Freeze.
func (f *Folio) Unfreeze(count int32) {
	if !f.refs.CompareAndSwap(0, count) {
		cacheerrors.Invariant("unfreeze of folio %d:%d that is not frozen", f.mapping, f.index)
	}
}

// ReleaseFrozen frees a frozen folio that has been removed from its mapping.
func (f *Folio) ReleaseFrozen() {
	if f.refs.Load() != 0 {
		cacheerrors.Invariant("release of folio %d:%d that is not frozen", f.mapping, f.index)
	}
	f.free()
}

// IsReleased reports whether the memory has gone back to the allocator.
func (f *Folio) IsReleased() bool { return f.released.Load() }

func (f *Folio) free() {
	if !f.released.CompareAndSwap(false, true) {
		cacheerrors.Invariant("double release of folio %d:%d", f.mapping, f.index)
	}
	data := f.data
	f.data = nil
	if f.release != nil {
		f.release(data)
	}
}

// --- Reclaim list linkage ---

func (f *Folio) LRUElement() *list.Element     { return f.lruElement }
func (f *Folio) SetLRUElement(e *list.Element) { f.lruElement = e }
