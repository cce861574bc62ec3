//go:build foliocache_debug

package folio

import commonutils "github.com/sushant-115/foliocache/internal/common_utils"

// setOwner records the goroutine holding the lock. Called with mu held.
func (f *Folio) setOwner() { f.owner = commonutils.GoID() }

// Owner returns the goroutine id holding the lock, or 0.
func (f *Folio) Owner() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner
}
