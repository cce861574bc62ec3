//go:build !foliocache_debug

package folio

func (f *Folio) setOwner() {}

// Owner is only tracked in foliocache_debug builds.
func (f *Folio) Owner() int64 { return 0 }
