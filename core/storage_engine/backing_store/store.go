// Package backingstore holds the persistent side of the page cache: it fills
// folios on a miss and persists dirty folios during writeback.
package backingstore

import (
	"context"

	"github.com/sushant-115/foliocache/core/page_cache/folio"
)

// Store is implemented by anything that can back a container. Populate and
// Persist are called with a reference held; Populate also with the folio
// locked. Neither changes folio flags: success and failure bookkeeping is
// left to the caller so a failed call can simply be retried.
type Store interface {
	Populate(ctx context.Context, f *folio.Folio) error
	Persist(ctx context.Context, f *folio.Folio) error
	// StableWrites reports whether folio content must not change while a
	// Persist of it is in flight.
	StableWrites() bool
}

// Syncer is implemented by stores that buffer writes.
type Syncer interface {
	Sync(ctx context.Context, id folio.MappingID) error
}

// Remover is implemented by stores that can discard a container's data.
type Remover interface {
	Remove(id folio.MappingID) error
}
