package pagecache

import (
	"fmt"
	"time"

	"github.com/sushant-115/foliocache/core/page_cache/filemap"
	"github.com/sushant-115/foliocache/core/page_cache/reclaim"
	"github.com/sushant-115/foliocache/core/page_cache/writeback"
	"github.com/sushant-115/foliocache/core/storage_engine/allocator"
)

// Config sizes a Cache.
type Config struct {
	// PageSize is the size of one page in bytes.
	PageSize int `yaml:"page_size"`
	// MaxOrder caps folios at 1<<MaxOrder pages.
	MaxOrder uint8 `yaml:"max_order"`
	// MaxPages is the page budget; zero means unbounded.
	MaxPages int64 `yaml:"max_pages"`
	// Allocator is "heap" or "mmap".
	Allocator string `yaml:"allocator"`
	// ShadowEntries bounds the number of remembered evictions.
	ShadowEntries int `yaml:"shadow_entries"`
	// TraceLookups logs every lookup with its call site at debug level.
	TraceLookups bool `yaml:"trace_lookups"`

	Writeback writeback.Config `yaml:"writeback"`
}

func DefaultConfig() Config {
	return Config{
		PageSize:      allocator.DefaultPageSize,
		MaxOrder:      filemap.DefaultMaxOrder,
		Allocator:     "heap",
		ShadowEntries: reclaim.DefaultShadowEntries,
		Writeback: writeback.Config{
			Interval: 5 * time.Second,
		},
	}
}

// Validate rejects configurations the cache cannot run with.
func (c Config) Validate() error {
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size %d is not a positive power of two", c.PageSize)
	}
	if c.MaxOrder > filemap.MaxOrderLimit {
		return fmt.Errorf("max_order %d exceeds %d", c.MaxOrder, filemap.MaxOrderLimit)
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max_pages %d is negative", c.MaxPages)
	}
	if c.MaxPages > 0 && c.MaxPages < int64(1)<<c.MaxOrder {
		return fmt.Errorf("max_pages %d cannot hold one folio of order %d", c.MaxPages, c.MaxOrder)
	}
	switch c.Allocator {
	case "", "heap", "mmap":
	default:
		return fmt.Errorf("unknown allocator %q", c.Allocator)
	}
	if c.Writeback.Interval < 0 {
		return fmt.Errorf("writeback interval %s is negative", c.Writeback.Interval)
	}
	if c.Writeback.PagesPerSecond < 0 {
		return fmt.Errorf("writeback pages_per_second %g is negative", c.Writeback.PagesPerSecond)
	}
	return nil
}
