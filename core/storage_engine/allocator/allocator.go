// Package allocator supplies the raw memory behind folios.
package allocator

import (
	"fmt"
	"sync/atomic"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
)

// DefaultPageSize matches the usual hardware page.
const DefaultPageSize = 4096

// Request describes one folio allocation.
type Request struct {
	// Pages is the number of contiguous pages, a power of two.
	Pages int
	// NoWait asks the allocator to fail rather than wait for memory.
	NoWait bool
}

// Allocator hands out page-aligned runs of memory. Free must be called with a
// slice previously returned by Alloc, exactly once.
type Allocator interface {
	Alloc(req Request) ([]byte, error)
	Free(buf []byte)
	PageSize() int
}

// Heap allocates from the Go heap.
type Heap struct {
	pageSize int
}

func NewHeap(pageSize int) *Heap {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Heap{pageSize: pageSize}
}

func (h *Heap) PageSize() int { return h.pageSize }

func (h *Heap) Alloc(req Request) ([]byte, error) {
	if req.Pages <= 0 {
		return nil, fmt.Errorf("%w: invalid page count %d", cacheerrors.ErrAllocFailure, req.Pages)
	}
	return make([]byte, req.Pages*h.pageSize), nil
}

func (h *Heap) Free([]byte) {}

// Limited caps the number of pages outstanding from an inner allocator. It
// never blocks: an allocation over budget fails with ErrAllocFailure and the
// caller decides whether to reclaim and retry.
type Limited struct {
	inner    Allocator
	maxPages int64
	used     atomic.Int64
}

func NewLimited(inner Allocator, maxPages int64) *Limited {
	return &Limited{inner: inner, maxPages: maxPages}
}

func (l *Limited) PageSize() int { return l.inner.PageSize() }

func (l *Limited) Alloc(req Request) ([]byte, error) {
	n := int64(req.Pages)
	if v := l.used.Add(n); v > l.maxPages {
		l.used.Add(-n)
		return nil, fmt.Errorf("%w: %d of %d pages in use, %d requested",
			cacheerrors.ErrAllocFailure, v-n, l.maxPages, n)
	}
	buf, err := l.inner.Alloc(req)
	if err != nil {
		l.used.Add(-n)
		return nil, err
	}
	return buf, nil
}

func (l *Limited) Free(buf []byte) {
	l.inner.Free(buf)
	l.used.Add(-int64(len(buf) / l.inner.PageSize()))
}

// Used returns the pages currently allocated.
func (l *Limited) Used() int64 { return l.used.Load() }

// Limit returns the page budget.
func (l *Limited) Limit() int64 { return l.maxPages }

// New builds the allocator named by kind ("heap" or "mmap"), optionally
// wrapped in a page budget when maxPages is positive.
func New(kind string, pageSize int, maxPages int64) (Allocator, error) {
	var base Allocator
	switch kind {
	case "", "heap":
		base = NewHeap(pageSize)
	case "mmap":
		m, err := NewMmap(pageSize)
		if err != nil {
			return nil, err
		}
		base = m
	default:
		return nil, fmt.Errorf("unknown allocator %q", kind)
	}
	if maxPages > 0 {
		return NewLimited(base, maxPages), nil
	}
	return base, nil
}
