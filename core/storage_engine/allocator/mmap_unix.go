//go:build unix

package allocator

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	cacheerrors "github.com/sushant-115/foliocache/core/page_cache/cache_errors"
)

// Mmap backs every folio with its own anonymous private mapping, keeping
// folio memory outside the Go heap.
type Mmap struct {
	pageSize int
}

// NewMmap requires pageSize to be a multiple of the system page size.
func NewMmap(pageSize int) (*Mmap, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if sys := os.Getpagesize(); pageSize%sys != 0 {
		return nil, fmt.Errorf("mmap allocator: page size %d is not a multiple of system page size %d", pageSize, sys)
	}
	return &Mmap{pageSize: pageSize}, nil
}

func (m *Mmap) PageSize() int { return m.pageSize }

func (m *Mmap) Alloc(req Request) ([]byte, error) {
	if req.Pages <= 0 {
		return nil, fmt.Errorf("%w: invalid page count %d", cacheerrors.ErrAllocFailure, req.Pages)
	}
	buf, err := unix.Mmap(-1, 0, req.Pages*m.pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d pages: %w", cacheerrors.ErrAllocFailure, req.Pages, err)
	}
	return buf, nil
}

func (m *Mmap) Free(buf []byte) {
	if err := unix.Munmap(buf); err != nil {
		cacheerrors.Invariant("munmap of %d bytes: %v", len(buf), err)
	}
}
