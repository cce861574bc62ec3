// Package cacheerrors defines the outcomes and faults shared by the page cache
// packages. Callers compare with errors.Is.
package cacheerrors

import (
	"errors"
	"fmt"

	crdberrors "github.com/cockroachdb/errors"
)

var (
	// ErrMiss reports that no folio exists at the offset and creation was not
	// requested. It is an ordinary outcome, not a fault.
	ErrMiss = errors.New("no folio cached at offset")
	// ErrWouldBlock is returned when a non-blocking request hits contention.
	ErrWouldBlock = errors.New("operation would block")
	// ErrAllocFailure is returned when memory for a new folio cannot be obtained.
	ErrAllocFailure = errors.New("folio allocation failed")
	// ErrNotEligible is returned by isolation when its preconditions are unmet.
	ErrNotEligible = errors.New("folio not eligible for isolation")
	// ErrExists is returned when adding a folio to an offset that is already taken.
	ErrExists = errors.New("offset already cached")
	// ErrIO wraps backing store failures.
	ErrIO = errors.New("i/o error")
	// ErrClosed is returned for operations on a closed container or cache.
	ErrClosed = errors.New("container closed")
	// ErrOutOfRange is returned for offsets past the last one a folio can cover.
	ErrOutOfRange = errors.New("offset out of range")
	// ErrNoStore is returned when I/O is requested from an engine without a backing store.
	ErrNoStore = errors.New("no backing store configured")
	// ErrInvariant marks programming faults (double unlock, refcount
	// underflow, isolating a tail page). These are never recovered locally.
	ErrInvariant = errors.New("page cache invariant violated")
)

// AssertionFailed builds an ErrInvariant error carrying a stack trace. The
// operation that produced it must abort.
func AssertionFailed(format string, args ...any) error {
	return crdberrors.WithAssertionFailure(crdberrors.Wrapf(ErrInvariant, format, args...))
}

// Invariant panics with an assertion failure. Used where no error can be
// returned (Unlock, Put).
func Invariant(format string, args ...any) {
	panic(AssertionFailed(format, args...))
}

// IO wraps a backing store error so that errors.Is(err, ErrIO) holds while the
// original cause stays reachable.
func IO(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
