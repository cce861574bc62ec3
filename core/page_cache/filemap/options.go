package filemap

// Options selects the behaviour of GetOrCreate. The zero value is a plain
// lookup that neither creates nor locks.
type Options struct {
	// Create allocates and inserts a folio on a miss.
	Create bool
	// Lock returns the folio locked.
	Lock bool
	// NoWait fails with ErrWouldBlock or ErrAllocFailure instead of sleeping
	// on a folio lock, spinning on a busy folio or reclaiming memory.
	NoWait bool
	// WriteBegin implies Create and Lock. Direct reclaim does not write back
	// dirty folios of the container being written.
	WriteBegin bool
	// Accessed marks the folio accessed for the reclaim scanner.
	Accessed bool
	// SizeHint is the number of pages the caller expects to use from offset
	// on. A new folio spans the hint rounded up to a power of two, capped by
	// the engine's max order and shrunk until the offset is aligned to it and
	// the span ends at or before folio.MaxIndex.
	SizeHint int
}

// ForWriteBegin is the option set used by buffered writes.
func ForWriteBegin(hint int) Options {
	return Options{Create: true, Lock: true, WriteBegin: true, SizeHint: hint}
}

func (o Options) normalize() Options {
	if o.WriteBegin {
		o.Create = true
		o.Lock = true
	}
	return o
}
