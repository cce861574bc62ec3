//go:build !unix

package allocator

import "errors"

type Mmap struct{ Heap }

func NewMmap(int) (*Mmap, error) {
	return nil, errors.New("mmap allocator is only available on unix")
}
