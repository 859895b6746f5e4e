// Package hostmem manages the host memory that the controller may reach by DMA.
//
// Buffers are allocated as page-aligned regions and published to the device
// through a Space, which assigns IO virtual addresses. The device never sees a
// Go pointer; every transfer resolves its address through the Space, so
// revoking a mapping fences the buffer against late transfers.
package hostmem

import (
	"errors"
	"fmt"
)

// PageSize is the allocation granule of a region and of the IO address space
const PageSize = 4096

// Region is a page-aligned block of host memory usable as a DMA target
type Region struct {
	buf    []byte
	mapped bool // backed by mmap rather than the Go heap
	locked bool
}

// ErrReleased is returned when a released region is used
var ErrReleased = errors.New("hostmem: region released")

// Alloc returns a zeroed region of at least size bytes, rounded up to PageSize.
func Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostmem: invalid region size %d", size)
	}
	size = roundUp(size, PageSize)
	return allocRegion(size)
}

// Bytes returns the backing memory. It must not be used after Release.
func (r *Region) Bytes() []byte { return r.buf }

// Len returns the region length in bytes
func (r *Region) Len() int { return len(r.buf) }

// Locked reports whether the pages are pinned in RAM
func (r *Region) Locked() bool { return r.locked }

// Release returns the memory to the system. Any IO mapping of the region must
// have been removed first.
func (r *Region) Release() error {
	if r.buf == nil {
		return ErrReleased
	}
	err := releaseRegion(r)
	r.buf = nil
	return err
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}
