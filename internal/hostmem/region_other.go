//go:build !unix

package hostmem

import "unsafe"

func allocRegion(size int) (*Region, error) {
	// Over-allocate so the returned slice starts on a page boundary
	raw := make([]byte, size+PageSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % PageSize); rem != 0 {
		off = PageSize - rem
	}
	return &Region{buf: raw[off : off+size : off+size]}, nil
}

func releaseRegion(r *Region) error {
	return nil
}
