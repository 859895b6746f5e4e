//go:build unix

package hostmem

import (
	"golang.org/x/sys/unix"
)

func allocRegion(size int) (*Region, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	// Pinning is best effort; RLIMIT_MEMLOCK is often small for unprivileged users
	locked := unix.Mlock(buf) == nil

	return &Region{buf: buf, mapped: true, locked: locked}, nil
}

func releaseRegion(r *Region) error {
	if !r.mapped {
		return nil
	}
	if r.locked {
		unix.Munlock(r.buf)
	}
	return unix.Munmap(r.buf)
}
