package hostmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrFault is returned when a transfer touches an address that is not
	// (or no longer) mapped.
	ErrFault = errors.New("hostmem: IO page fault")

	// ErrNotMapped is returned by Unmap for an unknown base address
	ErrNotMapped = errors.New("hostmem: address not mapped")
)

type mapping struct {
	base uint64
	buf  []byte
}

func (m *mapping) end() uint64 { return m.base + uint64(len(m.buf)) }

// Space is an IO virtual address space. It is safe for concurrent use.
//
// Transfers hold the read lock for their whole copy; Unmap takes the write
// lock, so once Unmap returns no transfer can still be touching the buffer.
type Space struct {
	mu   sync.RWMutex
	next uint64
	maps []*mapping // sorted by base
}

// NewSpace creates an address space whose first mapping starts at base
func NewSpace(base uint64) *Space {
	return &Space{next: base}
}

// Map publishes buf and returns its IO address. Mappings are page aligned and
// separated by an unmapped guard page.
func (s *Space) Map(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("hostmem: cannot map empty buffer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.next
	s.next += uint64(roundUp(len(buf), PageSize)) + PageSize
	s.maps = append(s.maps, &mapping{base: base, buf: buf})
	return base, nil
}

// Unmap revokes the mapping that starts at base
func (s *Space) Unmap(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.search(base)
	if i < 0 || s.maps[i].base != base {
		return ErrNotMapped
	}
	s.maps = append(s.maps[:i], s.maps[i+1:]...)
	return nil
}

// Mapped returns the number of live mappings
func (s *Space) Mapped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.maps)
}

// ReadAt copies len(p) bytes starting at IO address addr into p
func (s *Space) ReadAt(p []byte, addr uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	win, err := s.window(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, win)
	return nil
}

// WriteAt copies p to IO address addr
func (s *Space) WriteAt(p []byte, addr uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	win, err := s.window(addr, len(p))
	if err != nil {
		return err
	}
	copy(win, p)
	return nil
}

// window returns the slice of mapped memory for [addr, addr+n). Caller holds mu.
func (s *Space) window(addr uint64, n int) ([]byte, error) {
	i := s.search(addr)
	if i < 0 {
		return nil, fmt.Errorf("%w at 0x%x", ErrFault, addr)
	}
	m := s.maps[i]
	if addr+uint64(n) > m.end() {
		return nil, fmt.Errorf("%w at 0x%x (+%d)", ErrFault, addr, n)
	}
	off := addr - m.base
	return m.buf[off : off+uint64(n)], nil
}

// search returns the index of the mapping containing addr, or -1
func (s *Space) search(addr uint64) int {
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].end() > addr })
	if i == len(s.maps) || s.maps[i].base > addr {
		return -1
	}
	return i
}
