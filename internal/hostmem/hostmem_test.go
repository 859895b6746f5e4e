package hostmem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRoundsToPages(t *testing.T) {
	r, err := Alloc(5000)
	require.NoError(t, err)
	defer r.Release()

	assert.Equal(t, 2*PageSize, r.Len())
	for _, b := range r.Bytes() {
		if b != 0 {
			t.Fatal("region not zeroed")
		}
	}

	_, err = Alloc(0)
	assert.Error(t, err)
}

func TestReleaseTwice(t *testing.T) {
	r, err := Alloc(PageSize)
	require.NoError(t, err)
	require.NoError(t, r.Release())
	assert.ErrorIs(t, r.Release(), ErrReleased)
}

func TestSpaceReadWrite(t *testing.T) {
	s := NewSpace(0x10_0000_0000)
	a := make([]byte, PageSize)
	b := make([]byte, PageSize)

	addrA, err := s.Map(a)
	require.NoError(t, err)
	addrB, err := s.Map(b)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x10_0000_0000), addrA)
	assert.Equal(t, addrA+2*PageSize, addrB, "guard page between mappings")
	assert.Zero(t, addrA%PageSize)
	assert.Zero(t, addrB%PageSize)

	require.NoError(t, s.WriteAt([]byte("hello"), addrB+10))
	assert.Equal(t, "hello", string(b[10:15]))

	out := make([]byte, 5)
	require.NoError(t, s.ReadAt(out, addrB+10))
	assert.Equal(t, "hello", string(out))
}

func TestSpaceFaults(t *testing.T) {
	s := NewSpace(0x1000)
	buf := make([]byte, PageSize)
	addr, err := s.Map(buf)
	require.NoError(t, err)

	// Straddles the end of the mapping
	assert.ErrorIs(t, s.WriteAt(make([]byte, 16), addr+PageSize-8), ErrFault)
	// Guard page
	assert.ErrorIs(t, s.ReadAt(make([]byte, 1), addr+PageSize), ErrFault)
	// Below the first mapping
	assert.ErrorIs(t, s.ReadAt(make([]byte, 1), 0), ErrFault)
}

func TestUnmapFencesLateTransfers(t *testing.T) {
	s := NewSpace(0x1000)
	buf := make([]byte, PageSize)
	addr, err := s.Map(buf)
	require.NoError(t, err)

	require.NoError(t, s.Unmap(addr))
	assert.Equal(t, 0, s.Mapped())

	assert.ErrorIs(t, s.WriteAt([]byte{0xFF}, addr), ErrFault)
	assert.Equal(t, byte(0), buf[0], "late write must not reach the buffer")

	assert.ErrorIs(t, s.Unmap(addr), ErrNotMapped)
}

func TestSpaceConcurrent(t *testing.T) {
	s := NewSpace(0x1000)
	var wg sync.WaitGroup
	addrs := make([]uint64, 16)

	for i := range addrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr, err := s.Map(make([]byte, PageSize))
			if err != nil {
				t.Error(err)
				return
			}
			addrs[i] = addr
			if err := s.WriteAt([]byte{byte(i)}, addr); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(addrs), s.Mapped())
	for i, addr := range addrs {
		out := make([]byte, 1)
		require.NoError(t, s.ReadAt(out, addr))
		assert.Equal(t, byte(i), out[0])
	}
}
