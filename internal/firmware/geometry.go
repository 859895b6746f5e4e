package firmware

import "fmt"

// Geometry describes the namespace the controller exposes. It is fixed when
// the controller is created and copied by value to every consumer.
type Geometry struct {
	BlockSize        uint32
	TotalBlocks      uint64
	PageSize         uint32
	MaxQueueDepth    int
	MaxPagesPerQueue int
	MaxBlocksPerIO   uint32

	// MediaBase is the device-local byte address of block 0
	MediaBase uint64
}

// Validate checks the geometry for internal consistency
func (g Geometry) Validate() error {
	if g.BlockSize == 0 || g.BlockSize&(g.BlockSize-1) != 0 {
		return fmt.Errorf("block size %d must be a power of two", g.BlockSize)
	}
	if g.TotalBlocks == 0 {
		return fmt.Errorf("namespace has no blocks")
	}
	if g.PageSize == 0 || g.PageSize%g.BlockSize != 0 {
		return fmt.Errorf("page size %d must be a multiple of block size %d", g.PageSize, g.BlockSize)
	}
	if g.MaxQueueDepth <= 0 {
		return fmt.Errorf("invalid max queue depth %d", g.MaxQueueDepth)
	}
	if g.MaxPagesPerQueue <= 0 {
		return fmt.Errorf("invalid max pages per queue %d", g.MaxPagesPerQueue)
	}
	if g.MaxBlocksPerIO == 0 || g.MaxBlocksPerIO > 1<<16 {
		return fmt.Errorf("max blocks per I/O %d out of range", g.MaxBlocksPerIO)
	}
	return nil
}

// BlocksPerPage returns how many logical blocks fit in one host page
func (g Geometry) BlocksPerPage() uint32 {
	return g.PageSize / g.BlockSize
}

// Capacity returns the namespace size in bytes
func (g Geometry) Capacity() uint64 {
	return g.TotalBlocks * uint64(g.BlockSize)
}

// BlockAddr returns the device-local address of a logical block
func (g Geometry) BlockAddr(block uint64) uint64 {
	return g.MediaBase + block*uint64(g.BlockSize)
}
