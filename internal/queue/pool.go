package queue

import "sync"

// BufferPool provides pooled staging buffers for the transfer engine.
// Uses size-bucketed pools (one block, one page, 64KB, 1MB) so that the
// per-block copies of the data path do not allocate.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size512 = 512
	size4k  = 4 * 1024
	size64k = 64 * 1024
	size1m  = 1024 * 1024
)

// globalPool is the shared buffer pool for all transfer engines.
// Uses pointer-to-slice pattern for efficient sync.Pool usage.
var globalPool = struct {
	pool512 sync.Pool
	pool4k  sync.Pool
	pool64k sync.Pool
	pool1m  sync.Pool
}{
	pool512: sync.Pool{New: func() any { b := make([]byte, size512); return &b }},
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool1m:  sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a pooled buffer of at least the requested size.
// Sizes above 1MB are allocated and never pooled.
// Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size512:
		return (*globalPool.pool512.Get().(*[]byte))[:size]
	case size <= size4k:
		return (*globalPool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	// Restore full capacity before returning to pool
	buf = buf[:c]
	switch c {
	case size512:
		globalPool.pool512.Put(&buf)
	case size4k:
		globalPool.pool4k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}

// Pool adapts the global buffer pool to the transfer engine's staging interface
type Pool struct{}

func (Pool) Get(size uint32) []byte { return GetBuffer(size) }
func (Pool) Put(buf []byte)         { PutBuffer(buf) }
