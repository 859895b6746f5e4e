// Package backend provides device media implementations for the controller
package backend

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// ErrClosed is returned by media operations after Close
var ErrClosed = errors.New("media closed")

// Memory provides RAM-backed device media, standing in for the device's DDR
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// NewMemory creates a new memory media of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Media interface. A read crossing the end returns the
// bytes available and io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= m.size {
		return 0, io.EOF
	}
	m.reads.Add(1)

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Media interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, ErrClosed
	}
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("write at %d beyond end of media (%d bytes)", off, m.size)
	}
	m.writes.Add(1)

	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Size implements the Media interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Media interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear the data to help with GC
	m.data = nil
	return nil
}

// Flush implements the Media interface
func (m *Memory) Flush() error {
	// RAM has nothing to persist
	m.flushes.Add(1)
	return nil
}

// Stats implements the StatMedia interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
		"reads":     m.reads.Load(),
		"writes":    m.writes.Load(),
		"flushes":   m.flushes.Load(),
	}
}

// Compile-time interface checks
var (
	_ interfaces.Media     = (*Memory)(nil)
	_ interfaces.StatMedia = (*Memory)(nil)
)
