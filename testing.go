package csd

import (
	"io"
	"sync"
)

// MockMedia provides a mock implementation of Media for testing.
// It tracks method calls and can be told to fail reads, writes or flushes.
type MockMedia struct {
	data    []byte
	size    int64
	closed  bool
	flushed bool
	stats   map[string]interface{}

	readErr  error
	writeErr error
	flushErr error

	// Method call tracking
	mu         sync.RWMutex
	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockMedia creates a new mock media of the specified size.
func NewMockMedia(size int64) *MockMedia {
	return &MockMedia{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]interface{}),
	}
}

// ReadAt implements the Media interface
func (m *MockMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, ErrDeviceOffline
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	if off < 0 {
		return 0, ErrInvalidParameters
	}
	if off >= m.size {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Media interface
func (m *MockMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, ErrDeviceOffline
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if off < 0 || off >= m.size {
		return 0, ErrInvalidParameters
	}

	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Size implements the Media interface
func (m *MockMedia) Size() int64 {
	return m.size
}

// Close implements the Media interface
func (m *MockMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements the Media interface
func (m *MockMedia) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	if m.flushErr != nil {
		return m.flushErr
	}
	m.flushed = true
	return nil
}

// Stats implements the StatMedia interface
func (m *MockMedia) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	for k, v := range m.stats {
		stats[k] = v
	}

	stats["type"] = "mock"
	stats["size"] = m.size
	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls

	return stats
}

// Testing utility methods

// Bytes returns a copy of the media contents in [off, off+n)
func (m *MockMedia) Bytes(off, n int64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, n)
	copy(out, m.data[off:off+n])
	return out
}

// Fill copies p into the media at off without counting a write
func (m *MockMedia) Fill(p []byte, off int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[off:], p)
}

// FailReads makes every later ReadAt return err; nil restores normal reads
func (m *MockMedia) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes every later WriteAt return err
func (m *MockMedia) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailFlushes makes every later Flush return err
func (m *MockMedia) FailFlushes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushErr = err
}

// IsClosed returns true if the media has been closed
func (m *MockMedia) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has succeeded
func (m *MockMedia) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns the number of times each method has been called
func (m *MockMedia) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset resets all call counters, injected errors and state flags
func (m *MockMedia) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.flushed = false
	m.readErr = nil
	m.writeErr = nil
	m.flushErr = nil
}

// SetCustomStats allows setting custom statistics for testing
func (m *MockMedia) SetCustomStats(stats map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]interface{})
	for k, v := range stats {
		m.stats[k] = v
	}
}

// Compile-time interface checks
var (
	_ Media     = (*MockMedia)(nil)
	_ StatMedia = (*MockMedia)(nil)
)
