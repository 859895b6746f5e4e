//go:build giouring
// +build giouring

package backend

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// URingFile is file media whose reads, writes and flushes go through an
// io_uring instance. Operations are serialized on the ring.
type URingFile struct {
	f    *os.File
	path string
	size int64

	mu   sync.Mutex
	ring *giouring.Ring

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// OpenURingFile opens path like OpenFile and sets up a ring of entries slots
func OpenURingFile(path string, size int64, entries uint32) (*URingFile, error) {
	plain, err := OpenFile(path, size)
	if err != nil {
		return nil, err
	}
	if entries == 0 {
		entries = 32
	}

	ring, err := giouring.CreateRing(entries)
	if err != nil {
		plain.Close()
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	return &URingFile{f: plain.f, path: path, size: plain.size, ring: ring}, nil
}

// submit runs one prepared SQE and returns its result
func (m *URingFile) submit(prep func(sqe *giouring.SubmissionQueueEntry)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sqe := m.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("io_uring submission queue full")
	}
	prep(sqe)

	if _, err := m.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("io_uring submit: %w", err)
	}
	cqe, err := m.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("io_uring wait: %w", err)
	}
	res := cqe.Res
	m.ring.CQESeen(cqe)

	if res < 0 {
		return 0, syscall.Errno(-res)
	}
	return int(res), nil
}

// ReadAt implements the Media interface
func (m *URingFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m.reads.Add(1)
	n, err := m.submit(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(int(m.f.Fd()), uintptr(unsafe.Pointer(&p[0])), uint32(len(p)), uint64(off))
	})
	if err == nil && n < len(p) {
		err = fmt.Errorf("short read %d of %d at %d", n, len(p), off)
	}
	return n, err
}

// WriteAt implements the Media interface
func (m *URingFile) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write at %d+%d beyond end of media (%d bytes)", off, len(p), m.size)
	}
	if len(p) == 0 {
		return 0, nil
	}
	m.writes.Add(1)
	n, err := m.submit(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareWrite(int(m.f.Fd()), uintptr(unsafe.Pointer(&p[0])), uint32(len(p)), uint64(off))
	})
	if err == nil && n < len(p) {
		err = fmt.Errorf("short write %d of %d at %d", n, len(p), off)
	}
	return n, err
}

// Size implements the Media interface
func (m *URingFile) Size() int64 { return m.size }

// Flush implements the Media interface
func (m *URingFile) Flush() error {
	m.flushes.Add(1)
	_, err := m.submit(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(int(m.f.Fd()), 0)
	})
	return err
}

// Close implements the Media interface
func (m *URingFile) Close() error {
	m.mu.Lock()
	m.ring.QueueExit()
	m.mu.Unlock()
	return m.f.Close()
}

// Stats implements the StatMedia interface
func (m *URingFile) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":    "uring-file",
		"path":    m.path,
		"size":    m.size,
		"reads":   m.reads.Load(),
		"writes":  m.writes.Load(),
		"flushes": m.flushes.Load(),
	}
}

var _ interfaces.StatMedia = (*URingFile)(nil)
