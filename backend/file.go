package backend

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// File is device media persisted in a regular file. Flush commands fsync it.
type File struct {
	f    *os.File
	path string
	size int64

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// OpenFile opens or creates path and sizes it to size bytes. A size of zero
// keeps the current length of an existing file.
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open media file: %w", err)
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("size media file: %w", err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat media file: %w", err)
		}
		size = fi.Size()
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("media file %s is empty", path)
	}

	return &File{f: f, path: path, size: size}, nil
}

// ReadAt implements the Media interface
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	m.reads.Add(1)
	return m.f.ReadAt(p, off)
}

// WriteAt implements the Media interface
func (m *File) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write at %d+%d beyond end of media (%d bytes)", off, len(p), m.size)
	}
	m.writes.Add(1)
	return m.f.WriteAt(p, off)
}

// Size implements the Media interface
func (m *File) Size() int64 { return m.size }

// Flush implements the Media interface
func (m *File) Flush() error {
	m.flushes.Add(1)
	return m.f.Sync()
}

// Close implements the Media interface
func (m *File) Close() error { return m.f.Close() }

// Stats implements the StatMedia interface
func (m *File) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":    "file",
		"path":    m.path,
		"size":    m.size,
		"reads":   m.reads.Load(),
		"writes":  m.writes.Load(),
		"flushes": m.flushes.Load(),
	}
}

var (
	_ interfaces.Media     = (*File)(nil)
	_ interfaces.StatMedia = (*File)(nil)
)
