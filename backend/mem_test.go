package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
)

func TestNewMemory(t *testing.T) {
	size := int64(1024)
	mem := NewMemory(size)

	if mem.Size() != size {
		t.Errorf("Size() = %d, want %d", mem.Size(), size)
	}

	if len(mem.data) != int(size) {
		t.Errorf("data length = %d, want %d", len(mem.data), size)
	}
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("activity block 0")
	n, err := mem.WriteAt(testData, 512)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 512)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("ReadAt read %d bytes, want %d", n, len(testData))
	}
	if !bytes.Equal(readBuf, testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt across end error = %v, want io.EOF", err)
	}
	if n != 20 {
		t.Errorf("ReadAt at boundary read %d bytes, want 20", n)
	}

	if _, err := mem.ReadAt(buf, 100); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past end error = %v, want io.EOF", err)
	}

	n, err = mem.WriteAt([]byte("test"), 98)
	if !errors.Is(err, io.ErrShortWrite) || n != 2 {
		t.Errorf("WriteAt across end = %d, %v; want 2, io.ErrShortWrite", n, err)
	}

	if _, err := mem.WriteAt([]byte("test"), 101); err == nil {
		t.Error("WriteAt beyond end should fail")
	}
	if _, err := mem.WriteAt([]byte("test"), -1); err == nil {
		t.Error("WriteAt at negative offset should fail")
	}
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(100)
	mem.Close()

	if _, err := mem.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadAt after Close error = %v, want ErrClosed", err)
	}
	if _, err := mem.WriteAt([]byte{1}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteAt after Close error = %v, want ErrClosed", err)
	}
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(4096)
	defer mem.Close()

	mem.WriteAt([]byte{1, 2, 3}, 0)
	mem.ReadAt(make([]byte, 3), 0)
	mem.Flush()

	stats := mem.Stats()
	if stats["type"] != "memory" {
		t.Errorf("type = %v, want memory", stats["type"])
	}
	if stats["writes"] != uint64(1) || stats["reads"] != uint64(1) || stats["flushes"] != uint64(1) {
		t.Errorf("unexpected counters: %v", stats)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	mem := NewMemory(64 * 512)
	defer mem.Close()

	var wg sync.WaitGroup
	for block := 0; block < 64; block++ {
		wg.Add(1)
		go func(block int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(block)}, 512)
			if _, err := mem.WriteAt(data, int64(block*512)); err != nil {
				t.Errorf("block %d: %v", block, err)
			}
		}(block)
	}
	wg.Wait()

	buf := make([]byte, 512)
	for block := 0; block < 64; block++ {
		mem.ReadAt(buf, int64(block*512))
		if buf[0] != byte(block) || buf[511] != byte(block) {
			t.Fatalf("block %d holds %d", block, buf[0])
		}
	}
}

func TestFileMedia(t *testing.T) {
	path := filepath.Join(t.TempDir(), "media.img")

	m, err := OpenFile(path, 8192)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if m.Size() != 8192 {
		t.Errorf("Size() = %d, want 8192", m.Size())
	}

	want := []byte("persisted block")
	if _, err := m.WriteAt(want, 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := m.WriteAt(want, 8190); err == nil {
		t.Error("WriteAt across end should fail")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen keeping the existing size
	m, err = OpenFile(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m.Close()
	if m.Size() != 8192 {
		t.Errorf("reopened Size() = %d, want 8192", m.Size())
	}

	got := make([]byte, len(want))
	if _, err := m.ReadAt(got, 4096); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt got %q, want %q", got, want)
	}
	if m.Stats()["type"] != "file" {
		t.Errorf("unexpected stats %v", m.Stats())
	}
}

func TestOpenFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.img")
	if _, err := OpenFile(path, 0); err == nil {
		t.Error("OpenFile of an empty file without a size should fail")
	}
}

// BenchmarkMemoryMedia measures block-sized transfers against RAM media
func BenchmarkMemoryMedia(b *testing.B) {
	sizes := []int{512, 4 * 1024, 128 * 1024}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			media := NewMemory(64 << 20)
			data := make([]byte, size)
			rand.Read(data)

			b.Run("ReadAt", func(b *testing.B) {
				buf := make([]byte, size)
				b.SetBytes(int64(size))
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					offset := int64(rand.Intn(64<<20 - size))
					media.ReadAt(buf, offset)
				}
			})

			b.Run("WriteAt", func(b *testing.B) {
				b.SetBytes(int64(size))
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					offset := int64(rand.Intn(64<<20 - size))
					media.WriteAt(data, offset)
				}
			})
		})
	}
}
