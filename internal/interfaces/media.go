package interfaces

// Media defines the device-resident storage that the controller moves blocks
// into and out of. The interface is intentionally similar to io.ReaderAt and
// io.WriterAt; offsets are media-relative byte offsets (block 0 is offset 0).
type Media interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// It returns the number of bytes read (0 <= n <= len(p)) and any error encountered.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p to the media at offset off.
	// It returns the number of bytes written from p (0 <= n <= len(p)) and
	// any error encountered that caused the write to stop early.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the media in bytes.
	// The controller derives the namespace capacity from it.
	Size() int64

	// Close closes the media and releases any resources.
	// After Close is called, no other methods should be called.
	Close() error

	// Flush flushes any cached writes to stable storage.
	// This is called for every Flush command.
	Flush() error
}

// StatMedia is an optional interface that provides media statistics.
type StatMedia interface {
	Media

	// Stats returns media-specific statistics.
	// The returned map contains string keys with numeric values.
	Stats() map[string]interface{}
}

// Registers is a 32-bit memory-mapped register window. Offsets are relative to
// the window base. Implementations must be safe for concurrent use because the
// hardware side updates status while the driver polls it.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}
