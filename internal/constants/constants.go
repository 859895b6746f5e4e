package constants

import "time"

// Default geometry constants
const (
	// DefaultBlockSize is the default logical block size in bytes
	DefaultBlockSize = 512

	// DefaultPageSize is the default host transfer page size in bytes
	DefaultPageSize = 4096

	// DefaultTotalBlocks is the default namespace capacity in blocks (64MB at 512B)
	DefaultTotalBlocks = 128 * 1024

	// DefaultQueueDepth is the default I/O queue depth per queue
	DefaultQueueDepth = 32

	// DefaultMaxQueueDepth is the largest queue depth the controller accepts
	DefaultMaxQueueDepth = 1024

	// DefaultMaxQueues is the largest number of I/O queues the controller accepts
	DefaultMaxQueues = 16

	// DefaultMaxBlocksPerIO is the default maximum blocks moved by one command (128KB at 512B)
	DefaultMaxBlocksPerIO = 256

	// DefaultMaxPagesPerQueue is the default maximum pages bound to one queue
	DefaultMaxPagesPerQueue = 65536

	// DefaultDescriptorSlots is the number of transfer-engine descriptor slots
	DefaultDescriptorSlots = 256

	// DefaultNamespaceID is the only namespace exposed by the controller
	DefaultNamespaceID = 1
)

// Device memory map
const (
	// DefaultMediaBase is the device-local byte address of logical block 0
	DefaultMediaBase uint64 = 0x1000_0000

	// DefaultAccelBase is the base address of the aggregation accelerator registers
	DefaultAccelBase uint64 = 0x43C0_0000

	// HostAddressBase is the first IO virtual address handed out for host pages
	HostAddressBase uint64 = 0x10_0000_0000

	// MaxHostAddressHigh bounds the upper 32 bits of any host buffer descriptor
	MaxHostAddressHigh = 0x10000
)

// Timing constants
const (
	// IOTimeout bounds a synchronous wait for one command
	IOTimeout = 60 * time.Second

	// PollInterval is the sleep between completion ring drains while polling
	PollInterval = 50 * time.Microsecond

	// QueueStopTimeout bounds how long Close waits for queue runners to exit
	QueueStopTimeout = 2 * time.Second
)
