package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-csd/internal/accel"
	"github.com/ehrlich-b/go-csd/internal/constants"
	"github.com/ehrlich-b/go-csd/internal/dma"
	"github.com/ehrlich-b/go-csd/internal/firmware"
	"github.com/ehrlich-b/go-csd/internal/interfaces"
	"github.com/ehrlich-b/go-csd/internal/logging"
	"github.com/ehrlich-b/go-csd/internal/queue"
)

// Geometry is the namespace descriptor shared by the controller and the host library
type Geometry = firmware.Geometry

// Identity strings reported by Identify
const (
	VendorID        = 0x10EE
	DefaultModel    = "go-csd offload controller"
	DefaultSerial   = "CSD0000000001"
	FirmwareVersion = "1.0"
)

type Params struct {
	Geometry Geometry
	Media    interfaces.Media
	Kernel   accel.Kernel

	MaxQueues       int
	DescriptorSlots int64

	AccelPollLimit    int
	AccelPollInterval time.Duration
	AccelLatency      time.Duration

	HaltOnViolation bool

	Model  string
	Serial string
	Logger *logging.Logger
}

// DefaultGeometry returns the default namespace geometry for a media of size bytes
func DefaultGeometry(size int64) Geometry {
	return Geometry{
		BlockSize:        constants.DefaultBlockSize,
		TotalBlocks:      uint64(size) / constants.DefaultBlockSize,
		PageSize:         constants.DefaultPageSize,
		MaxQueueDepth:    constants.DefaultMaxQueueDepth,
		MaxPagesPerQueue: constants.DefaultMaxPagesPerQueue,
		MaxBlocksPerIO:   constants.DefaultMaxBlocksPerIO,
		MediaBase:        constants.DefaultMediaBase,
	}
}

func DefaultParams(media interfaces.Media) Params {
	var size int64
	if media != nil {
		size = media.Size()
	}
	return Params{
		Geometry: DefaultGeometry(size),
		Media:    media,
		Kernel:   accel.PrefixSum32{},

		MaxQueues:       constants.DefaultMaxQueues,
		DescriptorSlots: constants.DefaultDescriptorSlots,

		AccelPollLimit:    0, // trusted hardware: poll until ready
		AccelPollInterval: 0,

		HaltOnViolation: true,

		Model:  DefaultModel,
		Serial: DefaultSerial,
	}
}

// Identify describes the controller and its single namespace
type Identify struct {
	NamespaceID      uint32
	VendorID         uint16
	Model            string
	Serial           string
	FirmwareRev      string
	MaxQueues        int
	MaxQueueDepth    int
	PageSize         uint32
	BlockSize        uint32
	TotalBlocks      uint64
	BlocksPerPage    uint32
	MaxPagesPerIO    uint32
	MaxBlocksPerIO   uint32
	MaxPagesPerQueue int
	Kernel           string
	KernelID         uint32
}

// Size returns the namespace capacity in bytes
func (id *Identify) Size() int64 {
	return int64(id.TotalBlocks) * int64(id.BlockSize)
}

// Stats is a snapshot of every controller component
type Stats struct {
	Dispatch firmware.DispatchStats
	Reporter firmware.ReporterStats
	Engine   dma.Stats
	Accel    accel.DriverStats
	Queues   map[uint16]queue.Stats
	Faulted  bool
}
