// Package csd is the host side of a computational-storage offload path. It
// opens a namespace on a storage target, maps page buffers the device can
// reach, submits reads and writes asynchronously over several queues, asks
// the device to aggregate a block range in place and polls completions.
package csd

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-csd/internal/accel"
	"github.com/ehrlich-b/go-csd/internal/constants"
	"github.com/ehrlich-b/go-csd/internal/ctrl"
	"github.com/ehrlich-b/go-csd/internal/logging"
)

// DeviceParams contains parameters for creating a storage target
type DeviceParams struct {
	// Media provides the device-resident storage
	Media Media

	// Namespace geometry
	BlockSize        uint32 // Logical block size in bytes (default: 512)
	PageSize         uint32 // Host page size in bytes (default: 4096)
	TotalBlocks      uint64 // Namespace capacity; 0 derives it from the media size
	MaxQueueDepth    int    // Deepest queue the controller accepts
	MaxQueues        int    // Most I/O queues the controller accepts
	MaxBlocksPerIO   uint32 // Largest single transfer in blocks
	MaxPagesPerQueue int    // Most pages bound to one queue

	// Controller resources
	DescriptorSlots int64  // Transfer engine descriptor slots
	Kernel          string // Aggregation kernel: "prefix-sum32" or "rs-parity"

	// Accelerator polling; a zero limit polls until the hardware reports ready
	AccelPollLimit    int
	AccelPollInterval time.Duration
	AccelLatency      time.Duration // simulated job latency

	// HaltOnViolation stops the controller on the first protocol violation.
	// When false the offending command completes with an error instead.
	HaltOnViolation bool

	// Name registers the target for Open; empty leaves it unregistered
	Name string
}

// DefaultParams returns default device parameters
func DefaultParams(media Media) DeviceParams {
	return DeviceParams{
		Media:            media,
		BlockSize:        constants.DefaultBlockSize,
		PageSize:         constants.DefaultPageSize,
		MaxQueueDepth:    constants.DefaultMaxQueueDepth,
		MaxQueues:        constants.DefaultMaxQueues,
		MaxBlocksPerIO:   constants.DefaultMaxBlocksPerIO,
		MaxPagesPerQueue: constants.DefaultMaxPagesPerQueue,
		DescriptorSlots:  constants.DefaultDescriptorSlots,
		Kernel:           "prefix-sum32",
		HaltOnViolation:  true,
	}
}

// Options contains additional options for device creation
type Options struct {
	// Logger for debug/info messages (if nil, no logging)
	Logger Logger

	// Observer for metrics collection (if nil, records into the device metrics)
	Observer Observer
}

// Device is a simulated storage target: media plus the controller that
// serves queue pairs over it. One namespace may be open at a time.
type Device struct {
	// Name is the registry name, empty when unregistered
	Name string

	media   Media
	ctrl    *ctrl.Controller
	geo     Geometry
	kernel  accel.Kernel
	logger  Logger
	metrics *Metrics

	observer Observer

	mu      sync.Mutex
	ns      *Namespace
	session uint32
	closed  bool
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Device)
)

// NewDevice builds a storage target over params.Media and starts its controller
func NewDevice(params DeviceParams, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}
	if params.Media == nil {
		return nil, NewError("CREATE", ErrCodeInvalidParameters, "media is required")
	}

	geo := Geometry{
		BlockSize:        params.BlockSize,
		TotalBlocks:      params.TotalBlocks,
		PageSize:         params.PageSize,
		MaxQueueDepth:    params.MaxQueueDepth,
		MaxPagesPerQueue: params.MaxPagesPerQueue,
		MaxBlocksPerIO:   params.MaxBlocksPerIO,
		MediaBase:        constants.DefaultMediaBase,
	}
	if geo.TotalBlocks == 0 && geo.BlockSize != 0 {
		geo.TotalBlocks = uint64(params.Media.Size()) / uint64(geo.BlockSize)
	}
	if err := geo.Validate(); err != nil {
		return nil, NewError("CREATE", ErrCodeInvalidParameters, err.Error())
	}

	kernel, err := accel.NewKernel(params.Kernel)
	if err != nil {
		return nil, NewError("CREATE", ErrCodeInvalidParameters, err.Error())
	}

	c, err := ctrl.New(ctrl.Params{
		Geometry:          geo,
		Media:             params.Media,
		Kernel:            kernel,
		MaxQueues:         params.MaxQueues,
		DescriptorSlots:   params.DescriptorSlots,
		AccelPollLimit:    params.AccelPollLimit,
		AccelPollInterval: params.AccelPollInterval,
		AccelLatency:      params.AccelLatency,
		HaltOnViolation:   params.HaltOnViolation,
		Model:             ctrl.DefaultModel,
		Serial:            ctrl.DefaultSerial,
		Logger:            logging.Default().WithTarget(params.Name),
	})
	if err != nil {
		return nil, WrapError("CREATE", err)
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	d := &Device{
		Name:     params.Name,
		media:    params.Media,
		ctrl:     c,
		geo:      geo,
		kernel:   kernel,
		logger:   options.Logger,
		metrics:  metrics,
		observer: observer,
	}

	if params.Name != "" {
		registryMu.Lock()
		_, taken := registry[params.Name]
		if !taken {
			registry[params.Name] = d
		}
		registryMu.Unlock()
		if taken {
			c.Close()
			return nil, NewError("CREATE", ErrCodeDeviceBusy, fmt.Sprintf("target %q already exists", params.Name))
		}
	}

	if d.logger != nil {
		d.logger.Printf("Device created: %q with %d blocks of %d bytes, kernel %s", params.Name, geo.TotalBlocks, geo.BlockSize, kernel.Name())
	}
	return d, nil
}

// Open opens the namespace of the registered target name
func Open(name string, params OpenParams) (*Namespace, error) {
	registryMu.Lock()
	d, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, NewError("OPEN", ErrCodeDeviceNotFound, fmt.Sprintf("no target %q", name))
	}
	return d.Open(params)
}

// Geometry returns the namespace geometry
func (d *Device) Geometry() Geometry { return d.geo }

// Kernel returns the aggregation kernel the accelerator runs
func (d *Device) Kernel() accel.Kernel { return d.kernel }

// Media returns the device media
func (d *Device) Media() Media { return d.media }

// Metrics returns the metrics of the device's namespaces
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// Faulted returns the protocol violation that halted the controller, if any
func (d *Device) Faulted() error { return d.ctrl.Faulted() }

// ControllerStats returns a snapshot of the controller components
func (d *Device) ControllerStats() ctrl.Stats { return d.ctrl.Stats() }

// Identify returns the controller identification
func (d *Device) Identify() ctrl.Identify { return d.ctrl.Identify() }

// Close closes the open namespace, stops the controller and unregisters the
// target. The media is left open.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ns := d.ns
	d.mu.Unlock()

	if ns != nil {
		ns.Close()
	}

	if d.Name != "" {
		registryMu.Lock()
		if registry[d.Name] == d {
			delete(registry, d.Name)
		}
		registryMu.Unlock()
	}

	d.metrics.Stop()
	return d.ctrl.Close()
}
