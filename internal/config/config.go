// Package config loads the csd-offload configuration file. Fields left out
// of the file take their defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-csd/internal/constants"
)

// Media kinds
const (
	MediaMemory    = "memory"
	MediaFile      = "file"
	MediaURingFile = "uring-file"
)

type Config struct {
	Device  Device  `yaml:"device"`
	Host    Host    `yaml:"host"`
	Logging Logging `yaml:"logging"`
	Status  Status  `yaml:"status"`
}

// Device describes the simulated storage target
type Device struct {
	Media           string        `yaml:"media"`
	Path            string        `yaml:"path"`
	Size            int64         `yaml:"size"`
	BlockSize       uint32        `yaml:"block_size"`
	PageSize        uint32        `yaml:"page_size"`
	MaxQueueDepth   int           `yaml:"max_queue_depth"`
	MaxBlocksPerIO  uint32        `yaml:"max_blocks_per_io"`
	DescriptorSlots int64         `yaml:"descriptor_slots"`
	Kernel          string        `yaml:"kernel"`
	AccelPollLimit  int           `yaml:"accel_poll_limit"`
	AccelLatency    time.Duration `yaml:"accel_latency"`
	// HaltOnViolation is a pointer so an explicit false survives the default merge
	HaltOnViolation *bool `yaml:"halt_on_violation"`
}

// Host describes the offload run
type Host struct {
	Queues      int           `yaml:"queues"`
	QueueDepth  int           `yaml:"queue_depth"`
	Pages       int           `yaml:"pages"`
	Input       string        `yaml:"input"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
	Verify      *bool         `yaml:"verify"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Status configures the HTTP status and metrics endpoint. An empty Listen
// disables it.
type Status struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration
func Default() *Config {
	yes := true
	verify := true
	return &Config{
		Device: Device{
			Media:           MediaMemory,
			Size:            constants.DefaultTotalBlocks * constants.DefaultBlockSize,
			BlockSize:       constants.DefaultBlockSize,
			PageSize:        constants.DefaultPageSize,
			MaxQueueDepth:   constants.DefaultMaxQueueDepth,
			MaxBlocksPerIO:  constants.DefaultMaxBlocksPerIO,
			DescriptorSlots: constants.DefaultDescriptorSlots,
			Kernel:          "prefix-sum32",
			HaltOnViolation: &yes,
		},
		Host: Host{
			Queues:      4,
			QueueDepth:  constants.DefaultQueueDepth,
			Pages:       100,
			PollTimeout: 5 * time.Second,
			IOTimeout:   constants.IOTimeout,
			Verify:      &verify,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path and fills every field it leaves unset from Default
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys, and merges in the defaults
func Parse(b []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the controller would otherwise reject later
func (c *Config) Validate() error {
	switch c.Device.Media {
	case MediaMemory:
	case MediaFile, MediaURingFile:
		if c.Device.Path == "" {
			return fmt.Errorf("device.path is required for %s media", c.Device.Media)
		}
	default:
		return fmt.Errorf("unknown device.media %q", c.Device.Media)
	}
	if c.Device.Size < 0 {
		return fmt.Errorf("device.size %d is negative", c.Device.Size)
	}
	if c.Device.BlockSize == 0 || c.Device.Size%int64(c.Device.BlockSize) != 0 {
		return fmt.Errorf("device.size %d is not a multiple of block_size %d", c.Device.Size, c.Device.BlockSize)
	}
	if c.Host.Queues <= 0 || c.Host.Queues > constants.DefaultMaxQueues {
		return fmt.Errorf("host.queues %d outside 1..%d", c.Host.Queues, constants.DefaultMaxQueues)
	}
	if c.Host.QueueDepth > c.Device.MaxQueueDepth {
		return fmt.Errorf("host.queue_depth %d exceeds device.max_queue_depth %d", c.Host.QueueDepth, c.Device.MaxQueueDepth)
	}
	if c.Host.Pages <= 0 {
		return fmt.Errorf("host.pages must be positive")
	}
	return nil
}

// Halt reports the effective violation policy
func (d Device) Halt() bool {
	return d.HaltOnViolation == nil || *d.HaltOnViolation
}

// VerifyEnabled reports whether the read-back is checked against the reference kernel
func (h Host) VerifyEnabled() bool {
	return h.Verify == nil || *h.Verify
}
