// Package dma models the controller's host data-movement engine.
//
// The firmware programs one Descriptor per logical block. The descriptor that
// carries Last also carries the command's completion callback, which the
// engine invokes itself once that block has transferred (auto-completion).
package dma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// Direction of a transfer
type Direction int

const (
	// ToHost moves device media into host memory (TX, used by Read)
	ToHost Direction = iota
	// FromHost moves host memory onto device media (RX, used by Write)
	FromHost
)

func (d Direction) String() string {
	if d == ToHost {
		return "tx"
	}
	return "rx"
}

var (
	ErrClosed     = errors.New("dma: engine closed")
	ErrBadDevAddr = errors.New("dma: device address outside media window")
	ErrZeroLength = errors.New("dma: zero length descriptor")
)

// Descriptor programs one block transfer
type Descriptor struct {
	Queue    uint16
	Tag      uint16
	Index    int    // block index within the command
	Seq      uint64 // shared by every descriptor of one command
	Dir      Direction
	DevAddr  uint64
	HostAddr uint64
	Length   uint32

	// Last marks the final descriptor of a command. When set, OnComplete is
	// invoked exactly once after the block transfers, with the first error
	// seen on any block of the command (nil on success).
	Last       bool
	OnComplete func(err error)
}

// Engine accepts transfer descriptors
type Engine interface {
	Program(ctx context.Context, d Descriptor) error
}

// HostMemory resolves IO virtual addresses of host buffers
type HostMemory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Buffers supplies staging memory for a copy
type Buffers interface {
	Get(size uint32) []byte
	Put(buf []byte)
}

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Config configures a Channel
type Config struct {
	Media     interfaces.Media
	MediaBase uint64
	Host      HostMemory
	Slots     int64 // descriptor slots shared by all queues
	Buffers   Buffers
	Logger    Logger
}

type cmdKey struct {
	queue uint16
	tag   uint16
}

// failure is the first error of the command numbered seq
type failure struct {
	seq uint64
	err error
}

// Channel is a simulated transfer engine. Descriptors execute in programming
// order on a single worker; a descriptor holds one slot from Program until
// its block has moved.
type Channel struct {
	media     interfaces.Media
	mediaBase uint64
	host      HostMemory
	buffers   Buffers
	logger    Logger

	slots  *semaphore.Weighted
	nslots int64
	work   chan Descriptor

	// failed is only touched by the worker goroutine
	failed map[cmdKey]failure

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}

	descriptors atomic.Uint64
	bytes       atomic.Uint64
	failures    atomic.Uint64
	inFlight    atomic.Int64
}

var _ Engine = (*Channel)(nil)

// NewChannel starts a transfer engine
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.Media == nil {
		return nil, fmt.Errorf("dma: media is required")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("dma: host memory is required")
	}
	if cfg.Slots <= 0 {
		return nil, fmt.Errorf("dma: invalid slot count %d", cfg.Slots)
	}
	if cfg.Buffers == nil {
		cfg.Buffers = heapBuffers{}
	}

	c := &Channel{
		media:     cfg.Media,
		mediaBase: cfg.MediaBase,
		host:      cfg.Host,
		buffers:   cfg.Buffers,
		logger:    cfg.Logger,
		slots:     semaphore.NewWeighted(cfg.Slots),
		nslots:    cfg.Slots,
		work:      make(chan Descriptor, cfg.Slots),
		failed:    make(map[cmdKey]failure),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Program queues one descriptor. It blocks while every slot is in flight.
func (c *Channel) Program(ctx context.Context, d Descriptor) error {
	if d.Length == 0 {
		return ErrZeroLength
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.slots.Release(1)
		return ErrClosed
	}

	c.inFlight.Add(1)
	// Never blocks: the channel holds as many entries as there are slots
	c.work <- d
	return nil
}

// Close stops the worker. Descriptors still queued fail with ErrClosed and
// their completion callbacks still run.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	<-c.done
	return nil
}

func (c *Channel) run() {
	defer close(c.done)
	for {
		select {
		case d := <-c.work:
			c.execute(d, nil)
		case <-c.stop:
			for {
				select {
				case d := <-c.work:
					c.execute(d, ErrClosed)
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) execute(d Descriptor, abort error) {
	err := abort
	if err == nil {
		err = c.transfer(d)
	}

	c.inFlight.Add(-1)
	c.slots.Release(1)
	c.descriptors.Add(1)

	key := cmdKey{d.Queue, d.Tag}
	// A command aborted before its last descriptor leaves its entry behind
	if f, ok := c.failed[key]; ok && f.seq != d.Seq {
		delete(c.failed, key)
	}
	if err != nil {
		c.failures.Add(1)
		if c.logger != nil {
			c.logger.Printf("dma: q%d tag %d block %d %s failed: %v", d.Queue, d.Tag, d.Index, d.Dir, err)
		}
		if _, seen := c.failed[key]; !seen {
			c.failed[key] = failure{seq: d.Seq, err: err}
		}
	} else {
		c.bytes.Add(uint64(d.Length))
	}

	if !d.Last {
		return
	}
	first := c.failed[key].err
	delete(c.failed, key)
	if d.OnComplete != nil {
		d.OnComplete(first)
	}
}

func (c *Channel) transfer(d Descriptor) error {
	if d.DevAddr < c.mediaBase {
		return fmt.Errorf("%w: 0x%x", ErrBadDevAddr, d.DevAddr)
	}
	off := int64(d.DevAddr - c.mediaBase)
	if off+int64(d.Length) > c.media.Size() {
		return fmt.Errorf("%w: 0x%x+%d", ErrBadDevAddr, d.DevAddr, d.Length)
	}

	buf := c.buffers.Get(d.Length)
	defer c.buffers.Put(buf)

	switch d.Dir {
	case ToHost:
		if _, err := c.media.ReadAt(buf, off); err != nil {
			return fmt.Errorf("media read: %w", err)
		}
		if err := c.host.WriteAt(buf, d.HostAddr); err != nil {
			return err
		}
	case FromHost:
		if err := c.host.ReadAt(buf, d.HostAddr); err != nil {
			return err
		}
		if _, err := c.media.WriteAt(buf, off); err != nil {
			return fmt.Errorf("media write: %w", err)
		}
	default:
		return fmt.Errorf("dma: unknown direction %d", d.Dir)
	}

	if c.logger != nil {
		c.logger.Debugf("dma: q%d tag %d block %d %s dev=0x%x host=0x%x len=%d",
			d.Queue, d.Tag, d.Index, d.Dir, d.DevAddr, d.HostAddr, d.Length)
	}
	return nil
}

// Stats is a snapshot of engine counters
type Stats struct {
	Descriptors uint64
	Bytes       uint64
	Errors      uint64
	InFlight    int64
	Slots       int64
}

// Stats returns the engine counters
func (c *Channel) Stats() Stats {
	return Stats{
		Descriptors: c.descriptors.Load(),
		Bytes:       c.bytes.Load(),
		Errors:      c.failures.Load(),
		InFlight:    c.inFlight.Load(),
		Slots:       c.nslots,
	}
}

type heapBuffers struct{}

func (heapBuffers) Get(size uint32) []byte { return make([]byte, size) }
func (heapBuffers) Put([]byte)             {}
