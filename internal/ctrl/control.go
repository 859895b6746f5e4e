// Package ctrl assembles the simulated controller: host memory window,
// transfer engine, aggregation accelerator, completion reporter and one
// queue runner per I/O queue pair.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-csd/internal/accel"
	"github.com/ehrlich-b/go-csd/internal/constants"
	"github.com/ehrlich-b/go-csd/internal/dma"
	"github.com/ehrlich-b/go-csd/internal/firmware"
	"github.com/ehrlich-b/go-csd/internal/hostmem"
	"github.com/ehrlich-b/go-csd/internal/interfaces"
	"github.com/ehrlich-b/go-csd/internal/logging"
	"github.com/ehrlich-b/go-csd/internal/queue"
)

var (
	// ErrClosed is returned once the controller has been closed
	ErrClosed = errors.New("controller closed")

	// ErrQueueExists is returned when creating a queue id that is already in use
	ErrQueueExists = errors.New("queue already exists")

	// ErrNoQueue is returned for an unknown queue id
	ErrNoQueue = errors.New("no such queue")
)

type queueEntry struct {
	pair   *queue.Pair
	runner *queue.Runner
	cancel context.CancelFunc
	done   chan struct{}
}

type Controller struct {
	geo        Geometry
	params     Params
	media      interfaces.Media
	space      *hostmem.Space
	hw         *accel.Hardware
	driver     *accel.Driver
	engine     *dma.Channel
	reporter   *firmware.Reporter
	dispatcher *firmware.Dispatcher
	logger     *logging.Logger

	mu     sync.Mutex
	queues map[uint16]*queueEntry
	closed bool

	// runners share gctx; the first runner error cancels all of them
	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc

	faultMu sync.Mutex
	fault   error
}

// New brings up a controller over params.Media
func New(params Params) (*Controller, error) {
	if params.Media == nil {
		return nil, fmt.Errorf("ctrl: media is required")
	}
	geo := params.Geometry
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("ctrl: %w", err)
	}
	if uint64(params.Media.Size()) < geo.Capacity() {
		return nil, fmt.Errorf("ctrl: media holds %d bytes, namespace needs %d", params.Media.Size(), geo.Capacity())
	}
	if params.MaxQueues <= 0 {
		params.MaxQueues = constants.DefaultMaxQueues
	}
	if params.DescriptorSlots <= 0 {
		params.DescriptorSlots = constants.DefaultDescriptorSlots
	}
	if params.Logger == nil {
		params.Logger = logging.Default()
	}
	logger := params.Logger

	hw, err := accel.NewHardware(accel.HardwareConfig{
		Media:     params.Media,
		MediaBase: geo.MediaBase,
		Kernel:    params.Kernel,
		Latency:   params.AccelLatency,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	driver := accel.NewDriver(hw, accel.DriverConfig{
		PollLimit:    params.AccelPollLimit,
		PollInterval: params.AccelPollInterval,
		Logger:       logger,
	})

	space := hostmem.NewSpace(constants.HostAddressBase)
	engine, err := dma.NewChannel(dma.Config{
		Media:     params.Media,
		MediaBase: geo.MediaBase,
		Host:      space,
		Slots:     params.DescriptorSlots,
		Buffers:   queue.Pool{},
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	reporter := firmware.NewReporter(logger)
	dispatcher, err := firmware.NewDispatcher(firmware.Config{
		Geometry: geo,
		Engine:   engine,
		Accel:    driver,
		Media:    params.Media,
		Reporter: reporter,
		Logger:   logger,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	c := &Controller{
		geo:        geo,
		params:     params,
		media:      params.Media,
		space:      space,
		hw:         hw,
		driver:     driver,
		engine:     engine,
		reporter:   reporter,
		dispatcher: dispatcher,
		logger:     logger,
		queues:     make(map[uint16]*queueEntry),
		group:      group,
		gctx:       gctx,
		cancel:     cancel,
	}

	logger.Info("controller ready",
		"blocks", geo.TotalBlocks,
		"block_size", geo.BlockSize,
		"kernel", hw.Kernel().Name(),
		"slots", params.DescriptorSlots)
	return c, nil
}

// CreateQueuePair creates I/O queue qid and starts its runner
func (c *Controller) CreateQueuePair(qid uint16, depth int) (*queue.Pair, error) {
	if depth <= 0 || depth > c.geo.MaxQueueDepth {
		return nil, fmt.Errorf("queue %d: depth %d outside 1..%d", qid, depth, c.geo.MaxQueueDepth)
	}
	if err := c.Faulted(); err != nil {
		return nil, fmt.Errorf("queue %d: controller faulted: %w", qid, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.queues[qid]; ok {
		return nil, fmt.Errorf("queue %d: %w", qid, ErrQueueExists)
	}
	if len(c.queues) >= c.params.MaxQueues {
		return nil, fmt.Errorf("queue %d: controller supports %d queues", qid, c.params.MaxQueues)
	}

	pair, err := queue.NewPair(qid, depth)
	if err != nil {
		return nil, err
	}
	runner, err := queue.NewRunner(queue.Config{
		QueueID:         qid,
		Pair:            pair,
		Dispatcher:      c.dispatcher,
		HaltOnViolation: c.params.HaltOnViolation,
		Logger:          c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.reporter.Attach(qid, runner)

	qctx, qcancel := context.WithCancel(c.gctx)
	entry := &queueEntry{pair: pair, runner: runner, cancel: qcancel, done: make(chan struct{})}
	c.queues[qid] = entry

	c.group.Go(func() error {
		defer close(entry.done)
		err := runner.Run(qctx)
		if err != nil {
			c.setFault(qid, err)
		}
		return err
	})

	c.logger.Debug("queue pair created", "queue_id", qid, "depth", depth)
	return pair, nil
}

// DeleteQueuePair stops the runner of qid and detaches its completions.
// Transfers still in flight for the queue complete into nothing.
func (c *Controller) DeleteQueuePair(qid uint16) error {
	c.mu.Lock()
	entry, ok := c.queues[qid]
	if ok {
		delete(c.queues, qid)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %d: %w", qid, ErrNoQueue)
	}

	entry.pair.Close()
	entry.cancel()
	c.reporter.Detach(qid)

	select {
	case <-entry.done:
	case <-time.After(constants.QueueStopTimeout):
		c.logger.Warn("queue runner did not stop", "queue_id", qid)
	}
	c.logger.Debug("queue pair deleted", "queue_id", qid)
	return nil
}

// Queue returns the pair of qid
func (c *Controller) Queue(qid uint16) (*queue.Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.queues[qid]
	if !ok {
		return nil, false
	}
	return entry.pair, true
}

// QueueIDs returns the ids of all live queues in ascending order
func (c *Controller) QueueIDs() []uint16 {
	c.mu.Lock()
	ids := make([]uint16, 0, len(c.queues))
	for id := range c.queues {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Controller) setFault(qid uint16, err error) {
	c.faultMu.Lock()
	first := c.fault == nil
	if first {
		c.fault = err
	}
	c.faultMu.Unlock()

	if first {
		c.logger.WithQueue(int(qid)).WithError(err).Error("controller faulted")
	}
}

// Faulted returns the protocol violation that halted the controller, if any
func (c *Controller) Faulted() error {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	return c.fault
}

// Space returns the IO virtual address space host buffers are mapped into
func (c *Controller) Space() *hostmem.Space { return c.space }

// Geometry returns the namespace geometry
func (c *Controller) Geometry() Geometry { return c.geo }

// Identify returns controller and namespace identification
func (c *Controller) Identify() Identify {
	return Identify{
		NamespaceID:      constants.DefaultNamespaceID,
		VendorID:         VendorID,
		Model:            c.params.Model,
		Serial:           c.params.Serial,
		FirmwareRev:      FirmwareVersion,
		MaxQueues:        c.params.MaxQueues,
		MaxQueueDepth:    c.geo.MaxQueueDepth,
		PageSize:         c.geo.PageSize,
		BlockSize:        c.geo.BlockSize,
		TotalBlocks:      c.geo.TotalBlocks,
		BlocksPerPage:    c.geo.BlocksPerPage(),
		MaxPagesPerIO:    (c.geo.MaxBlocksPerIO + c.geo.BlocksPerPage() - 1) / c.geo.BlocksPerPage(),
		MaxBlocksPerIO:   c.geo.MaxBlocksPerIO,
		MaxPagesPerQueue: c.geo.MaxPagesPerQueue,
		Kernel:           c.hw.Kernel().Name(),
		KernelID:         c.driver.KernelID(),
	}
}

// Stats returns a snapshot of every component
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	queues := make(map[uint16]queue.Stats, len(c.queues))
	for id, entry := range c.queues {
		queues[id] = entry.runner.Stats()
	}
	c.mu.Unlock()

	return Stats{
		Dispatch: c.dispatcher.Stats(),
		Reporter: c.reporter.Stats(),
		Engine:   c.engine.Stats(),
		Accel:    c.driver.Stats(),
		Queues:   queues,
		Faulted:  c.Faulted() != nil,
	}
}

// Close stops every runner, drains the transfer engine and waits for the
// accelerator. The media is left open.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, entry := range c.queues {
		entry.pair.Close()
		c.reporter.Detach(id)
	}
	c.queues = make(map[uint16]*queueEntry)
	c.mu.Unlock()

	c.cancel()

	waitErr := make(chan error, 1)
	go func() { waitErr <- c.group.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-time.After(constants.QueueStopTimeout):
		c.logger.Warn("queue runners did not stop in time", "timeout", constants.QueueStopTimeout)
	}

	c.engine.Close()
	c.hw.Wait()

	// a halted runner is reported by Faulted, not as a close failure
	if _, ok := firmware.AsViolation(err); ok {
		err = nil
	}
	c.logger.Info("controller closed")
	return err
}
