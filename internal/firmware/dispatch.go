// Package firmware implements the controller side of the offload protocol:
// decoding command slots, validating them against the namespace geometry,
// driving the transfer engine and the aggregation accelerator, and reporting
// exactly one completion per command.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-csd/internal/accel"
	"github.com/ehrlich-b/go-csd/internal/dma"
	"github.com/ehrlich-b/go-csd/internal/interfaces"
	"github.com/ehrlich-b/go-csd/internal/nvme"
)

// Buffer descriptor constraints of the transfer engine
const (
	readAlignMask  = 0x3 // word aligned
	writeAlignMask = 0xF // 16-byte aligned
	maxPRPHigh     = 0x10000
)

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Accelerator runs one aggregation job at a time
type Accelerator interface {
	Run(ctx context.Context, job accel.Job) (accel.Result, error)
}

// Config wires a Dispatcher to the controller's resources
type Config struct {
	Geometry Geometry
	Engine   dma.Engine
	Accel    Accelerator
	Media    interfaces.Media
	Reporter *Reporter
	Logger   Logger
}

// Dispatcher executes decoded commands. Dispatch is synchronous per command
// slot: it returns once the command's completion has been posted or, for
// Read and Write, attached to the last transfer descriptor.
type Dispatcher struct {
	geo      Geometry
	engine   dma.Engine
	accel    Accelerator
	media    interfaces.Media
	reporter *Reporter
	logger   Logger

	flushes       atomic.Uint64
	reads         atomic.Uint64
	writes        atomic.Uint64
	aggregates    atomic.Uint64
	acks          atomic.Uint64
	seq           atomic.Uint64 // transfer command numbering for the engine
	invalidFields atomic.Uint64
	violations    atomic.Uint64
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	if cfg.Engine == nil || cfg.Accel == nil || cfg.Media == nil || cfg.Reporter == nil {
		return nil, fmt.Errorf("firmware: engine, accelerator, media and reporter are required")
	}
	return &Dispatcher{
		geo:      cfg.Geometry,
		engine:   cfg.Engine,
		accel:    cfg.Accel,
		media:    cfg.Media,
		reporter: cfg.Reporter,
		logger:   cfg.Logger,
	}, nil
}

// Dispatch decodes slot, validates it and runs its handler.
//
// A *ProtocolViolation is returned without posting a completion. Any other
// error means the command could not be started; its completion has already
// been posted with an error status where possible.
func (d *Dispatcher) Dispatch(ctx context.Context, qid uint16, slot *nvme.Command) error {
	cmd, err := Decode(slot)
	if err != nil {
		return d.violation(qid, err)
	}

	status, err := d.validate(cmd)
	if err != nil {
		return d.violation(qid, err)
	}

	if err := d.reporter.Expect(qid, cmd.CID()); err != nil {
		return d.violation(qid, &ProtocolViolation{
			Kind: ViolationBadTag, CID: cmd.CID(), Opcode: cmd.Opcode(), Detail: err.Error(),
		})
	}

	if status != nvme.StatusSuccess {
		d.invalidFields.Add(1)
		if d.logger != nil {
			d.logger.Printf("q%d cid %d %s rejected: %s", qid, cmd.CID(), cmd.Opcode(), status)
		}
		return d.reporter.Post(qid, cmd.CID(), status, 0)
	}

	switch c := cmd.(type) {
	case *FlushCommand:
		return d.flush(qid, c)
	case *ReadCommand:
		d.reads.Add(1)
		return d.transfer(ctx, qid, c.CID(), dma.ToHost, c.Transfer)
	case *WriteCommand:
		d.writes.Add(1)
		return d.transfer(ctx, qid, c.CID(), dma.FromHost, c.Transfer)
	case *AggregateStartCommand:
		return d.aggregate(ctx, qid, c)
	case *AggregateDoneCommand:
		d.acks.Add(1)
		return d.reporter.Post(qid, c.CID(), nvme.StatusSuccess, 0)
	}
	return d.reporter.Post(qid, cmd.CID(), nvme.StatusInternalError, 0)
}

// Reject posts status for a command that was not dispatched, used when a
// protocol violation is rejected rather than halting the queue.
func (d *Dispatcher) Reject(qid, cid uint16, status nvme.Status) error {
	if err := d.reporter.Expect(qid, cid); err != nil {
		return err
	}
	return d.reporter.Post(qid, cid, status, 0)
}

func (d *Dispatcher) violation(qid uint16, err error) error {
	if pv, ok := AsViolation(err); ok {
		pv.Queue = qid
		d.violations.Add(1)
	}
	return err
}

// validate returns a *ProtocolViolation for commands that must not run at
// all, or a non-success status for commands that get a failed completion.
func (d *Dispatcher) validate(cmd Command) (nvme.Status, error) {
	switch c := cmd.(type) {
	case *ReadCommand:
		return d.validateTransfer(c, c.Transfer, readAlignMask)
	case *WriteCommand:
		return d.validateTransfer(c, c.Transfer, writeAlignMask)
	case *AggregateStartCommand:
		if c.EndOffset < c.StartOffset {
			return nvme.StatusInvalidField, nil
		}
		actid := c.ActivityID()
		if actid >= d.geo.TotalBlocks {
			return 0, &ProtocolViolation{Kind: ViolationAddressRange, CID: c.CID(), Opcode: c.Opcode(),
				Detail: fmt.Sprintf("activity id %d >= %d blocks", actid, d.geo.TotalBlocks)}
		}
		if actid*uint64(d.geo.BlockSize)+uint64(c.EndOffset) > d.geo.Capacity() {
			return 0, &ProtocolViolation{Kind: ViolationAddressRange, CID: c.CID(), Opcode: c.Opcode(),
				Detail: fmt.Sprintf("range ends past capacity at activity %d offset %d", actid, c.EndOffset)}
		}
	}
	return nvme.StatusSuccess, nil
}

func (d *Dispatcher) validateTransfer(cmd Command, t Transfer, alignMask uint32) (nvme.Status, error) {
	bad := func(kind ViolationKind, format string, args ...interface{}) (nvme.Status, error) {
		return 0, &ProtocolViolation{Kind: kind, CID: cmd.CID(), Opcode: cmd.Opcode(), Detail: fmt.Sprintf(format, args...)}
	}

	if uint32(t.PRP1)&alignMask != 0 || uint32(t.PRP2)&alignMask != 0 {
		return bad(ViolationMisalignedBuffer, "prp1=0x%x prp2=0x%x mask=0x%x", t.PRP1, t.PRP2, alignMask)
	}
	if t.PRP1>>32 >= maxPRPHigh || t.PRP2>>32 >= maxPRPHigh {
		return bad(ViolationAddressRange, "prp upper word prp1=0x%x prp2=0x%x", t.PRP1, t.PRP2)
	}

	start, blocks := t.Start(), uint64(t.Blocks())
	if start >= d.geo.TotalBlocks {
		return bad(ViolationAddressRange, "start block %d >= %d", start, d.geo.TotalBlocks)
	}
	if last := start + blocks - 1; last >= d.geo.TotalBlocks {
		return bad(ViolationAddressRange, "last block %d >= %d", last, d.geo.TotalBlocks)
	}

	if blocks > uint64(d.geo.MaxBlocksPerIO) {
		return nvme.StatusInvalidField, nil
	}
	return nvme.StatusSuccess, nil
}

func (d *Dispatcher) flush(qid uint16, c *FlushCommand) error {
	d.flushes.Add(1)
	status := nvme.StatusSuccess
	if err := d.media.Flush(); err != nil {
		status = nvme.StatusInternalError
		if d.logger != nil {
			d.logger.Printf("q%d cid %d flush failed: %v", qid, c.CID(), err)
		}
	}
	return d.reporter.Post(qid, c.CID(), status, 0)
}

// transfer programs one descriptor per block. The last descriptor carries
// the completion.
func (d *Dispatcher) transfer(ctx context.Context, qid, cid uint16, dir dma.Direction, t Transfer) error {
	bs := uint64(d.geo.BlockSize)
	devAddr := d.geo.BlockAddr(t.Start())
	hostAddr := t.PRP1
	n := int(t.Blocks())
	seq := d.seq.Add(1)

	complete := func(err error) {
		status := nvme.StatusSuccess
		if err != nil {
			status = nvme.StatusDataTransferError
		}
		if perr := d.reporter.Post(qid, cid, status, 0); perr != nil && d.logger != nil {
			d.logger.Printf("q%d cid %d: %v", qid, cid, perr)
		}
	}

	for i := 0; i < n; i++ {
		desc := dma.Descriptor{
			Queue:    qid,
			Tag:      cid,
			Index:    i,
			Seq:      seq,
			Dir:      dir,
			DevAddr:  devAddr,
			HostAddr: hostAddr,
			Length:   uint32(bs),
		}
		if i == n-1 {
			desc.Last = true
			desc.OnComplete = complete
		}
		if err := d.engine.Program(ctx, desc); err != nil {
			// the last descriptor never made it, so nothing will auto-complete
			if perr := d.reporter.Post(qid, cid, nvme.StatusInternalError, 0); perr != nil {
				return errors.Join(err, perr)
			}
			return fmt.Errorf("q%d cid %d program block %d: %w", qid, cid, i, err)
		}
		devAddr += bs
		hostAddr += bs
	}
	return nil
}

func (d *Dispatcher) aggregate(ctx context.Context, qid uint16, c *AggregateStartCommand) error {
	d.aggregates.Add(1)
	job := accel.Job{
		Source: d.geo.BlockAddr(c.ActivityID()) + uint64(c.StartOffset),
		Length: c.EndOffset - c.StartOffset,
	}

	res, err := d.accel.Run(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, accel.ErrTimeout):
		return d.reporter.Post(qid, c.CID(), nvme.StatusAcceleratorTimeout, res.Status)
	case errors.Is(err, accel.ErrBusy):
		return d.reporter.Post(qid, c.CID(), nvme.StatusAggregationFailed, 0)
	default:
		if perr := d.reporter.Post(qid, c.CID(), nvme.StatusInternalError, 0); perr != nil {
			return errors.Join(err, perr)
		}
		return fmt.Errorf("q%d cid %d aggregate: %w", qid, c.CID(), err)
	}

	status := nvme.StatusSuccess
	if !res.OK() {
		status = nvme.StatusAggregationFailed
	}
	return d.reporter.Post(qid, c.CID(), status, res.Status)
}

// DispatchStats is a snapshot of dispatcher counters
type DispatchStats struct {
	Flushes       uint64
	Reads         uint64
	Writes        uint64
	Aggregates    uint64
	Acks          uint64
	InvalidFields uint64
	Violations    uint64
}

// Stats returns the dispatcher counters
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Flushes:       d.flushes.Load(),
		Reads:         d.reads.Load(),
		Writes:        d.writes.Load(),
		Aggregates:    d.aggregates.Load(),
		Acks:          d.acks.Load(),
		InvalidFields: d.invalidFields.Load(),
		Violations:    d.violations.Load(),
	}
}
