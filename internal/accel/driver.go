package accel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// State of the accelerator driver
type State int

const (
	StateIdle State = iota
	StateTriggered
	StatePolling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggered:
		return "triggered"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned when a job is started while another is outstanding
	ErrBusy = errors.New("accel: job already in flight")

	// ErrTimeout is returned when the ready bit is not seen within PollLimit reads
	ErrTimeout = errors.New("accel: timed out waiting for ready")
)

// Job is one aggregation over a device-address range
type Job struct {
	Source uint64
	Length uint32
	Dest   uint64 // zero aggregates in place
}

// Result of a finished job
type Result struct {
	Status uint32 // raw STATUS register
	Polls  int
}

// OK reports whether the accelerator finished without setting its error bit
func (r Result) OK() bool { return r.Status&StatusError == 0 }

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// DriverConfig configures polling behaviour
type DriverConfig struct {
	// PollLimit bounds the number of STATUS reads. Zero polls until ready.
	PollLimit int
	// PollInterval is slept between STATUS reads. Zero yields instead.
	PollInterval time.Duration
	Logger       Logger
}

// Driver runs accelerator jobs one at a time through a register window
type Driver struct {
	regs interfaces.Registers
	cfg  DriverConfig

	mu    sync.Mutex
	state State

	jobs     atomic.Uint64
	failures atomic.Uint64
	timeouts atomic.Uint64
}

// NewDriver binds a driver to an accelerator register window
func NewDriver(regs interfaces.Registers, cfg DriverConfig) *Driver {
	return &Driver{regs: regs, cfg: cfg}
}

// State returns the current driver state
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// KernelID reads the id of the loaded kernel
func (d *Driver) KernelID() uint32 {
	return d.regs.Read32(RegKernel)
}

// Run triggers job and polls until the accelerator reports ready.
//
// After ErrTimeout the driver stays in Polling; a later Run recovers once the
// hardware has reported ready and returns ErrBusy until then.
func (d *Driver) Run(ctx context.Context, job Job) (Result, error) {
	if err := d.acquire(); err != nil {
		return Result{}, err
	}
	d.jobs.Add(1)

	d.trigger(job)

	res, err := d.poll(ctx)
	if err != nil {
		d.timeouts.Add(1)
		if d.cfg.Logger != nil {
			d.cfg.Logger.Printf("accel: job src=0x%x len=%d abandoned after %d polls: %v", job.Source, job.Length, res.Polls, err)
		}
		return res, err
	}

	d.setState(StateDone)
	if !res.OK() {
		d.failures.Add(1)
	}
	if d.cfg.Logger != nil {
		d.cfg.Logger.Debugf("accel: job src=0x%x len=%d done status=0x%x polls=%d", job.Source, job.Length, res.Status, res.Polls)
	}
	d.setState(StateIdle)
	return res, nil
}

func (d *Driver) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StatePolling && d.regs.Read32(RegStatus)&StatusReady != 0 {
		// a previously abandoned job has since finished
		d.state = StateIdle
	}
	if d.state != StateIdle {
		return ErrBusy
	}
	d.state = StateTriggered
	return nil
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Driver) trigger(job Job) {
	d.regs.Write32(RegSrcHi, uint32(job.Source>>32))
	d.regs.Write32(RegSrcLo, uint32(job.Source))
	if job.Dest != 0 {
		d.regs.Write32(RegDstHi, uint32(job.Dest>>32))
		d.regs.Write32(RegDstLo, uint32(job.Dest))
	}
	d.regs.Write32(RegLength, job.Length)
	d.regs.Write32(RegCtrl, CtrlStart)
}

func (d *Driver) poll(ctx context.Context) (Result, error) {
	d.setState(StatePolling)

	var res Result
	for {
		status := d.regs.Read32(RegStatus)
		res.Polls++
		if status&StatusReady != 0 {
			res.Status = status
			return res, nil
		}
		if d.cfg.PollLimit > 0 && res.Polls >= d.cfg.PollLimit {
			return res, ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if d.cfg.PollInterval > 0 {
			time.Sleep(d.cfg.PollInterval)
		} else {
			runtime.Gosched()
		}
	}
}

// DriverStats is a snapshot of driver counters
type DriverStats struct {
	Jobs     uint64
	Failures uint64
	Timeouts uint64
	State    State
}

// Stats returns the driver counters
func (d *Driver) Stats() DriverStats {
	return DriverStats{
		Jobs:     d.jobs.Load(),
		Failures: d.failures.Load(),
		Timeouts: d.timeouts.Load(),
		State:    d.State(),
	}
}
