package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-csd/internal/firmware"
	"github.com/ehrlich-b/go-csd/internal/nvme"
)

// TagState represents the state of a command tag on the controller side
type TagState int

const (
	TagStateFree        TagState = iota // never used
	TagStateDispatching                 // command handed to the dispatcher, completion not posted yet
	TagStateCompleted                   // completion posted; tag may be reused by the host
)

func (s TagState) String() string {
	switch s {
	case TagStateFree:
		return "free"
	case TagStateDispatching:
		return "dispatching"
	case TagStateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("TagState(%d)", int(s))
	}
}

// Dispatcher executes one command slot
type Dispatcher interface {
	Dispatch(ctx context.Context, qid uint16, slot *nvme.Command) error
	Reject(qid, cid uint16, status nvme.Status) error
}

// Runner services a single queue pair on the controller
type Runner struct {
	queueID    uint16
	depth      int
	pair       *Pair
	dispatcher Dispatcher
	halt       bool
	logger     Logger
	// Per-tag state tracking; completions arrive from the transfer engine
	tagStates  []TagState
	tagMutexes []sync.Mutex

	processed  atomic.Uint64
	violations atomic.Uint64
	halted     atomic.Bool
}

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type Config struct {
	QueueID    uint16
	Pair       *Pair
	Dispatcher Dispatcher
	// HaltOnViolation stops the runner on the first protocol violation.
	// When false the command is rejected with a failed completion instead.
	HaltOnViolation bool
	Logger          Logger
}

var _ firmware.Sink = (*Runner)(nil)

// NewRunner creates a new queue runner
func NewRunner(config Config) (*Runner, error) {
	if config.Pair == nil || config.Dispatcher == nil {
		return nil, fmt.Errorf("queue %d: pair and dispatcher are required", config.QueueID)
	}
	if config.Logger != nil {
		config.Logger.Debugf("creating queue runner for queue %d depth %d", config.QueueID, config.Pair.Depth())
	}

	depth := config.Pair.Depth()
	return &Runner{
		queueID:    config.QueueID,
		depth:      depth,
		pair:       config.Pair,
		dispatcher: config.Dispatcher,
		halt:       config.HaltOnViolation,
		logger:     config.Logger,
		tagStates:  make([]TagState, depth),
		tagMutexes: make([]sync.Mutex, depth),
	}, nil
}

// Run processes command slots until ctx is cancelled or, with
// HaltOnViolation, a protocol violation halts the queue. The violation is
// returned in that case.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.Printf("Queue %d: dispatch loop ready", r.queueID)
	}

	for {
		slot, err := r.pair.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				if r.logger != nil {
					r.logger.Debugf("Queue %d: dispatch loop stopping", r.queueID)
				}
				return nil
			}
			if r.logger != nil {
				r.logger.Printf("Queue %d: dropping malformed slot: %v", r.queueID, err)
			}
			continue
		}

		if err := r.handle(ctx, &slot); err != nil {
			return err
		}
	}
}

// handle runs one slot through the tag state machine and the dispatcher
func (r *Runner) handle(ctx context.Context, slot *nvme.Command) error {
	tag := slot.CID()
	r.processed.Add(1)

	if int(tag) >= r.depth {
		return r.onViolation(&firmware.ProtocolViolation{
			Kind: firmware.ViolationBadTag, Queue: r.queueID, CID: tag, Opcode: slot.Opcode(),
			Detail: fmt.Sprintf("tag beyond queue depth %d", r.depth),
		})
	}

	r.tagMutexes[tag].Lock()
	prev := r.tagStates[tag]
	if prev == TagStateDispatching {
		r.tagMutexes[tag].Unlock()
		return r.onViolation(&firmware.ProtocolViolation{
			Kind: firmware.ViolationBadTag, Queue: r.queueID, CID: tag, Opcode: slot.Opcode(),
			Detail: "tag reused before its completion",
		})
	}
	r.tagStates[tag] = TagStateDispatching
	r.tagMutexes[tag].Unlock()

	if r.logger != nil {
		r.logger.Debugf("[Q%d:T%02d] %s", r.queueID, tag, slot.Opcode())
	}

	err := r.dispatcher.Dispatch(ctx, r.queueID, slot)
	if err == nil {
		return nil
	}

	if pv, ok := firmware.AsViolation(err); ok {
		r.setTag(tag, prev)
		return r.onViolation(pv)
	}

	// The dispatcher already posted a failed completion where it could
	if r.logger != nil && !errors.Is(err, context.Canceled) {
		r.logger.Printf("Queue %d: tag %d %s: %v", r.queueID, tag, slot.Opcode(), err)
	}
	return nil
}

func (r *Runner) onViolation(pv *firmware.ProtocolViolation) error {
	r.violations.Add(1)
	if r.halt {
		r.halted.Store(true)
		if r.logger != nil {
			r.logger.Printf("Queue %d: halting: %v", r.queueID, pv)
		}
		return pv
	}

	if r.logger != nil {
		r.logger.Printf("Queue %d: rejecting: %v", r.queueID, pv)
	}
	if err := r.dispatcher.Reject(r.queueID, pv.CID, pv.Status()); err != nil && r.logger != nil {
		r.logger.Printf("Queue %d: reject tag %d: %v", r.queueID, pv.CID, err)
	}
	return nil
}

func (r *Runner) setTag(tag uint16, s TagState) {
	r.tagMutexes[tag].Lock()
	r.tagStates[tag] = s
	r.tagMutexes[tag].Unlock()
}

// PostCompletion marks the tag completed and forwards c to the completion ring
func (r *Runner) PostCompletion(c nvme.Completion) error {
	if int(c.CID) < r.depth {
		r.setTag(c.CID, TagStateCompleted)
	}
	return r.pair.PostCompletion(c)
}

// TagState returns the state of tag
func (r *Runner) TagState(tag uint16) TagState {
	if int(tag) >= r.depth {
		return TagStateFree
	}
	r.tagMutexes[tag].Lock()
	defer r.tagMutexes[tag].Unlock()
	return r.tagStates[tag]
}

// Stats is a snapshot of runner counters
type Stats struct {
	Processed  uint64
	Violations uint64
	Halted     bool
}

// Stats returns the runner counters
func (r *Runner) Stats() Stats {
	return Stats{
		Processed:  r.processed.Load(),
		Violations: r.violations.Load(),
		Halted:     r.halted.Load(),
	}
}
