package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-csd/internal/nvme"
)

var (
	// ErrQueueFull is returned by Submit when the submission ring has no free slot
	ErrQueueFull = errors.New("submission queue full")

	// ErrCompletionOverflow is returned when the host has not reaped the completion ring
	ErrCompletionOverflow = errors.New("completion queue overflow")

	// ErrPairClosed is returned after the pair has been deleted
	ErrPairClosed = errors.New("queue pair closed")
)

// Pair is one submission/completion queue pair shared by the host library and
// the controller. Entries cross it in their wire encoding.
type Pair struct {
	id    uint16
	depth int
	sq    chan []byte
	cq    chan []byte

	mu     sync.RWMutex
	closed bool

	sqHead atomic.Uint32 // slots consumed by the controller
	cqTail atomic.Uint64 // completions posted
}

// NewPair creates a queue pair with depth slots in each ring
func NewPair(id uint16, depth int) (*Pair, error) {
	if depth <= 0 || depth > 1<<16 {
		return nil, fmt.Errorf("invalid queue depth %d", depth)
	}
	return &Pair{
		id:    id,
		depth: depth,
		sq:    make(chan []byte, depth),
		cq:    make(chan []byte, depth),
	}, nil
}

// ID returns the queue id
func (p *Pair) ID() uint16 { return p.id }

// Depth returns the number of slots per ring
func (p *Pair) Depth() int { return p.depth }

// Submit places cmd on the submission ring without blocking
func (p *Pair) Submit(cmd *nvme.Command) error {
	b, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPairClosed
	}

	select {
	case p.sq <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Reap drains every completion currently on the completion ring and passes
// each to fn. It never blocks and returns the number reaped.
func (p *Pair) Reap(fn func(nvme.Completion)) int {
	n := 0
	for {
		select {
		case b := <-p.cq:
			var c nvme.Completion
			if err := c.UnmarshalBinary(b); err != nil {
				continue
			}
			fn(c)
			n++
		default:
			return n
		}
	}
}

// Pending returns the number of completions waiting to be reaped
func (p *Pair) Pending() int { return len(p.cq) }

// Next blocks until a command slot arrives or ctx is done
func (p *Pair) Next(ctx context.Context) (nvme.Command, error) {
	var cmd nvme.Command
	select {
	case <-ctx.Done():
		return cmd, ctx.Err()
	case b := <-p.sq:
		p.sqHead.Add(1)
		if err := cmd.UnmarshalBinary(b); err != nil {
			return cmd, err
		}
		return cmd, nil
	}
}

// PostCompletion places c on the completion ring, filling in the
// submission head and phase tag.
func (p *Pair) PostCompletion(c nvme.Completion) error {
	tail := p.cqTail.Add(1) - 1
	c.SQID = p.id
	c.SQHead = uint16(p.sqHead.Load() % uint32(p.depth))
	c.Phase = (tail/uint64(p.depth))%2 == 0

	b, err := c.MarshalBinary()
	if err != nil {
		return err
	}

	select {
	case p.cq <- b:
		return nil
	default:
		return fmt.Errorf("q%d cid %d: %w", p.id, c.CID, ErrCompletionOverflow)
	}
}

// Close rejects further submissions
func (p *Pair) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
