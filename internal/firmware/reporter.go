package firmware

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-csd/internal/nvme"
)

var (
	// ErrDuplicateCompletion is returned when a tag that already completed is posted again
	ErrDuplicateCompletion = errors.New("duplicate completion")

	// ErrUnexpectedCompletion is returned when a tag with no dispatched command is posted
	ErrUnexpectedCompletion = errors.New("unexpected completion")

	// ErrTagInFlight is returned by Expect for a tag that has not completed yet
	ErrTagInFlight = errors.New("tag already in flight")

	// ErrNoSink is returned when the queue has no completion sink attached
	ErrNoSink = errors.New("no completion sink for queue")
)

// Sink receives the completions of one queue
type Sink interface {
	PostCompletion(c nvme.Completion) error
}

type tagKey struct {
	qid uint16
	tag uint16
}

type tagState uint8

const (
	tagPending tagState = iota + 1
	tagPosted
)

// Reporter delivers exactly one completion per dispatched command. Both the
// explicit path (Flush, aggregation, rejected fields) and the transfer
// engine's auto-completion go through Post.
type Reporter struct {
	mu    sync.Mutex
	tags  map[tagKey]tagState
	sinks map[uint16]Sink

	pending    atomic.Int64
	posted     atomic.Uint64
	duplicates atomic.Uint64
	unexpected atomic.Uint64

	logger Logger
}

// NewReporter creates a reporter with no queues attached
func NewReporter(logger Logger) *Reporter {
	return &Reporter{
		tags:   make(map[tagKey]tagState),
		sinks:  make(map[uint16]Sink),
		logger: logger,
	}
}

// Attach routes completions of qid to sink
func (r *Reporter) Attach(qid uint16, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[qid] = sink
}

// Detach removes the sink of qid and forgets its tags
func (r *Reporter) Detach(qid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, qid)
	for k, st := range r.tags {
		if k.qid != qid {
			continue
		}
		if st == tagPending {
			r.pending.Add(-1)
		}
		delete(r.tags, k)
	}
}

// Expect registers that a command with tag is being dispatched on qid
func (r *Reporter) Expect(qid, tag uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tagKey{qid, tag}
	if r.tags[k] == tagPending {
		return fmt.Errorf("q%d tag %d: %w", qid, tag, ErrTagInFlight)
	}
	r.tags[k] = tagPending
	r.pending.Add(1)
	return nil
}

// Post completes the command with tag on qid
func (r *Reporter) Post(qid, tag uint16, status nvme.Status, result uint32) error {
	k := tagKey{qid, tag}

	r.mu.Lock()
	switch r.tags[k] {
	case tagPending:
	case tagPosted:
		r.mu.Unlock()
		r.duplicates.Add(1)
		return r.reject(k, ErrDuplicateCompletion)
	default:
		r.mu.Unlock()
		r.unexpected.Add(1)
		return r.reject(k, ErrUnexpectedCompletion)
	}
	r.tags[k] = tagPosted
	r.pending.Add(-1)
	sink := r.sinks[qid]
	r.mu.Unlock()

	if sink == nil {
		return fmt.Errorf("q%d tag %d: %w", qid, tag, ErrNoSink)
	}

	r.posted.Add(1)
	return sink.PostCompletion(nvme.Completion{
		Result: result,
		SQID:   qid,
		CID:    tag,
		Status: status,
	})
}

func (r *Reporter) reject(k tagKey, err error) error {
	err = fmt.Errorf("q%d tag %d: %w", k.qid, k.tag, err)
	if r.logger != nil {
		r.logger.Printf("completion dropped: %v", err)
	}
	return err
}

// Outstanding returns the number of dispatched commands not yet completed
func (r *Reporter) Outstanding() int {
	return int(r.pending.Load())
}

// ReporterStats is a snapshot of reporter counters
type ReporterStats struct {
	Posted      uint64
	Duplicates  uint64
	Unexpected  uint64
	Outstanding int
}

// Stats returns the reporter counters
func (r *Reporter) Stats() ReporterStats {
	return ReporterStats{
		Posted:      r.posted.Load(),
		Duplicates:  r.duplicates.Load(),
		Unexpected:  r.unexpected.Load(),
		Outstanding: r.Outstanding(),
	}
}
