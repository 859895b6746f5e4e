package csd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-csd/internal/constants"
	"github.com/ehrlich-b/go-csd/internal/hostmem"
	"github.com/ehrlich-b/go-csd/internal/nvme"
	"github.com/ehrlich-b/go-csd/internal/queue"
)

// OpenParams configures a namespace session
type OpenParams struct {
	Queues     int // I/O queues to create (default: 1)
	QueueDepth int // commands per queue (default: DefaultQueueDepth)
}

// DefaultOpenParams returns a single queue of the default depth
func DefaultOpenParams() OpenParams {
	return OpenParams{
		Queues:     1,
		QueueDepth: constants.DefaultQueueDepth,
	}
}

// request is one command the host is waiting on
type request struct {
	page  *Page
	op    nvme.Opcode
	bytes uint64
	start time.Time
	done  chan nvme.Completion // nil for asynchronous submissions
}

// hostQueue is the host half of one queue pair: the free command ids, the
// outstanding requests and the pages submitted since the last full poll.
type hostQueue struct {
	id    uint16
	pair  *queue.Pair
	depth int

	mu      sync.Mutex
	free    []uint16
	pending map[uint16]*request
	tracked map[*Page]struct{}

	// bound counts pages charged to this queue. It only grows under mu.
	bound atomic.Int64
}

func newHostQueue(id uint16, pair *queue.Pair) *hostQueue {
	depth := pair.Depth()
	q := &hostQueue{
		id:      id,
		pair:    pair,
		depth:   depth,
		free:    make([]uint16, depth),
		pending: make(map[uint16]*request, depth),
		tracked: make(map[*Page]struct{}),
	}
	// lowest ids are handed out first
	for i := range q.free {
		q.free[i] = uint16(depth - 1 - i)
	}
	return q
}

func (q *hostQueue) take() (uint16, bool) {
	if len(q.free) == 0 {
		return 0, false
	}
	cid := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	return cid, true
}

func (q *hostQueue) put(cid uint16) { q.free = append(q.free, cid) }

// terminalLocked counts tracked pages that are no longer in flight
func (q *hostQueue) terminalLocked() (done, total int) {
	for p := range q.tracked {
		if p.terminal() {
			done++
		}
	}
	return done, len(q.tracked)
}

// Namespace is an open session on a device namespace. Its methods are safe
// for concurrent use, but a Page must not be touched by the caller while it
// is in flight.
type Namespace struct {
	dev      *Device
	id       uint32
	session  uint32
	geo      Geometry
	queues   []*hostQueue
	logger   Logger
	observer Observer

	aggregating   atomic.Bool
	faultReported atomic.Bool

	mu     sync.Mutex
	allocs map[*allocation]struct{}
	closed bool
}

// Open creates the namespace's queue pairs on the device. Only one
// namespace may be open on a device at a time.
func (d *Device) Open(params OpenParams) (*Namespace, error) {
	if params.Queues <= 0 {
		params.Queues = 1
	}
	if params.QueueDepth <= 0 {
		params.QueueDepth = constants.DefaultQueueDepth
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, NewError("OPEN", ErrCodeDeviceOffline, "device closed")
	}
	if d.ns != nil {
		return nil, NewNamespaceError("OPEN", d.ns.id, ErrCodeDeviceBusy, "namespace already open")
	}
	if err := d.ctrl.Faulted(); err != nil {
		return nil, &Error{Op: "OPEN", Queue: -1, Code: ErrCodeDeviceOffline, Msg: "controller halted", Inner: err}
	}

	ns := &Namespace{
		dev:      d,
		id:       constants.DefaultNamespaceID,
		session:  d.session + 1,
		geo:      d.geo,
		logger:   d.logger,
		observer: d.observer,
		allocs:   make(map[*allocation]struct{}),
	}
	for i := 0; i < params.Queues; i++ {
		pair, err := d.ctrl.CreateQueuePair(uint16(i), params.QueueDepth)
		if err != nil {
			ns.deleteQueues()
			return nil, &Error{Op: "OPEN", Namespace: ns.id, Queue: i, Code: ErrCodeInvalidParameters, Msg: err.Error(), Inner: err}
		}
		ns.queues = append(ns.queues, newHostQueue(uint16(i), pair))
	}
	d.session = ns.session
	d.ns = ns

	if ns.logger != nil {
		ns.logger.Printf("Namespace %d opened: session %d, %d queues of depth %d", ns.id, ns.session, params.Queues, params.QueueDepth)
	}
	return ns, nil
}

// ID returns the namespace id
func (n *Namespace) ID() uint32 { return n.id }

// Session returns the session number assigned when the namespace was opened
func (n *Namespace) Session() uint32 { return n.session }

// Geometry returns the namespace geometry
func (n *Namespace) Geometry() Geometry { return n.geo }

// Queues returns the number of I/O queues
func (n *Namespace) Queues() int { return len(n.queues) }

func (n *Namespace) queue(op string, qid uint16) (*hostQueue, error) {
	if int(qid) >= len(n.queues) {
		return nil, NewQueueError(op, n.id, int(qid), ErrCodeInvalidParameters,
			fmt.Sprintf("queue %d not open (%d queues)", qid, len(n.queues)))
	}
	return n.queues[qid], nil
}

// usable returns an error when the namespace is closed or the controller halted
func (n *Namespace) usable(op string) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return NewNamespaceError(op, n.id, ErrCodeDeviceOffline, "namespace closed")
	}
	return n.faulted(op)
}

func (n *Namespace) faulted(op string) error {
	err := n.dev.ctrl.Faulted()
	if err == nil {
		return nil
	}
	if n.faultReported.CompareAndSwap(false, true) {
		n.observer.ObserveFailure(ErrCodeProtocolViolation)
		if n.logger != nil {
			n.logger.Printf("Namespace %d: controller halted: %v", n.id, err)
		}
	}
	return &Error{Op: op, Namespace: n.id, Queue: -1, Code: ErrCodeProtocolViolation, Msg: "controller halted", Inner: err}
}

// Alloc maps count pages for use on queue qid. The pages share one host
// memory region; each starts with LBA 0 and NLB covering a whole page.
func (n *Namespace) Alloc(qid uint16, count int) ([]*Page, error) {
	const op = "ALLOC"
	if err := n.usable(op); err != nil {
		return nil, err
	}
	q, err := n.queue(op, qid)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, NewQueueError(op, n.id, int(qid), ErrCodeInvalidParameters, fmt.Sprintf("invalid page count %d", count))
	}

	q.mu.Lock()
	if bound := int(q.bound.Load()); bound+count > n.geo.MaxPagesPerQueue {
		q.mu.Unlock()
		return nil, NewQueueError(op, n.id, int(qid), ErrCodeInsufficientMemory,
			fmt.Sprintf("%d pages bound, %d more exceeds %d", bound, count, n.geo.MaxPagesPerQueue))
	}
	q.bound.Add(int64(count))
	q.mu.Unlock()
	unbind := func() { q.bound.Add(-int64(count)) }

	ps := int(n.geo.PageSize)
	region, err := hostmem.Alloc(count * ps)
	if err != nil {
		unbind()
		return nil, WrapError(op, err)
	}
	addr, err := n.dev.ctrl.Space().Map(region.Bytes())
	if err != nil {
		region.Release()
		unbind()
		return nil, WrapError(op, err)
	}

	a := &allocation{owner: n, region: region, addr: addr, live: count}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.release(a)
		unbind()
		return nil, NewNamespaceError(op, n.id, ErrCodeDeviceOffline, "namespace closed")
	}
	n.allocs[a] = struct{}{}
	n.mu.Unlock()

	buf := region.Bytes()
	nlb := uint16(n.geo.BlocksPerPage())
	pages := make([]*Page, count)
	for i := range pages {
		off := i * ps
		pages[i] = &Page{
			Buf:   buf[off : off+ps : off+ps],
			Addr:  addr + uint64(off),
			NLB:   nlb,
			QID:   qid,
			ID:    i,
			home:  qid,
			alloc: a,
		}
	}
	return pages, nil
}

// Free releases pages. In-flight pages are freed too; their device mapping
// is revoked once every page of the allocation is freed, after which a late
// transfer fails instead of touching the memory. Freeing a page twice is a
// no-op.
func (n *Namespace) Free(pages []*Page) error {
	var release []*allocation
	for _, p := range pages {
		if p == nil || p.alloc == nil || p.alloc.owner != n {
			return NewNamespaceError("FREE", n.id, ErrCodeInvalidParameters, "page not allocated by this namespace")
		}
		if !n.markFreed(p) {
			continue
		}
		n.mu.Lock()
		p.alloc.live--
		if p.alloc.live == 0 {
			if _, ok := n.allocs[p.alloc]; ok {
				delete(n.allocs, p.alloc)
				release = append(release, p.alloc)
			}
		}
		n.mu.Unlock()
	}

	var errs []error
	for _, a := range release {
		if err := n.release(a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return WrapError("FREE", err)
	}
	return nil
}

// markFreed moves p to PageFreed and drops it from every poll set. It
// returns false when p was already freed.
func (n *Namespace) markFreed(p *Page) bool {
	p.mu.Lock()
	if p.State == PageFreed {
		p.mu.Unlock()
		return false
	}
	p.State = PageFreed
	n.queues[p.home].bound.Add(-1)
	p.mu.Unlock()

	for _, q := range n.queues {
		q.mu.Lock()
		delete(q.tracked, p)
		q.mu.Unlock()
	}
	return true
}

func (n *Namespace) release(a *allocation) error {
	err := n.dev.ctrl.Space().Unmap(a.addr)
	if rerr := a.region.Release(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}

// validatePage checks a page for submission. Callers hold the page's queue
// lock and p.mu.
func (n *Namespace) validatePage(op string, p *Page) error {
	bad := func(format string, args ...interface{}) error {
		return NewQueueError(op, n.id, int(p.QID), ErrCodeInvalidParameters, fmt.Sprintf(format, args...))
	}
	switch {
	case p.alloc == nil || p.alloc.owner != n:
		return bad("page not allocated by this namespace")
	case p.State == PageFreed:
		return bad("page %d freed", p.ID)
	case p.State == PageInFlight:
		return bad("page %d already in flight", p.ID)
	case p.NLB == 0:
		return bad("page %d has no blocks", p.ID)
	case uint32(p.NLB) > n.geo.MaxBlocksPerIO:
		return bad("page %d moves %d blocks, limit %d", p.ID, p.NLB, n.geo.MaxBlocksPerIO)
	case p.LBA >= n.geo.TotalBlocks || p.LBA+uint64(p.NLB) > n.geo.TotalBlocks:
		return bad("blocks [%d,%d) outside namespace of %d blocks", p.LBA, p.LBA+uint64(p.NLB), n.geo.TotalBlocks)
	case int(p.NLB)*int(n.geo.BlockSize) > len(p.Buf):
		return bad("page %d buffer holds %d bytes, %d blocks need %d", p.ID, len(p.Buf), p.NLB, int(p.NLB)*int(n.geo.BlockSize))
	}
	return nil
}

func (n *Namespace) pairError(op string, qid uint16, err error) error {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		n.observer.ObserveFailure(ErrCodeQueueFull)
		return &Error{Op: op, Namespace: n.id, Queue: int(qid), Code: ErrCodeQueueFull, Msg: "submission queue full", Inner: err}
	case errors.Is(err, queue.ErrPairClosed):
		return &Error{Op: op, Namespace: n.id, Queue: int(qid), Code: ErrCodeDeviceOffline, Msg: "queue deleted", Inner: err}
	}
	return &Error{Op: op, Namespace: n.id, Queue: int(qid), Code: ErrCodeIOError, Msg: err.Error(), Inner: err}
}

// SubmitWrite queues a write of each page's blocks to the media without
// waiting. Every page is validated before any is submitted, so a failed
// call leaves all pages untouched.
func (n *Namespace) SubmitWrite(pages []*Page) error {
	return n.submit("WRITE", nvme.OpWrite, pages)
}

// SubmitRead queues a read of each page's blocks from the media without
// waiting.
func (n *Namespace) SubmitRead(pages []*Page) error {
	return n.submit("READ", nvme.OpRead, pages)
}

func (n *Namespace) submit(op string, opcode nvme.Opcode, pages []*Page) error {
	if err := n.usable(op); err != nil {
		return err
	}
	if len(pages) == 0 {
		return nil
	}

	need := make(map[uint16]int)
	seen := make(map[*Page]struct{}, len(pages))
	for _, p := range pages {
		if p == nil {
			return NewNamespaceError(op, n.id, ErrCodeInvalidParameters, "nil page")
		}
		if _, dup := seen[p]; dup {
			return NewQueueError(op, n.id, int(p.QID), ErrCodeInvalidParameters, fmt.Sprintf("page %d submitted twice", p.ID))
		}
		seen[p] = struct{}{}
		if _, err := n.queue(op, p.QID); err != nil {
			return err
		}
		need[p.QID]++
	}

	// queue locks are always taken in ascending id order
	ids := make([]uint16, 0, len(need))
	for id := range need {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		n.queues[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			n.queues[id].mu.Unlock()
		}
	}()

	for _, p := range pages {
		p.mu.Lock()
	}
	defer func() {
		for _, p := range pages {
			p.mu.Unlock()
		}
	}()

	moving := make(map[uint16]int)
	for _, p := range pages {
		if err := n.validatePage(op, p); err != nil {
			return err
		}
		if p.home != p.QID {
			moving[p.QID]++
		}
	}
	for id, k := range moving {
		if err := n.checkRebind(op, id, k); err != nil {
			return err
		}
	}
	for _, id := range ids {
		q := n.queues[id]
		if free := len(q.free); free < need[id] {
			n.observer.ObserveFailure(ErrCodeQueueFull)
			return NewQueueError(op, n.id, int(id), ErrCodeQueueFull,
				fmt.Sprintf("%d commands requested, %d slots free", need[id], free))
		}
	}

	now := time.Now()
	bs := uint64(n.geo.BlockSize)
	for _, p := range pages {
		q := n.queues[p.QID]
		cid, _ := q.take()
		var cmd nvme.Command
		if opcode == nvme.OpWrite {
			cmd = nvme.NewWrite(cid, n.id, p.LBA, p.NLB-1, p.Addr)
		} else {
			cmd = nvme.NewRead(cid, n.id, p.LBA, p.NLB-1, p.Addr)
		}
		if err := q.pair.Submit(&cmd); err != nil {
			q.put(cid)
			return n.pairError(op, q.id, err)
		}
		q.pending[cid] = &request{page: p, op: opcode, bytes: uint64(p.NLB) * bs, start: now}
		q.tracked[p] = struct{}{}
		n.rebind(p)
		p.cid = cid
		p.State = PageInFlight
		p.Status = nvme.StatusSuccess
		p.Result = 0
		p.Err = nil
	}
	for _, id := range ids {
		n.observer.ObserveQueueDepth(uint32(len(n.queues[id].pending)))
	}
	return nil
}

// checkRebind fails when k more pages moving onto queue qid would exceed its
// page limit. Callers hold the queue lock, so the count cannot grow meanwhile.
func (n *Namespace) checkRebind(op string, qid uint16, k int) error {
	if bound := int(n.queues[qid].bound.Load()); bound+k > n.geo.MaxPagesPerQueue {
		return NewQueueError(op, n.id, int(qid), ErrCodeInsufficientMemory,
			fmt.Sprintf("%d pages bound, %d more submitted here exceeds %d", bound, k, n.geo.MaxPagesPerQueue))
	}
	return nil
}

// rebind moves the page limit charge of p to the queue it is submitted on.
// Callers hold p.mu.
func (n *Namespace) rebind(p *Page) {
	if p.home == p.QID {
		return
	}
	n.queues[p.QID].bound.Add(1)
	n.queues[p.home].bound.Add(-1)
	p.home = p.QID
}

// drainLocked routes every completion waiting on q. Callers hold q.mu.
func (n *Namespace) drainLocked(q *hostQueue) {
	q.pair.Reap(func(c nvme.Completion) {
		n.route(q, c)
	})
}

func (n *Namespace) route(q *hostQueue, c nvme.Completion) {
	req, ok := q.pending[c.CID]
	if !ok {
		if n.logger != nil {
			n.logger.Printf("Namespace %d q%d: completion for idle cid %d dropped", n.id, q.id, c.CID)
		}
		return
	}
	delete(q.pending, c.CID)
	q.put(c.CID)

	latency := uint64(time.Since(req.start).Nanoseconds())
	success := c.OK()
	switch req.op {
	case nvme.OpRead:
		n.observer.ObserveRead(req.bytes, latency, success)
	case nvme.OpWrite:
		n.observer.ObserveWrite(req.bytes, latency, success)
	case nvme.OpFlush:
		n.observer.ObserveFlush(latency, success)
	case nvme.OpAggregateStart:
		n.observer.ObserveAggregate(req.bytes, latency, success)
	}

	if p := req.page; p != nil {
		p.mu.Lock()
		if p.State == PageInFlight && p.cid == c.CID {
			p.Status = c.Status
			p.Result = c.Result
			if success {
				p.State = PageCompleted
				p.Err = nil
			} else {
				p.State = PageFailed
				p.Err = NewStatusError(req.op.String(), n.id, int(q.id), c.Status)
			}
		}
		p.mu.Unlock()
	}
	if req.done != nil {
		req.done <- c
	}
}

// Poll waits up to timeout for every page submitted on queue qid since the
// last full poll to complete. When all of them are done it returns their
// count and starts a new poll set; otherwise it returns how many are done
// when the timeout expires. A zero timeout checks once without waiting.
func (n *Namespace) Poll(qid uint16, timeout time.Duration) (int, error) {
	q, err := n.queue("POLL", qid)
	if err != nil {
		return 0, err
	}
	return n.poll([]*hostQueue{q}, timeout)
}

// PollAll is Poll across every queue of the namespace
func (n *Namespace) PollAll(timeout time.Duration) (int, error) {
	return n.poll(n.queues, timeout)
}

func (n *Namespace) poll(qs []*hostQueue, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		done, total := 0, 0
		for _, q := range qs {
			q.mu.Lock()
			n.drainLocked(q)
			d, t := q.terminalLocked()
			q.mu.Unlock()
			done += d
			total += t
		}

		if done == total {
			n.resetPollSet(qs)
			return total, nil
		}
		if err := n.faulted("POLL"); err != nil {
			return done, err
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			if timeout > 0 {
				n.observer.ObserveFailure(ErrCodeTimeout)
			}
			return done, nil
		}
		time.Sleep(constants.PollInterval)
	}
}

// resetPollSet forgets terminal pages. Pages submitted after the check stay.
func (n *Namespace) resetPollSet(qs []*hostQueue) {
	for _, q := range qs {
		q.mu.Lock()
		for p := range q.tracked {
			if p.terminal() {
				delete(q.tracked, p)
			}
		}
		q.mu.Unlock()
	}
}

// PollPage waits up to timeout for one page to leave the in-flight state
// and returns its error, if any.
func (n *Namespace) PollPage(p *Page, timeout time.Duration) error {
	const op = "POLL"
	if p == nil || p.alloc == nil || p.alloc.owner != n {
		return NewNamespaceError(op, n.id, ErrCodeInvalidParameters, "page not allocated by this namespace")
	}
	q, err := n.queue(op, p.QID)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		n.drainLocked(q)
		p.mu.Lock()
		state, perr := p.State, p.Err
		p.mu.Unlock()
		q.mu.Unlock()

		switch state {
		case PageInFlight:
		case PageFailed:
			return perr
		case PageFreed:
			return NewQueueError(op, n.id, int(q.id), ErrCodeInvalidParameters, fmt.Sprintf("page %d freed", p.ID))
		default:
			return nil
		}
		if err := n.faulted(op); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			n.observer.ObserveFailure(ErrCodeTimeout)
			return NewQueueError(op, n.id, int(q.id), ErrCodeTimeout, fmt.Sprintf("page %d still in flight after %v", p.ID, timeout))
		}
		time.Sleep(constants.PollInterval)
	}
}

// exec submits one command on q and waits for its completion. A ctx
// without a deadline is bounded by IOTimeout.
func (n *Namespace) exec(ctx context.Context, op string, q *hostQueue, page *Page, bytes uint64, build func(cid uint16) nvme.Command) (nvme.Completion, error) {
	if err := n.usable(op); err != nil {
		return nvme.Completion{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constants.IOTimeout)
		defer cancel()
	}

	done := make(chan nvme.Completion, 1)
	q.mu.Lock()
	cid, err := n.execSubmit(op, q, page, bytes, done, build)
	q.mu.Unlock()
	if err != nil {
		return nvme.Completion{}, err
	}

	ticker := time.NewTicker(constants.PollInterval)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		n.drainLocked(q)
		q.mu.Unlock()

		select {
		case c := <-done:
			return c, nil
		default:
		}
		if err := n.faulted(op); err != nil {
			return nvme.Completion{}, err
		}

		select {
		case c := <-done:
			return c, nil
		case <-ctx.Done():
			n.observer.ObserveFailure(ErrCodeTimeout)
			return nvme.Completion{}, &Error{Op: op, Namespace: n.id, Queue: int(q.id), Code: ErrCodeTimeout,
				Msg: fmt.Sprintf("cid %d not completed", cid), Inner: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// execSubmit queues one command for exec. Callers hold q.mu.
func (n *Namespace) execSubmit(op string, q *hostQueue, page *Page, bytes uint64, done chan nvme.Completion, build func(cid uint16) nvme.Command) (uint16, error) {
	if page != nil {
		page.mu.Lock()
		defer page.mu.Unlock()
		if err := n.validatePage(op, page); err != nil {
			return 0, err
		}
		if page.home != page.QID {
			if err := n.checkRebind(op, page.QID, 1); err != nil {
				return 0, err
			}
		}
	}
	cid, ok := q.take()
	if !ok {
		n.observer.ObserveFailure(ErrCodeQueueFull)
		return 0, NewQueueError(op, n.id, int(q.id), ErrCodeQueueFull, "no free command slot")
	}
	cmd := build(cid)
	if err := q.pair.Submit(&cmd); err != nil {
		q.put(cid)
		return 0, n.pairError(op, q.id, err)
	}
	q.pending[cid] = &request{page: page, op: cmd.Opcode(), bytes: bytes, start: time.Now(), done: done}
	if page != nil {
		n.rebind(page)
		page.cid = cid
		page.State = PageInFlight
		page.Err = nil
	}
	return cid, nil
}

// Write writes the page's blocks to the media and waits for completion
func (n *Namespace) Write(ctx context.Context, p *Page) error {
	return n.transfer(ctx, "WRITE", nvme.OpWrite, p)
}

// Read reads the page's blocks from the media and waits for completion
func (n *Namespace) Read(ctx context.Context, p *Page) error {
	return n.transfer(ctx, "READ", nvme.OpRead, p)
}

func (n *Namespace) transfer(ctx context.Context, op string, opcode nvme.Opcode, p *Page) error {
	if p == nil {
		return NewNamespaceError(op, n.id, ErrCodeInvalidParameters, "nil page")
	}
	q, err := n.queue(op, p.QID)
	if err != nil {
		return err
	}
	bytes := uint64(p.NLB) * uint64(n.geo.BlockSize)
	c, err := n.exec(ctx, op, q, p, bytes, func(cid uint16) nvme.Command {
		if opcode == nvme.OpWrite {
			return nvme.NewWrite(cid, n.id, p.LBA, p.NLB-1, p.Addr)
		}
		return nvme.NewRead(cid, n.id, p.LBA, p.NLB-1, p.Addr)
	})
	if err != nil {
		return err
	}
	if !c.OK() {
		return NewStatusError(op, n.id, int(q.id), c.Status)
	}
	return nil
}

// Flush commits media writes and waits for completion
func (n *Namespace) Flush(ctx context.Context, qid uint16) error {
	const op = "FLUSH"
	q, err := n.queue(op, qid)
	if err != nil {
		return err
	}
	c, err := n.exec(ctx, op, q, nil, 0, func(cid uint16) nvme.Command {
		return nvme.NewFlush(cid, n.id)
	})
	if err != nil {
		return err
	}
	if !c.OK() {
		return NewStatusError(op, n.id, int(q.id), c.Status)
	}
	return nil
}

// AggregateResult describes a finished aggregation
type AggregateResult struct {
	StartBlock uint64
	EndBlock   uint64
	Bytes      uint64
	Status     uint32 // accelerator status word
	Latency    time.Duration
}

// Aggregate runs the device accelerator over blocks [startBlock, endBlock)
// in place and waits for it to finish. One aggregation may run per
// namespace at a time.
func (n *Namespace) Aggregate(ctx context.Context, qid uint16, startBlock, endBlock uint64) (AggregateResult, error) {
	const op = "AGGREGATE"
	res := AggregateResult{StartBlock: startBlock, EndBlock: endBlock}
	if endBlock <= startBlock || endBlock > n.geo.TotalBlocks {
		return res, NewQueueError(op, n.id, int(qid), ErrCodeInvalidParameters,
			fmt.Sprintf("block range [%d,%d) invalid for %d blocks", startBlock, endBlock, n.geo.TotalBlocks))
	}
	length := (endBlock - startBlock) * uint64(n.geo.BlockSize)
	if length > math.MaxUint32 {
		return res, NewQueueError(op, n.id, int(qid), ErrCodeInvalidParameters,
			fmt.Sprintf("range of %d bytes exceeds 32-bit offset", length))
	}
	res.Bytes = length
	q, err := n.queue(op, qid)
	if err != nil {
		return res, err
	}

	if !n.aggregating.CompareAndSwap(false, true) {
		return res, NewQueueError(op, n.id, int(qid), ErrCodeDeviceBusy, "aggregation already in progress")
	}
	defer n.aggregating.Store(false)

	start := time.Now()
	c, err := n.exec(ctx, op, q, nil, length, func(cid uint16) nvme.Command {
		return nvme.NewAggregateStart(cid, n.id, startBlock, 0, uint32(length))
	})
	res.Latency = time.Since(start)
	if err != nil {
		return res, err
	}
	res.Status = c.Result
	if !c.OK() {
		err := NewStatusError(op, n.id, int(q.id), c.Status)
		n.observer.ObserveFailure(err.Code)
		return res, err
	}
	if n.logger != nil {
		n.logger.Debugf("Namespace %d: aggregated blocks [%d,%d) in %v", n.id, startBlock, endBlock, res.Latency)
	}
	return res, nil
}

func pagesQueue(pages []*Page) uint16 {
	if len(pages) > 0 && pages[0] != nil {
		return pages[0].QID
	}
	return 0
}

// AggregateStart aggregates blocks [startBlock, endBlock) on the queue of the
// first page, or queue 0 when pages is empty.
func (n *Namespace) AggregateStart(ctx context.Context, pages []*Page, startBlock, endBlock uint64) error {
	_, err := n.Aggregate(ctx, pagesQueue(pages), startBlock, endBlock)
	return err
}

// AggregateDone acknowledges the last aggregation on the queue of the first
// page, or queue 0 when pages is empty.
func (n *Namespace) AggregateDone(ctx context.Context, pages []*Page) error {
	const op = "AGGREGATE_DONE"
	q, err := n.queue(op, pagesQueue(pages))
	if err != nil {
		return err
	}
	c, err := n.exec(ctx, op, q, nil, 0, func(cid uint16) nvme.Command {
		return nvme.NewAggregateDone(cid, n.id)
	})
	if err != nil {
		return err
	}
	if !c.OK() {
		return NewStatusError(op, n.id, int(q.id), c.Status)
	}
	return nil
}

// NamespaceInfo describes an open namespace
type NamespaceInfo struct {
	ID               uint32
	Session          uint32
	VendorID         uint16
	Model            string
	Serial           string
	FirmwareRev      string
	Queues           int
	QueueDepth       int
	MaxQueueDepth    int
	PageSize         uint32
	BlockSize        uint32
	TotalBlocks      uint64
	BlocksPerPage    uint32
	MaxBlocksPerIO   uint32
	MaxPagesPerIO    uint32
	MaxPagesPerQueue int
	Kernel           string
}

// Size returns the namespace capacity in bytes
func (i NamespaceInfo) Size() uint64 { return i.TotalBlocks * uint64(i.BlockSize) }

// Info returns the namespace attributes
func (n *Namespace) Info() NamespaceInfo {
	id := n.dev.ctrl.Identify()
	info := NamespaceInfo{
		ID:               n.id,
		Session:          n.session,
		VendorID:         id.VendorID,
		Model:            id.Model,
		Serial:           id.Serial,
		FirmwareRev:      id.FirmwareRev,
		Queues:           len(n.queues),
		MaxQueueDepth:    id.MaxQueueDepth,
		PageSize:         id.PageSize,
		BlockSize:        id.BlockSize,
		TotalBlocks:      id.TotalBlocks,
		BlocksPerPage:    id.BlocksPerPage,
		MaxBlocksPerIO:   id.MaxBlocksPerIO,
		MaxPagesPerIO:    id.MaxPagesPerIO,
		MaxPagesPerQueue: id.MaxPagesPerQueue,
		Kernel:           id.Kernel,
	}
	if len(n.queues) > 0 {
		info.QueueDepth = n.queues[0].depth
	}
	return info
}

// QueueInfo is a snapshot of one host queue
type QueueInfo struct {
	ID          uint16
	Depth       int
	Outstanding int // commands waiting for a completion
	Tracked     int // pages in the current poll set
	PagesBound  int
}

// QueueInfo returns a snapshot of queue qid
func (n *Namespace) QueueInfo(qid uint16) (QueueInfo, error) {
	q, err := n.queue("INFO", qid)
	if err != nil {
		return QueueInfo{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueInfo{
		ID:          q.id,
		Depth:       q.depth,
		Outstanding: len(q.pending),
		Tracked:     len(q.tracked),
		PagesBound:  int(q.bound.Load()),
	}, nil
}

func (n *Namespace) deleteQueues() {
	for _, q := range n.queues {
		if err := n.dev.ctrl.DeleteQueuePair(q.id); err != nil && n.logger != nil {
			n.logger.Printf("Namespace %d: delete queue %d: %v", n.id, q.id, err)
		}
	}
}

// Close deletes the namespace's queues and releases every page still
// allocated. The device may then be opened again.
func (n *Namespace) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	allocs := n.allocs
	n.allocs = nil
	n.mu.Unlock()

	n.deleteQueues()

	var errs []error
	for a := range allocs {
		if err := n.release(a); err != nil {
			errs = append(errs, err)
		}
	}

	n.dev.mu.Lock()
	if n.dev.ns == n {
		n.dev.ns = nil
	}
	n.dev.mu.Unlock()

	if n.logger != nil {
		n.logger.Printf("Namespace %d closed: session %d", n.id, n.session)
	}
	if err := errors.Join(errs...); err != nil {
		return WrapError("CLOSE", err)
	}
	return nil
}
