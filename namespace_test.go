package csd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-csd/internal/accel"
	"github.com/ehrlich-b/go-csd/internal/nvme"
)

const testBlocks = 1024 // 512KB namespace

func newTestDevice(t *testing.T, modify func(*DeviceParams)) (*Device, *MockMedia) {
	t.Helper()
	media := NewMockMedia(testBlocks * DefaultBlockSize)
	params := DefaultParams(media)
	params.MaxQueueDepth = 64
	params.MaxQueues = 4
	if modify != nil {
		modify(&params)
	}
	d, err := NewDevice(params, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, media
}

func openTestNamespace(t *testing.T, d *Device, queues, depth int) *Namespace {
	t.Helper()
	ns, err := d.Open(OpenParams{Queues: queues, QueueDepth: depth})
	require.NoError(t, err)
	return ns
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestNamespaceInfo(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 2, 16)

	info := ns.Info()
	assert.Equal(t, uint32(DefaultNamespaceID), info.ID)
	assert.Equal(t, uint32(1), info.Session)
	assert.Equal(t, 2, info.Queues)
	assert.Equal(t, 16, info.QueueDepth)
	assert.Equal(t, uint32(4096), info.PageSize)
	assert.Equal(t, uint32(512), info.BlockSize)
	assert.Equal(t, uint64(testBlocks), info.TotalBlocks)
	assert.Equal(t, uint32(8), info.BlocksPerPage)
	assert.Equal(t, uint64(testBlocks*512), info.Size())
	assert.Equal(t, "prefix-sum32", info.Kernel)
	assert.NotEmpty(t, info.Model)
}

func TestOpenValidation(t *testing.T) {
	d, _ := newTestDevice(t, nil)

	_, err := d.Open(OpenParams{Queues: 5, QueueDepth: 8})
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "too many queues: %v", err)

	_, err = d.Open(OpenParams{Queues: 1, QueueDepth: 65})
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "queue too deep: %v", err)

	// a failed open leaves the device free
	ns, err := d.Open(OpenParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, ns.Queues())
	assert.Equal(t, uint32(1), ns.Session(), "failed opens do not consume a session")
}

func TestAlloc(t *testing.T) {
	d, _ := newTestDevice(t, func(p *DeviceParams) { p.MaxPagesPerQueue = 8 })
	ns := openTestNamespace(t, d, 2, 16)

	pages, err := ns.Alloc(1, 4)
	require.NoError(t, err)
	require.Len(t, pages, 4)
	for i, p := range pages {
		assert.Len(t, p.Buf, 4096)
		assert.Equal(t, uint16(1), p.QID)
		assert.Equal(t, i, p.ID)
		assert.Equal(t, uint16(8), p.NLB)
		assert.Equal(t, PageIdle, p.State)
		assert.Zero(t, p.Addr%16, "page address must be 16-byte aligned")
		if i > 0 {
			assert.Equal(t, pages[i-1].Addr+4096, p.Addr)
		}
	}

	_, err = ns.Alloc(1, 5)
	assert.True(t, IsCode(err, ErrCodeInsufficientMemory), "over per-queue limit: %v", err)
	_, err = ns.Alloc(0, 0)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
	_, err = ns.Alloc(2, 1)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "queue not open")

	require.NoError(t, ns.Free(pages))
	_, err = ns.Alloc(1, 8)
	assert.NoError(t, err, "freed pages no longer count against the queue")
}

// Four pages round robin over two queues: write, aggregate in place, read
// back and compare with the reference kernel.
func TestOffloadRoundTrip(t *testing.T) {
	d, media := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 2, 16)
	ctx := context.Background()

	const numPages = 4
	bpp := uint64(ns.Geometry().BlocksPerPage())
	pages := make([]*Page, 0, numPages)
	for i := 0; i < numPages; i++ {
		p, err := ns.Alloc(uint16(i%2), 1)
		require.NoError(t, err)
		p[0].LBA = uint64(i) * bpp
		copy(p[0].Buf, pattern(len(p[0].Buf), byte(i)))
		pages = append(pages, p[0])
	}

	require.NoError(t, ns.SubmitWrite(pages))
	n, err := ns.PollAll(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, numPages, n)
	for _, p := range pages {
		require.Equal(t, PageCompleted, p.State, "page %d: %v", p.ID, p.Err)
	}

	// blocks past the written pages come straight from the media
	const endBlock = 100
	tail := pattern((endBlock-numPages*8)*512, 0x40)
	media.Fill(tail, numPages*8*512)

	var original []byte
	for _, p := range pages {
		original = append(original, p.Buf...)
	}
	original = append(original, tail...)
	want, err := accel.Reference(accel.PrefixSum32{}, original)
	require.NoError(t, err)

	res, err := ns.Aggregate(ctx, 0, 0, endBlock)
	require.NoError(t, err)
	assert.Equal(t, uint64(endBlock*512), res.Bytes)
	assert.True(t, bytes.Equal(want, media.Bytes(0, endBlock*512)), "media differs from reference aggregation")
	require.NoError(t, ns.AggregateDone(ctx, pages))

	for _, p := range pages {
		for i := range p.Buf {
			p.Buf[i] = 0
		}
	}
	require.NoError(t, ns.SubmitRead(pages))
	n, err = ns.PollAll(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, numPages, n)
	for i, p := range pages {
		assert.Equal(t, want[i*4096:(i+1)*4096], p.Buf, "page %d", i)
	}

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(numPages), snap.WriteOps)
	assert.Equal(t, uint64(numPages), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.AggregateOps)
	assert.Equal(t, uint64(endBlock*512), snap.AggregateBytes)
}

func TestAggregateStartUsesFirstPageQueue(t *testing.T) {
	d, media := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 2, 8)

	data := pattern(8*512, 3)
	media.Fill(data, 0)
	want, err := accel.Reference(accel.PrefixSum32{}, data)
	require.NoError(t, err)

	pages, err := ns.Alloc(1, 1)
	require.NoError(t, err)
	require.NoError(t, ns.AggregateStart(context.Background(), pages, 0, 8))
	assert.Equal(t, want, media.Bytes(0, 8*512))

	stats := d.ControllerStats()
	assert.Equal(t, uint64(1), stats.Queues[1].Processed)
	assert.Equal(t, uint64(0), stats.Queues[0].Processed)
}

func TestAggregateValidation(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 8)
	ctx := context.Background()

	tests := []struct {
		name       string
		qid        uint16
		start, end uint64
		code       ErrorCode
	}{
		{"empty range", 0, 10, 10, ErrCodeInvalidParameters},
		{"inverted range", 0, 10, 5, ErrCodeInvalidParameters},
		{"past capacity", 0, 0, testBlocks + 1, ErrCodeInvalidParameters},
		{"queue not open", 3, 0, 8, ErrCodeInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ns.Aggregate(ctx, tt.qid, tt.start, tt.end)
			assert.True(t, IsCode(err, tt.code), "got %v", err)
		})
	}

	ns.aggregating.Store(true)
	_, err := ns.Aggregate(ctx, 0, 0, 8)
	assert.True(t, errors.Is(err, ErrDeviceBusy), "concurrent aggregation: %v", err)
	ns.aggregating.Store(false)

	_, err = ns.Aggregate(ctx, 0, 0, testBlocks)
	assert.NoError(t, err, "whole namespace")
}

func TestAggregateAcceleratorTimeout(t *testing.T) {
	d, _ := newTestDevice(t, func(p *DeviceParams) {
		p.AccelPollLimit = 2
		p.AccelPollInterval = time.Millisecond
		p.AccelLatency = 200 * time.Millisecond
	})
	ns := openTestNamespace(t, d, 1, 8)

	res, err := ns.Aggregate(context.Background(), 0, 0, 8)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimeout), "got %v", err)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, nvme.StatusAcceleratorTimeout, ce.Status)
	assert.Zero(t, res.Status&accel.StatusReady, "accelerator was still running")
}

func TestSubmitValidation(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 2, 8)

	pages, err := ns.Alloc(0, 3)
	require.NoError(t, err)
	freed, err := ns.Alloc(1, 1)
	require.NoError(t, err)
	require.NoError(t, ns.Free(freed))

	foreign := &Page{Buf: make([]byte, 4096), NLB: 8}

	tests := []struct {
		name  string
		setup func() []*Page
	}{
		{"block past capacity", func() []*Page {
			pages[0].LBA = testBlocks - 4
			return pages[:1]
		}},
		{"zero blocks", func() []*Page {
			pages[0].NLB = 0
			return pages[:1]
		}},
		{"more blocks than the buffer", func() []*Page {
			pages[0].NLB = 9
			return pages[:1]
		}},
		{"queue not open", func() []*Page {
			pages[0].QID = 2
			return pages[:1]
		}},
		{"duplicate page", func() []*Page { return []*Page{pages[1], pages[1]} }},
		{"freed page", func() []*Page { return freed }},
		{"foreign page", func() []*Page { return []*Page{foreign} }},
		{"nil page", func() []*Page { return []*Page{nil} }},
		{"one bad page rejects the batch", func() []*Page {
			pages[2].LBA = testBlocks
			return pages
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, p := range pages {
				p.LBA, p.NLB, p.QID = 0, 8, 0
			}
			err := ns.SubmitWrite(tt.setup())
			assert.True(t, IsCode(err, ErrCodeInvalidParameters), "got %v", err)
			for _, p := range pages {
				assert.Equal(t, PageIdle, p.State, "page %d submitted", p.ID)
			}
		})
	}
}

func TestSubmitQueueFull(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 4)

	pages, err := ns.Alloc(0, 5)
	require.NoError(t, err)
	for i, p := range pages {
		p.LBA = uint64(i * 8)
	}

	err = ns.SubmitWrite(pages)
	assert.True(t, errors.Is(err, ErrQueueFull), "got %v", err)
	for _, p := range pages {
		assert.Equal(t, PageIdle, p.State)
	}
	assert.Equal(t, uint64(1), d.MetricsSnapshot().QueueFull)

	require.NoError(t, ns.SubmitWrite(pages[:4]))
	n, err := ns.Poll(0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// slots are recycled once completions are polled
	require.NoError(t, ns.SubmitWrite(pages[4:]))
	n, err = ns.Poll(0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmitInFlightPage(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 8)

	pages, err := ns.Alloc(0, 1)
	require.NoError(t, err)

	// hold the page in flight without letting the controller see it
	pages[0].mu.Lock()
	pages[0].State = PageInFlight
	pages[0].mu.Unlock()

	err = ns.SubmitRead(pages)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "got %v", err)
}

func TestPollBoundaries(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 2, 8)

	n, err := ns.Poll(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing submitted")

	_, err = ns.Poll(5, time.Millisecond)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	pages, err := ns.Alloc(1, 2)
	require.NoError(t, err)
	pages[1].LBA = 8
	require.NoError(t, ns.SubmitWrite(pages))

	n, err = ns.Poll(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "queue 0 has no submissions")

	// a zero timeout never waits, so it sees at most the two pages
	n, err = ns.Poll(1, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 2)
	if n < 2 {
		require.Eventually(t, func() bool {
			n, err := ns.Poll(1, 0)
			return err == nil && n == 2
		}, 5*time.Second, time.Millisecond)
	}

	n, err = ns.Poll(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "poll set starts over once every page completed")

	// pages already complete are counted without waiting for the deadline
	require.NoError(t, ns.SubmitRead(pages))
	for _, p := range pages {
		require.NoError(t, ns.PollPage(p, 5*time.Second))
	}
	start := time.Now()
	n, err = ns.Poll(1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmitOnOtherQueue(t *testing.T) {
	d, _ := newTestDevice(t, func(p *DeviceParams) { p.MaxPagesPerQueue = 4 })
	ns := openTestNamespace(t, d, 2, 16)

	bound := func(qid uint16) int {
		info, err := ns.QueueInfo(qid)
		require.NoError(t, err)
		return info.PagesBound
	}

	pages, err := ns.Alloc(0, 3)
	require.NoError(t, err)
	for i, p := range pages {
		p.QID = 1
		p.LBA = uint64(i) * 8
	}
	require.NoError(t, ns.SubmitWrite(pages))
	n, err := ns.PollAll(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, bound(0))
	assert.Equal(t, 3, bound(1), "pages count against the queue they are submitted on")

	// queue 1 has room for one more page, so two more moving there is refused
	more, err := ns.Alloc(0, 2)
	require.NoError(t, err)
	for _, p := range more {
		p.QID = 1
	}
	err = ns.SubmitRead(more)
	assert.True(t, IsCode(err, ErrCodeInsufficientMemory), "got %v", err)
	for _, p := range more {
		assert.Equal(t, PageIdle, p.State)
	}
	assert.Equal(t, 2, bound(0))

	more[1].QID = 0
	require.NoError(t, ns.Write(context.Background(), more[0]))
	assert.Equal(t, 4, bound(1))
	assert.Equal(t, 1, bound(0))

	require.NoError(t, ns.Free(append(pages, more...)))
	assert.Equal(t, 0, bound(0))
	assert.Equal(t, 0, bound(1))
}

// Freeing pages while another goroutine polls the queue they were submitted
// on must leave every page freed.
func TestFreeWhilePollingOtherQueue(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 2, 16)

	for round := 0; round < 20; round++ {
		pages, err := ns.Alloc(0, 4)
		require.NoError(t, err)
		for i, p := range pages {
			p.QID = 1
			p.LBA = uint64(i) * 8
		}
		require.NoError(t, ns.SubmitWrite(pages))

		polled := make(chan error, 1)
		go func() {
			_, err := ns.Poll(1, time.Second)
			polled <- err
		}()
		require.NoError(t, ns.Free(pages))
		require.NoError(t, <-polled)

		for _, p := range pages {
			assert.Equal(t, PageFreed, p.State, "round %d page %d", round, p.ID)
		}
		err = ns.SubmitWrite(pages)
		assert.True(t, IsCode(err, ErrCodeInvalidParameters), "freed pages cannot be resubmitted: %v", err)
	}

	info, err := ns.QueueInfo(1)
	require.NoError(t, err)
	assert.Zero(t, info.PagesBound)
	require.NoError(t, ns.Close())
}

func TestPollPage(t *testing.T) {
	d, media := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 8)

	pages, err := ns.Alloc(0, 1)
	require.NoError(t, err)
	copy(pages[0].Buf, pattern(4096, 9))

	require.NoError(t, ns.SubmitWrite(pages))
	require.NoError(t, ns.PollPage(pages[0], 5*time.Second))
	assert.Equal(t, PageCompleted, pages[0].State)
	assert.Equal(t, pattern(4096, 9), media.Bytes(0, 4096))

	media.FailReads(errors.New("media gone"))
	require.NoError(t, ns.SubmitRead(pages))
	err = ns.PollPage(pages[0], 5*time.Second)
	assert.True(t, IsCode(err, ErrCodeIOError), "got %v", err)
	assert.Equal(t, PageFailed, pages[0].State)
	assert.Equal(t, nvme.StatusDataTransferError, pages[0].Status)

	// a failed page still counts as done for Poll
	n, err := ns.Poll(0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFreeFencesPages(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 8)
	space := d.ctrl.Space()

	pages, err := ns.Alloc(0, 2)
	require.NoError(t, err)
	require.Equal(t, 1, space.Mapped())

	pages[1].LBA = 8
	require.NoError(t, ns.SubmitWrite(pages))
	require.NoError(t, ns.Free(pages[:1]))
	assert.Equal(t, 1, space.Mapped(), "region stays mapped while a page is live")

	require.NoError(t, ns.Free(pages[1:]))
	assert.Equal(t, 0, space.Mapped())
	assert.NoError(t, ns.Free(pages), "double free is a no-op")

	// late completions are dropped and freed pages leave the poll set
	n, err := ns.Poll(0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	for _, p := range pages {
		assert.Equal(t, PageFreed, p.State)
	}

	err = ns.SubmitWrite(pages)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "freed pages cannot be submitted: %v", err)
}

func TestSyncReadWriteFlush(t *testing.T) {
	d, media := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 8)
	ctx := context.Background()

	pages, err := ns.Alloc(0, 1)
	require.NoError(t, err)
	p := pages[0]
	p.LBA = 16
	p.NLB = 4
	data := pattern(4*512, 5)
	copy(p.Buf, data)

	require.NoError(t, ns.Write(ctx, p))
	assert.Equal(t, PageCompleted, p.State)
	assert.Equal(t, data, media.Bytes(16*512, 4*512))

	for i := range p.Buf {
		p.Buf[i] = 0
	}
	require.NoError(t, ns.Read(ctx, p))
	assert.Equal(t, data, p.Data(512))
	assert.Len(t, p.Data(512), 4*512)

	require.NoError(t, ns.Flush(ctx, 0))
	assert.True(t, media.IsFlushed())

	media.FailFlushes(errors.New("sync failed"))
	err = ns.Flush(ctx, 0)
	var ce *Error
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, nvme.StatusInternalError, ce.Status)

	media.FailWrites(errors.New("write failed"))
	err = ns.Write(ctx, p)
	assert.True(t, IsCode(err, ErrCodeIOError), "got %v", err)
	assert.Equal(t, PageFailed, p.State)

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(2), snap.FlushOps)
	assert.Equal(t, uint64(1), snap.FlushErrors)
	assert.Equal(t, uint64(1), snap.WriteErrors)
}

func TestSyncTimeout(t *testing.T) {
	d, _ := newTestDevice(t, func(p *DeviceParams) { p.AccelLatency = time.Second })
	ns := openTestNamespace(t, d, 1, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ns.Aggregate(ctx, 0, 0, 8)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), d.MetricsSnapshot().Timeouts)
}

func TestFaultedController(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 8)

	pages, err := ns.Alloc(0, 1)
	require.NoError(t, err)

	// an opcode the controller does not implement halts it
	cmd := nvme.NewFlush(7, ns.ID())
	cmd.CDW0 = cmd.CDW0&^0xFF | 0x7F
	require.NoError(t, ns.queues[0].pair.Submit(&cmd))
	require.Eventually(t, func() bool { return d.Faulted() != nil }, 5*time.Second, time.Millisecond)

	err = ns.SubmitWrite(pages)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
	err = ns.Flush(context.Background(), 0)
	assert.True(t, IsCode(err, ErrCodeProtocolViolation), "got %v", err)
	assert.Equal(t, uint64(1), d.MetricsSnapshot().Violations, "violation is counted once")

	require.NoError(t, ns.Close())
	_, err = d.Open(DefaultOpenParams())
	assert.True(t, IsCode(err, ErrCodeDeviceOffline), "got %v", err)
}

func TestNamespaceClose(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 2, 8)

	_, err := ns.Alloc(0, 3)
	require.NoError(t, err)
	_, err = ns.Alloc(1, 1)
	require.NoError(t, err)
	require.Equal(t, 2, d.ctrl.Space().Mapped())

	require.NoError(t, ns.Close())
	assert.Equal(t, 0, d.ctrl.Space().Mapped())
	assert.Empty(t, d.ctrl.QueueIDs())
	assert.NoError(t, ns.Close(), "Close is idempotent")

	_, err = ns.Alloc(0, 1)
	assert.True(t, IsCode(err, ErrCodeDeviceOffline), "got %v", err)
	_, err = ns.PollAll(0)
	assert.NoError(t, err, "nothing tracked after close")
}

func TestQueueInfo(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	ns := openTestNamespace(t, d, 1, 8)

	pages, err := ns.Alloc(0, 2)
	require.NoError(t, err)
	pages[1].LBA = 8
	require.NoError(t, ns.SubmitWrite(pages))

	qi, err := ns.QueueInfo(0)
	require.NoError(t, err)
	assert.Equal(t, 8, qi.Depth)
	assert.Equal(t, 2, qi.PagesBound)
	assert.Equal(t, 2, qi.Tracked)

	_, err = ns.PollAll(5 * time.Second)
	require.NoError(t, err)
	qi, err = ns.QueueInfo(0)
	require.NoError(t, err)
	assert.Zero(t, qi.Outstanding)
	assert.Zero(t, qi.Tracked)

	_, err = ns.QueueInfo(1)
	assert.Error(t, err)
}
