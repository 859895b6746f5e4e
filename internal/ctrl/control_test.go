package ctrl

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-csd/internal/accel"
	"github.com/ehrlich-b/go-csd/internal/hostmem"
	"github.com/ehrlich-b/go-csd/internal/logging"
	"github.com/ehrlich-b/go-csd/internal/nvme"
	"github.com/ehrlich-b/go-csd/internal/queue"
)

// Mock media for testing
type mockMedia struct {
	mu   sync.Mutex
	data []byte
}

func newMockMedia(size int) *mockMedia {
	return &mockMedia{data: make([]byte, size)}
}

func (m *mockMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("read past end")
	}
	return copy(p, m.data[off:]), nil
}

func (m *mockMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write past end")
	}
	return copy(m.data[off:], p), nil
}

func (m *mockMedia) Size() int64  { return int64(len(m.data)) }
func (m *mockMedia) Close() error { return nil }
func (m *mockMedia) Flush() error { return nil }

func (m *mockMedia) snapshot(off, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[off:off+n]...)
}

func newTestController(t *testing.T, halt bool) (*Controller, *mockMedia) {
	t.Helper()
	media := newMockMedia(1024 * 512)
	params := DefaultParams(media)
	params.Geometry.MaxQueueDepth = 16
	params.MaxQueues = 2
	params.HaltOnViolation = halt
	params.Logger = logging.Nop()

	c, err := New(params)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, media
}

func mapPage(t *testing.T, c *Controller) ([]byte, uint64) {
	t.Helper()
	region, err := hostmem.Alloc(hostmem.PageSize)
	require.NoError(t, err)
	addr, err := c.Space().Map(region.Bytes())
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Space().Unmap(addr)
		region.Release()
	})
	return region.Bytes(), addr
}

func submit(t *testing.T, p *queue.Pair, cmd nvme.Command) {
	t.Helper()
	require.NoError(t, p.Submit(&cmd))
}

func reapOne(t *testing.T, p *queue.Pair) nvme.Completion {
	t.Helper()
	var got []nvme.Completion
	require.Eventually(t, func() bool {
		p.Reap(func(c nvme.Completion) { got = append(got, c) })
		return len(got) > 0
	}, 2*time.Second, time.Millisecond)
	return got[0]
}

func TestDefaultParams(t *testing.T) {
	media := newMockMedia(64 * 1024 * 1024)
	params := DefaultParams(media)

	assert.Equal(t, media, params.Media)
	assert.Equal(t, uint32(512), params.Geometry.BlockSize)
	assert.Equal(t, uint64(128*1024), params.Geometry.TotalBlocks)
	assert.Equal(t, uint32(4096), params.Geometry.PageSize)
	assert.True(t, params.HaltOnViolation)
	assert.Zero(t, params.AccelPollLimit)
	assert.NoError(t, params.Geometry.Validate())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)

	media := newMockMedia(4096)
	params := DefaultParams(media)
	params.Geometry.TotalBlocks = 16
	params.Logger = logging.Nop()
	_, err = New(params)
	assert.Error(t, err, "namespace larger than media")

	params = DefaultParams(media)
	params.Geometry.BlockSize = 500
	params.Logger = logging.Nop()
	_, err = New(params)
	assert.Error(t, err)
}

func TestIdentify(t *testing.T) {
	c, _ := newTestController(t, true)
	id := c.Identify()

	assert.Equal(t, uint32(1), id.NamespaceID)
	assert.Equal(t, uint16(VendorID), id.VendorID)
	assert.Equal(t, DefaultModel, id.Model)
	assert.Equal(t, uint64(1024), id.TotalBlocks)
	assert.Equal(t, uint32(8), id.BlocksPerPage)
	assert.Equal(t, uint32(32), id.MaxPagesPerIO)
	assert.Equal(t, 16, id.MaxQueueDepth)
	assert.Equal(t, "prefix-sum32", id.Kernel)
	assert.Equal(t, uint32(accel.KernelPrefixSum32), id.KernelID)
	assert.Equal(t, int64(512*1024), id.Size())
}

func TestCreateQueuePairValidation(t *testing.T) {
	c, _ := newTestController(t, true)

	_, err := c.CreateQueuePair(0, 0)
	assert.Error(t, err)
	_, err = c.CreateQueuePair(0, 17)
	assert.Error(t, err)

	_, err = c.CreateQueuePair(0, 16)
	require.NoError(t, err)
	_, err = c.CreateQueuePair(0, 4)
	assert.ErrorIs(t, err, ErrQueueExists)

	_, err = c.CreateQueuePair(1, 4)
	require.NoError(t, err)
	_, err = c.CreateQueuePair(2, 4)
	assert.Error(t, err, "more queues than the controller supports")

	assert.Equal(t, []uint16{0, 1}, c.QueueIDs())
}

func TestDeleteQueuePair(t *testing.T) {
	c, _ := newTestController(t, true)
	pair, err := c.CreateQueuePair(1, 4)
	require.NoError(t, err)

	require.NoError(t, c.DeleteQueuePair(1))
	cmd := nvme.NewFlush(0, 1)
	assert.ErrorIs(t, pair.Submit(&cmd), queue.ErrPairClosed)
	assert.ErrorIs(t, c.DeleteQueuePair(1), ErrNoQueue)

	_, ok := c.Queue(1)
	assert.False(t, ok)
}

func TestWriteReadThroughQueue(t *testing.T) {
	c, media := newTestController(t, true)
	pair, err := c.CreateQueuePair(1, 8)
	require.NoError(t, err)

	buf, addr := mapPage(t, c)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	want := append([]byte(nil), buf...)

	submit(t, pair, nvme.NewWrite(0, 1, 8, 7, addr))
	cqe := reapOne(t, pair)
	require.True(t, cqe.OK(), "status %s", cqe.Status)
	assert.Equal(t, uint16(1), cqe.SQID)
	assert.Equal(t, want, media.snapshot(8*512, 4096))

	clear(buf)
	submit(t, pair, nvme.NewRead(1, 1, 8, 7, addr))
	cqe = reapOne(t, pair)
	require.True(t, cqe.OK())
	assert.Equal(t, want, buf)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Dispatch.Writes)
	assert.Equal(t, uint64(1), st.Dispatch.Reads)
	assert.Equal(t, uint64(16), st.Engine.Descriptors)
	assert.Zero(t, st.Reporter.Outstanding)
}

func TestAggregateThroughQueue(t *testing.T) {
	c, media := newTestController(t, true)
	pair, err := c.CreateQueuePair(0, 4)
	require.NoError(t, err)

	const length = 100 * 512
	orig := make([]byte, length)
	for i := 0; i < length/4; i++ {
		binary.LittleEndian.PutUint32(orig[i*4:], uint32(i+1))
	}
	_, err = media.WriteAt(orig, 0)
	require.NoError(t, err)

	submit(t, pair, nvme.NewAggregateStart(3, 1, 0, 0, length))
	cqe := reapOne(t, pair)
	require.True(t, cqe.OK(), "status %s", cqe.Status)
	assert.NotZero(t, cqe.Result&accel.StatusReady)

	want, err := accel.Reference(accel.PrefixSum32{}, orig)
	require.NoError(t, err)
	assert.Equal(t, want, media.snapshot(0, length))

	submit(t, pair, nvme.NewAggregateDone(3, 1))
	assert.True(t, reapOne(t, pair).OK())
	assert.Equal(t, uint64(1), c.Stats().Dispatch.Aggregates)
}

func unknownOpcode(cid uint16) nvme.Command {
	cmd := nvme.NewFlush(cid, 1)
	cmd.CDW0 = cmd.CDW0&^0xFF | 0x7F
	return cmd
}

func TestViolationFaultsController(t *testing.T) {
	c, _ := newTestController(t, true)
	pair, err := c.CreateQueuePair(0, 4)
	require.NoError(t, err)

	submit(t, pair, unknownOpcode(2))
	require.Eventually(t, func() bool { return c.Faulted() != nil }, 2*time.Second, time.Millisecond)

	assert.True(t, c.Stats().Faulted)
	assert.Zero(t, pair.Pending())
	_, err = c.CreateQueuePair(1, 4)
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}

func TestViolationRejectPolicy(t *testing.T) {
	c, _ := newTestController(t, false)
	pair, err := c.CreateQueuePair(0, 4)
	require.NoError(t, err)

	submit(t, pair, unknownOpcode(2))
	assert.Equal(t, nvme.StatusInvalidOpcode, reapOne(t, pair).Status)

	_, addr := mapPage(t, c)
	submit(t, pair, nvme.NewWrite(1, 1, 0, 0, addr+4))
	assert.Equal(t, nvme.StatusInvalidField, reapOne(t, pair).Status)

	assert.Nil(t, c.Faulted())
	assert.Equal(t, uint64(2), c.Stats().Dispatch.Violations)
}

func TestCloseIdempotent(t *testing.T) {
	c, _ := newTestController(t, true)
	_, err := c.CreateQueuePair(0, 4)
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	_, err = c.CreateQueuePair(1, 4)
	assert.ErrorIs(t, err, ErrClosed)
}
