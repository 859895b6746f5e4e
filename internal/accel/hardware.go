package accel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-csd/internal/interfaces"
)

// HardwareConfig configures the simulated accelerator
type HardwareConfig struct {
	Media     interfaces.Media
	MediaBase uint64
	Kernel    Kernel
	Latency   time.Duration // added to every job
	Logger    Logger
}

// Hardware is a simulated accelerator behind a register window. Writing the
// start bit clears STATUS and runs the kernel over the programmed range of
// the media on its own goroutine; STATUS reads ready (plus error on failure)
// when the job ends. The destination registers are consumed by the start:
// a job started without programming them writes its result in place.
type Hardware struct {
	regs      [regWindow / 4]atomic.Uint32
	media     interfaces.Media
	mediaBase uint64
	kernel    Kernel
	latency   time.Duration
	logger    Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	jobs     atomic.Uint64
	failures atomic.Uint64
}

var _ interfaces.Registers = (*Hardware)(nil)

// NewHardware creates an idle accelerator
func NewHardware(cfg HardwareConfig) (*Hardware, error) {
	if cfg.Media == nil {
		return nil, fmt.Errorf("accel: media is required")
	}
	if cfg.Kernel == nil {
		cfg.Kernel = PrefixSum32{}
	}
	h := &Hardware{
		media:     cfg.Media,
		mediaBase: cfg.MediaBase,
		kernel:    cfg.Kernel,
		latency:   cfg.Latency,
		logger:    cfg.Logger,
	}
	h.regs[RegStatus/4].Store(StatusReady)
	h.regs[RegKernel/4].Store(cfg.Kernel.ID())
	return h, nil
}

// Kernel returns the loaded kernel
func (h *Hardware) Kernel() Kernel { return h.kernel }

// Read32 reads a register. Reads outside the window return all ones.
func (h *Hardware) Read32(offset uint32) uint32 {
	if offset%4 != 0 || offset >= regWindow {
		return 0xFFFFFFFF
	}
	return h.regs[offset/4].Load()
}

// Write32 writes a register. STATUS and KERNEL are read-only.
func (h *Hardware) Write32(offset uint32, value uint32) {
	if offset%4 != 0 || offset >= regWindow {
		return
	}
	switch offset {
	case RegStatus, RegKernel:
		return
	case RegCtrl:
		if value&CtrlStart != 0 {
			h.start()
		}
		return
	}
	h.regs[offset/4].Store(value)
}

func (h *Hardware) start() {
	if !h.busy.CompareAndSwap(false, true) {
		h.regs[RegStatus/4].Or(StatusError)
		return
	}
	h.regs[RegStatus/4].Store(0)

	src := uint64(h.regs[RegSrcHi/4].Load())<<32 | uint64(h.regs[RegSrcLo/4].Load())
	dst := uint64(h.regs[RegDstHi/4].Swap(0))<<32 | uint64(h.regs[RegDstLo/4].Swap(0))
	if dst == 0 {
		dst = src
	}
	length := h.regs[RegLength/4].Load()

	h.wg.Add(1)
	go h.execute(src, dst, length)
}

func (h *Hardware) execute(src, dst uint64, length uint32) {
	defer h.wg.Done()

	if h.latency > 0 {
		time.Sleep(h.latency)
	}

	status := uint32(StatusReady)
	if err := h.runKernel(src, dst, length); err != nil {
		status |= StatusError
		h.failures.Add(1)
		if h.logger != nil {
			h.logger.Printf("accel: %s over src=0x%x len=%d failed: %v", h.kernel.Name(), src, length, err)
		}
	}
	h.jobs.Add(1)

	h.busy.Store(false)
	h.regs[RegStatus/4].Store(status)
}

func (h *Hardware) runKernel(src, dst uint64, length uint32) error {
	if length == 0 {
		return nil
	}
	srcOff, err := h.mediaOffset(src, length)
	if err != nil {
		return err
	}
	dstOff, err := h.mediaOffset(dst, length)
	if err != nil {
		return err
	}

	buf := make([]byte, length)
	if _, err := h.media.ReadAt(buf, srcOff); err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := h.kernel.Apply(buf); err != nil {
		return err
	}
	if _, err := h.media.WriteAt(buf, dstOff); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}
	return nil
}

func (h *Hardware) mediaOffset(addr uint64, length uint32) (int64, error) {
	if addr < h.mediaBase {
		return 0, fmt.Errorf("address 0x%x below media base 0x%x", addr, h.mediaBase)
	}
	off := int64(addr - h.mediaBase)
	if off+int64(length) > h.media.Size() {
		return 0, fmt.Errorf("range 0x%x+%d beyond media", addr, length)
	}
	return off, nil
}

// Wait blocks until no job is running
func (h *Hardware) Wait() {
	h.wg.Wait()
}

// Jobs returns the number of jobs run and how many of them failed
func (h *Hardware) Jobs() (total, failed uint64) {
	return h.jobs.Load(), h.failures.Load()
}
