package csd

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-csd/internal/hostmem"
	"github.com/ehrlich-b/go-csd/internal/nvme"
)

// PageState tracks a page through submission and completion
type PageState int

const (
	PageIdle      PageState = iota // allocated, never submitted
	PageInFlight                   // command submitted, completion not yet polled
	PageCompleted                  // last command completed successfully
	PageFailed                     // last command completed with an error status
	PageFreed                      // released; late completions are dropped
)

func (s PageState) String() string {
	switch s {
	case PageIdle:
		return "idle"
	case PageInFlight:
		return "in-flight"
	case PageCompleted:
		return "completed"
	case PageFailed:
		return "failed"
	case PageFreed:
		return "freed"
	default:
		return fmt.Sprintf("PageState(%d)", int(s))
	}
}

// Terminal reports whether the page is not waiting for a completion
func (s PageState) Terminal() bool {
	return s == PageCompleted || s == PageFailed
}

// Page is one host buffer of the namespace page size, visible to the device
// at Addr. Callers set LBA, NLB and QID before submitting; the namespace owns
// the remaining fields while the page is in flight and updates them when Poll
// routes the page's completion. A page submitted on a queue other than the
// one it was allocated on counts against that queue's page limit from then on.
type Page struct {
	Buf  []byte // host memory, PageSize bytes
	Addr uint64 // IO virtual address the device transfers to and from
	LBA  uint64 // first logical block of the transfer
	NLB  uint16 // number of blocks (one based)
	QID  uint16 // queue the page is submitted on
	ID   int    // index within its allocation

	State  PageState
	Status nvme.Status // completion status of the last command
	Result uint32      // command specific completion word
	Err    error       // non-nil when State is PageFailed

	// mu guards State and home. It nests inside a queue lock.
	mu    sync.Mutex
	home  uint16 // queue whose page limit the page counts against
	alloc *allocation
	cid   uint16
}

func (p *Page) terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State.Terminal()
}

// Data returns the part of Buf covered by NLB blocks of blockSize bytes
func (p *Page) Data(blockSize uint32) []byte {
	n := int(p.NLB) * int(blockSize)
	if n > len(p.Buf) {
		n = len(p.Buf)
	}
	return p.Buf[:n]
}

// allocation is one host memory region carved into pages
type allocation struct {
	owner  *Namespace
	region *hostmem.Region
	addr   uint64
	live   int // pages not yet freed
}
