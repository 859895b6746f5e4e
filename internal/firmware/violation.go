package firmware

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-csd/internal/nvme"
)

// ViolationKind classifies a protocol violation
type ViolationKind int

const (
	ViolationUnsupportedOpcode ViolationKind = iota
	ViolationMisalignedBuffer
	ViolationAddressRange
	ViolationBadTag
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationUnsupportedOpcode:
		return "unsupported opcode"
	case ViolationMisalignedBuffer:
		return "misaligned buffer"
	case ViolationAddressRange:
		return "address out of range"
	case ViolationBadTag:
		return "bad command tag"
	default:
		return fmt.Sprintf("violation(%d)", int(k))
	}
}

// ProtocolViolation reports a command the controller cannot safely execute.
// No completion is posted for it; the queue runner decides whether to halt
// or to reject the command.
type ProtocolViolation struct {
	Kind   ViolationKind
	Queue  uint16
	CID    uint16
	Opcode nvme.Opcode
	Detail string
}

func (e *ProtocolViolation) Error() string {
	msg := fmt.Sprintf("protocol violation on q%d cid %d (%s): %s", e.Queue, e.CID, e.Opcode, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Status is the completion status used when the violation is rejected
// instead of halting the queue.
func (e *ProtocolViolation) Status() nvme.Status {
	if e.Kind == ViolationUnsupportedOpcode {
		return nvme.StatusInvalidOpcode
	}
	return nvme.StatusInvalidField
}

// AsViolation unwraps err into a *ProtocolViolation
func AsViolation(err error) (*ProtocolViolation, bool) {
	var pv *ProtocolViolation
	if errors.As(err, &pv) {
		return pv, true
	}
	return nil, false
}
