// Package nvme provides the command-slot and completion wire format used on
// the queues between the host library and the storage controller.
package nvme

import "fmt"

// Slot sizes in bytes
const (
	CommandSize    = 64
	CompletionSize = 16
)

// Opcode is the low byte of command dword 0
type Opcode uint8

// I/O command opcodes. 0x90 and above are vendor extensions.
const (
	OpFlush          Opcode = 0x00
	OpWrite          Opcode = 0x01
	OpRead           Opcode = 0x02
	OpAggregateStart Opcode = 0x90
	OpAggregateDone  Opcode = 0x91
)

func (o Opcode) String() string {
	switch o {
	case OpFlush:
		return "FLUSH"
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpAggregateStart:
		return "AGGREGATE_START"
	case OpAggregateDone:
		return "AGGREGATE_DONE"
	default:
		return fmt.Sprintf("OP_0x%02x", uint8(o))
	}
}

// Status is the 15-bit status field of a completion (status code type in
// bits 8-10, status code in bits 0-7).
type Status uint16

// Completion status values
const (
	StatusSuccess           Status = 0x00
	StatusInvalidOpcode     Status = 0x01
	StatusInvalidField      Status = 0x02
	StatusDataTransferError Status = 0x04
	StatusInternalError     Status = 0x06

	// Vendor specific
	StatusAggregationFailed  Status = 0xC0
	StatusAcceleratorTimeout Status = 0xC1
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidOpcode:
		return "invalid opcode"
	case StatusInvalidField:
		return "invalid field"
	case StatusDataTransferError:
		return "data transfer error"
	case StatusInternalError:
		return "internal error"
	case StatusAggregationFailed:
		return "aggregation failed"
	case StatusAcceleratorTimeout:
		return "accelerator timeout"
	default:
		return fmt.Sprintf("status 0x%03x", uint16(s))
	}
}

// Dword 3 bit layout of a completion
const (
	cqePhaseBit    = 1 << 16
	cqeStatusShift = 17
	cqeStatusMask  = 0x7FFF
)
