package firmware

import (
	"github.com/ehrlich-b/go-csd/internal/nvme"
)

// Command is a decoded command slot. It is one of *FlushCommand,
// *ReadCommand, *WriteCommand, *AggregateStartCommand or
// *AggregateDoneCommand.
type Command interface {
	Opcode() nvme.Opcode
	CID() uint16
	command()
}

type header struct {
	op   nvme.Opcode
	cid  uint16
	nsid uint32
}

func (h header) Opcode() nvme.Opcode { return h.op }
func (h header) CID() uint16         { return h.cid }
func (h header) command()            {}

// FlushCommand carries no payload
type FlushCommand struct{ header }

// Transfer holds the fields shared by Read and Write
type Transfer struct {
	StartLo uint32 // CDW10
	StartHi uint32 // CDW11
	NLB     uint16 // zero based
	PRP1    uint64
	PRP2    uint64
}

// Start returns the first logical block
func (t Transfer) Start() uint64 { return uint64(t.StartHi)<<32 | uint64(t.StartLo) }

// Blocks returns the one-based block count
func (t Transfer) Blocks() uint32 { return uint32(t.NLB) + 1 }

// ReadCommand moves blocks from the media to the host buffer at PRP1
type ReadCommand struct {
	header
	Transfer
}

// WriteCommand moves blocks from the host buffer at PRP1 to the media
type WriteCommand struct {
	header
	Transfer
}

// AggregateStartCommand runs the accelerator over the byte range
// [StartOffset, EndOffset) relative to the block named by the activity id.
type AggregateStartCommand struct {
	header
	ActIDLo     uint32
	ActIDHi     uint32
	StartOffset uint32
	EndOffset   uint32
}

// ActivityID returns the 64-bit activity id
func (c *AggregateStartCommand) ActivityID() uint64 {
	return uint64(c.ActIDHi)<<32 | uint64(c.ActIDLo)
}

// AggregateDoneCommand acknowledges a finished aggregation
type AggregateDoneCommand struct{ header }

// Decode turns a command slot into its typed form. Opcodes outside the
// supported set yield a *ProtocolViolation.
func Decode(slot *nvme.Command) (Command, error) {
	h := header{op: slot.Opcode(), cid: slot.CID(), nsid: slot.NSID}

	switch h.op {
	case nvme.OpFlush:
		return &FlushCommand{h}, nil
	case nvme.OpRead:
		return &ReadCommand{h, transferOf(slot)}, nil
	case nvme.OpWrite:
		return &WriteCommand{h, transferOf(slot)}, nil
	case nvme.OpAggregateStart:
		return &AggregateStartCommand{
			header:      h,
			ActIDLo:     slot.CDW10,
			ActIDHi:     slot.CDW11,
			StartOffset: slot.CDW12,
			EndOffset:   slot.CDW13,
		}, nil
	case nvme.OpAggregateDone:
		return &AggregateDoneCommand{h}, nil
	default:
		return nil, &ProtocolViolation{Kind: ViolationUnsupportedOpcode, CID: h.cid, Opcode: h.op}
	}
}

func transferOf(slot *nvme.Command) Transfer {
	return Transfer{
		StartLo: slot.CDW10,
		StartHi: slot.CDW11,
		NLB:     slot.NLB(),
		PRP1:    slot.PRP1,
		PRP2:    slot.PRP2,
	}
}
