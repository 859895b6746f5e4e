package nvme

import (
	"encoding/binary"
	"io"
)

// Command is one 64-byte submission queue entry.
//
// Byte layout (little endian):
//
//	0-3   CDW0  opcode (bits 0-7), fuse (bits 8-9), command id (bits 16-31)
//	4-7   NSID
//	8-15  CDW2, CDW3
//	16-23 MPTR
//	24-31 PRP1 (low word, high word)
//	32-39 PRP2
//	40-63 CDW10-CDW15
type Command struct {
	CDW0  uint32
	NSID  uint32
	CDW2  uint32
	CDW3  uint32
	MPTR  uint64
	PRP1  uint64
	PRP2  uint64
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Opcode returns the command opcode
func (c *Command) Opcode() Opcode { return Opcode(c.CDW0 & 0xFF) }

// CID returns the command identifier used to match the completion
func (c *Command) CID() uint16 { return uint16(c.CDW0 >> 16) }

// SetCID replaces the command identifier
func (c *Command) SetCID(cid uint16) {
	c.CDW0 = c.CDW0&0x0000FFFF | uint32(cid)<<16
}

// PRP1Lo and PRP1Hi split the first buffer descriptor into its two dwords
func (c *Command) PRP1Lo() uint32 { return uint32(c.PRP1) }
func (c *Command) PRP1Hi() uint32 { return uint32(c.PRP1 >> 32) }

// StartBlock returns the starting logical block (CDW10 low, CDW11 high)
func (c *Command) StartBlock() uint64 {
	return uint64(c.CDW11)<<32 | uint64(c.CDW10)
}

// NLB returns the zero-based number of logical blocks (CDW12 bits 0-15)
func (c *Command) NLB() uint16 { return uint16(c.CDW12) }

// ActivityID returns the aggregation activity id (CDW10 low, CDW11 high)
func (c *Command) ActivityID() uint64 { return c.StartBlock() }

// NewFlush builds a Flush command
func NewFlush(cid uint16, nsid uint32) Command {
	return Command{CDW0: uint32(OpFlush) | uint32(cid)<<16, NSID: nsid}
}

func newRW(op Opcode, cid uint16, nsid uint32, slba uint64, nlb uint16, prp uint64) Command {
	return Command{
		CDW0:  uint32(op) | uint32(cid)<<16,
		NSID:  nsid,
		PRP1:  prp,
		CDW10: uint32(slba),
		CDW11: uint32(slba >> 32),
		CDW12: uint32(nlb),
	}
}

// NewRead builds a Read of nlb+1 blocks starting at slba into the host buffer at prp
func NewRead(cid uint16, nsid uint32, slba uint64, nlb uint16, prp uint64) Command {
	return newRW(OpRead, cid, nsid, slba, nlb, prp)
}

// NewWrite builds a Write of nlb+1 blocks starting at slba from the host buffer at prp
func NewWrite(cid uint16, nsid uint32, slba uint64, nlb uint16, prp uint64) Command {
	return newRW(OpWrite, cid, nsid, slba, nlb, prp)
}

// NewAggregateStart builds the vendor AggregateStart command over the byte
// range [start, end) relative to the block named by actid.
func NewAggregateStart(cid uint16, nsid uint32, actid uint64, start, end uint32) Command {
	return Command{
		CDW0:  uint32(OpAggregateStart) | uint32(cid)<<16,
		NSID:  nsid,
		CDW10: uint32(actid),
		CDW11: uint32(actid >> 32),
		CDW12: start,
		CDW13: end,
	}
}

// NewAggregateDone builds the vendor AggregateDone acknowledgement
func NewAggregateDone(cid uint16, nsid uint32) Command {
	return Command{CDW0: uint32(OpAggregateDone) | uint32(cid)<<16, NSID: nsid}
}

// MarshalBinary allocates a byte slice containing the data from a Command.
func (c *Command) MarshalBinary() ([]byte, error) {
	b := make([]byte, CommandSize)
	c.MarshalTo(b)
	return b, nil
}

// MarshalTo encodes c into b, which must be at least CommandSize bytes.
func (c *Command) MarshalTo(b []byte) {
	_ = b[CommandSize-1]
	binary.LittleEndian.PutUint32(b[0:4], c.CDW0)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint32(b[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(b[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(b[16:24], c.MPTR)
	binary.LittleEndian.PutUint64(b[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(b[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
}

// UnmarshalBinary unmarshals a byte slice into a Command.
//
// If the byte slice does not contain enough data to form a valid Command,
// io.ErrUnexpectedEOF is returned.
func (c *Command) UnmarshalBinary(b []byte) error {
	if len(b) < CommandSize {
		return io.ErrUnexpectedEOF
	}

	c.CDW0 = binary.LittleEndian.Uint32(b[0:4])
	c.NSID = binary.LittleEndian.Uint32(b[4:8])
	c.CDW2 = binary.LittleEndian.Uint32(b[8:12])
	c.CDW3 = binary.LittleEndian.Uint32(b[12:16])
	c.MPTR = binary.LittleEndian.Uint64(b[16:24])
	c.PRP1 = binary.LittleEndian.Uint64(b[24:32])
	c.PRP2 = binary.LittleEndian.Uint64(b[32:40])
	c.CDW10 = binary.LittleEndian.Uint32(b[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(b[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(b[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(b[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(b[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(b[60:64])

	return nil
}
