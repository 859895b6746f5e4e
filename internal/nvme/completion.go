package nvme

import (
	"encoding/binary"
	"io"
)

// Completion is one 16-byte completion queue entry.
type Completion struct {
	// Result is the command specific dword 0. AggregateStart reports the
	// raw accelerator STATUS register here.
	Result uint32

	SQHead uint16
	SQID   uint16
	CID    uint16
	Phase  bool
	Status Status
}

// OK reports whether the command completed successfully
func (c *Completion) OK() bool { return c.Status == StatusSuccess }

// MarshalBinary allocates a byte slice containing the data from a Completion.
func (c *Completion) MarshalBinary() ([]byte, error) {
	b := make([]byte, CompletionSize)

	binary.LittleEndian.PutUint32(b[0:4], c.Result)
	// dword 1 is reserved
	binary.LittleEndian.PutUint16(b[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(b[10:12], c.SQID)

	dw3 := uint32(c.CID) | uint32(c.Status&cqeStatusMask)<<cqeStatusShift
	if c.Phase {
		dw3 |= cqePhaseBit
	}
	binary.LittleEndian.PutUint32(b[12:16], dw3)

	return b, nil
}

// UnmarshalBinary unmarshals a byte slice into a Completion.
//
// If the byte slice does not contain enough data to form a valid Completion,
// io.ErrUnexpectedEOF is returned.
func (c *Completion) UnmarshalBinary(b []byte) error {
	if len(b) < CompletionSize {
		return io.ErrUnexpectedEOF
	}

	c.Result = binary.LittleEndian.Uint32(b[0:4])
	c.SQHead = binary.LittleEndian.Uint16(b[8:10])
	c.SQID = binary.LittleEndian.Uint16(b[10:12])

	dw3 := binary.LittleEndian.Uint32(b[12:16])
	c.CID = uint16(dw3)
	c.Phase = dw3&cqePhaseBit != 0
	c.Status = Status(dw3>>cqeStatusShift) & cqeStatusMask

	return nil
}
