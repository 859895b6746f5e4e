package nvme

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandLayout(t *testing.T) {
	cmd := NewRead(0x1234, 1, 0x0000_0002_0000_0010, 7, 0x10_0000_2000)

	b, err := cmd.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, CommandSize)

	assert.Equal(t, byte(OpRead), b[0], "opcode in byte 0")
	assert.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(b[2:4]), "command id in CDW0 bits 16-31")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(b[4:8]))
	assert.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(b[24:28]), "PRP1 low word")
	assert.Equal(t, uint32(0x10), binary.LittleEndian.Uint32(b[28:32]), "PRP1 high word")
	assert.Equal(t, uint32(0x10), binary.LittleEndian.Uint32(b[40:44]), "CDW10 start block low")
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[44:48]), "CDW11 start block high")
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[48:52]), "CDW12 nlb")

	var got Command
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, cmd, got)
	assert.Equal(t, OpRead, got.Opcode())
	assert.Equal(t, uint16(0x1234), got.CID())
	assert.Equal(t, uint64(0x2_0000_0010), got.StartBlock())
	assert.Equal(t, uint16(7), got.NLB())
	assert.Equal(t, uint32(0x2000), got.PRP1Lo())
	assert.Equal(t, uint32(0x10), got.PRP1Hi())
}

func TestAggregateStartFields(t *testing.T) {
	cmd := NewAggregateStart(9, 1, 100, 512, 51712)

	assert.Equal(t, OpAggregateStart, cmd.Opcode())
	assert.Equal(t, uint64(100), cmd.ActivityID())
	assert.Equal(t, uint32(512), cmd.CDW12)
	assert.Equal(t, uint32(51712), cmd.CDW13)

	cmd.SetCID(77)
	assert.Equal(t, uint16(77), cmd.CID())
	assert.Equal(t, OpAggregateStart, cmd.Opcode(), "SetCID must keep the opcode")
}

func TestCompletionDword3(t *testing.T) {
	cqe := Completion{
		Result: 0x1,
		SQHead: 3,
		SQID:   2,
		CID:    0xBEEF,
		Phase:  true,
		Status: StatusAcceleratorTimeout,
	}

	b, err := cqe.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, CompletionSize)

	dw3 := binary.LittleEndian.Uint32(b[12:16])
	assert.Equal(t, uint32(0xBEEF), dw3&0xFFFF)
	assert.NotZero(t, dw3&(1<<16), "phase bit")
	assert.Equal(t, uint32(StatusAcceleratorTimeout), dw3>>17)

	var got Completion
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, cqe, got)
	assert.False(t, got.OK())
}

func TestShortInput(t *testing.T) {
	var cmd Command
	assert.ErrorIs(t, cmd.UnmarshalBinary(make([]byte, CommandSize-1)), io.ErrUnexpectedEOF)

	var cqe Completion
	assert.ErrorIs(t, cqe.UnmarshalBinary(make([]byte, 8)), io.ErrUnexpectedEOF)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "AGGREGATE_START", OpAggregateStart.String())
	assert.Equal(t, "OP_0x7f", Opcode(0x7f).String())
	assert.Equal(t, "invalid field", StatusInvalidField.String())
	assert.Equal(t, "status 0x0ff", Status(0xFF).String())
}
