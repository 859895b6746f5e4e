// Package accel drives the in-storage aggregation accelerator.
//
// The accelerator is a memory-mapped register block. A job is started by
// programming the source/destination address and length registers and
// setting the start bit; completion is signalled by the ready bit of STATUS,
// with the error bit describing the outcome.
package accel

// Register offsets from the accelerator base
const (
	RegCtrl   = 0x00
	RegStatus = 0x04
	RegSrcHi  = 0x08
	RegSrcLo  = 0x0C
	RegDstHi  = 0x10
	RegDstLo  = 0x14
	RegLength = 0x18
	RegKernel = 0x1C // read-only id of the loaded kernel

	regWindow = 0x20
)

// CTRL bits
const (
	CtrlStart = 1 << 0
)

// STATUS bits
const (
	StatusReady = 1 << 0
	StatusError = 1 << 1
)
