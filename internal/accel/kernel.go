package accel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrKernelInput is returned when a range does not fit the kernel's framing
var ErrKernelInput = errors.New("accel: range does not fit kernel")

// Kernel is the computation the accelerator applies in place over a job range.
// A Kernel applied on the host gives the reference result of an offloaded job.
type Kernel interface {
	Name() string
	ID() uint32
	Apply(data []byte) error
}

// Kernel ids reported by the KERNEL register
const (
	KernelPrefixSum32 uint32 = 1
	KernelRSParity    uint32 = 2
)

// PrefixSum32 replaces each little-endian uint32 word with the wrapping sum
// of itself and every word before it.
type PrefixSum32 struct{}

func (PrefixSum32) Name() string { return "prefix-sum32" }
func (PrefixSum32) ID() uint32   { return KernelPrefixSum32 }

func (PrefixSum32) Apply(data []byte) error {
	if len(data)%4 != 0 {
		return fmt.Errorf("%w: prefix-sum32 length %d not a multiple of 4", ErrKernelInput, len(data))
	}
	var sum uint32
	for i := 0; i < len(data); i += 4 {
		sum += binary.LittleEndian.Uint32(data[i:])
		binary.LittleEndian.PutUint32(data[i:], sum)
	}
	return nil
}

// RSParity treats a range as DataShards+ParityShards equal shards and
// overwrites the trailing parity shards with the Reed-Solomon parity of the
// leading data shards.
type RSParity struct {
	DataShards   int
	ParityShards int
	enc          reedsolomon.Encoder
}

// NewRSParity creates an erasure-coding kernel
func NewRSParity(dataShards, parityShards int) (*RSParity, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("accel: rs-parity %d+%d: %w", dataShards, parityShards, err)
	}
	return &RSParity{DataShards: dataShards, ParityShards: parityShards, enc: enc}, nil
}

func (k *RSParity) Name() string { return "rs-parity" }
func (k *RSParity) ID() uint32   { return KernelRSParity }

func (k *RSParity) Apply(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	total := k.DataShards + k.ParityShards
	if len(data)%total != 0 {
		return fmt.Errorf("%w: rs-parity length %d not divisible into %d shards", ErrKernelInput, len(data), total)
	}

	shardSize := len(data) / total
	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = data[i*shardSize : (i+1)*shardSize]
	}
	return k.enc.Encode(shards)
}

// Verify reports whether the parity shards of data are consistent
func (k *RSParity) Verify(data []byte) (bool, error) {
	total := k.DataShards + k.ParityShards
	if len(data) == 0 || len(data)%total != 0 {
		return false, ErrKernelInput
	}
	shardSize := len(data) / total
	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = data[i*shardSize : (i+1)*shardSize]
	}
	return k.enc.Verify(shards)
}

// Default shard layout of the rs-parity kernel
const (
	DefaultDataShards   = 4
	DefaultParityShards = 2
)

// NewKernel returns the kernel registered under name
func NewKernel(name string) (Kernel, error) {
	switch name {
	case "", "prefix-sum32":
		return PrefixSum32{}, nil
	case "rs-parity":
		return NewRSParity(DefaultDataShards, DefaultParityShards)
	default:
		return nil, fmt.Errorf("accel: unknown kernel %q", name)
	}
}

// Reference runs k on a copy of data and returns the result
func Reference(k Kernel, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	if err := k.Apply(out); err != nil {
		return nil, err
	}
	return out, nil
}
