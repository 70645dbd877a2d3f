package hal

import (
	"encoding/binary"
	"fmt"
)

// Instruction register layout, little-endian and packed:
//
//	off  size  field
//	  0     4  opcode (unit tag of the payload)
//	  4     8  src_addr
//	 12     8  dst_addr
//	 20     4  length
//	 24     4  control
//	 28     4  status
//	 32    40  payload (LSU 32, systolic 40, img2col 36; zero-filled tail)
const (
	irHeaderSize   = 32
	irPayloadSize  = 40
	irStatusOffset = 28

	// IRSize is the size of the complete instruction register record.
	IRSize = irHeaderSize + irPayloadSize

	lsuSize      = 32
	systolicSize = 40
	img2colSize  = 36
)

// Unit selects the active payload of the instruction register.
type Unit uint32

const (
	UnitNone Unit = iota
	UnitLSU
	UnitSystolic
	UnitImg2Col
)

func (u Unit) String() string {
	switch u {
	case UnitNone:
		return "none"
	case UnitLSU:
		return "lsu"
	case UnitSystolic:
		return "systolic"
	case UnitImg2Col:
		return "img2col"
	default:
		return fmt.Sprintf("unit(%d)", uint32(u))
	}
}

// Systolic array opcodes.
const (
	SystolicMatMul uint32 = 0x01
	SystolicConv   uint32 = 0x02
)

// Img2ColUnfold rearranges image patches into columns.
const Img2ColUnfold uint32 = 0x01

// Payload is one of LSUConfig, SystolicConfig or Img2ColConfig.
type Payload interface {
	Unit() Unit
	encode(b []byte)
}

// LSUConfig programs the load-store unit.
type LSUConfig struct {
	Opcode  uint32
	SrcAddr uint64
	DstAddr uint64
	Length  uint32
	Control uint32
	Status  uint32
}

func (LSUConfig) Unit() Unit { return UnitLSU }

func (c LSUConfig) encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], c.Opcode)
	le.PutUint64(b[4:12], c.SrcAddr)
	le.PutUint64(b[12:20], c.DstAddr)
	le.PutUint32(b[20:24], c.Length)
	le.PutUint32(b[24:28], c.Control)
	le.PutUint32(b[28:32], c.Status)
}

func decodeLSU(b []byte) LSUConfig {
	le := binary.LittleEndian
	return LSUConfig{
		Opcode:  le.Uint32(b[0:4]),
		SrcAddr: le.Uint64(b[4:12]),
		DstAddr: le.Uint64(b[12:20]),
		Length:  le.Uint32(b[20:24]),
		Control: le.Uint32(b[24:28]),
		Status:  le.Uint32(b[28:32]),
	}
}

// SystolicConfig programs the systolic array.
type SystolicConfig struct {
	Opcode      uint32
	InHeight    uint32
	InWidth     uint32
	InChannels  uint32
	OutHeight   uint32
	OutWidth    uint32
	OutChannels uint32
	Stride      uint32
	Control     uint32
	Status      uint32
}

func (SystolicConfig) Unit() Unit { return UnitSystolic }

func (c SystolicConfig) encode(b []byte) {
	putWords(b, c.Opcode, c.InHeight, c.InWidth, c.InChannels,
		c.OutHeight, c.OutWidth, c.OutChannels, c.Stride, c.Control, c.Status)
}

func decodeSystolic(b []byte) SystolicConfig {
	w := words(b, 10)
	return SystolicConfig{
		Opcode: w[0], InHeight: w[1], InWidth: w[2], InChannels: w[3],
		OutHeight: w[4], OutWidth: w[5], OutChannels: w[6],
		Stride: w[7], Control: w[8], Status: w[9],
	}
}

// Img2ColConfig programs the img2col unit.
type Img2ColConfig struct {
	Opcode     uint32
	InHeight   uint32
	InWidth    uint32
	InChannels uint32
	KernelSize uint32
	Stride     uint32
	Pad        uint32
	Control    uint32
	Status     uint32
}

func (Img2ColConfig) Unit() Unit { return UnitImg2Col }

func (c Img2ColConfig) encode(b []byte) {
	putWords(b, c.Opcode, c.InHeight, c.InWidth, c.InChannels,
		c.KernelSize, c.Stride, c.Pad, c.Control, c.Status)
}

func decodeImg2Col(b []byte) Img2ColConfig {
	w := words(b, 9)
	return Img2ColConfig{
		Opcode: w[0], InHeight: w[1], InWidth: w[2], InChannels: w[3],
		KernelSize: w[4], Stride: w[5], Pad: w[6], Control: w[7], Status: w[8],
	}
}

func putWords(b []byte, vals ...uint32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
}

func words(b []byte, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// InstructionRegister is the record the host writes to command the
// accelerator. Payload may be nil, which encodes as an all-zero payload.
type InstructionRegister struct {
	Opcode  uint32
	SrcAddr uint64
	DstAddr uint64
	Length  uint32
	Control uint32
	Status  uint32
	Payload Payload
}

// MarshalBinary encodes the record into its IRSize-byte wire layout.
func (ir InstructionRegister) MarshalBinary() ([]byte, error) {
	b := make([]byte, IRSize)
	ir.encode(b)
	return b, nil
}

func (ir InstructionRegister) encode(b []byte) {
	clear(b[:IRSize])
	le := binary.LittleEndian
	le.PutUint32(b[0:4], ir.Opcode)
	le.PutUint64(b[4:12], ir.SrcAddr)
	le.PutUint64(b[12:20], ir.DstAddr)
	le.PutUint32(b[20:24], ir.Length)
	le.PutUint32(b[24:28], ir.Control)
	le.PutUint32(b[28:32], ir.Status)
	if ir.Payload != nil {
		ir.Payload.encode(b[irHeaderSize:IRSize])
	}
}

// UnmarshalBinary decodes a record, selecting the payload by the opcode tag.
func (ir *InstructionRegister) UnmarshalBinary(b []byte) error {
	if len(b) < IRSize {
		return fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	le := binary.LittleEndian
	*ir = InstructionRegister{
		Opcode:  le.Uint32(b[0:4]),
		SrcAddr: le.Uint64(b[4:12]),
		DstAddr: le.Uint64(b[12:20]),
		Length:  le.Uint32(b[20:24]),
		Control: le.Uint32(b[24:28]),
		Status:  le.Uint32(b[28:32]),
	}
	p := b[irHeaderSize:IRSize]
	switch Unit(ir.Opcode) {
	case UnitNone:
	case UnitLSU:
		ir.Payload = decodeLSU(p)
	case UnitSystolic:
		ir.Payload = decodeSystolic(p)
	case UnitImg2Col:
		ir.Payload = decodeImg2Col(p)
	default:
		return fmt.Errorf("%w: %#x", ErrUnknownUnit, ir.Opcode)
	}
	return nil
}
