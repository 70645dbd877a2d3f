package hal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestInstructionRegisterLayout(t *testing.T) {
	t.Parallel()
	if IRSize != 72 {
		t.Fatalf("IRSize = %d, want 72", IRSize)
	}

	ir := InstructionRegister{
		Opcode:  uint32(UnitLSU),
		SrcAddr: 0x1122334455667788,
		DstAddr: 0x99AABBCCDDEEFF00,
		Length:  0x01020304,
		Control: 0x05060708,
		Status:  0x090A0B0C,
		Payload: LSUConfig{
			Opcode:  0xA1,
			SrcAddr: 0x3000_0000,
			DstAddr: 0x3000_0400,
			Length:  1024,
			Control: 0x3,
			Status:  0x1,
		},
	}
	b, err := ir.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != IRSize {
		t.Fatalf("encoded %d bytes, want %d", len(b), IRSize)
	}

	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"opcode", uint64(le.Uint32(b[0:])), uint64(UnitLSU)},
		{"src_addr", le.Uint64(b[4:]), 0x1122334455667788},
		{"dst_addr", le.Uint64(b[12:]), 0x99AABBCCDDEEFF00},
		{"length", uint64(le.Uint32(b[20:])), 0x01020304},
		{"control", uint64(le.Uint32(b[24:])), 0x05060708},
		{"status", uint64(le.Uint32(b[28:])), 0x090A0B0C},
		{"lsu.opcode", uint64(le.Uint32(b[32:])), 0xA1},
		{"lsu.src_addr", le.Uint64(b[36:]), 0x3000_0000},
		{"lsu.dst_addr", le.Uint64(b[44:]), 0x3000_0400},
		{"lsu.length", uint64(le.Uint32(b[52:])), 1024},
		{"lsu.control", uint64(le.Uint32(b[56:])), 0x3},
		{"lsu.status", uint64(le.Uint32(b[60:])), 0x1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %#x, want %#x", c.name, c.got, c.want)
		}
	}
	if !bytes.Equal(b[64:], make([]byte, 8)) {
		t.Errorf("payload tail not zero: %x", b[64:])
	}
}

func TestSystolicAndImg2ColLayout(t *testing.T) {
	t.Parallel()

	sys := SystolicConfig{Opcode: 1, InHeight: 2, InWidth: 3, InChannels: 4, OutHeight: 5,
		OutWidth: 6, OutChannels: 7, Stride: 8, Control: 9, Status: 10}
	b, _ := InstructionRegister{Opcode: uint32(UnitSystolic), Payload: sys}.MarshalBinary()
	for i := 0; i < 10; i++ {
		if got := binary.LittleEndian.Uint32(b[32+i*4:]); got != uint32(i+1) {
			t.Errorf("systolic word %d = %d, want %d", i, got, i+1)
		}
	}

	img := Img2ColConfig{Opcode: 1, InHeight: 2, InWidth: 3, InChannels: 4, KernelSize: 5,
		Stride: 6, Pad: 7, Control: 8, Status: 9}
	b, _ = InstructionRegister{Opcode: uint32(UnitImg2Col), Payload: img}.MarshalBinary()
	for i := 0; i < 9; i++ {
		if got := binary.LittleEndian.Uint32(b[32+i*4:]); got != uint32(i+1) {
			t.Errorf("img2col word %d = %d, want %d", i, got, i+1)
		}
	}
	if got := binary.LittleEndian.Uint32(b[68:]); got != 0 {
		t.Errorf("img2col tail = %d, want 0", got)
	}
}

func TestInstructionRegisterDecode(t *testing.T) {
	t.Parallel()
	payloads := []Payload{
		LSUConfig{Opcode: 3, SrcAddr: 0x3000_0040, DstAddr: 0x3000_0800, Length: 64},
		SystolicConfig{Opcode: SystolicConv, InHeight: 28, InWidth: 28, InChannels: 1, Stride: 1},
		Img2ColConfig{Opcode: Img2ColUnfold, KernelSize: 3, Stride: 1, Pad: 1},
	}
	for _, p := range payloads {
		in := InstructionRegister{Opcode: uint32(p.Unit()), Payload: p}
		b, _ := in.MarshalBinary()

		var out InstructionRegister
		if err := out.UnmarshalBinary(b); err != nil {
			t.Fatalf("%s: UnmarshalBinary: %v", p.Unit(), err)
		}
		if out.Payload != p {
			t.Errorf("%s: decoded %+v, want %+v", p.Unit(), out.Payload, p)
		}
	}

	var ir InstructionRegister
	if err := ir.UnmarshalBinary(make([]byte, IRSize-1)); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("expected ErrShortRecord, got %v", err)
	}
	bad := make([]byte, IRSize)
	bad[0] = 9
	if err := ir.UnmarshalBinary(bad); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got %v", err)
	}
	if err := ir.UnmarshalBinary(make([]byte, IRSize)); err != nil || ir.Payload != nil {
		t.Fatalf("zero record: payload %v, err %v", ir.Payload, err)
	}
}

func TestUnitString(t *testing.T) {
	t.Parallel()
	if UnitSystolic.String() != "systolic" || Unit(42).String() != "unit(42)" {
		t.Fatalf("unexpected names: %s %s", UnitSystolic, Unit(42))
	}
}
