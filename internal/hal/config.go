package hal

import (
	"context"
	"fmt"
)

// ConfigureLSU programs the load-store unit.
func (d *Device) ConfigureLSU(ctx context.Context, cfg LSUConfig) error {
	return d.program(ctx, cfg)
}

// ConfigureSystolic programs the systolic array.
func (d *Device) ConfigureSystolic(ctx context.Context, cfg SystolicConfig) error {
	return d.program(ctx, cfg)
}

// ConfigureImg2Col programs the img2col unit.
func (d *Device) ConfigureImg2Col(ctx context.Context, cfg Img2ColConfig) error {
	return d.program(ctx, cfg)
}

// program waits for the device to be ready and then writes the complete
// record in one copy. Nothing is written if the wait fails. Field values are
// not interpreted.
func (d *Device) program(ctx context.Context, p Payload) error {
	if !d.open() {
		return ErrClosed
	}
	if err := d.WaitForReady(ctx); err != nil {
		return fmt.Errorf("hal: configure %s: %w", p.Unit(), err)
	}

	var rec [IRSize]byte
	InstructionRegister{Opcode: uint32(p.Unit()), Payload: p}.encode(rec[:])
	copy(d.regs[:IRSize], rec[:])

	d.log.Debug("instruction written", "unit", p.Unit().String())
	return nil
}
