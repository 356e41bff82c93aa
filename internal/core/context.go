package core

import "github.com/kwipi/wipi-ktf/internal/cpu"

// CpuContext is a snapshot of the register file, copyable by value.
type CpuContext struct {
	R           [13]uint32 // R0..R12
	SP, LR, PC  uint32
	CPSR        uint32
}

func (c *ArmCore) saveContext() (CpuContext, error) {
	var ctx CpuContext
	for i := 0; i < 13; i++ {
		v, err := c.engine.RegRead(cpu.Reg(i))
		if err != nil {
			return ctx, err
		}
		ctx.R[i] = v
	}
	var err error
	if ctx.SP, err = c.engine.RegRead(cpu.SP); err != nil {
		return ctx, err
	}
	if ctx.LR, err = c.engine.RegRead(cpu.LR); err != nil {
		return ctx, err
	}
	if ctx.PC, err = c.engine.RegRead(cpu.PC); err != nil {
		return ctx, err
	}
	if ctx.CPSR, err = c.engine.RegRead(cpu.CPSR); err != nil {
		return ctx, err
	}
	return ctx, nil
}

func (c *ArmCore) restoreContext(ctx CpuContext) error {
	for i := 0; i < 13; i++ {
		if err := c.engine.RegWrite(cpu.Reg(i), ctx.R[i]); err != nil {
			return err
		}
	}
	if err := c.engine.RegWrite(cpu.SP, ctx.SP); err != nil {
		return err
	}
	if err := c.engine.RegWrite(cpu.LR, ctx.LR); err != nil {
		return err
	}
	if err := c.engine.RegWrite(cpu.PC, ctx.PC); err != nil {
		return err
	}
	// CPSR last: RegWrite(PC, ...) re-derives the THUMB bit from ctx.PC's
	// bit 0, which RegRead(PC) never reported in the first place, so it
	// would otherwise clobber the THUMB bit this restores.
	return c.engine.RegWrite(cpu.CPSR, ctx.CPSR)
}
