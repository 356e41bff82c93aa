package core

import "github.com/kwipi/wipi-ktf/internal/cpu"

// fakeEngine is a minimal cpu.Engine that never decodes real ARM
// instructions. Every test built against it arranges for the guest "call"
// to land directly on a stop condition (the run_function sentinel LR or a
// trampoline slot) rather than stepping through real code, so it exercises
// ArmCore's dispatch and register-marshaling logic without a real
// interpreter.
type fakeEngine struct {
	regs [17]uint32
	mem  map[uint32]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{mem: make(map[uint32]byte)}
}

func (e *fakeEngine) Map(addr, size uint32, perm cpu.Perm) error { return nil }
func (e *fakeEngine) IsMapped(addr, size uint32) bool            { return true }

func (e *fakeEngine) ReadBytes(addr uint32, buf []byte) error {
	for i := range buf {
		buf[i] = e.mem[addr+uint32(i)]
	}
	return nil
}

func (e *fakeEngine) WriteBytes(addr uint32, data []byte) error {
	for i, b := range data {
		e.mem[addr+uint32(i)] = b
	}
	return nil
}

func (e *fakeEngine) RegRead(r cpu.Reg) (uint32, error) {
	return e.regs[r], nil
}

func (e *fakeEngine) RegWrite(r cpu.Reg, v uint32) error {
	if r == cpu.PC {
		if v&1 != 0 {
			e.regs[cpu.CPSR] |= cpu.ThumbBit
		} else {
			e.regs[cpu.CPSR] &^= cpu.ThumbBit
		}
		v &^= 1
	}
	e.regs[r] = v
	return nil
}

func (e *fakeEngine) Run(stopAddr, stopRangeStart, stopRangeEnd, maxInsns uint32) (uint32, error) {
	pc := e.regs[cpu.PC]
	if pc == stopAddr || (pc >= stopRangeStart && pc < stopRangeEnd) {
		return pc, nil
	}
	return pc, &cpu.UnknownInstructionError{PC: pc}
}

func (e *fakeEngine) Close() error { return nil }

func newTestCore(t interface{ Fatalf(string, ...any) }) *ArmCore {
	c, err := New(newFakeEngine())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}
