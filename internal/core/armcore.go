// Package core implements ArmCore: the object that wraps a cpu.Engine,
// owns the trampoline table and guest heap allocator, and performs
// synchronous host<->guest calls.
package core

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kwipi/wipi-ktf/internal/cpu"
	"github.com/kwipi/wipi-ktf/internal/memory"
)

// Guest memory layout (mandatory, see SPEC_FULL.md §6).
const (
	ImageBase      uint32 = 0x00100000
	HeapBase       uint32 = 0x40000000
	HeapSize       uint32 = 16 * 1024 * 1024
	FunctionsBase  uint32 = 0x71000000
	FunctionsSize  uint32 = 0x1000
	RunFunctionLR  uint32 = 0x7f000000
	PebBase        uint32 = 0x7ff00000
	PebSize        uint32 = 0x1000
	scratchStack   uint32 = 0x1000

	// DefaultRunBudget is the per-engine-step instruction budget. The
	// value (1000) amortizes lock acquisition; it is not a correctness
	// requirement (SPEC_FULL.md §9).
	DefaultRunBudget uint32 = 1000
)

// PEB field offsets within the PEB page.
const (
	PebJVMContextOffset       uint32 = 0
	PebExceptionHandlerOffset uint32 = 4
	// PebVtablesBaseOffset holds the guest address of the global vtable
	// table client.bin's own code reads directly (the vendor init
	// handshake's InitParam2.ptr_vtables), mirroring this bridge's own
	// jvm.Bridge.vtablesBase so both sides dispatch by the same index.
	PebVtablesBaseOffset uint32 = 8
)

// ArmCore is the central object: one cpu.Engine, one heap allocator, the
// trampoline table, and the synchronous call machinery. Safe for
// concurrent/reentrant use through its internal lock; a caller holding a
// *ArmCore already has the "cloneable handle" the original design calls
// for, since Go pointers are inherently shared.
type ArmCore struct {
	engine cpu.Engine
	heap   *memory.Allocator

	mu sync.Mutex

	trampolines    map[uint32]*Trampoline
	nextTrampoline uint32

	runBudget uint32

	// OnNativeError is consulted when a NativeFunc returns a non-nil
	// error. If set and it resolves the error (second return value
	// true), its CallResult is written back and execution continues;
	// otherwise the error propagates out of RunFunction. The JVM bridge
	// installs this to implement exception-handler-chain walking
	// (SPEC_FULL.md §4.8) without ArmCore depending on the JVM package.
	OnNativeError func(c *ArmCore, err error) (CallResult, bool, error)
}

// SetRunBudget overrides the per-engine-step instruction budget used by
// RunFunction's dispatch loop.
func (c *ArmCore) SetRunBudget(budget uint32) { c.runBudget = budget }

// New creates an ArmCore over engine, mapping the well-known regions and
// installing the fixed heap, function-page, and PEB windows.
func New(engine cpu.Engine) (*ArmCore, error) {
	c := &ArmCore{
		engine:      engine,
		trampolines: make(map[uint32]*Trampoline),
		runBudget:   DefaultRunBudget,
	}

	if err := engine.Map(HeapBase, HeapSize, cpu.PermRW); err != nil {
		return nil, fmt.Errorf("map heap: %w", err)
	}
	c.heap = memory.NewAllocator(HeapBase, HeapSize)

	if err := engine.Map(FunctionsBase, FunctionsSize, cpu.PermRX); err != nil {
		return nil, fmt.Errorf("map functions page: %w", err)
	}

	if err := engine.Map(PebBase, PebSize, cpu.PermRW); err != nil {
		return nil, fmt.Errorf("map peb: %w", err)
	}

	return c, nil
}

// LoadImage writes data at ImageBase after mapping it R+W+X, rounded up
// to 4 KiB.
func (c *ArmCore) LoadImage(data []byte) error {
	size := (uint32(len(data)) + 0xfff) &^ 0xfff
	if size == 0 {
		size = 0x1000
	}
	if err := c.engine.Map(ImageBase, size, cpu.PermRWX); err != nil {
		return fmt.Errorf("map image: %w", err)
	}
	return c.engine.WriteBytes(ImageBase, data)
}

// Close releases the underlying engine.
func (c *ArmCore) Close() error {
	return c.engine.Close()
}

// Alloc reserves size bytes from the guest heap.
func (c *ArmCore) Alloc(size uint32) (uint32, error) {
	return c.heap.Alloc(size)
}

// Free returns a previous Alloc's block to the heap.
func (c *ArmCore) Free(ptr, size uint32) {
	c.heap.Free(ptr, size)
}

// ReadBytes/WriteBytes proxy straight to the engine: all guest<->host
// data exchange goes through these, never a raw pointer alias.
func (c *ArmCore) ReadBytes(addr uint32, buf []byte) error  { return c.engine.ReadBytes(addr, buf) }
func (c *ArmCore) WriteBytes(addr uint32, data []byte) error { return c.engine.WriteBytes(addr, data) }

func (c *ArmCore) ReadU32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := c.engine.ReadBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *ArmCore) WriteU32(addr, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return c.engine.WriteBytes(addr, buf[:])
}

func (c *ArmCore) ReadU16(addr uint32) (uint16, error) {
	var buf [2]byte
	if err := c.engine.ReadBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (c *ArmCore) WriteU16(addr uint32, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return c.engine.WriteBytes(addr, buf[:])
}

func (c *ArmCore) ReadU8(addr uint32) (uint8, error) {
	var buf [1]byte
	if err := c.engine.ReadBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *ArmCore) WriteU8(addr uint32, v uint8) error {
	return c.engine.WriteBytes(addr, []byte{v})
}

// ReadCString reads a null-terminated ASCII string starting at addr.
func (c *ArmCore) ReadCString(addr uint32) (string, error) {
	var out []byte
	buf := make([]byte, 1)
	for i := 0; i < 1<<20; i++ {
		if err := c.engine.ReadBytes(addr+uint32(i), buf); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			return string(out), nil
		}
		out = append(out, buf[0])
	}
	return "", fmt.Errorf("ReadCString: runaway string at %#08x", addr)
}

// WriteCString writes s followed by a NUL terminator.
func (c *ArmCore) WriteCString(addr uint32, s string) error {
	return c.engine.WriteBytes(addr, append([]byte(s), 0))
}

// Arg reads the pos'th (0-indexed) AAPCS32 argument: R0..R3 for pos < 4,
// else the stack word at SP + 4*(pos-4).
func (c *ArmCore) Arg(pos int) (uint32, error) {
	if pos < 4 {
		return c.engine.RegRead(cpu.Reg(pos))
	}
	sp, err := c.engine.RegRead(cpu.SP)
	if err != nil {
		return 0, err
	}
	return c.ReadU32(sp + 4*uint32(pos-4))
}

// PC/SetPC, LR/SetLR, SP/SetSP are thin engine accessors used by native
// stubs that need direct register access beyond positional arguments.
func (c *ArmCore) PC() uint32            { v, _ := c.engine.RegRead(cpu.PC); return v }
func (c *ArmCore) SetPC(v uint32) error  { return c.engine.RegWrite(cpu.PC, v) }
func (c *ArmCore) LR() uint32            { v, _ := c.engine.RegRead(cpu.LR); return v }
func (c *ArmCore) SetLR(v uint32) error  { return c.engine.RegWrite(cpu.LR, v) }
func (c *ArmCore) SP() uint32            { v, _ := c.engine.RegRead(cpu.SP); return v }
func (c *ArmCore) R(n int) uint32        { v, _ := c.engine.RegRead(cpu.Reg(n)); return v }
func (c *ArmCore) SetR(n int, v uint32) error { return c.engine.RegWrite(cpu.Reg(n), v) }

// RegisterFunction reserves a two-byte THUMB `BX LR` trampoline slot and
// binds fn to it. The returned address has bit 0 set to mark THUMB state.
func (c *ArmCore) RegisterFunction(fn NativeFunc) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := FunctionsBase + c.nextTrampoline*2
	if addr+2 > FunctionsBase+FunctionsSize {
		return 0, fmt.Errorf("trampoline page exhausted at %#08x", addr)
	}
	if err := c.engine.WriteBytes(addr, []byte{0x70, 0x47}); err != nil {
		return 0, fmt.Errorf("write trampoline stub: %w", err)
	}
	c.trampolines[addr] = &Trampoline{Addr: addr, Fn: fn}
	c.nextTrampoline++

	return addr | 1, nil
}

func (c *ArmCore) setNext(addr uint32, params []uint32) error {
	for i, p := range params {
		if i < 4 {
			if err := c.engine.RegWrite(cpu.Reg(i), p); err != nil {
				return err
			}
			continue
		}
		break
	}
	if len(params) > 4 {
		extra := params[4:]
		sp, err := c.engine.RegRead(cpu.SP)
		if err != nil {
			return err
		}
		for i := len(extra) - 1; i >= 0; i-- {
			sp -= 4
			if err := c.WriteU32(sp, extra[i]); err != nil {
				return err
			}
		}
		if err := c.engine.RegWrite(cpu.SP, sp); err != nil {
			return err
		}
	}
	return c.engine.RegWrite(cpu.PC, addr)
}

// RunFunction implements the host->guest synchronous call sequence
// (SPEC_FULL.md §4.3): save context, marshal args, run until the sentinel
// LR is reached (dispatching any trampolines the call enters along the
// way), read R0, restore context.
func (c *ArmCore) RunFunction(addr uint32, params []uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runFunctionLocked(addr, params)
}

func (c *ArmCore) runFunctionLocked(addr uint32, params []uint32) (uint32, error) {
	saved, err := c.saveContext()
	if err != nil {
		return 0, err
	}

	stackTop, err := c.heap.Alloc(scratchStack)
	if err != nil {
		return 0, fmt.Errorf("alloc scratch stack: %w", err)
	}
	defer c.heap.Free(stackTop, scratchStack)

	if err := c.engine.RegWrite(cpu.SP, stackTop+scratchStack); err != nil {
		return 0, err
	}
	if err := c.setNext(addr, params); err != nil {
		return 0, err
	}
	if err := c.engine.RegWrite(cpu.LR, RunFunctionLR); err != nil {
		return 0, err
	}

	for {
		pc, runErr := c.engine.Run(RunFunctionLR, FunctionsBase, FunctionsBase+FunctionsSize, c.runBudget)
		if runErr != nil {
			c.restoreContext(saved)
			return 0, runErr
		}

		if pc == RunFunctionLR {
			break
		}

		if pc < FunctionsBase || pc >= FunctionsBase+FunctionsSize {
			// Budget exhausted without reaching a stop condition; keep
			// stepping from where we left off.
			continue
		}

		if err := c.dispatchTrampoline(pc); err != nil {
			c.restoreContext(saved)
			return 0, err
		}
	}

	result, err := c.engine.RegRead(cpu.R0)
	if err != nil {
		c.restoreContext(saved)
		return 0, err
	}

	if err := c.restoreContext(saved); err != nil {
		return 0, err
	}
	return result, nil
}

// dispatchTrampoline runs the registered NativeFunc at pc&^1, releasing
// the lock across the call so a reentrant RunFunction from inside the
// coroutine body can proceed (SPEC_FULL.md §5/§9).
func (c *ArmCore) dispatchTrampoline(pc uint32) error {
	key := pc &^ 1
	t, ok := c.trampolines[key]
	if !ok {
		return &UnknownTrampolineError{Addr: pc}
	}

	lr, err := c.engine.RegRead(cpu.LR)
	if err != nil {
		return err
	}

	c.mu.Unlock()
	result, fnErr := t.Fn(c)
	if fnErr != nil && c.OnNativeError != nil {
		var handled bool
		result, handled, fnErr = c.OnNativeError(c, fnErr)
		if !handled {
			c.mu.Lock()
			return fnErr
		}
		fnErr = nil
	}
	c.mu.Lock()

	if fnErr != nil {
		return fnErr
	}

	switch result.Kind {
	case ResultValue:
		if err := c.engine.RegWrite(cpu.R0, result.Value); err != nil {
			return err
		}
		return c.engine.RegWrite(cpu.PC, lr)
	case ResultVoid:
		return c.engine.RegWrite(cpu.PC, lr)
	case ResultTailCall:
		return c.setNext(result.TailAddr, result.TailArgs)
	default:
		return fmt.Errorf("unknown result kind %d", result.Kind)
	}
}
