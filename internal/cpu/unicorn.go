package cpu

import (
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

var regToUC = map[Reg]int{
	R0: uc.ARM_REG_R0, R1: uc.ARM_REG_R1, R2: uc.ARM_REG_R2, R3: uc.ARM_REG_R3,
	R4: uc.ARM_REG_R4, R5: uc.ARM_REG_R5, R6: uc.ARM_REG_R6, R7: uc.ARM_REG_R7,
	R8: uc.ARM_REG_R8, R9: uc.ARM_REG_R9, R10: uc.ARM_REG_R10,
	R11: uc.ARM_REG_R11, R12: uc.ARM_REG_R12,
	SP: uc.ARM_REG_SP, LR: uc.ARM_REG_LR, PC: uc.ARM_REG_PC, CPSR: uc.ARM_REG_CPSR,
}

func permToProt(p Perm) int {
	var prot int
	if p&PermR != 0 {
		prot |= uc.PROT_READ
	}
	if p&PermW != 0 {
		prot |= uc.PROT_WRITE
	}
	if p&PermX != 0 {
		prot |= uc.PROT_EXEC
	}
	return prot
}

const pageSize = 0x1000

func pageAlign(addr, size uint32) (uint32, uint32) {
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	return start, end - start
}

// UnicornEngine is the ARM32/THUMB Engine backed by Unicorn Engine.
type UnicornEngine struct {
	mu uc.Unicorn

	mapMu   sync.Mutex
	mapped  map[uint32]Perm // page base -> permission

	stopAddr       uint32
	stopRangeStart uint32
	stopRangeEnd   uint32
	insnBudget     uint32
	insnCount      uint32
	runErr         error
}

// NewUnicornEngine creates an ARM32 little-endian user-mode interpreter.
func NewUnicornEngine() (*UnicornEngine, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	e := &UnicornEngine{mu: mu, mapped: make(map[uint32]Perm)}

	if _, err := mu.HookAdd(uc.HOOK_CODE, e.codeHook, 1, 0); err != nil {
		mu.Close()
		return nil, fmt.Errorf("install code hook: %w", err)
	}
	if _, err := mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED|uc.HOOK_MEM_FETCH_UNMAPPED, e.memHook, 1, 0); err != nil {
		mu.Close()
		return nil, fmt.Errorf("install mem hook: %w", err)
	}

	return e, nil
}

func (e *UnicornEngine) codeHook(_ uc.Unicorn, addr uint64, _ uint32) {
	e.insnCount++

	pc := uint32(addr)
	if pc == e.stopAddr || (pc >= e.stopRangeStart && pc < e.stopRangeEnd) {
		e.mu.Stop()
		return
	}
	if e.insnBudget != 0 && e.insnCount > e.insnBudget {
		e.mu.Stop()
		return
	}
}

func (e *UnicornEngine) memHook(_ uc.Unicorn, _ int, addr uint64, _ int, _ int64) bool {
	e.runErr = &InvalidMemoryAccessError{Addr: uint32(addr)}
	e.mu.Stop()
	return false
}

func (e *UnicornEngine) Map(addr, size uint32, perm Perm) error {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	base, aligned := pageAlign(addr, size)
	for p := base; p < base+aligned; p += pageSize {
		existing, ok := e.mapped[p]
		if !ok {
			if err := e.mu.MemMapProt(uint64(p), pageSize, permToProt(perm)); err != nil {
				return fmt.Errorf("map page %#08x: %w", p, err)
			}
			e.mapped[p] = perm
			continue
		}
		if existing != perm {
			merged := existing | perm
			if err := e.mu.MemProtect(uint64(p), pageSize, permToProt(merged)); err != nil {
				return fmt.Errorf("reprotect page %#08x: %w", p, err)
			}
			e.mapped[p] = merged
		}
	}
	return nil
}

func (e *UnicornEngine) IsMapped(addr, size uint32) bool {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	base, aligned := pageAlign(addr, size)
	for p := base; p < base+aligned; p += pageSize {
		if _, ok := e.mapped[p]; !ok {
			return false
		}
	}
	return true
}

func (e *UnicornEngine) ReadBytes(addr uint32, buf []byte) error {
	data, err := e.mu.MemRead(uint64(addr), uint64(len(buf)))
	if err != nil {
		return &InvalidMemoryAccessError{Addr: addr}
	}
	copy(buf, data)
	return nil
}

func (e *UnicornEngine) WriteBytes(addr uint32, data []byte) error {
	if err := e.mu.MemWrite(uint64(addr), data); err != nil {
		return &InvalidMemoryAccessError{Addr: addr}
	}
	return nil
}

func (e *UnicornEngine) RegRead(r Reg) (uint32, error) {
	id, ok := regToUC[r]
	if !ok {
		return 0, fmt.Errorf("unknown register %v", r)
	}
	v, err := e.mu.RegRead(id)
	if err != nil {
		return 0, fmt.Errorf("read register %v: %w", r, err)
	}
	return uint32(v), nil
}

func (e *UnicornEngine) RegWrite(r Reg, v uint32) error {
	if r == PC {
		cpsr, err := e.mu.RegRead(uc.ARM_REG_CPSR)
		if err != nil {
			return fmt.Errorf("read cpsr: %w", err)
		}
		if v&1 != 0 {
			cpsr |= ThumbBit
			v &^= 1
		} else {
			cpsr &^= ThumbBit
		}
		if err := e.mu.RegWrite(uc.ARM_REG_CPSR, cpsr); err != nil {
			return fmt.Errorf("write cpsr: %w", err)
		}
		return e.mu.RegWrite(uc.ARM_REG_PC, uint64(v))
	}

	id, ok := regToUC[r]
	if !ok {
		return fmt.Errorf("unknown register %v", r)
	}
	if err := e.mu.RegWrite(id, uint64(v)); err != nil {
		return fmt.Errorf("write register %v: %w", r, err)
	}
	return nil
}

func (e *UnicornEngine) Run(stopAddr, stopRangeStart, stopRangeEnd uint32, maxInsns uint32) (uint32, error) {
	startPC, err := e.RegRead(PC)
	if err != nil {
		return 0, err
	}

	e.stopAddr = stopAddr
	e.stopRangeStart = stopRangeStart
	e.stopRangeEnd = stopRangeEnd
	e.insnBudget = maxInsns
	e.insnCount = 0
	e.runErr = nil

	cpsr, _ := e.mu.RegRead(uc.ARM_REG_CPSR)
	thumb := cpsr&ThumbBit != 0
	entry := uint64(startPC)
	if thumb {
		entry |= 1
	}

	startErr := e.mu.Start(entry, 0)

	pc, rerr := e.RegRead(PC)
	if rerr != nil {
		return 0, rerr
	}

	if e.runErr != nil {
		return pc, e.runErr
	}
	if startErr != nil {
		return pc, &UnknownInstructionError{PC: pc}
	}
	return pc, nil
}

func (e *UnicornEngine) Close() error {
	return e.mu.Close()
}
