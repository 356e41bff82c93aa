package cpu

import (
	"errors"
	"testing"
)

// thumbNop is the two-byte THUMB encoding of `mov r8, r8`, the
// conventional THUMB no-op.
var thumbNop = []byte{0xc0, 0x46}

func TestUnicornMapAndReadWriteBytes(t *testing.T) {
	e, err := NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer e.Close()

	const addr = 0x10000
	if err := e.Map(addr, 0x1000, PermRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !e.IsMapped(addr, 0x10) {
		t.Fatal("IsMapped false after Map")
	}

	want := []byte{1, 2, 3, 4, 5}
	if err := e.WriteBytes(addr, want); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got := make([]byte, len(want))
	if err := e.ReadBytes(addr, got); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadBytes[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUnicornRegReadWrite(t *testing.T) {
	e, err := NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer e.Close()

	if err := e.RegWrite(R0, 0xdeadbeef); err != nil {
		t.Fatalf("RegWrite: %v", err)
	}
	v, err := e.RegRead(R0)
	if err != nil {
		t.Fatalf("RegRead: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("RegRead(R0) = %#x, want 0xdeadbeef", v)
	}
}

func TestUnicornPCWriteTogglesThumbBit(t *testing.T) {
	e, err := NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer e.Close()

	if err := e.RegWrite(PC, 0x10001); err != nil {
		t.Fatalf("RegWrite(PC, thumb): %v", err)
	}
	pc, err := e.RegRead(PC)
	if err != nil {
		t.Fatalf("RegRead(PC): %v", err)
	}
	if pc != 0x10000 {
		t.Fatalf("RegRead(PC) = %#x, want 0x10000 (bit 0 cleared)", pc)
	}
	cpsr, err := e.RegRead(CPSR)
	if err != nil {
		t.Fatalf("RegRead(CPSR): %v", err)
	}
	if cpsr&ThumbBit == 0 {
		t.Fatal("CPSR THUMB bit not set after writing PC with bit 0 set")
	}

	if err := e.RegWrite(PC, 0x20000); err != nil {
		t.Fatalf("RegWrite(PC, arm): %v", err)
	}
	cpsr, _ = e.RegRead(CPSR)
	if cpsr&ThumbBit != 0 {
		t.Fatal("CPSR THUMB bit still set after writing PC with bit 0 clear")
	}
}

func TestUnicornRunStopsImmediatelyAtStopAddr(t *testing.T) {
	e, err := NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer e.Close()

	const stopAddr = 0x71000000
	if err := e.Map(stopAddr, 0x1000, PermRX); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := e.WriteBytes(stopAddr, thumbNop); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := e.RegWrite(PC, stopAddr|1); err != nil {
		t.Fatalf("RegWrite(PC): %v", err)
	}

	pc, err := e.Run(stopAddr, 0, 0, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pc != stopAddr {
		t.Fatalf("Run returned pc=%#08x, want %#08x", pc, stopAddr)
	}
}

func TestUnicornRunExecutesThenStopsAtRange(t *testing.T) {
	e, err := NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer e.Close()

	const base = 0x10000
	// The "trampoline range" is the two bytes right after two real NOPs,
	// so falling through naturally lands inside it without needing a
	// branch instruction.
	const rangeStart = base + 4
	const rangeEnd = rangeStart + 2

	if err := e.Map(base, 0x1000, PermRX); err != nil {
		t.Fatalf("Map code: %v", err)
	}

	code := append(append([]byte{}, thumbNop...), thumbNop...)
	code = append(code, thumbNop...) // occupies [rangeStart, rangeEnd), never executed
	if err := e.WriteBytes(base, code); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := e.RegWrite(PC, base|1); err != nil {
		t.Fatalf("RegWrite(PC): %v", err)
	}

	pc, err := e.Run(0, rangeStart, rangeEnd, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pc != rangeStart {
		t.Fatalf("Run returned pc=%#08x, want %#08x after two NOPs", pc, uint32(rangeStart))
	}
}

func TestUnicornRunFaultsOnUnmappedFetch(t *testing.T) {
	e, err := NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer e.Close()

	if err := e.RegWrite(PC, 0x99990000); err != nil {
		t.Fatalf("RegWrite(PC): %v", err)
	}

	_, err = e.Run(0, 0, 0, 1000)
	if err == nil {
		t.Fatal("expected fault running unmapped code")
	}
	var memErr *InvalidMemoryAccessError
	if !errors.As(err, &memErr) {
		t.Fatalf("Run error = %v, want *InvalidMemoryAccessError", err)
	}
}

func TestUnicornRunRespectsInstructionBudget(t *testing.T) {
	e, err := NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer e.Close()

	const base = 0x10000
	code := make([]byte, 0, 20*len(thumbNop))
	for i := 0; i < 20; i++ {
		code = append(code, thumbNop...)
	}
	if err := e.Map(base, 0x1000, PermRX); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := e.WriteBytes(base, code); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := e.RegWrite(PC, base|1); err != nil {
		t.Fatalf("RegWrite(PC): %v", err)
	}

	// No stop address/range match anywhere in this code. A budget of 3
	// retires 3 NOPs and halts with PC at the fourth.
	pc, err := e.Run(0, 0, 0, 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pc != base+3*2 {
		t.Fatalf("Run returned pc=%#08x, want %#08x after a 3-instruction budget", pc, base+6)
	}
}
