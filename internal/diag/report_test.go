package diag

import (
	"strings"
	"testing"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/cpu"
	"github.com/kwipi/wipi-ktf/internal/trace"
)

func TestBuildClassifiesInvalidMemoryAccess(t *testing.T) {
	engine, err := cpu.NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer engine.Close()

	c, err := core.New(engine)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}

	addr, err := c.RegisterFunction(func(c *core.ArmCore) (core.CallResult, error) {
		// Read an address far outside any mapped region to provoke a
		// genuine host-side fault rather than a synthetic error.
		return core.CallResult{}, c.ReadBytes(0x99990000, make([]byte, 4))
	})
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}

	_, runErr := c.RunFunction(addr, nil)
	if runErr == nil {
		t.Fatal("expected RunFunction to surface the native function's error")
	}

	ring := trace.NewRing(4)
	ring.Add(trace.NewEvent(addr, trace.Trampoline, "test-fn", "probe"))

	report := Build(c, runErr, ring)
	if report.FaultKind != "invalid-memory-access" {
		t.Fatalf("FaultKind = %q, want %q", report.FaultKind, "invalid-memory-access")
	}
	if len(report.CallStack) != 1 {
		t.Fatalf("CallStack has %d entries, want 1", len(report.CallStack))
	}
	rendered := report.String()
	if !strings.Contains(rendered, "test-fn") {
		t.Fatalf("rendered report missing call-stack event: %q", rendered)
	}
	if !strings.Contains(rendered, "registers:") {
		t.Fatalf("rendered report missing register dump: %q", rendered)
	}
}

func TestBuildWithNilRing(t *testing.T) {
	engine, err := cpu.NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	defer engine.Close()

	c, err := core.New(engine)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}

	report := Build(c, &cpu.UnknownInstructionError{PC: 0x1234}, nil)
	if report.FaultKind != "unknown-instruction" {
		t.Fatalf("FaultKind = %q, want unknown-instruction", report.FaultKind)
	}
	if report.FaultAddr != 0x1234 {
		t.Fatalf("FaultAddr = %#x, want 0x1234", report.FaultAddr)
	}
	if report.CallStack != nil {
		t.Fatalf("CallStack = %v, want nil with a nil ring", report.CallStack)
	}
}
