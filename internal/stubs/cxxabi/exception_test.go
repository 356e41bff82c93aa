package cxxabi

import (
	"errors"
	"testing"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/cpu"
	"github.com/kwipi/wipi-ktf/internal/stubs"
)

func newTestCore(t *testing.T) *core.ArmCore {
	t.Helper()
	engine, err := cpu.NewUnicornEngine()
	if err != nil {
		t.Fatalf("NewUnicornEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	c, err := core.New(engine)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	return c
}

func TestCxaThrowPropagatesAsCxxException(t *testing.T) {
	c := newTestCore(t)
	addrs, err := stubs.Install(c, []string{"__cxa_throw"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	_, runErr := c.RunFunction(addrs["__cxa_throw"], []uint32{0xdead0000, 0, 0})
	if runErr == nil {
		t.Fatal("expected __cxa_throw to surface as an error")
	}
	var cxxErr *cxxException
	if !errors.As(runErr, &cxxErr) {
		t.Fatalf("error = %v, want *cxxException", runErr)
	}
	if cxxErr.ptr != 0xdead0000 {
		t.Fatalf("cxxException.ptr = %#x, want 0xdead0000", cxxErr.ptr)
	}
}

func TestCxaAllocateExceptionReturnsHeapPointer(t *testing.T) {
	c := newTestCore(t)
	addrs, err := stubs.Install(c, []string{"__cxa_allocate_exception"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	ptr, err := c.RunFunction(addrs["__cxa_allocate_exception"], []uint32{32})
	if err != nil {
		t.Fatalf("RunFunction: %v", err)
	}
	if ptr < core.HeapBase || ptr >= core.HeapBase+core.HeapSize {
		t.Fatalf("__cxa_allocate_exception returned %#08x, outside heap window", ptr)
	}
}

func TestCxaGuardAcquireThenReleaseSuppressesReinit(t *testing.T) {
	ClearGuardState()
	c := newTestCore(t)
	addrs, err := stubs.Install(c, []string{"__cxa_guard_acquire", "__cxa_guard_release"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	const guard = 0x40001000
	first, err := c.RunFunction(addrs["__cxa_guard_acquire"], []uint32{guard})
	if err != nil {
		t.Fatalf("RunFunction(guard_acquire): %v", err)
	}
	if first != 1 {
		t.Fatalf("first guard_acquire = %d, want 1 (needs init)", first)
	}

	if _, err := c.RunFunction(addrs["__cxa_guard_release"], []uint32{guard}); err != nil {
		t.Fatalf("RunFunction(guard_release): %v", err)
	}

	second, err := c.RunFunction(addrs["__cxa_guard_acquire"], []uint32{guard})
	if err != nil {
		t.Fatalf("RunFunction(guard_acquire): %v", err)
	}
	if second != 0 {
		t.Fatalf("second guard_acquire = %d, want 0 (already initialized)", second)
	}
}

func TestCxaGuardStateIsPerGuardAddress(t *testing.T) {
	ClearGuardState()
	c := newTestCore(t)
	addrs, err := stubs.Install(c, []string{"__cxa_guard_acquire", "__cxa_guard_release"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := c.RunFunction(addrs["__cxa_guard_acquire"], []uint32{0x1000}); err != nil {
		t.Fatalf("RunFunction: %v", err)
	}
	if _, err := c.RunFunction(addrs["__cxa_guard_release"], []uint32{0x1000}); err != nil {
		t.Fatalf("RunFunction: %v", err)
	}

	other, err := c.RunFunction(addrs["__cxa_guard_acquire"], []uint32{0x2000})
	if err != nil {
		t.Fatalf("RunFunction: %v", err)
	}
	if other != 1 {
		t.Fatalf("guard_acquire for a distinct address = %d, want 1", other)
	}
}

func TestPureVirtualCallIsFatal(t *testing.T) {
	c := newTestCore(t)
	addrs, err := stubs.Install(c, []string{"__cxa_pure_virtual"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := c.RunFunction(addrs["__cxa_pure_virtual"], nil); err == nil {
		t.Fatal("expected __cxa_pure_virtual to return an error")
	}
}
