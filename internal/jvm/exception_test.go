package jvm

import (
	"errors"
	"testing"

	"github.com/kwipi/wipi-ktf/internal/core"
)

func TestHandleNativeErrorCatchesMatchingFrame(t *testing.T) {
	b, c := newTestBridge(t)
	if _, err := b.BuildClass(&ClassPrototype{Name: "java/lang/Object"}); err != nil {
		t.Fatalf("build Object: %v", err)
	}
	excClassAddr, err := b.BuildClass(&ClassPrototype{Name: "MyException", ParentName: "java/lang/Object"})
	if err != nil {
		t.Fatalf("build MyException: %v", err)
	}
	instAddr, err := b.Instantiate(excClassAddr)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	const fromPC, toPC, targetPC uint32 = 0x100, 0x200, 0x300
	etableAddr, err := c.Alloc(16)
	if err != nil {
		t.Fatalf("alloc etable: %v", err)
	}
	for i, v := range []uint32{fromPC, toPC, targetPC, 0} {
		if err := c.WriteU32(etableAddr+uint32(i)*4, v); err != nil {
			t.Fatalf("write etable entry %d: %v", i, err)
		}
	}

	methodAddr, err := c.Alloc(SizeGuestMethod)
	if err != nil {
		t.Fatalf("alloc method: %v", err)
	}
	m := GuestMethod{FnBodyNativeOrETable: etableAddr, ETableCount: 1}
	if err := c.WriteBytes(methodAddr, m.Bytes()); err != nil {
		t.Fatalf("write method: %v", err)
	}

	frameAddr, err := c.Alloc(SizeExceptionHandlerFrame)
	if err != nil {
		t.Fatalf("alloc frame: %v", err)
	}
	frame := ExceptionHandlerFrame{PtrMethod: methodAddr, CurrentPC: 0x150}
	frame.SavedRegs[0] = 0xaaaa
	if err := c.WriteBytes(frameAddr, frame.Bytes()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := c.WriteU32(core.PebBase+core.PebExceptionHandlerOffset, frameAddr); err != nil {
		t.Fatalf("write peb head: %v", err)
	}

	// frame.PtrFunctions+4 is where the vendor's restore_context helper
	// address lives (§4.8 step 3); the tail call must go there, not to
	// target_pc directly.
	const restoreContextAddr uint32 = 0x7777
	functionsAddr, err := c.Alloc(8)
	if err != nil {
		t.Fatalf("alloc functions table: %v", err)
	}
	if err := c.WriteU32(functionsAddr+4, restoreContextAddr); err != nil {
		t.Fatalf("write restore_context slot: %v", err)
	}

	frameAddr, err = c.Alloc(SizeExceptionHandlerFrame)
	if err != nil {
		t.Fatalf("alloc frame: %v", err)
	}
	frame = ExceptionHandlerFrame{PtrMethod: methodAddr, CurrentPC: 0x150, PtrFunctions: functionsAddr}
	frame.SavedRegs[0] = 0xaaaa
	if err := c.WriteBytes(frameAddr, frame.Bytes()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := c.WriteU32(core.PebBase+core.PebExceptionHandlerOffset, frameAddr); err != nil {
		t.Fatalf("write peb head: %v", err)
	}

	thrown := &ThrownError{Instance: instAddr, Class: excClassAddr, Message: "boom"}
	result, handled, err := b.handleNativeError(c, thrown)
	if err != nil {
		t.Fatalf("handleNativeError: %v", err)
	}
	if !handled {
		t.Fatal("expected handled=true for a matching exception-table entry")
	}
	if result.Kind != core.ResultTailCall {
		t.Fatalf("result.Kind = %v, want ResultTailCall", result.Kind)
	}
	if result.TailAddr != restoreContextAddr {
		t.Fatalf("TailAddr = %#08x, want %#08x (vendor restore_context helper)", result.TailAddr, restoreContextAddr)
	}
	if len(result.TailArgs) != 2 {
		t.Fatalf("TailArgs = %v, want [savedRegsBlockPtr, targetPC]", result.TailArgs)
	}
	if result.TailArgs[1] != targetPC {
		t.Fatalf("TailArgs[1] = %#08x, want %#08x (handler target_pc)", result.TailArgs[1], targetPC)
	}
	savedRegsPtr := result.TailArgs[0]
	gotReg0, err := c.ReadU32(savedRegsPtr)
	if err != nil {
		t.Fatalf("read saved regs block: %v", err)
	}
	if gotReg0 != 0xaaaa {
		t.Fatalf("saved regs block[0] = %#x, want 0xaaaa (written back to guest memory for restore_context)", gotReg0)
	}

	newHead, err := c.ReadU32(core.PebBase + core.PebExceptionHandlerOffset)
	if err != nil {
		t.Fatalf("read peb head: %v", err)
	}
	if newHead != 0 {
		t.Fatalf("PEB head = %#08x after catch, want 0 (frame unlinked)", newHead)
	}
}

// TestHandleNativeErrorUnlinksNonMatchingFrame exercises §4.8 step 4: a
// frame whose exception table doesn't cover the faulting PC must still be
// unlinked from the PEB chain as the walk advances past it, not just the
// frame that eventually matches.
func TestHandleNativeErrorUnlinksNonMatchingFrame(t *testing.T) {
	b, c := newTestBridge(t)
	if _, err := b.BuildClass(&ClassPrototype{Name: "java/lang/Object"}); err != nil {
		t.Fatalf("build Object: %v", err)
	}
	excClassAddr, err := b.BuildClass(&ClassPrototype{Name: "MyException", ParentName: "java/lang/Object"})
	if err != nil {
		t.Fatalf("build MyException: %v", err)
	}
	instAddr, err := b.Instantiate(excClassAddr)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	// A method with no exception table: every frame pointing at it never
	// matches, so the walk must fall through to the next frame.
	methodAddr, err := c.Alloc(SizeGuestMethod)
	if err != nil {
		t.Fatalf("alloc method: %v", err)
	}
	m := GuestMethod{}
	if err := c.WriteBytes(methodAddr, m.Bytes()); err != nil {
		t.Fatalf("write method: %v", err)
	}

	frameAddr, err := c.Alloc(SizeExceptionHandlerFrame)
	if err != nil {
		t.Fatalf("alloc frame: %v", err)
	}
	frame := ExceptionHandlerFrame{PtrMethod: methodAddr, CurrentPC: 0x150}
	if err := c.WriteBytes(frameAddr, frame.Bytes()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := c.WriteU32(core.PebBase+core.PebExceptionHandlerOffset, frameAddr); err != nil {
		t.Fatalf("write peb head: %v", err)
	}

	thrown := &ThrownError{Instance: instAddr, Class: excClassAddr, Message: "boom"}
	if _, handled, err := b.handleNativeError(c, thrown); handled || err == nil {
		t.Fatalf("handled=%v err=%v, want handled=false and a JavaExceptionError", handled, err)
	}

	newHead, err := c.ReadU32(core.PebBase + core.PebExceptionHandlerOffset)
	if err != nil {
		t.Fatalf("read peb head: %v", err)
	}
	if newHead != 0 {
		t.Fatalf("PEB head = %#08x after an exhausted walk, want 0 (non-matching frame must still be unlinked)", newHead)
	}
}

func TestHandleNativeErrorEscalatesWhenChainExhausted(t *testing.T) {
	b, c := newTestBridge(t)
	if _, err := b.BuildClass(&ClassPrototype{Name: "java/lang/Object"}); err != nil {
		t.Fatalf("build Object: %v", err)
	}
	excClassAddr, err := b.BuildClass(&ClassPrototype{Name: "MyException", ParentName: "java/lang/Object"})
	if err != nil {
		t.Fatalf("build MyException: %v", err)
	}
	instAddr, err := b.Instantiate(excClassAddr)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	// No frame installed at the PEB head: the chain is empty from the start.
	thrown := &ThrownError{Instance: instAddr, Class: excClassAddr, Message: "boom"}
	_, handled, err := b.handleNativeError(c, thrown)
	if handled {
		t.Fatal("expected handled=false with an empty handler chain")
	}
	var jerr *core.JavaExceptionError
	if !errors.As(err, &jerr) {
		t.Fatalf("error = %v, want *core.JavaExceptionError", err)
	}
	if jerr.Instance != instAddr {
		t.Fatalf("JavaExceptionError.Instance = %#08x, want %#08x", jerr.Instance, instAddr)
	}
}

func TestHandleNativeErrorIgnoresNonThrownError(t *testing.T) {
	b, c := newTestBridge(t)

	other := errors.New("not a java exception")
	_, handled, err := b.handleNativeError(c, other)
	if handled {
		t.Fatal("expected handled=false for an error that isn't *ThrownError")
	}
	if !errors.Is(err, other) {
		t.Fatalf("error = %v, want the original error echoed back unchanged", err)
	}
}

func TestIsAssignableWalksParentChain(t *testing.T) {
	b, _ := newTestBridge(t)
	objAddr, err := b.BuildClass(&ClassPrototype{Name: "java/lang/Object"})
	if err != nil {
		t.Fatalf("build Object: %v", err)
	}
	subAddr, err := b.BuildClass(&ClassPrototype{Name: "Sub", ParentName: "java/lang/Object"})
	if err != nil {
		t.Fatalf("build Sub: %v", err)
	}

	if !b.isAssignable(subAddr, subAddr) {
		t.Error("a class should be assignable to itself")
	}
	if !b.isAssignable(subAddr, objAddr) {
		t.Error("Sub should be assignable to its parent Object")
	}
	if b.isAssignable(objAddr, subAddr) {
		t.Error("Object should not be assignable to its subclass Sub")
	}
}
