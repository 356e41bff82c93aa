package bootstrap

import (
	"testing"

	"go.uber.org/zap"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/jvm"
)

// ldrR0PcZero / bxLR / movsR0Zero are the raw THUMB encodings this file
// hand-assembles into a fake client.bin image: `ldr r0, [pc, #0]` loads the
// literal word immediately following the instruction pair, `bx lr` returns,
// `movs r0, #0` loads a zero result.
var (
	ldrR0PcZero = [2]byte{0x00, 0x48}
	bxLR        = [2]byte{0x70, 0x47}
	movsR0Zero  = [2]byte{0x00, 0x20}
)

const (
	offModuleEntry = 0x10
	offModuleLit   = 0x14
	offFnInit      = 0x20
	offFnGetClass  = 0x30
	offFnGetClassLit = 0x34
)

// buildVendorImage lays out a minimal fake client.bin: a module entry point
// (base_address+1) that returns a WipiExe pointer via a PC-relative literal
// load, an fn_init stub that always succeeds, and an fn_get_class stub that
// always resolves to a fixed class address, also via a literal load.
func buildVendorImage() []byte {
	image := make([]byte, 0x40)
	copy(image[offModuleEntry:], ldrR0PcZero[:])
	copy(image[offModuleEntry+2:], bxLR[:])
	copy(image[offFnInit:], movsR0Zero[:])
	copy(image[offFnInit+2:], bxLR[:])
	copy(image[offFnGetClass:], ldrR0PcZero[:])
	copy(image[offFnGetClass+2:], bxLR[:])
	return image
}

func newHandshakeReadyBootstrap(t *testing.T) (*Bootstrap, uint32) {
	t.Helper()

	b, err := New(buildVendorImage(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	objectAddr, err := b.RegisterObjectClass()
	if err != nil {
		t.Fatalf("RegisterObjectClass: %v", err)
	}

	fnInitAddr := (core.ImageBase + offFnInit) | 1
	fnGetClassAddr := (core.ImageBase + offFnGetClass) | 1

	ptrFunctions, err := b.Core.Alloc(sizeExeInterfaceFunctions)
	if err != nil {
		t.Fatalf("alloc ExeInterfaceFunctions: %v", err)
	}
	fnsWords := []uint32{0, 0, fnInitAddr, 0, fnGetClassAddr, 0, 0}
	for i, w := range fnsWords {
		if err := b.Core.WriteU32(ptrFunctions+uint32(i)*4, w); err != nil {
			t.Fatalf("write ExeInterfaceFunctions: %v", err)
		}
	}

	ptrExeInterface, err := b.Core.Alloc(sizeExeInterface)
	if err != nil {
		t.Fatalf("alloc ExeInterface: %v", err)
	}
	if err := b.Core.WriteU32(ptrExeInterface, ptrFunctions); err != nil {
		t.Fatalf("write ExeInterface.ptr_functions: %v", err)
	}

	ptrWipiExe, err := b.Core.Alloc(sizeWipiExe)
	if err != nil {
		t.Fatalf("alloc WipiExe: %v", err)
	}
	if err := b.Core.WriteU32(ptrWipiExe, ptrExeInterface); err != nil {
		t.Fatalf("write WipiExe.ptr_exe_interface: %v", err)
	}

	if err := b.Core.WriteU32(core.ImageBase+offModuleLit, ptrWipiExe); err != nil {
		t.Fatalf("patch module entry literal: %v", err)
	}
	if err := b.Core.WriteU32(core.ImageBase+offFnGetClassLit, objectAddr); err != nil {
		t.Fatalf("patch fn_get_class literal: %v", err)
	}

	return b, objectAddr
}

func TestVendorHandshakeWiresResolverAndVtablesBase(t *testing.T) {
	b, objectAddr := newHandshakeReadyBootstrap(t)

	info, err := b.VendorHandshake(core.ImageBase+offModuleEntry, 0)
	if err != nil {
		t.Fatalf("VendorHandshake: %v", err)
	}
	if info.FnGetClass != (core.ImageBase+offFnGetClass)|1 {
		t.Fatalf("info.FnGetClass = %#08x, want %#08x", info.FnGetClass, (core.ImageBase+offFnGetClass)|1)
	}

	addr, err := b.Bridge.ResolveClass("some/Unresolved")
	if err != nil {
		t.Fatalf("ResolveClass: %v", err)
	}
	if addr != objectAddr {
		t.Fatalf("ResolveClass via fn_get_class = %#08x, want %#08x (the stub's fixed answer)", addr, objectAddr)
	}

	ptrVtablesBase, err := b.Core.ReadU32(core.PebBase + core.PebVtablesBaseOffset)
	if err != nil {
		t.Fatalf("read PEB ptr_vtables_base: %v", err)
	}
	if ptrVtablesBase == 0 {
		t.Fatal("PEB ptr_vtables_base was never written")
	}

	fooAddr, err := b.RegisterClass(&jvm.ClassPrototype{Name: "Foo", ParentName: "java/lang/Object"})
	if err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}
	buf := make([]byte, jvm.SizeGuestClass)
	if err := b.Core.ReadBytes(fooAddr, buf); err != nil {
		t.Fatalf("read Foo class: %v", err)
	}
	fooClass := jvm.ParseGuestClass(buf)

	mirrored, err := b.Core.ReadU32(ptrVtablesBase + 1*4) // index 1: Object is index 0
	if err != nil {
		t.Fatalf("read mirrored vtable slot: %v", err)
	}
	if mirrored != fooClass.PtrVtable {
		t.Fatalf("guest-mirrored vtable table slot 1 = %#08x, want Foo's ptr_vtable %#08x", mirrored, fooClass.PtrVtable)
	}
}

func TestVendorHandshakeFailsOnNonZeroInitResult(t *testing.T) {
	b, err := New(buildVendorImage(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	// fn_init at offFnInit normally returns 0; point ExeInterfaceFunctions at
	// fn_get_class instead, which returns a nonzero "class" address, to
	// exercise the nonzero-result failure path without hand-assembling a
	// second stub.
	fnGetClassAddr := (core.ImageBase + offFnGetClass) | 1
	ptrFunctions, err := b.Core.Alloc(sizeExeInterfaceFunctions)
	if err != nil {
		t.Fatalf("alloc ExeInterfaceFunctions: %v", err)
	}
	fnsWords := []uint32{0, 0, fnGetClassAddr, 0, fnGetClassAddr, 0, 0}
	for i, w := range fnsWords {
		if err := b.Core.WriteU32(ptrFunctions+uint32(i)*4, w); err != nil {
			t.Fatalf("write ExeInterfaceFunctions: %v", err)
		}
	}
	ptrExeInterface, err := b.Core.Alloc(sizeExeInterface)
	if err != nil {
		t.Fatalf("alloc ExeInterface: %v", err)
	}
	if err := b.Core.WriteU32(ptrExeInterface, ptrFunctions); err != nil {
		t.Fatalf("write ExeInterface.ptr_functions: %v", err)
	}
	ptrWipiExe, err := b.Core.Alloc(sizeWipiExe)
	if err != nil {
		t.Fatalf("alloc WipiExe: %v", err)
	}
	if err := b.Core.WriteU32(ptrWipiExe, ptrExeInterface); err != nil {
		t.Fatalf("write WipiExe.ptr_exe_interface: %v", err)
	}
	if err := b.Core.WriteU32(core.ImageBase+offModuleLit, ptrWipiExe); err != nil {
		t.Fatalf("patch module entry literal: %v", err)
	}
	if err := b.Core.WriteU32(core.ImageBase+offFnGetClassLit, 0xdead); err != nil {
		t.Fatalf("patch fn_get_class literal: %v", err)
	}

	if _, err := b.VendorHandshake(core.ImageBase+offModuleEntry, 0); err == nil {
		t.Fatal("VendorHandshake succeeded despite fn_init returning a nonzero result")
	}
}
