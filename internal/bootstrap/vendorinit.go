package bootstrap

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/jvm"
)

// The structs below mirror client.bin's own init handshake layout
// byte-for-byte (SPEC_FULL.md §2 item 7 / §4.6 step 4): build the structs
// the vendor fn_init expects, call it, then read back the interface table
// it installed. unk* fields are scratch the vendor writes into; this side
// never reads them back, only allocates and zeroes the slots so a vendor
// binary reading or writing across them doesn't fault on unmapped memory.

const (
	sizeInitParam0    = 4
	sizeInitParam0Unk = 4

	sizeInitParam1       = 4
	sizeInitParam1Unk    = 4
	sizeInitParam1UnkUnk = 32 // [8]uint32

	sizeInitParam2 = 12 + 64*4 // unk1,unk2,unk3 + 64-slot vtable table

	sizeInitParam3 = 48 // 4 unk + 8 primitive-tag words

	sizeInitParam4 = 48 // 12 words

	sizeWipiExe               = 40 // 10 words
	sizeExeInterface          = 32 // 8 words
	sizeExeInterfaceFunctions = 28 // 7 words
)

// wipiExe is read back from the address client.bin's base_address+1 entry
// point returns.
type wipiExe struct {
	PtrExeInterface uint32
	PtrName         uint32
	Unk1, Unk2      uint32
	FnUnk1          uint32
	FnInit          uint32
	Unk3, Unk4      uint32
	FnUnk3          uint32
	Unk5            uint32
}

func parseWipiExe(buf []byte) wipiExe {
	u32 := binary.LittleEndian.Uint32
	return wipiExe{
		PtrExeInterface: u32(buf[0:]),
		PtrName:         u32(buf[4:]),
		Unk1:            u32(buf[8:]),
		Unk2:            u32(buf[12:]),
		FnUnk1:          u32(buf[16:]),
		FnInit:          u32(buf[20:]),
		Unk3:            u32(buf[24:]),
		Unk4:            u32(buf[28:]),
		FnUnk3:          u32(buf[32:]),
		Unk5:            u32(buf[36:]),
	}
}

type exeInterface struct {
	PtrFunctions uint32
	PtrName      uint32
	Unk1, Unk2, Unk3, Unk4, Unk5, Unk6 uint32
}

func parseExeInterface(buf []byte) exeInterface {
	u32 := binary.LittleEndian.Uint32
	return exeInterface{
		PtrFunctions: u32(buf[0:]),
		PtrName:      u32(buf[4:]),
		Unk1:         u32(buf[8:]),
		Unk2:         u32(buf[12:]),
		Unk3:         u32(buf[16:]),
		Unk4:         u32(buf[20:]),
		Unk5:         u32(buf[24:]),
		Unk6:         u32(buf[28:]),
	}
}

type exeInterfaceFunctions struct {
	Unk1, Unk2      uint32
	FnInit          uint32
	FnGetDefaultDll uint32
	FnGetClass      uint32
	FnUnk2, FnUnk3  uint32
}

func parseExeInterfaceFunctions(buf []byte) exeInterfaceFunctions {
	u32 := binary.LittleEndian.Uint32
	return exeInterfaceFunctions{
		Unk1:            u32(buf[0:]),
		Unk2:            u32(buf[4:]),
		FnInit:          u32(buf[8:]),
		FnGetDefaultDll: u32(buf[12:]),
		FnGetClass:      u32(buf[16:]),
		FnUnk2:          u32(buf[20:]),
		FnUnk3:          u32(buf[24:]),
	}
}

// ModuleInfo is what the handshake hands back: the two vendor entry
// points the rest of the system cares about once fn_init has run.
type ModuleInfo struct {
	FnInit     uint32
	FnGetClass uint32
}

// VendorHandshake runs client.bin's two-phase bootstrap (§4.6 step 4's
// precondition): it calls the module's base_address+1 entry to get a
// WipiExe pointer, builds the five InitParam structs the chained
// ExeInterface.fn_init expects, and calls it. On success it wires
// fn_get_class as the bridge's ClassResolver and publishes the global
// vtable table at the address fn_init installed, so instances the bridge
// builds afterward dispatch by index the way client.bin expects.
func (b *Bootstrap) VendorHandshake(baseAddr, bssSize uint32) (*ModuleInfo, error) {
	wipiExePtr, err := b.Core.RunFunction(baseAddr|1, []uint32{bssSize})
	if err != nil {
		return nil, fmt.Errorf("call module entry: %w", err)
	}

	buf := make([]byte, sizeWipiExe)
	if err := b.Core.ReadBytes(wipiExePtr, buf); err != nil {
		return nil, fmt.Errorf("read WipiExe: %w", err)
	}
	exe := parseWipiExe(buf)

	buf = make([]byte, sizeExeInterface)
	if err := b.Core.ReadBytes(exe.PtrExeInterface, buf); err != nil {
		return nil, fmt.Errorf("read ExeInterface: %w", err)
	}
	iface := parseExeInterface(buf)

	buf = make([]byte, sizeExeInterfaceFunctions)
	if err := b.Core.ReadBytes(iface.PtrFunctions, buf); err != nil {
		return nil, fmt.Errorf("read ExeInterfaceFunctions: %w", err)
	}
	fns := parseExeInterfaceFunctions(buf)

	ptrParam0, err := b.buildInitParam0()
	if err != nil {
		return nil, fmt.Errorf("build InitParam0: %w", err)
	}
	ptrParam1, err := b.buildInitParam1()
	if err != nil {
		return nil, fmt.Errorf("build InitParam1: %w", err)
	}
	ptrParam2, ptrVtablesBase, err := b.buildInitParam2()
	if err != nil {
		return nil, fmt.Errorf("build InitParam2: %w", err)
	}
	ptrParam3, err := b.buildInitParam3()
	if err != nil {
		return nil, fmt.Errorf("build InitParam3: %w", err)
	}
	ptrParam4, err := b.buildInitParam4()
	if err != nil {
		return nil, fmt.Errorf("build InitParam4: %w", err)
	}

	// java_classes_base is the original runtime's preallocated Java-class
	// pool; this port builds classes on demand through jvm.Bridge.BuildClass
	// instead of a dedicated pool, so the slot is left 0 (§1 Non-goals: the
	// WIPI-C/class-library layer that pool served is out of scope). The
	// vtables base is real: client.bin's own code reads it directly.
	if err := b.Core.WriteU32(core.PebBase+core.PebJVMContextOffset, 0); err != nil {
		return nil, fmt.Errorf("write PEB java_classes_base: %w", err)
	}
	if err := b.Core.WriteU32(core.PebBase+core.PebVtablesBaseOffset, ptrVtablesBase); err != nil {
		return nil, fmt.Errorf("write PEB ptr_vtables_base: %w", err)
	}

	result, err := b.Core.RunFunction(fns.FnInit, []uint32{ptrParam0, ptrParam1, ptrParam2, ptrParam3, ptrParam4})
	if err != nil {
		return nil, fmt.Errorf("call fn_init: %w", err)
	}
	if result != 0 {
		return nil, fmt.Errorf("fn_init returned %#x", result)
	}

	if err := b.Bridge.SetVtablesBase(ptrVtablesBase); err != nil {
		return nil, fmt.Errorf("publish vtable table: %w", err)
	}
	b.Bridge.SetResolver(makeFnGetClassResolver(fns.FnGetClass))

	return &ModuleInfo{FnInit: exe.FnInit, FnGetClass: fns.FnGetClass}, nil
}

// makeFnGetClassResolver adapts client.bin's fn_get_class(name_ptr) ->
// GuestClass* entry point into a jvm.ClassResolver (§4.6 step 4): write the
// name as a NUL-terminated C string and call through.
func makeFnGetClassResolver(fnGetClass uint32) jvm.ClassResolver {
	return func(c *core.ArmCore, name string) (uint32, error) {
		namePtr, err := c.Alloc(uint32(len(name) + 1))
		if err != nil {
			return 0, err
		}
		defer c.Free(namePtr, uint32(len(name)+1))

		if err := c.WriteCString(namePtr, name); err != nil {
			return 0, err
		}
		return c.RunFunction(fnGetClass, []uint32{namePtr})
	}
}

func (b *Bootstrap) buildInitParam0() (uint32, error) {
	ptrUnk, err := b.Core.Alloc(sizeInitParam0Unk)
	if err != nil {
		return 0, err
	}
	if err := b.Core.WriteU32(ptrUnk, 0); err != nil {
		return 0, err
	}
	ptrParam0, err := b.Core.Alloc(sizeInitParam0)
	if err != nil {
		return 0, err
	}
	return ptrParam0, b.Core.WriteU32(ptrParam0, ptrUnk)
}

func (b *Bootstrap) buildInitParam1() (uint32, error) {
	ptrUnkUnk, err := b.Core.Alloc(sizeInitParam1UnkUnk)
	if err != nil {
		return 0, err
	}
	if err := b.Core.WriteBytes(ptrUnkUnk, make([]byte, sizeInitParam1UnkUnk)); err != nil {
		return 0, err
	}

	ptrUnk, err := b.Core.Alloc(sizeInitParam1Unk)
	if err != nil {
		return 0, err
	}
	if err := b.Core.WriteU32(ptrUnk, ptrUnkUnk); err != nil {
		return 0, err
	}

	ptrParam1, err := b.Core.Alloc(sizeInitParam1)
	if err != nil {
		return 0, err
	}
	return ptrParam1, b.Core.WriteU32(ptrParam1, ptrUnk)
}

// buildInitParam2 allocates the struct whose tail 64 words are the global
// vtable table (InitParam2.ptr_vtables): the address 12 bytes into it is
// what this bridge mirrors every vtable index into (jvm.Bridge.
// SetVtablesBase), so client.bin can dispatch GuestInstances by vtable
// index the way the §3 invariant requires.
func (b *Bootstrap) buildInitParam2() (ptrParam2, ptrVtablesBase uint32, err error) {
	ptrParam2, err = b.Core.Alloc(sizeInitParam2)
	if err != nil {
		return 0, 0, err
	}
	if err := b.Core.WriteBytes(ptrParam2, make([]byte, sizeInitParam2)); err != nil {
		return 0, 0, err
	}
	return ptrParam2, ptrParam2 + 12, nil
}

// Primitive type-descriptor tag bytes, exactly as client.bin's array
// allocation pool (InitParam3) expects them, widened to words.
const (
	tagBoolean = uint32('Z')
	tagChar    = uint32('C')
	tagFloat   = uint32('F')
	tagDouble  = uint32('D')
	tagByte    = uint32('B')
	tagShort   = uint32('S')
	tagInt     = uint32('I')
	tagLong    = uint32('J')
)

func (b *Bootstrap) buildInitParam3() (uint32, error) {
	ptrParam3, err := b.Core.Alloc(sizeInitParam3)
	if err != nil {
		return 0, err
	}
	words := []uint32{0, 0, 0, 0, tagBoolean, tagChar, tagFloat, tagDouble, tagByte, tagShort, tagInt, tagLong}
	for i, w := range words {
		if err := b.Core.WriteU32(ptrParam3+uint32(i)*4, w); err != nil {
			return 0, err
		}
	}
	return ptrParam3, nil
}

// buildInitParam4 registers the host callbacks client.bin's fn_init wires
// into its own import table (InitParam4). get_interface only ever takes
// the "unknown struct" branch here: WIPIC_knlInterface/WIPI_JBInterface
// belong to the out-of-scope class-library layer (SPEC_FULL.md §1), so
// this bridges only what §4's in-scope components can actually serve —
// object/array construction and class loading forward into the jvm
// package, java_throw raises through the existing exception-handler chain
// (handleNativeError), and fn_unk3 is a bare allocator passthrough exactly
// as client.bin's own fn_init treats it.
func (b *Bootstrap) buildInitParam4() (uint32, error) {
	fnGetInterface, err := b.Core.RegisterFunction(b.trampolineGetInterface)
	if err != nil {
		return 0, err
	}
	fnJavaThrow, err := b.Core.RegisterFunction(b.trampolineJavaThrow)
	if err != nil {
		return 0, err
	}
	fnJavaNew, err := b.Core.RegisterFunction(b.trampolineJavaNew)
	if err != nil {
		return 0, err
	}
	fnJavaArrayNew, err := b.Core.RegisterFunction(b.trampolineJavaArrayNew)
	if err != nil {
		return 0, err
	}
	fnJavaClassLoad, err := b.Core.RegisterFunction(b.trampolineJavaClassLoad)
	if err != nil {
		return 0, err
	}
	fnUnk3, err := b.Core.RegisterFunction(b.trampolineAllocUnk3)
	if err != nil {
		return 0, err
	}

	ptrParam4, err := b.Core.Alloc(sizeInitParam4)
	if err != nil {
		return 0, err
	}
	words := []uint32{fnGetInterface, fnJavaThrow, 0, 0, 0, fnJavaNew, fnJavaArrayNew, 0, fnJavaClassLoad, 0, 0, fnUnk3}
	for i, w := range words {
		if err := b.Core.WriteU32(ptrParam4+uint32(i)*4, w); err != nil {
			return 0, err
		}
	}
	return ptrParam4, nil
}

// trampolineGetInterface backs InitParam4.fn_get_interface. Every struct
// name it could be asked for (WIPIC_knlInterface, WIPI_JBInterface) names
// the out-of-scope WIPI-C/class-library surface, so this always returns 0
// the way client.bin's own runtime does for any name it doesn't recognize.
func (b *Bootstrap) trampolineGetInterface(c *core.ArmCore) (core.CallResult, error) {
	namePtr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	name, err := c.ReadCString(namePtr)
	if err != nil {
		return core.CallResult{}, err
	}
	b.Log.Warn("get_interface: unknown struct, out of scope", zap.String("struct", name))
	return core.Value(0), nil
}

// trampolineJavaThrow backs InitParam4.fn_java_throw: it raises a Java
// exception through the bridge's existing handler-chain walk instead of
// reimplementing one, by returning a *jvm.ThrownError from a NativeFunc,
// which ArmCore.OnNativeError (installed as Bridge.handleNativeError)
// already knows how to drive (§4.8).
func (b *Bootstrap) trampolineJavaThrow(c *core.ArmCore) (core.CallResult, error) {
	ptrInstance, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	thrown, err := b.Bridge.Throw(ptrInstance, "")
	if err != nil {
		return core.CallResult{}, err
	}
	return core.CallResult{}, thrown
}

// trampolineJavaNew backs InitParam4.fn_java_new: client.bin hands it a
// class pointer, host allocates and runs <init> through Bridge.Instantiate.
func (b *Bootstrap) trampolineJavaNew(c *core.ArmCore) (core.CallResult, error) {
	ptrClass, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	inst, err := b.Bridge.Instantiate(ptrClass)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(inst), nil
}

// trampolineJavaArrayNew backs InitParam4.fn_java_array_new: it always
// resolves (or builds, per §4.5's array-class rule) the "[I" class and
// instantiates it as a bare object. The element class pointer argument is
// read but not used, so the array class does not follow the requested
// element type, and no element storage is allocated.
func (b *Bootstrap) trampolineJavaArrayNew(c *core.ArmCore) (core.CallResult, error) {
	_, err := c.Arg(0) // element class pointer; array storage is out of scope.
	if err != nil {
		return core.CallResult{}, err
	}
	arrayClass, err := b.Bridge.ResolveClass("[I")
	if err != nil {
		return core.CallResult{}, err
	}
	inst, err := b.Bridge.Instantiate(arrayClass)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(inst), nil
}

// trampolineJavaClassLoad backs InitParam4.fn_java_class_load: client.bin
// tells the host it has materialized a class at ptrClass under name;
// register it the same way a vendor fn_get_class response is cached, so
// later host-side lookups for the same name hit it without crossing back
// into the guest.
func (b *Bootstrap) trampolineJavaClassLoad(c *core.ArmCore) (core.CallResult, error) {
	namePtr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	ptrClass, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	name, err := c.ReadCString(namePtr)
	if err != nil {
		return core.CallResult{}, err
	}
	if err := b.Bridge.RegisterResolvedClass(name, ptrClass); err != nil {
		return core.CallResult{}, err
	}
	return core.Void(), nil
}

// trampolineAllocUnk3 backs InitParam4.fn_unk3: a bare allocator
// passthrough, exactly as client.bin's own fn_init treats it.
func (b *Bootstrap) trampolineAllocUnk3(c *core.ArmCore) (core.CallResult, error) {
	size, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	addr, err := c.Alloc(size)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(addr), nil
}
