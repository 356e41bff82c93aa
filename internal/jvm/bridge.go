package jvm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kwipi/wipi-ktf/internal/core"
	glog "github.com/kwipi/wipi-ktf/internal/log"
)

// ClassResolver is the vendor side of class discovery (§4.6 step 4):
// given a class name it returns client.bin's fn_get_class(name_ptr)
// result, a GuestClass address or 0 for "not found".
type ClassResolver func(c *core.ArmCore, name string) (uint32, error)

// Context is the capability a MethodBody receives: everything it needs to
// call back into the bridge (instantiate objects, invoke other methods,
// read/write fields) without a raw ArmCore handle.
type Context struct {
	Bridge *Bridge
	Core   *core.ArmCore
}

// Bridge is the JVM bridge: class registry, global vtable table, and the
// call gates (register_class, invoke, native-method proxy, exception
// propagation) described in SPEC_FULL.md §4.5-§4.8.
type Bridge struct {
	core *core.ArmCore
	log  *glog.Logger
	id   uuid.UUID

	mu          sync.Mutex
	classes     map[string]uint32 // resolved class name -> GuestClass*
	vtableTbl   []uint32          // global vtable table; index is the dispatch index
	vtablesBase uint32            // guest mirror of vtableTbl, 0 until SetVtablesBase
	resolver    ClassResolver     // client.bin's fn_get_class, nil if not wired
	resolveGroup singleflight.Group // coalesces concurrent fn_get_class lookups for the same name

	scheduler *Scheduler
}

// NewBridge creates a Bridge over c. log may be nil (a no-op logger is
// substituted).
func NewBridge(c *core.ArmCore, log *zap.Logger) *Bridge {
	b := &Bridge{
		core:    c,
		log:     glog.Wrap(log),
		id:      uuid.New(),
		classes: make(map[string]uint32),
	}
	b.scheduler = newScheduler(b)
	c.OnNativeError = b.handleNativeError
	return b
}

// SetResolver wires client.bin's fn_get_class as the fallback class
// resolver (§4.6 step 4).
func (b *Bridge) SetResolver(r ClassResolver) { b.resolver = r }

// RegisterResolvedClass caches a GuestClass* the vendor side has reported
// by name outside the normal resolveClassLocked path (client.bin's own
// fn_java_class_load callback reports classes it materializes as it goes,
// per §4.6), so later ResolveClass calls for the same name hit the cache
// instead of crossing back into the guest.
func (b *Bridge) RegisterResolvedClass(name string, ptrClass uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.classes[name] = ptrClass
	return nil
}

// vtableEntry pairs a method's identity with the GuestMethod* currently
// occupying that slot.
type vtableEntry struct {
	Name FullName
	Addr uint32
}

func (b *Bridge) flattenParentVtable(parent uint32) ([]vtableEntry, error) {
	if parent == 0 {
		return nil, nil
	}
	class, err := readClass(b.core, parent)
	if err != nil {
		return nil, err
	}
	if class.PtrVtable == 0 || class.VtableCount == 0 {
		return nil, nil
	}
	entries := make([]vtableEntry, class.VtableCount)
	for i := uint16(0); i < class.VtableCount; i++ {
		addr, err := b.core.ReadU32(class.PtrVtable + uint32(i)*4)
		if err != nil {
			return nil, err
		}
		m, err := readMethod(b.core, addr)
		if err != nil {
			return nil, err
		}
		name, err := ReadFullName(b.core, m.PtrName)
		if err != nil {
			return nil, err
		}
		entries[i] = vtableEntry{Name: name, Addr: addr}
	}
	return entries, nil
}

// BuildClass materializes proto into the guest layout (§4.5).
func (b *Bridge) BuildClass(proto *ClassPrototype) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr, ok := b.classes[proto.Name]; ok {
		return addr, nil
	}

	var parentAddr uint32
	var err error
	if proto.ParentName != "" {
		parentAddr, err = b.resolveClassLocked(proto.ParentName)
		if err != nil {
			return 0, fmt.Errorf("resolve parent %s: %w", proto.ParentName, err)
		}
	}

	vtable, err := b.flattenParentVtable(parentAddr)
	if err != nil {
		return 0, err
	}

	ptrClass, err := b.core.Alloc(SizeGuestClass)
	if err != nil {
		return 0, err
	}

	for _, mp := range proto.Methods {
		ptrName, err := WriteFullName(b.core, FullName{Tag: 0, Name: mp.Name, Descriptor: mp.Descriptor})
		if err != nil {
			return 0, err
		}

		ptrMethod, err := b.core.Alloc(SizeGuestMethod)
		if err != nil {
			return 0, err
		}

		body := mp.Body
		var trampAddr uint32
		if mp.Access&AccNative != 0 {
			trampAddr, err = b.core.RegisterFunction(b.makeMethodTrampoline(ptrClass, body))
		} else {
			trampAddr, err = b.core.RegisterFunction(b.makeMethodTrampolineDirect(body, descriptorArity(mp.Descriptor)))
		}
		if err != nil {
			return 0, err
		}

		gm := GuestMethod{PtrClass: ptrClass, PtrName: ptrName, AccessFlags: mp.Access}
		if mp.Access&AccNative != 0 {
			gm.FnBodyNativeOrETable = trampAddr
			gm.FnBody = 0
		} else {
			gm.FnBody = trampAddr
		}

		found := false
		fn := FullName{Name: mp.Name, Descriptor: mp.Descriptor}
		for i := range vtable {
			if vtable[i].Name.Equal(fn) {
				vtable[i] = vtableEntry{Name: fn, Addr: ptrMethod}
				found = true
				break
			}
		}
		if !found {
			vtable = append(vtable, vtableEntry{Name: fn, Addr: ptrMethod})
		}

		gm.IndexInVtable = uint16(indexOf(vtable, fn))
		if err := b.core.WriteBytes(ptrMethod, gm.Bytes()); err != nil {
			return 0, err
		}
	}

	ptrMethods, err := b.writeNullTerminatedTable(methodsOf(vtable))
	if err != nil {
		return 0, err
	}

	ptrFields, fieldsSize, err := b.buildFields(proto, ptrClass)
	if err != nil {
		return 0, err
	}

	ptrNameBlob, err := b.core.Alloc(uint32(len(proto.Name) + 1))
	if err != nil {
		return 0, err
	}
	if err := b.core.WriteCString(ptrNameBlob, proto.Name); err != nil {
		return 0, err
	}

	descriptor := GuestClassDescriptor{
		PtrName:        ptrNameBlob,
		PtrParentClass: parentAddr,
		PtrMethods:     ptrMethods,
		PtrFieldsOrElementType: ptrFields,
		MethodCount:    uint16(len(vtable)),
		FieldsSize:     fieldsSize,
		AccessFlag:     0x21,
	}
	ptrDescriptor, err := b.core.Alloc(SizeGuestClassDescriptor)
	if err != nil {
		return 0, err
	}
	if err := b.core.WriteBytes(ptrDescriptor, descriptor.Bytes()); err != nil {
		return 0, err
	}

	ptrVtable, err := b.writeVtableTable(vtable)
	if err != nil {
		return 0, err
	}

	vtableIndex := uint32(len(b.vtableTbl))
	b.vtableTbl = append(b.vtableTbl, ptrVtable)
	if err := b.publishVtableLocked(vtableIndex, ptrVtable); err != nil {
		return 0, err
	}

	class := GuestClass{
		PtrNext:       0,
		PtrDescriptor: ptrDescriptor,
		PtrVtable:     ptrVtable,
		VtableCount:   uint16(len(vtable)),
		UnkFlag:       8,
	}
	if err := b.core.WriteBytes(ptrClass, class.Bytes()); err != nil {
		return 0, err
	}

	b.classes[proto.Name] = ptrClass
	b.log.ClassBuilt(proto.Name, ptrClass, vtableIndex)

	return ptrClass, nil
}

func indexOf(entries []vtableEntry, name FullName) int {
	for i, e := range entries {
		if e.Name.Equal(name) {
			return i
		}
	}
	return -1
}

func methodsOf(entries []vtableEntry) []uint32 {
	out := make([]uint32, len(entries))
	for i, e := range entries {
		out[i] = e.Addr
	}
	return out
}

func (b *Bridge) writeNullTerminatedTable(addrs []uint32) (uint32, error) {
	base, err := b.core.Alloc(uint32(len(addrs)+1) * 4)
	if err != nil {
		return 0, err
	}
	for i, a := range addrs {
		if err := b.core.WriteU32(base+uint32(i)*4, a); err != nil {
			return 0, err
		}
	}
	if err := b.core.WriteU32(base+uint32(len(addrs))*4, 0); err != nil {
		return 0, err
	}
	return base, nil
}

func (b *Bridge) writeVtableTable(entries []vtableEntry) (uint32, error) {
	base, err := b.core.Alloc(uint32(len(entries)) * 4)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := b.core.WriteU32(base+uint32(i)*4, e.Addr); err != nil {
			return 0, err
		}
	}
	return base, nil
}

func (b *Bridge) buildFields(proto *ClassPrototype, ptrClass uint32) (uint32, uint16, error) {
	if len(proto.Fields) == 0 {
		return 0, 0, nil
	}
	var addrs []uint32
	var instanceIndex uint32
	for _, fp := range proto.Fields {
		ptrName, err := WriteFullName(b.core, FullName{Tag: 0, Name: fp.Name, Descriptor: fp.Descriptor})
		if err != nil {
			return 0, 0, err
		}
		var offsetOrValue uint32
		if fp.Access&AccStatic == 0 {
			offsetOrValue = instanceIndex * 4
			instanceIndex++
		} else {
			offsetOrValue = fp.StaticValue
		}
		gf := GuestField{AccessFlag: uint32(fp.Access), PtrClass: ptrClass, PtrName: ptrName, OffsetOrValue: offsetOrValue}
		ptrField, err := b.core.Alloc(SizeGuestField)
		if err != nil {
			return 0, 0, err
		}
		if err := b.core.WriteBytes(ptrField, gf.Bytes()); err != nil {
			return 0, 0, err
		}
		addrs = append(addrs, ptrField)
	}
	table, err := b.writeNullTerminatedTable(addrs)
	if err != nil {
		return 0, 0, err
	}
	return table, uint16(instanceIndex * 4), nil
}

// makeMethodTrampoline wraps a MethodBody as a core.NativeFunc. Per the
// vendor calling convention (§6), the argument-array pointer arrives in
// R1 with R0 = 0; this trampoline decodes that array generically as a
// flat []uint32 rather than by Java descriptor, since SPEC_FULL.md scopes
// typed decoding to the (out-of-scope) class library layer.
func (b *Bridge) makeMethodTrampoline(ptrClass uint32, body MethodBody) core.NativeFunc {
	return func(c *core.ArmCore) (core.CallResult, error) {
		ptrArgs, err := c.Arg(1)
		if err != nil {
			return core.CallResult{}, err
		}
		ptrThis, err := c.Arg(2)
		if err != nil {
			return core.CallResult{}, err
		}

		var args []Value
		if ptrArgs != 0 {
			for i := 0; ; i++ {
				word, err := c.ReadU32(ptrArgs + uint32(i)*4)
				if err != nil {
					break
				}
				if word == 0 && i > 0 {
					break
				}
				args = append(args, Int(word))
				if i > 64 {
					break
				}
			}
		}

		ctx := &Context{Bridge: b, Core: c}
		result, err := body(ctx, Object(ptrThis), args)
		if err != nil {
			return core.CallResult{}, err
		}
		return core.Value(result.Raw), nil
	}
}

// makeMethodTrampolineDirect wraps a MethodBody for non-native dispatch
// (§4.7: "call run_function(fn_body, [this, args...])"), the true AAPCS32
// convention rather than the native trampoline's argument-array pointer.
// `this` is argument 0; the declared arity sizes how many further
// positional arguments this reads.
func (b *Bridge) makeMethodTrampolineDirect(body MethodBody, arity int) core.NativeFunc {
	return func(c *core.ArmCore) (core.CallResult, error) {
		ptrThis, err := c.Arg(0)
		if err != nil {
			return core.CallResult{}, err
		}

		args := make([]Value, arity)
		for i := 0; i < arity; i++ {
			word, err := c.Arg(i + 1)
			if err != nil {
				return core.CallResult{}, err
			}
			args[i] = Int(word)
		}

		ctx := &Context{Bridge: b, Core: c}
		result, err := body(ctx, Object(ptrThis), args)
		if err != nil {
			return core.CallResult{}, err
		}
		return core.Value(result.Raw), nil
	}
}

// resolveClassLocked implements §4.6 class discovery; caller holds b.mu on
// entry and on return. The vendor fn_get_class fallback (step 4) is the one
// path that drops the lock partway through: it can run the emulator for a
// while, and singleflight needs callers to actually be able to race for
// coalescing to mean anything.
func (b *Bridge) resolveClassLocked(name string) (uint32, error) {
	if addr, ok := b.classes[name]; ok {
		return addr, nil
	}
	if strings.HasPrefix(name, "[") {
		return b.buildArrayClassLocked(name)
	}
	resolver := b.resolver
	if resolver == nil {
		return 0, &core.ClassNotFoundError{Name: name}
	}

	b.mu.Unlock()
	v, err, _ := b.resolveGroup.Do(name, func() (any, error) {
		addr, err := resolver(b.core, name)
		if err != nil {
			return uint32(0), err
		}
		if addr == 0 {
			return uint32(0), &core.ClassNotFoundError{Name: name}
		}
		return addr, nil
	})
	b.mu.Lock()
	if err != nil {
		return 0, err
	}
	addr := v.(uint32)
	b.classes[name] = addr
	return addr, nil
}

// ResolveClass is the public, locking entry point to §4.6 class
// discovery.
func (b *Bridge) ResolveClass(name string) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveClassLocked(name)
}

func (b *Bridge) buildArrayClassLocked(name string) (uint32, error) {
	elemName := strings.TrimPrefix(name, "[")

	var elemClass uint32
	if strings.HasPrefix(elemName, "[") || !isPrimitiveDescriptor(elemName) {
		addr, err := b.resolveClassLocked(elemName)
		if err != nil {
			return 0, err
		}
		elemClass = addr
	}

	objectClass, err := b.resolveClassLocked("java/lang/Object")
	if err != nil {
		return 0, err
	}

	ptrNameBlob, err := b.core.Alloc(uint32(len(name) + 1))
	if err != nil {
		return 0, err
	}
	if err := b.core.WriteCString(ptrNameBlob, name); err != nil {
		return 0, err
	}

	descriptor := GuestClassDescriptor{
		PtrName:                ptrNameBlob,
		PtrParentClass:         objectClass,
		PtrFieldsOrElementType: elemClass,
		AccessFlag:             0x21,
	}
	ptrDescriptor, err := b.core.Alloc(SizeGuestClassDescriptor)
	if err != nil {
		return 0, err
	}
	if err := b.core.WriteBytes(ptrDescriptor, descriptor.Bytes()); err != nil {
		return 0, err
	}

	class := GuestClass{PtrDescriptor: ptrDescriptor, UnkFlag: 8}
	ptrClass, err := b.core.Alloc(SizeGuestClass)
	if err != nil {
		return 0, err
	}
	if err := b.core.WriteBytes(ptrClass, class.Bytes()); err != nil {
		return 0, err
	}

	b.classes[name] = ptrClass
	return ptrClass, nil
}

func isPrimitiveDescriptor(d string) bool {
	if len(d) != 1 {
		return false
	}
	switch d[0] {
	case 'I', 'J', 'Z', 'B', 'C', 'S', 'F', 'D':
		return true
	}
	return false
}

// Instantiate allocates a GuestInstance of class ptrClass, writes the
// vtable-index prefix word ahead of its fields block, and invokes <init>.
func (b *Bridge) Instantiate(ptrClass uint32) (uint32, error) {
	class, err := readClass(b.core, ptrClass)
	if err != nil {
		return 0, err
	}

	index, err := b.globalVtableIndex(class.PtrVtable)
	if err != nil {
		return 0, err
	}

	descriptor, err := readDescriptor(b.core, class.PtrDescriptor)
	if err != nil {
		return 0, err
	}

	fieldsAddr, err := b.core.Alloc(4 + uint32(descriptor.FieldsSize))
	if err != nil {
		return 0, err
	}
	if err := b.core.WriteU32(fieldsAddr, VtableIndexPrefix(index)); err != nil {
		return 0, err
	}

	instance := GuestInstance{PtrFields: fieldsAddr + 4, PtrClass: ptrClass}
	ptrInstance, err := b.core.Alloc(SizeGuestInstance)
	if err != nil {
		return 0, err
	}
	if err := b.core.WriteBytes(ptrInstance, instance.Bytes()); err != nil {
		return 0, err
	}

	if _, err := b.InvokeVirtual(ptrInstance, "<init>", "()V", nil); err != nil {
		if _, ok := err.(*core.MethodNotFoundError); !ok {
			return 0, err
		}
	}

	return ptrInstance, nil
}

func (b *Bridge) globalVtableIndex(ptrVtable uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.vtableTbl {
		if v == ptrVtable {
			return uint32(i), nil
		}
	}
	idx := uint32(len(b.vtableTbl))
	b.vtableTbl = append(b.vtableTbl, ptrVtable)
	if err := b.publishVtableLocked(idx, ptrVtable); err != nil {
		return 0, err
	}
	return idx, nil
}

// SetVtablesBase records the guest address of the global vtable table the
// vendor's fn_init installed (InitParam2.ptr_vtables) so every vtable
// index this bridge hands out is mirrored there, letting client.bin
// dispatch by index the same way the §3 invariant describes. Entries
// already appended before this is called are backfilled immediately.
func (b *Bridge) SetVtablesBase(addr uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vtablesBase = addr
	for i, v := range b.vtableTbl {
		if err := b.publishVtableLocked(uint32(i), v); err != nil {
			return err
		}
	}
	return nil
}

// publishVtableLocked mirrors one global-vtable-table slot into guest
// memory, if a vendor-supplied base is installed. Caller holds b.mu.
func (b *Bridge) publishVtableLocked(index, ptrVtable uint32) error {
	if b.vtablesBase == 0 {
		return nil
	}
	return b.core.WriteU32(b.vtablesBase+index*4, ptrVtable)
}

// findMethod walks the class hierarchy looking for a GuestMethod whose
// FullName matches (name, descriptor) — §4.7 "host -> guest virtual
// invocation".
func (b *Bridge) findMethod(ptrClass uint32, name, descriptor string) (GuestMethod, error) {
	for ptrClass != 0 {
		class, err := readClass(b.core, ptrClass)
		if err != nil {
			return GuestMethod{}, err
		}
		desc, err := readDescriptor(b.core, class.PtrDescriptor)
		if err != nil {
			return GuestMethod{}, err
		}

		cursor := desc.PtrMethods
		for cursor != 0 {
			ptr, err := b.core.ReadU32(cursor)
			if err != nil {
				return GuestMethod{}, err
			}
			if ptr == 0 {
				break
			}
			m, err := readMethod(b.core, ptr)
			if err != nil {
				return GuestMethod{}, err
			}
			mn, err := ReadFullName(b.core, m.PtrName)
			if err != nil {
				return GuestMethod{}, err
			}
			if mn.Name == name && mn.Descriptor == descriptor {
				return m, nil
			}
			cursor += 4
		}

		ptrClass = desc.PtrParentClass
	}
	return GuestMethod{}, &core.MethodNotFoundError{Name: name, Descriptor: descriptor}
}

// InvokeVirtual is the host -> guest call gate (§4.7).
func (b *Bridge) InvokeVirtual(ptrInstance uint32, name, descriptor string, args []Value) (uint32, error) {
	instance, err := ParseGuestInstanceAt(b.core, ptrInstance)
	if err != nil {
		return 0, err
	}

	method, err := b.findMethod(instance.PtrClass, name, descriptor)
	if err != nil {
		return 0, err
	}

	native := method.AccessFlags&AccNative != 0
	if native {
		b.log.Dispatch(name, descriptor, true, method.FnBodyNativeOrETable)
		ptrArgs, err := b.writeArgArray(args)
		if err != nil {
			return 0, err
		}
		return b.core.RunFunction(method.FnBodyNativeOrETable, []uint32{0, ptrArgs, ptrInstance})
	}

	// Non-native dispatch is true AAPCS32 marshalling, `this` first, per
	// §4.7 — not the native trampoline's argument-array pointer scheme.
	b.log.Dispatch(name, descriptor, false, method.FnBody)
	callArgs := make([]uint32, 0, len(args)+1)
	callArgs = append(callArgs, ptrInstance)
	for _, a := range args {
		callArgs = append(callArgs, a.Raw)
	}
	return b.core.RunFunction(method.FnBody, callArgs)
}

func (b *Bridge) writeArgArray(args []Value) (uint32, error) {
	if len(args) == 0 {
		return 0, nil
	}
	addr, err := b.core.Alloc(uint32(len(args)) * 4)
	if err != nil {
		return 0, err
	}
	for i, a := range args {
		if err := b.core.WriteU32(addr+uint32(i)*4, a.Raw); err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// ParseGuestInstanceAt reads the GuestInstance header at ptr.
func ParseGuestInstanceAt(c *core.ArmCore, ptr uint32) (GuestInstance, error) {
	buf := make([]byte, SizeGuestInstance)
	if err := c.ReadBytes(ptr, buf); err != nil {
		return GuestInstance{}, err
	}
	return ParseGuestInstance(buf), nil
}

// GetField / PutField implement the §4.7 field accessors. No extra offset
// is added for the vtable-index prefix word: Instantiate already sets
// ptr_fields 4 bytes past it.
func (b *Bridge) GetField(ptrInstance uint32, fieldOffset uint32) (uint32, error) {
	instance, err := ParseGuestInstanceAt(b.core, ptrInstance)
	if err != nil {
		return 0, err
	}
	return b.core.ReadU32(instance.PtrFields + fieldOffset)
}

func (b *Bridge) PutField(ptrInstance uint32, fieldOffset, value uint32) error {
	instance, err := ParseGuestInstanceAt(b.core, ptrInstance)
	if err != nil {
		return err
	}
	return b.core.WriteU32(instance.PtrFields+fieldOffset, value)
}

// Identity returns the Bridge's session id as a UUID string.
func (b *Bridge) Identity() string { return b.id.String() }

// Scheduler returns the bridge's cooperative task scheduler.
func (b *Bridge) Scheduler() *Scheduler { return b.scheduler }

// Core returns the underlying ArmCore, for Bootstrap wiring that needs
// direct engine access alongside the bridge.
func (b *Bridge) Core() *core.ArmCore { return b.core }
