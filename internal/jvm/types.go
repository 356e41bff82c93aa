// Package jvm implements the in-guest JVM bridge: the data model for
// classes, methods, fields, vtables and instances described in
// SPEC_FULL.md §3/§6, a builder that materializes host ClassPrototypes
// into that layout, and the call gates (register_class, invoke, the
// native-method proxy, and exception propagation) that let code on either
// side of the ARM/Java boundary call into the other.
package jvm

import (
	"encoding/binary"

	"github.com/kwipi/wipi-ktf/internal/core"
)

// Exact little-endian layouts from SPEC_FULL.md §6. Every unk* field is
// written zero and never interpreted; its offset and size are preserved
// because a vendor binary may read across it.

const (
	SizeGuestClass           = 24
	SizeGuestClassDescriptor = 40
	// GuestMethod's enumerated field list (SPEC_FULL.md §6) sums to 28
	// bytes even though that section's header figure says 24; the field
	// list is treated as the binding wire contract (see DESIGN.md).
	SizeGuestMethod          = 28
	SizeGuestField           = 16
	SizeGuestInstance        = 8
	SizeExceptionHandlerFrame = 68
)

// GuestClass is the 24-byte on-guest class header.
type GuestClass struct {
	PtrNext       uint32
	Unk1          uint32
	PtrDescriptor uint32
	PtrVtable     uint32
	VtableCount   uint16
	UnkFlag       uint16 // always 8
}

func (g GuestClass) Bytes() []byte {
	buf := make([]byte, SizeGuestClass)
	binary.LittleEndian.PutUint32(buf[0:], g.PtrNext)
	binary.LittleEndian.PutUint32(buf[4:], g.Unk1)
	binary.LittleEndian.PutUint32(buf[8:], g.PtrDescriptor)
	binary.LittleEndian.PutUint32(buf[12:], g.PtrVtable)
	binary.LittleEndian.PutUint16(buf[16:], g.VtableCount)
	binary.LittleEndian.PutUint16(buf[18:], g.UnkFlag)
	return buf
}

func ParseGuestClass(buf []byte) GuestClass {
	return GuestClass{
		PtrNext:       binary.LittleEndian.Uint32(buf[0:]),
		Unk1:          binary.LittleEndian.Uint32(buf[4:]),
		PtrDescriptor: binary.LittleEndian.Uint32(buf[8:]),
		PtrVtable:     binary.LittleEndian.Uint32(buf[12:]),
		VtableCount:   binary.LittleEndian.Uint16(buf[16:]),
		UnkFlag:       binary.LittleEndian.Uint16(buf[18:]),
	}
}

// GuestClassDescriptor is the 40-byte descriptor owned by a GuestClass.
type GuestClassDescriptor struct {
	PtrName                 uint32
	Unk1                    uint32
	PtrParentClass          uint32
	PtrMethods              uint32
	PtrInterfaces           uint32
	PtrFieldsOrElementType  uint32
	MethodCount             uint16
	FieldsSize              uint16
	AccessFlag              uint16 // always 0x21
	Unk2, Unk3, Unk4        uint16
}

func (d GuestClassDescriptor) Bytes() []byte {
	buf := make([]byte, SizeGuestClassDescriptor)
	binary.LittleEndian.PutUint32(buf[0:], d.PtrName)
	binary.LittleEndian.PutUint32(buf[4:], d.Unk1)
	binary.LittleEndian.PutUint32(buf[8:], d.PtrParentClass)
	binary.LittleEndian.PutUint32(buf[12:], d.PtrMethods)
	binary.LittleEndian.PutUint32(buf[16:], d.PtrInterfaces)
	binary.LittleEndian.PutUint32(buf[20:], d.PtrFieldsOrElementType)
	binary.LittleEndian.PutUint16(buf[24:], d.MethodCount)
	binary.LittleEndian.PutUint16(buf[26:], d.FieldsSize)
	binary.LittleEndian.PutUint16(buf[28:], d.AccessFlag)
	binary.LittleEndian.PutUint16(buf[30:], d.Unk2)
	binary.LittleEndian.PutUint16(buf[32:], d.Unk3)
	binary.LittleEndian.PutUint16(buf[34:], d.Unk4)
	return buf
}

func ParseGuestClassDescriptor(buf []byte) GuestClassDescriptor {
	return GuestClassDescriptor{
		PtrName:                binary.LittleEndian.Uint32(buf[0:]),
		Unk1:                   binary.LittleEndian.Uint32(buf[4:]),
		PtrParentClass:         binary.LittleEndian.Uint32(buf[8:]),
		PtrMethods:             binary.LittleEndian.Uint32(buf[12:]),
		PtrInterfaces:          binary.LittleEndian.Uint32(buf[16:]),
		PtrFieldsOrElementType: binary.LittleEndian.Uint32(buf[20:]),
		MethodCount:            binary.LittleEndian.Uint16(buf[24:]),
		FieldsSize:             binary.LittleEndian.Uint16(buf[26:]),
		AccessFlag:             binary.LittleEndian.Uint16(buf[28:]),
		Unk2:                   binary.LittleEndian.Uint16(buf[30:]),
		Unk3:                   binary.LittleEndian.Uint16(buf[32:]),
		Unk4:                   binary.LittleEndian.Uint16(buf[34:]),
	}
}

// Access flags (subset relevant to the bridge; full set is a class-library
// concern).
const (
	AccStatic uint16 = 1 << 3
	AccNative uint16 = 1 << 8
)

// GuestMethod is the 28-byte method record owned by a descriptor.
type GuestMethod struct {
	FnBody                 uint32
	PtrClass               uint32
	FnBodyNativeOrETable   uint32
	PtrName                uint32
	ETableCount            uint16
	Unk                    uint16
	IndexInVtable          uint16
	AccessFlags            uint16
	Unk2                   uint32
}

func (m GuestMethod) Bytes() []byte {
	buf := make([]byte, SizeGuestMethod)
	binary.LittleEndian.PutUint32(buf[0:], m.FnBody)
	binary.LittleEndian.PutUint32(buf[4:], m.PtrClass)
	binary.LittleEndian.PutUint32(buf[8:], m.FnBodyNativeOrETable)
	binary.LittleEndian.PutUint32(buf[12:], m.PtrName)
	binary.LittleEndian.PutUint16(buf[16:], m.ETableCount)
	binary.LittleEndian.PutUint16(buf[18:], m.Unk)
	binary.LittleEndian.PutUint16(buf[20:], m.IndexInVtable)
	binary.LittleEndian.PutUint16(buf[22:], m.AccessFlags)
	binary.LittleEndian.PutUint32(buf[24:], m.Unk2)
	return buf
}

func ParseGuestMethod(buf []byte) GuestMethod {
	return GuestMethod{
		FnBody:               binary.LittleEndian.Uint32(buf[0:]),
		PtrClass:             binary.LittleEndian.Uint32(buf[4:]),
		FnBodyNativeOrETable: binary.LittleEndian.Uint32(buf[8:]),
		PtrName:              binary.LittleEndian.Uint32(buf[12:]),
		ETableCount:          binary.LittleEndian.Uint16(buf[16:]),
		Unk:                  binary.LittleEndian.Uint16(buf[18:]),
		IndexInVtable:        binary.LittleEndian.Uint16(buf[20:]),
		AccessFlags:          binary.LittleEndian.Uint16(buf[22:]),
		Unk2:                 binary.LittleEndian.Uint32(buf[24:]),
	}
}

// GuestField is the 16-byte field record owned by a descriptor.
type GuestField struct {
	AccessFlag    uint32
	PtrClass      uint32
	PtrName       uint32
	OffsetOrValue uint32
}

func (f GuestField) Bytes() []byte {
	buf := make([]byte, SizeGuestField)
	binary.LittleEndian.PutUint32(buf[0:], f.AccessFlag)
	binary.LittleEndian.PutUint32(buf[4:], f.PtrClass)
	binary.LittleEndian.PutUint32(buf[8:], f.PtrName)
	binary.LittleEndian.PutUint32(buf[12:], f.OffsetOrValue)
	return buf
}

func ParseGuestField(buf []byte) GuestField {
	return GuestField{
		AccessFlag:    binary.LittleEndian.Uint32(buf[0:]),
		PtrClass:      binary.LittleEndian.Uint32(buf[4:]),
		PtrName:       binary.LittleEndian.Uint32(buf[8:]),
		OffsetOrValue: binary.LittleEndian.Uint32(buf[12:]),
	}
}

// GuestInstance is the 8-byte instance header; ptr_fields points 4 bytes
// past the vtable-index prefix word (see VtableIndexPrefix).
type GuestInstance struct {
	PtrFields uint32
	PtrClass  uint32
}

func (i GuestInstance) Bytes() []byte {
	buf := make([]byte, SizeGuestInstance)
	binary.LittleEndian.PutUint32(buf[0:], i.PtrFields)
	binary.LittleEndian.PutUint32(buf[4:], i.PtrClass)
	return buf
}

func ParseGuestInstance(buf []byte) GuestInstance {
	return GuestInstance{
		PtrFields: binary.LittleEndian.Uint32(buf[0:]),
		PtrClass:  binary.LittleEndian.Uint32(buf[4:]),
	}
}

// VtableIndexPrefix encodes a vtable index the way the vendor layout
// expects it stored ahead of an instance's field block: multiplied by 4,
// then left-shifted by 5; the reader shifts right by 5 and divides by 4
// to recover the index (SPEC_FULL.md §3 invariant, §8 testable property).
func VtableIndexPrefix(index uint32) uint32 { return (index * 4) << 5 }

// VtableIndexFromPrefix inverts VtableIndexPrefix.
func VtableIndexFromPrefix(prefix uint32) uint32 { return (prefix >> 5) / 4 }

// ExceptionHandlerFrame is the 68-byte linked-list node the vendor runtime
// maintains; head pointer lives at the PEB's exception-handler slot.
type ExceptionHandlerFrame struct {
	PtrMethod     uint32
	PtrThis       uint32
	PtrOldHandler uint32
	CurrentPC     uint32
	PtrFunctions  uint32
	SavedRegs     [11]uint32
}

func (f ExceptionHandlerFrame) Bytes() []byte {
	buf := make([]byte, SizeExceptionHandlerFrame)
	binary.LittleEndian.PutUint32(buf[0:], f.PtrMethod)
	binary.LittleEndian.PutUint32(buf[4:], f.PtrThis)
	binary.LittleEndian.PutUint32(buf[8:], f.PtrOldHandler)
	binary.LittleEndian.PutUint32(buf[12:], f.CurrentPC)
	binary.LittleEndian.PutUint32(buf[16:], f.PtrFunctions)
	for i, r := range f.SavedRegs {
		binary.LittleEndian.PutUint32(buf[20+4*i:], r)
	}
	return buf
}

func ParseExceptionHandlerFrame(buf []byte) ExceptionHandlerFrame {
	var f ExceptionHandlerFrame
	f.PtrMethod = binary.LittleEndian.Uint32(buf[0:])
	f.PtrThis = binary.LittleEndian.Uint32(buf[4:])
	f.PtrOldHandler = binary.LittleEndian.Uint32(buf[8:])
	f.CurrentPC = binary.LittleEndian.Uint32(buf[12:])
	f.PtrFunctions = binary.LittleEndian.Uint32(buf[16:])
	for i := range f.SavedRegs {
		f.SavedRegs[i] = binary.LittleEndian.Uint32(buf[20+4*i:])
	}
	return f
}

// ExceptionTableEntry is one (from_pc, to_pc, target_pc, class-or-zero)
// row of a method's exception table.
type ExceptionTableEntry struct {
	FromPC, ToPC, TargetPC uint32
	PtrClassOrZero         uint32
}

// readClass/writeClass/readDescriptor etc. are small helpers shared by the
// builder and the call gates.

func readClass(c *core.ArmCore, addr uint32) (GuestClass, error) {
	buf := make([]byte, SizeGuestClass)
	if err := c.ReadBytes(addr, buf); err != nil {
		return GuestClass{}, err
	}
	return ParseGuestClass(buf), nil
}

func readDescriptor(c *core.ArmCore, addr uint32) (GuestClassDescriptor, error) {
	buf := make([]byte, SizeGuestClassDescriptor)
	if err := c.ReadBytes(addr, buf); err != nil {
		return GuestClassDescriptor{}, err
	}
	return ParseGuestClassDescriptor(buf), nil
}

func readMethod(c *core.ArmCore, addr uint32) (GuestMethod, error) {
	buf := make([]byte, SizeGuestMethod)
	if err := c.ReadBytes(addr, buf); err != nil {
		return GuestMethod{}, err
	}
	return ParseGuestMethod(buf), nil
}
