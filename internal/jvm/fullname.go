package jvm

import (
	"fmt"
	"strings"

	"github.com/kwipi/wipi-ktf/internal/core"
)

// FullName identifies a method or field: a tag byte plus (name,
// descriptor), serialized in guest memory as
// `tag, descriptor, '+', name, 0` (SPEC_FULL.md §3/§6/GLOSSARY).
type FullName struct {
	Tag        byte
	Name       string
	Descriptor string
}

// Bytes serializes the FullName the way the vendor runtime expects it.
func (f FullName) Bytes() []byte {
	var b strings.Builder
	b.WriteByte(f.Tag)
	b.WriteString(f.Descriptor)
	b.WriteByte('+')
	b.WriteString(f.Name)
	b.WriteByte(0)
	return []byte(b.String())
}

// Equal compares only (name, descriptor) — the tag is metadata, not part
// of method/field identity, matching the original runtime's equality.
func (f FullName) Equal(other FullName) bool {
	return f.Name == other.Name && f.Descriptor == other.Descriptor
}

func (f FullName) String() string {
	return fmt.Sprintf("%s+%s@%d", f.Descriptor, f.Name, f.Tag)
}

// descriptorArity counts the 32-bit argument slots a Java method
// descriptor's parameter list declares, e.g. "(ILjava/lang/String;)V" is
// 2. Used only to size the true-AAPCS argument read for non-native
// dispatch (§4.7); it does not decode argument types, which SPEC_FULL.md
// scopes to the out-of-scope class library layer.
func descriptorArity(descriptor string) int {
	open := strings.IndexByte(descriptor, '(')
	shut := strings.IndexByte(descriptor, ')')
	if open < 0 || shut < 0 || shut <= open {
		return 0
	}
	params := descriptor[open+1 : shut]

	n := 0
	for i := 0; i < len(params); i++ {
		switch params[i] {
		case '[':
			for i < len(params) && params[i] == '[' {
				i++
			}
			if i < len(params) && params[i] == 'L' {
				if semi := strings.IndexByte(params[i:], ';'); semi >= 0 {
					i += semi
				}
			}
			n++
		case 'J', 'D':
			n += 2
		case 'L':
			if semi := strings.IndexByte(params[i:], ';'); semi >= 0 {
				i += semi
			}
			n++
		default:
			n++
		}
	}
	return n
}

// ReadFullName parses a FullName serialized at ptr.
func ReadFullName(c *core.ArmCore, ptr uint32) (FullName, error) {
	tag, err := c.ReadU8(ptr)
	if err != nil {
		return FullName{}, err
	}
	raw, err := c.ReadCString(ptr + 1)
	if err != nil {
		return FullName{}, err
	}
	parts := strings.SplitN(raw, "+", 2)
	if len(parts) != 2 {
		return FullName{}, fmt.Errorf("malformed FullName at %#08x: %q", ptr, raw)
	}
	return FullName{Tag: tag, Descriptor: parts[0], Name: parts[1]}, nil
}

// WriteFullName allocates a blob for name and writes its serialized form,
// returning the blob's address.
func WriteFullName(c *core.ArmCore, name FullName) (uint32, error) {
	data := name.Bytes()
	addr, err := c.Alloc(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if err := c.WriteBytes(addr, data); err != nil {
		return 0, err
	}
	return addr, nil
}
