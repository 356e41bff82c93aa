package bootstrap

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kwipi/wipi-ktf/internal/jvm"
)

// catalogEntry is the YAML shape of one class in a class catalog
// manifest. It covers shape-only classes (fields, parent, interfaces);
// a catalog cannot express MethodProto.Body, so any method a catalog
// class declares is assumed to resolve through client.bin's own
// implementation rather than a host-provided body.
type catalogEntry struct {
	Name       string          `yaml:"name"`
	Parent     string          `yaml:"parent"`
	Interfaces []string        `yaml:"interfaces"`
	Fields     []catalogField  `yaml:"fields"`
	Methods    []catalogMethod `yaml:"methods"`
}

type catalogField struct {
	Name        string `yaml:"name"`
	Descriptor  string `yaml:"descriptor"`
	Access      uint16 `yaml:"access"`
	StaticValue uint32 `yaml:"staticValue"`
}

type catalogMethod struct {
	Name       string `yaml:"name"`
	Descriptor string `yaml:"descriptor"`
	Access     uint16 `yaml:"access"`
}

// ParseClassCatalog decodes a YAML class catalog into ClassPrototypes,
// in file order. A class's parent must appear earlier in the same
// catalog (or already be registered, e.g. java/lang/Object) since
// RegisterClassCatalog feeds entries to the bridge one at a time in
// that order.
func ParseClassCatalog(data []byte) ([]*jvm.ClassPrototype, error) {
	var entries []catalogEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse class catalog: %w", err)
	}

	protos := make([]*jvm.ClassPrototype, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("parse class catalog: entry with empty name")
		}
		proto := &jvm.ClassPrototype{
			Name:       e.Name,
			ParentName: e.Parent,
			Interfaces: e.Interfaces,
		}
		for _, f := range e.Fields {
			proto.Fields = append(proto.Fields, jvm.FieldProto{
				Name:        f.Name,
				Descriptor:  f.Descriptor,
				Access:      f.Access,
				StaticValue: f.StaticValue,
			})
		}
		for _, m := range e.Methods {
			proto.Methods = append(proto.Methods, jvm.MethodProto{
				Name:       m.Name,
				Descriptor: m.Descriptor,
				Access:     m.Access,
			})
		}
		protos = append(protos, proto)
	}
	return protos, nil
}

// RegisterClassCatalog parses a YAML class catalog and builds every
// class it names, in file order, returning each class's guest address
// keyed by name.
func (b *Bootstrap) RegisterClassCatalog(data []byte) (map[string]uint32, error) {
	protos, err := ParseClassCatalog(data)
	if err != nil {
		return nil, err
	}

	addrs := make(map[string]uint32, len(protos))
	for _, proto := range protos {
		addr, err := b.RegisterClass(proto)
		if err != nil {
			return nil, fmt.Errorf("register class %s: %w", proto.Name, err)
		}
		addrs[proto.Name] = addr
	}
	return addrs, nil
}
