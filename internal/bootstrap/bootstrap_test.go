package bootstrap

import (
	"testing"

	"go.uber.org/zap"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/jvm"
)

func TestBootstrapRunsTrivialEntry(t *testing.T) {
	image := make([]byte, 0x10)
	image[0], image[1] = 0x70, 0x47 // THUMB `BX LR`

	b, err := New(image, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if _, err := b.InstallNativeABI(); err != nil {
		t.Fatalf("InstallNativeABI: %v", err)
	}
	if _, err := b.RegisterObjectClass(); err != nil {
		t.Fatalf("RegisterObjectClass: %v", err)
	}

	entry := core.ImageBase | 1 // THUMB entry
	if _, err := b.Run(entry, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBootstrapRegisterClassExtendsObject(t *testing.T) {
	b, err := New(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if _, err := b.RegisterObjectClass(); err != nil {
		t.Fatalf("RegisterObjectClass: %v", err)
	}

	addr, err := b.RegisterClass(&jvm.ClassPrototype{Name: "Foo", ParentName: "java/lang/Object"})
	if err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}
	if addr == 0 {
		t.Fatal("RegisterClass returned a null class address")
	}
}

func TestBootstrapSchedulerExposed(t *testing.T) {
	b, err := New(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if b.Scheduler() == nil {
		t.Fatal("Scheduler() returned nil")
	}
}
