// Package stubs provides a registry for self-registering native-ABI hook
// implementations (libc, pthread, C++ exception unwinding) that a
// vendor client.bin may call into. Each sub-package uses init() to
// register its hooks, keeping libc/pthread/cxxabi concerns separate.
package stubs

import (
	"fmt"
	"sync"

	"github.com/kwipi/wipi-ktf/internal/core"
	glog "github.com/kwipi/wipi-ktf/internal/log"
	"go.uber.org/zap"
)

// HookFunc is a native-ABI stub body: it reads its arguments via
// c.Arg(n) and returns the CallResult the trampoline should write back.
type HookFunc func(c *core.ArmCore) (core.CallResult, error)

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // symbol name (e.g. "malloc", "pthread_create")
	Aliases  []string // alternative symbol names
	Hook     HookFunc
	Category string // for logging: "libc", "pthread", "cxxabi"
}

// Registry holds all registered stub definitions, keyed by symbol name.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]*StubDef)}
}

// Register adds a stub definition to the registry. Called from init()
// functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{Name: name, Aliases: aliases, Hook: hook, Category: category})
}

// Install registers every stub named in wanted as an ArmCore trampoline
// and returns each symbol's guest address, for a Bootstrap to patch into
// client.bin's import table or PEB function pointers. Names in wanted
// with no matching stub are skipped silently unless InstallFallbacks is
// set, in which case a zero-returning fallback is registered instead.
func (r *Registry) Install(c *core.ArmCore, wanted []string) (map[string]uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]uint32, len(wanted))
	for _, name := range wanted {
		def, ok := r.stubs[name]
		if !ok {
			if !InstallFallbacks {
				continue
			}
			addr, err := c.RegisterFunction(fallbackHook(name))
			if err != nil {
				return nil, err
			}
			out[name] = addr
			if glog.L != nil {
				glog.L.StubFallback(name)
			}
			continue
		}

		addr, err := c.RegisterFunction(core.NativeFunc(def.Hook))
		if err != nil {
			return nil, err
		}
		out[name] = addr
		if glog.L != nil {
			glog.L.StubInstall(def.Category, name, addr, "registry")
		}
	}
	return out, nil
}

func fallbackHook(name string) core.NativeFunc {
	return func(c *core.ArmCore) (core.CallResult, error) {
		if glog.L != nil {
			glog.L.Debug("unstubbed native call", zap.String("fn", name))
		}
		return core.Value(0), nil
	}
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	seen := make(map[string]bool)
	for name, def := range r.stubs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, name)
	}
	return names
}

// InstallFallbacks enables fallback stubs for unstubbed wanted symbols.
// When true, unknown names get a stub that logs and returns 0.
var InstallFallbacks = true

// Register adds a stub to the default registry.
func Register(def StubDef) { DefaultRegistry.Register(def) }

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Install hooks wanted symbols from the default registry.
func Install(c *core.ArmCore, wanted []string) (map[string]uint32, error) {
	return DefaultRegistry.Install(c, wanted)
}

// FormatHex formats a value as a hex string.
func FormatHex(v uint32) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

