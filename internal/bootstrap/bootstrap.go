// Package bootstrap builds the structures client.bin expects, runs its
// initializer, installs interface vtables, and hands control to the
// application (SPEC_FULL.md §2 item 7 / §4.6-§4.7). It is the thinnest
// layer in the module: almost everything it does is delegate to cpu,
// core, jvm and stubs.
package bootstrap

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/cpu"
	"github.com/kwipi/wipi-ktf/internal/diag"
	"github.com/kwipi/wipi-ktf/internal/jvm"
	glog "github.com/kwipi/wipi-ktf/internal/log"
	"github.com/kwipi/wipi-ktf/internal/stubs"
	"github.com/kwipi/wipi-ktf/internal/trace"

	_ "github.com/kwipi/wipi-ktf/internal/stubs/cxxabi"
	_ "github.com/kwipi/wipi-ktf/internal/stubs/pthread"
)

// nativeABISymbols is the set of libc/pthread/cxxabi symbols client.bin's
// compiled support code may call through its import table.
var nativeABISymbols = []string{
	"malloc", "calloc", "realloc", "free",
	"memcpy", "memset", "memmove",
	"strlen", "strcmp", "strncmp", "strcpy", "strncpy",
	"_Znwj", "_Znaj", "_ZdlPv", "_ZdaPv",
	"gettimeofday", "clock_gettime", "time",

	"pthread_mutex_init", "pthread_mutex_destroy", "pthread_mutex_lock",
	"pthread_mutex_trylock", "pthread_mutex_unlock",
	"pthread_create", "pthread_join", "pthread_detach", "pthread_equal",
	"pthread_self", "sched_yield",

	"__cxa_throw", "__cxa_begin_catch", "__cxa_end_catch",
	"__cxa_allocate_exception", "__cxa_guard_acquire", "__cxa_guard_release",
	"__cxa_atexit", "__cxa_pure_virtual", "__gxx_personality_v0",
}

// Bootstrap owns one emulation session: the ARM engine, the JVM bridge
// over it, and the fault-diagnostic ring.
type Bootstrap struct {
	Core   *core.ArmCore
	Bridge *jvm.Bridge
	Log    *zap.Logger

	ring *trace.Ring
}

// New creates an engine, wraps it in an ArmCore, loads image at
// core.ImageBase, and wires a Bridge over it.
func New(image []byte, log *zap.Logger) (*Bootstrap, error) {
	if log == nil {
		log = zap.NewNop()
	}

	engine, err := cpu.NewUnicornEngine()
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	armCore, err := core.New(engine)
	if err != nil {
		return nil, fmt.Errorf("create core: %w", err)
	}

	if len(image) > 0 {
		if err := armCore.LoadImage(image); err != nil {
			return nil, fmt.Errorf("load image: %w", err)
		}
	}

	bridge := jvm.NewBridge(armCore, log)

	b := &Bootstrap{
		Core:   armCore,
		Bridge: bridge,
		Log:    log,
		ring:   trace.NewRing(256),
	}
	return b, nil
}

// InstallNativeABI registers the libc/pthread/cxxabi stub set plus the
// bridge's cooperative scheduler natives (task_schedule, task_sleep,
// task_yield), and returns each symbol's guest trampoline address keyed
// by name, so the caller can patch client.bin's import table.
func (b *Bootstrap) InstallNativeABI() (map[string]uint32, error) {
	addrs, err := stubs.Install(b.Core, nativeABISymbols)
	if err != nil {
		return nil, err
	}

	schedAddr, sleepAddr, yieldAddr, err := b.Bridge.Scheduler().RegisterTrampolines()
	if err != nil {
		return nil, fmt.Errorf("register scheduler trampolines: %w", err)
	}
	addrs["task_schedule"] = schedAddr
	addrs["task_sleep"] = sleepAddr
	addrs["task_yield"] = yieldAddr

	return addrs, nil
}

// RegisterObjectClass builds java/lang/Object: the one class every other
// prototype's parent chain must bottom out at. It has no methods or
// fields of its own; callers layer their own prototypes on top of it.
func (b *Bootstrap) RegisterObjectClass() (uint32, error) {
	return b.Bridge.BuildClass(&jvm.ClassPrototype{Name: "java/lang/Object"})
}

// RegisterClass materializes a host-defined ClassPrototype into guest
// memory via the bridge's builder.
func (b *Bootstrap) RegisterClass(proto *jvm.ClassPrototype) (uint32, error) {
	return b.Bridge.BuildClass(proto)
}

// Run hands control to entryAddr (client.bin's application entry point)
// with args and returns its result. It does not drain Thread.start()
// tasks the application scheduled; those run when the bridge's
// Scheduler() is drained.
func (b *Bootstrap) Run(entryAddr uint32, args []uint32) (uint32, error) {
	result, err := b.Core.RunFunction(entryAddr, args)
	if err != nil {
		report := diag.Build(b.Core, err, b.ring)
		glog.Wrap(b.Log).Fault("run_function failed", report.FaultAddr, report.Registers["pc"], report.Registers["lr"],
			zap.String("kind", report.FaultKind),
			zap.String("report", report.String()),
		)
		return 0, err
	}
	return result, nil
}

// Scheduler exposes the bridge's cooperative task scheduler, for a CLI
// that wants to drain background tasks after Run returns.
func (b *Bootstrap) Scheduler() *jvm.Scheduler { return b.Bridge.Scheduler() }

// Close releases the underlying engine.
func (b *Bootstrap) Close() error {
	return b.Core.Close()
}
