// Package cxxabi provides native-ABI stubs for the Itanium C++ ABI
// functions client.bin's compiled C++ runtime support code expects:
// exception plumbing, static-init guards, and RTTI helpers. None of this
// drives Java-level exception propagation (see internal/jvm's
// ExceptionHandlerFrame chain for that); a thrown C++ exception here
// simply aborts the enclosing RunFunction, since no compiled client.bin
// in this domain is expected to rely on C++ try/catch across the
// boundary.
package cxxabi

import (
	"fmt"
	"sync"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/stubs"
)

var (
	guardState   = make(map[uint32]bool)
	guardStateMu sync.Mutex
)

func init() {
	stubs.RegisterFunc("cxxabi", "__cxa_throw", stubCxaThrow)
	stubs.RegisterFunc("cxxabi", "__cxa_rethrow", stubCxaRethrow)
	stubs.RegisterFunc("cxxabi", "__cxa_begin_catch", stubCxaBeginCatch)
	stubs.RegisterFunc("cxxabi", "__cxa_end_catch", stubCxaEndCatch)
	stubs.RegisterFunc("cxxabi", "__cxa_allocate_exception", stubCxaAllocateException)
	stubs.RegisterFunc("cxxabi", "__cxa_free_exception", stubCxaFreeException)
	stubs.RegisterFunc("cxxabi", "__cxa_get_exception_ptr", stubCxaGetExceptionPtr)
	stubs.RegisterFunc("cxxabi", "__cxa_current_exception_type", stubCxaCurrentExceptionType)
	stubs.RegisterFunc("cxxabi", "__cxa_call_unexpected", stubCxaCallUnexpected)
	stubs.RegisterFunc("cxxabi", "__cxa_bad_cast", stubCxaBadCast)
	stubs.RegisterFunc("cxxabi", "__cxa_bad_typeid", stubCxaBadTypeid)

	stubs.RegisterFunc("cxxabi", "__cxa_guard_acquire", stubCxaGuardAcquire)
	stubs.RegisterFunc("cxxabi", "__cxa_guard_release", stubCxaGuardRelease)
	stubs.RegisterFunc("cxxabi", "__cxa_guard_abort", stubCxaGuardAbort)

	stubs.RegisterFunc("cxxabi", "__cxa_atexit", stubCxaAtexit)
	stubs.RegisterFunc("cxxabi", "__cxa_finalize", stubCxaFinalize)
	stubs.RegisterFunc("cxxabi", "__cxa_thread_atexit", stubCxaThreadAtexit, "__cxa_thread_atexit_impl")

	stubs.RegisterFunc("cxxabi", "__cxa_pure_virtual", stubCxaPureVirtual)
	stubs.RegisterFunc("cxxabi", "__cxa_deleted_virtual", stubCxaDeletedVirtual)

	stubs.RegisterFunc("cxxabi", "__gxx_personality_v0", stubGxxPersonality)
	stubs.RegisterFunc("cxxabi", "_Unwind_Resume", stubUnwindResume)
	stubs.RegisterFunc("cxxabi", "_Unwind_RaiseException", stubUnwindRaiseException)
	stubs.RegisterFunc("cxxabi", "_Unwind_DeleteException", stubUnwindDeleteException)
	stubs.RegisterFunc("cxxabi", "_Unwind_GetLanguageSpecificData", stubUnwindGetLSDA)
	stubs.RegisterFunc("cxxabi", "_Unwind_GetRegionStart", stubUnwindGetRegionStart)
	stubs.RegisterFunc("cxxabi", "_Unwind_SetGR", stubUnwindSetGR)
	stubs.RegisterFunc("cxxabi", "_Unwind_SetIP", stubUnwindSetIP)
	stubs.RegisterFunc("cxxabi", "_Unwind_GetIP", stubUnwindGetIP)

	stubs.RegisterFunc("cxxabi", "__dynamic_cast", stubDynamicCast)
}

// cxxException reports an uncaught C++-level throw; RunFunction
// propagates it as a fatal error since no caller installs an
// OnNativeError handler for it (only JVM throws are recoverable).
type cxxException struct {
	ptr uint32
}

func (e *cxxException) Error() string {
	return fmt.Sprintf("uncaught c++ exception at %#08x", e.ptr)
}

func stubCxaThrow(c *core.ArmCore) (core.CallResult, error) {
	ptr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.CallResult{}, &cxxException{ptr: ptr}
}

func stubCxaRethrow(c *core.ArmCore) (core.CallResult, error) {
	return core.CallResult{}, &cxxException{}
}

func stubCxaBeginCatch(c *core.ArmCore) (core.CallResult, error) {
	ptr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(ptr), nil
}

func stubCxaEndCatch(c *core.ArmCore) (core.CallResult, error) { return core.Void(), nil }

func stubCxaAllocateException(c *core.ArmCore) (core.CallResult, error) {
	size, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	if size == 0 {
		size = 64
	}
	ptr, err := c.Alloc(size + 128)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(ptr), nil
}

func stubCxaFreeException(c *core.ArmCore) (core.CallResult, error) { return core.Void(), nil }

func stubCxaGetExceptionPtr(c *core.ArmCore) (core.CallResult, error) {
	ptr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(ptr), nil
}

func stubCxaCurrentExceptionType(c *core.ArmCore) (core.CallResult, error) {
	return core.Value(0), nil
}

func stubCxaCallUnexpected(c *core.ArmCore) (core.CallResult, error) {
	return core.CallResult{}, &cxxException{}
}

func stubCxaBadCast(c *core.ArmCore) (core.CallResult, error) {
	return core.CallResult{}, &cxxException{}
}

func stubCxaBadTypeid(c *core.ArmCore) (core.CallResult, error) {
	return core.CallResult{}, &cxxException{}
}

func stubCxaGuardAcquire(c *core.ArmCore) (core.CallResult, error) {
	guardPtr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	guardStateMu.Lock()
	initialized := guardState[guardPtr]
	guardStateMu.Unlock()
	if initialized {
		return core.Value(0), nil
	}
	return core.Value(1), nil
}

func stubCxaGuardRelease(c *core.ArmCore) (core.CallResult, error) {
	guardPtr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	guardStateMu.Lock()
	guardState[guardPtr] = true
	guardStateMu.Unlock()
	return core.Void(), nil
}

func stubCxaGuardAbort(c *core.ArmCore) (core.CallResult, error) { return core.Void(), nil }

func stubCxaAtexit(c *core.ArmCore) (core.CallResult, error)       { return core.Value(0), nil }
func stubCxaFinalize(c *core.ArmCore) (core.CallResult, error)     { return core.Void(), nil }
func stubCxaThreadAtexit(c *core.ArmCore) (core.CallResult, error) { return core.Value(0), nil }

func stubCxaPureVirtual(c *core.ArmCore) (core.CallResult, error) {
	return core.CallResult{}, fmt.Errorf("pure virtual call")
}

func stubCxaDeletedVirtual(c *core.ArmCore) (core.CallResult, error) {
	return core.CallResult{}, fmt.Errorf("deleted virtual call")
}

func stubGxxPersonality(c *core.ArmCore) (core.CallResult, error) {
	return core.Value(8), nil // _URC_CONTINUE_UNWIND
}

func stubUnwindResume(c *core.ArmCore) (core.CallResult, error) {
	return core.CallResult{}, &cxxException{}
}

func stubUnwindRaiseException(c *core.ArmCore) (core.CallResult, error) {
	return core.Value(5), nil // _URC_END_OF_STACK
}

func stubUnwindDeleteException(c *core.ArmCore) (core.CallResult, error) { return core.Void(), nil }
func stubUnwindGetLSDA(c *core.ArmCore) (core.CallResult, error)         { return core.Value(0), nil }
func stubUnwindGetRegionStart(c *core.ArmCore) (core.CallResult, error)  { return core.Value(0), nil }
func stubUnwindSetGR(c *core.ArmCore) (core.CallResult, error)           { return core.Void(), nil }
func stubUnwindSetIP(c *core.ArmCore) (core.CallResult, error)           { return core.Void(), nil }

func stubUnwindGetIP(c *core.ArmCore) (core.CallResult, error) {
	return core.Value(c.PC()), nil
}

func stubDynamicCast(c *core.ArmCore) (core.CallResult, error) {
	src, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	return core.Value(src), nil
}

// ClearGuardState resets all static-initialization guard state, for
// tests that run the same client.bin image more than once.
func ClearGuardState() {
	guardStateMu.Lock()
	guardState = make(map[uint32]bool)
	guardStateMu.Unlock()
}
