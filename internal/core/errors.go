package core

import "fmt"

// ClassNotFoundError means class resolution exhausted host prototypes and
// the vendor loader returned 0.
type ClassNotFoundError struct {
	Name string
}

func (e *ClassNotFoundError) Error() string {
	return fmt.Sprintf("class not found: %s", e.Name)
}

// MethodNotFoundError is recoverable only when the caller is the exception
// handler walking a chain; otherwise it is fatal.
type MethodNotFoundError struct {
	Class, Name, Descriptor string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s::%s%s", e.Class, e.Name, e.Descriptor)
}

// JavaExceptionError wraps a guest exception instance that escaped every
// installed handler frame.
type JavaExceptionError struct {
	Instance uint32
	Message  string
}

func (e *JavaExceptionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("uncaught java exception at %#08x: %s", e.Instance, e.Message)
	}
	return fmt.Sprintf("uncaught java exception at %#08x", e.Instance)
}

// UnimplementedError reports a stubbed vendor API call. Fatal by default,
// overridable per-API to log-and-return-zero by the stub registry.
type UnimplementedError struct {
	API string
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("unimplemented vendor api: %s", e.API)
}

// UnknownTrampolineError means execution landed inside the trampoline page
// at an address with no registered coroutine — a corrupt function table.
type UnknownTrampolineError struct {
	Addr uint32
}

func (e *UnknownTrampolineError) Error() string {
	return fmt.Sprintf("no trampoline registered at %#08x", e.Addr)
}
