package jvm

import (
	"github.com/kwipi/wipi-ktf/internal/core"
)

// handleNativeError is installed as ArmCore.OnNativeError. It implements
// §4.8 exception-handler-chain walking: when a MethodBody or native stub
// returns an error carrying a thrown instance, walk the linked
// ExceptionHandlerFrame chain rooted at the PEB's handler slot looking for
// a frame whose exception table covers the faulting PC with a matching
// (or wildcard) class. On a match, the saved-register block is written
// back to guest memory and control is tail-called into the vendor's own
// restore_context helper (read from frame.PtrFunctions+4), which is the
// code that actually knows how to resume guest execution at target_pc —
// this bridge never jumps there directly. Every frame the walk steps past,
// matched or not, is unlinked from the PEB chain as it goes. No match at
// all escalates to a JavaExceptionError.
func (b *Bridge) handleNativeError(c *core.ArmCore, err error) (core.CallResult, bool, error) {
	thrown, ok := err.(*ThrownError)
	if !ok {
		return core.CallResult{}, false, err
	}

	headPtr := core.PebBase + core.PebExceptionHandlerOffset
	head, rerr := c.ReadU32(headPtr)
	if rerr != nil {
		return core.CallResult{}, false, rerr
	}

	for head != 0 {
		buf := make([]byte, SizeExceptionHandlerFrame)
		if rerr := c.ReadBytes(head, buf); rerr != nil {
			return core.CallResult{}, false, rerr
		}
		frame := ParseExceptionHandlerFrame(buf)

		// Unlink this frame from the PEB chain before deciding whether it
		// matches: a non-matching walk must not leave the chain pointing
		// at frames already inspected.
		if werr := c.WriteU32(headPtr, frame.PtrOldHandler); werr != nil {
			return core.CallResult{}, false, werr
		}

		entry, found, rerr := b.matchExceptionTable(frame, thrown)
		if rerr != nil {
			return core.CallResult{}, false, rerr
		}
		if found {
			restoreContext, rerr := c.ReadU32(frame.PtrFunctions + 4)
			if rerr != nil {
				return core.CallResult{}, false, rerr
			}
			savedRegsPtr, aerr := c.Alloc(uint32(len(frame.SavedRegs)) * 4)
			if aerr != nil {
				return core.CallResult{}, false, aerr
			}
			for i, r := range frame.SavedRegs {
				if werr := c.WriteU32(savedRegsPtr+uint32(i)*4, r); werr != nil {
					return core.CallResult{}, false, werr
				}
			}
			return core.TailCall(restoreContext, []uint32{savedRegsPtr, entry.TargetPC}), true, nil
		}

		head = frame.PtrOldHandler
	}

	return core.CallResult{}, false, &core.JavaExceptionError{Instance: thrown.Instance, Message: thrown.Message}
}

// matchExceptionTable scans the throwing method's exception table for an
// entry whose [from_pc, to_pc) range covers frame.CurrentPC and whose
// class is either zero (catch-all) or a superclass of the thrown
// instance's class.
func (b *Bridge) matchExceptionTable(frame ExceptionHandlerFrame, thrown *ThrownError) (ExceptionTableEntry, bool, error) {
	if frame.PtrMethod == 0 {
		return ExceptionTableEntry{}, false, nil
	}
	method, err := readMethod(b.core, frame.PtrMethod)
	if err != nil {
		return ExceptionTableEntry{}, false, err
	}
	if method.ETableCount == 0 || method.FnBodyNativeOrETable == 0 {
		return ExceptionTableEntry{}, false, nil
	}

	base := method.FnBodyNativeOrETable
	for i := uint16(0); i < method.ETableCount; i++ {
		off := base + uint32(i)*16
		fromPC, err := b.core.ReadU32(off)
		if err != nil {
			return ExceptionTableEntry{}, false, err
		}
		toPC, err := b.core.ReadU32(off + 4)
		if err != nil {
			return ExceptionTableEntry{}, false, err
		}
		targetPC, err := b.core.ReadU32(off + 8)
		if err != nil {
			return ExceptionTableEntry{}, false, err
		}
		ptrClass, err := b.core.ReadU32(off + 12)
		if err != nil {
			return ExceptionTableEntry{}, false, err
		}

		if frame.CurrentPC < fromPC || frame.CurrentPC >= toPC {
			continue
		}
		if ptrClass == 0 || b.isAssignable(thrown.Class, ptrClass) {
			return ExceptionTableEntry{FromPC: fromPC, ToPC: toPC, TargetPC: targetPC, PtrClassOrZero: ptrClass}, true, nil
		}
	}
	return ExceptionTableEntry{}, false, nil
}

// isAssignable reports whether catchClass is instanceClass or one of
// instanceClass's ancestors.
func (b *Bridge) isAssignable(instanceClass, catchClass uint32) bool {
	for instanceClass != 0 {
		if instanceClass == catchClass {
			return true
		}
		class, err := readClass(b.core, instanceClass)
		if err != nil {
			return false
		}
		descriptor, err := readDescriptor(b.core, class.PtrDescriptor)
		if err != nil {
			return false
		}
		instanceClass = descriptor.PtrParentClass
	}
	return false
}

// ThrownError is how a MethodBody signals a Java-level throw to the
// bridge; returning one from a method body triggers exception-handler
// chain walking instead of aborting RunFunction outright.
type ThrownError struct {
	Instance uint32
	Class    uint32
	Message  string
}

func (e *ThrownError) Error() string {
	if e.Message != "" {
		return "java exception: " + e.Message
	}
	return "java exception"
}

// Throw builds a ThrownError for a GuestInstance, resolving its class
// from the instance header.
func (b *Bridge) Throw(ptrInstance uint32, message string) (*ThrownError, error) {
	instance, err := ParseGuestInstanceAt(b.core, ptrInstance)
	if err != nil {
		return nil, err
	}
	return &ThrownError{Instance: ptrInstance, Class: instance.PtrClass, Message: message}, nil
}
