// Package diag builds the diagnostic fault report an emulation failure
// produces (SPEC_FULL.md §7): a formatted register dump, the synthetic
// call stack assembled from recent bridge/trampoline events, and the
// faulting address. The address is reported raw; it is not annotated
// with image offsets or native function names.
package diag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/cpu"
	"github.com/kwipi/wipi-ktf/internal/trace"
)

// Report is a rendered fault diagnosis.
type Report struct {
	Summary    string
	Registers  map[string]uint32
	CallStack  []string
	FaultAddr  uint32
	FaultKind  string
}

// Build renders a Report for err, which occurred while c was executing.
// ring supplies the recent-events backing the synthetic call stack; it
// may be nil.
func Build(c *core.ArmCore, err error, ring *trace.Ring) *Report {
	r := &Report{
		Summary: err.Error(),
		Registers: map[string]uint32{
			"r0": c.R(0), "r1": c.R(1), "r2": c.R(2), "r3": c.R(3),
			"r4": c.R(4), "r5": c.R(5), "r6": c.R(6), "r7": c.R(7),
			"sp": c.SP(), "lr": c.LR(), "pc": c.PC(),
		},
	}

	var memErr *cpu.InvalidMemoryAccessError
	var insnErr *cpu.UnknownInstructionError
	switch {
	case errors.As(err, &memErr):
		r.FaultKind = "invalid-memory-access"
		r.FaultAddr = memErr.Addr
	case errors.As(err, &insnErr):
		r.FaultKind = "unknown-instruction"
		r.FaultAddr = insnErr.PC
	default:
		r.FaultKind = "native-error"
		r.FaultAddr = c.PC()
	}

	if ring != nil {
		for _, e := range ring.Recent(16) {
			r.CallStack = append(r.CallStack, formatEvent(e))
		}
	}

	return r
}

func formatEvent(e *trace.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%#08x %s", e.PC, e.Name)
	if len(e.Tags) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(e.Tags.Strings(), " "))
	}
	if e.Detail != "" {
		b.WriteString(" ; ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// String renders the report the way a CLI would print it to stderr.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fault: %s (%s at %#08x)\n", r.Summary, r.FaultKind, r.FaultAddr)
	b.WriteString("registers:\n")
	for _, name := range []string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "sp", "lr", "pc"} {
		fmt.Fprintf(&b, "  %-3s %#08x\n", name, r.Registers[name])
	}
	if len(r.CallStack) > 0 {
		b.WriteString("call stack (most recent last):\n")
		for _, line := range r.CallStack {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}
