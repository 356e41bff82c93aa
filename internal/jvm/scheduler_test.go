package jvm

import (
	"context"
	"testing"

	"github.com/kwipi/wipi-ktf/internal/core"
)

func TestSchedulerDrainRunsAllTasks(t *testing.T) {
	b, c := newTestBridge(t)

	var calls int
	addr, err := c.RegisterFunction(func(c *core.ArmCore) (core.CallResult, error) {
		calls++
		return core.Void(), nil
	})
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}

	b.Scheduler().Schedule(addr, nil)
	b.Scheduler().Schedule(addr, nil)

	if err := b.Scheduler().Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestSchedulerYieldRunsExactlyOneTask(t *testing.T) {
	b, c := newTestBridge(t)

	var calls int
	addr, err := c.RegisterFunction(func(c *core.ArmCore) (core.CallResult, error) {
		calls++
		return core.Void(), nil
	})
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}

	b.Scheduler().Schedule(addr, nil)
	b.Scheduler().Schedule(addr, nil)

	b.Scheduler().Yield()
	if calls != 1 {
		t.Fatalf("calls after one Yield = %d, want 1", calls)
	}

	if err := b.Scheduler().Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls after Drain = %d, want 2", calls)
	}
}

func TestSchedulerTrampolineRoundTrip(t *testing.T) {
	b, c := newTestBridge(t)

	var ran bool
	entry, err := c.RegisterFunction(func(c *core.ArmCore) (core.CallResult, error) {
		ran = true
		return core.Void(), nil
	})
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}

	schedAddr, _, yieldAddr, err := b.Scheduler().RegisterTrampolines()
	if err != nil {
		t.Fatalf("RegisterTrampolines: %v", err)
	}

	// task_schedule(entry, args_ptr=0)
	if _, err := c.RunFunction(schedAddr, []uint32{entry, 0}); err != nil {
		t.Fatalf("run task_schedule: %v", err)
	}
	// task_yield() should now run the scheduled task.
	if _, err := c.RunFunction(yieldAddr, nil); err != nil {
		t.Fatalf("run task_yield: %v", err)
	}
	if !ran {
		t.Fatal("scheduled task never ran after task_yield")
	}
}
