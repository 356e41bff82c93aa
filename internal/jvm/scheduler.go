package jvm

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kwipi/wipi-ktf/internal/core"
)

// task is one cooperatively-scheduled guest thread: a Java Thread.start()
// becomes an entry point and an argument array waiting to be driven
// through RunFunction. The ARM engine only ever executes one task at a
// time — "concurrency" here is the cooperative round-robin the original
// runtime implements with task_schedule/task_sleep/task_yield, not OS
// threads.
type task struct {
	id       uint32
	entry    uint32
	args     []uint32
	wakeTick uint64
}

// Scheduler implements task_schedule/task_sleep/task_yield (§4.7's
// expansion of the original's unimplemented scheduling hooks). Schedule,
// Sleep and Yield run on the caller's goroutine; Drain runs queued tasks
// on a single worker goroutine managed through an errgroup.Group, so
// callers can wait for drain or cancel via context the same way the rest
// of the ambient stack does.
type Scheduler struct {
	bridge *Bridge

	mu      sync.Mutex
	ready   *list.List // of *task
	nextID  uint32
	tick    uint64
	running bool
}

func newScheduler(b *Bridge) *Scheduler {
	return &Scheduler{bridge: b, ready: list.New()}
}

// Schedule implements task_schedule: enqueue a new task to run entry(args)
// once the current task yields or sleeps.
func (s *Scheduler) Schedule(entry uint32, args []uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &task{id: s.nextID, entry: entry, args: args}
	s.ready.PushBack(t)
	return t.id
}

// Sleep implements task_sleep: the calling task is re-enqueued to become
// runnable again after ticks logical scheduler ticks. Since dispatch is
// synchronous, Sleep itself performs the wait by running other ready
// tasks until the requesting task's wake tick elapses.
func (s *Scheduler) Sleep(ticks uint64) {
	s.mu.Lock()
	target := s.tick + ticks
	s.mu.Unlock()

	for {
		s.mu.Lock()
		now := s.tick
		s.mu.Unlock()
		if now >= target {
			return
		}
		if !s.stepOne() {
			s.mu.Lock()
			s.tick++
			s.mu.Unlock()
		}
	}
}

// Yield implements task_yield: run one pending task (if any) before
// returning control to the caller.
func (s *Scheduler) Yield() {
	s.stepOne()
}

// stepOne pops and runs one ready task, reporting whether it found one.
func (s *Scheduler) stepOne() bool {
	s.mu.Lock()
	front := s.ready.Front()
	if front == nil {
		s.mu.Unlock()
		return false
	}
	s.ready.Remove(front)
	s.mu.Unlock()

	t := front.Value.(*task)
	_, _ = s.bridge.core.RunFunction(t.entry, t.args)

	s.mu.Lock()
	s.tick++
	s.mu.Unlock()
	return true
}

// Drain runs the scheduler under ctx, via a single-worker errgroup.Group,
// until no task remains ready or ctx is cancelled. Suitable for a
// Bootstrap that needs to pump background Thread.start() tasks to
// completion after the application's entry point returns.
func (s *Scheduler) Drain(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if !s.stepOne() {
				return nil
			}
		}
	})
	return g.Wait()
}

// trampolineSchedule/trampolineSleep/trampolineYield are the NativeFunc
// adapters a Bootstrap registers at the vendor's well-known
// task_schedule/task_sleep/task_yield addresses.
func (s *Scheduler) trampolineSchedule(c *core.ArmCore) (core.CallResult, error) {
	entry, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	argsPtr, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}

	var args []uint32
	if argsPtr != 0 {
		for i := 0; i < 16; i++ {
			w, err := c.ReadU32(argsPtr + uint32(i)*4)
			if err != nil || w == 0 {
				break
			}
			args = append(args, w)
		}
	}

	id := s.Schedule(entry, args)
	return core.Value(id), nil
}

func (s *Scheduler) trampolineSleep(c *core.ArmCore) (core.CallResult, error) {
	ticks, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	s.Sleep(uint64(ticks))
	return core.Void(), nil
}

func (s *Scheduler) trampolineYield(c *core.ArmCore) (core.CallResult, error) {
	s.Yield()
	return core.Void(), nil
}

// RegisterTrampolines installs the three scheduling natives and returns
// their guest addresses in (schedule, sleep, yield) order, for a
// Bootstrap to wire into client.bin's expected function table.
func (s *Scheduler) RegisterTrampolines() (uint32, uint32, uint32, error) {
	schedAddr, err := s.bridge.core.RegisterFunction(s.trampolineSchedule)
	if err != nil {
		return 0, 0, 0, err
	}
	sleepAddr, err := s.bridge.core.RegisterFunction(s.trampolineSleep)
	if err != nil {
		return 0, 0, 0, err
	}
	yieldAddr, err := s.bridge.core.RegisterFunction(s.trampolineYield)
	if err != nil {
		return 0, 0, 0, err
	}
	return schedAddr, sleepAddr, yieldAddr, nil
}
