package pthread

import (
	"sync"

	"github.com/kwipi/wipi-ktf/internal/core"
	glog "github.com/kwipi/wipi-ktf/internal/log"
	"github.com/kwipi/wipi-ktf/internal/stubs"
)

var (
	nextThreadID uint32 = 1
	threadMu     sync.Mutex
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_create", stubPthreadCreate)
	stubs.RegisterFunc("pthread", "pthread_join", stubPthreadJoin)
	stubs.RegisterFunc("pthread", "pthread_detach", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_equal", stubPthreadEqual)
	stubs.RegisterFunc("pthread", "pthread_self", stubPthreadSelf)
	stubs.RegisterFunc("pthread", "pthread_setname_np", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_getname_np", stubPthreadGetnameNp)
	stubs.RegisterFunc("pthread", "pthread_exit", stubVoidOK)
	stubs.RegisterFunc("pthread", "pthread_cancel", stubOKZero)
	stubs.RegisterFunc("pthread", "sched_yield", stubOKZero)
}

// stubPthreadCreate does not actually spawn an OS thread — it mints a
// synthetic thread id and reports success without ever invoking the
// start routine, since client.bin's own concurrency model is the
// cooperative jvm.Scheduler, not pthreads.
func stubPthreadCreate(c *core.ArmCore) (core.CallResult, error) {
	threadPtr, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}

	threadMu.Lock()
	tid := nextThreadID
	nextThreadID++
	threadMu.Unlock()

	if threadPtr != 0 {
		if err := c.WriteU32(threadPtr, tid); err != nil {
			return core.CallResult{}, err
		}
	}

	if glog.L != nil {
		glog.L.WithCategory("pthread").Debug("pthread_create", glog.Ptr("thread", threadPtr))
	}
	return core.Value(0), nil
}

func stubPthreadJoin(c *core.ArmCore) (core.CallResult, error) {
	retvalPtr, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	if retvalPtr != 0 {
		if err := c.WriteU32(retvalPtr, 0); err != nil {
			return core.CallResult{}, err
		}
	}
	return core.Value(0), nil
}

func stubPthreadEqual(c *core.ArmCore) (core.CallResult, error) {
	t1, err := c.Arg(0)
	if err != nil {
		return core.CallResult{}, err
	}
	t2, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	if t1 == t2 {
		return core.Value(1), nil
	}
	return core.Value(0), nil
}

func stubPthreadSelf(c *core.ArmCore) (core.CallResult, error) {
	return core.Value(1), nil
}

func stubPthreadGetnameNp(c *core.ArmCore) (core.CallResult, error) {
	buf, err := c.Arg(1)
	if err != nil {
		return core.CallResult{}, err
	}
	if buf != 0 {
		if err := c.WriteCString(buf, "main"); err != nil {
			return core.CallResult{}, err
		}
	}
	return core.Value(0), nil
}

func stubVoidOK(c *core.ArmCore) (core.CallResult, error) { return core.Void(), nil }
