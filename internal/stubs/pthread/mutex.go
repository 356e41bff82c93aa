// Package pthread provides native-ABI stubs for pthread synchronization
// and thread-management calls client.bin's compiled support code may
// issue. Execution is single-threaded (SPEC_FULL.md non-goals exclude
// real concurrency), so every lock stub is a no-op that always succeeds.
package pthread

import (
	"github.com/kwipi/wipi-ktf/internal/core"
	"github.com/kwipi/wipi-ktf/internal/stubs"
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_mutex_init", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_mutex_destroy", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_mutex_lock", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_mutex_trylock", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_mutex_unlock", stubOKZero)

	stubs.RegisterFunc("pthread", "pthread_rwlock_init", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_rwlock_destroy", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_rwlock_rdlock", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_rwlock_wrlock", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_rwlock_unlock", stubOKZero)

	stubs.RegisterFunc("pthread", "pthread_spin_init", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_spin_destroy", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_spin_lock", stubOKZero)
	stubs.RegisterFunc("pthread", "pthread_spin_unlock", stubOKZero)
}

// stubOKZero is shared by every lock primitive that has nothing to do
// under single-threaded execution: it always reports success.
func stubOKZero(c *core.ArmCore) (core.CallResult, error) {
	return core.Value(0), nil
}
