package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sasha-s/go-deadlock"
)

var lockDetectionOnce sync.Once

// configureLockDetection installs the process-wide lock checker options.
// Only the first runtime's timeout takes effect. Potential deadlocks are
// logged instead of exiting the process.
func configureLockDetection(timeout time.Duration) {
	lockDetectionOnce.Do(func() {
		if timeout > 0 {
			deadlock.Opts.DeadlockTimeout = timeout
		}
		deadlock.Opts.OnPotentialDeadlock = func() {
			log.Error("potential deadlock on the mutator lock")
		}
	})
}

// MutatorLock coordinates mutators, which hold it shared while they touch
// frames or references, with the collector, which holds it exclusively
// while it scans or relocates roots.
type MutatorLock struct {
	mu        deadlock.RWMutex
	exclusive atomic.Bool
}

// SharedLock acquires the lock on behalf of self. Holds nest per thread:
// only the outermost one takes the underlying lock.
func (l *MutatorLock) SharedLock(self *Thread) {
	if self.sharedHolds.Load() == 0 {
		l.mu.RLock()
	}
	self.sharedHolds.Add(1)
}

// SharedUnlock releases one shared hold of self.
func (l *MutatorLock) SharedUnlock(self *Thread) {
	n := self.sharedHolds.Add(-1)
	if n < 0 {
		self.sharedHolds.Add(1)
		panic("mutator lock released without being held")
	}
	if n == 0 {
		l.mu.RUnlock()
	}
}

// ExclusiveLock stops all mutators.
func (l *MutatorLock) ExclusiveLock() {
	l.mu.Lock()
	l.exclusive.Store(true)
}

// ExclusiveUnlock lets mutators run again.
func (l *MutatorLock) ExclusiveUnlock() {
	l.exclusive.Store(false)
	l.mu.Unlock()
}

// IsExclusiveHeld reports whether the collector holds the lock.
func (l *MutatorLock) IsExclusiveHeld() bool { return l.exclusive.Load() }

// ScopedObjectAccess holds the mutator lock shared for self until the
// returned function is called.
func (r *Runtime) ScopedObjectAccess(self *Thread) (release func()) {
	r.mutator.SharedLock(self)
	return func() { r.mutator.SharedUnlock(self) }
}
