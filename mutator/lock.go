package mutator

import (
	"sync"
	"sync/atomic"
)

// MutatorLock is the read-write lock expressing "may the world run". Every
// runnable mutator holds it shared; the collector holds it shared during
// concurrent phases and exclusively only during the brief pauses. Mutators
// poll ExclusivePending at safepoints and bounce their shared hold so an
// exclusive acquisition cannot starve.
type MutatorLock struct {
	rw      sync.RWMutex
	pending atomic.Int32
}

// RLock acquires the lock shared.
func (l *MutatorLock) RLock() { l.rw.RLock() }

// RUnlock releases a shared hold.
func (l *MutatorLock) RUnlock() { l.rw.RUnlock() }

// Lock acquires the lock exclusively, flagging the acquisition so that
// safepoint polls yield.
func (l *MutatorLock) Lock() {
	l.pending.Add(1)
	l.rw.Lock()
}

// Unlock releases an exclusive hold.
func (l *MutatorLock) Unlock() {
	l.pending.Add(-1)
	l.rw.Unlock()
}

// ExclusivePending reports whether an exclusive acquisition is in progress.
func (l *MutatorLock) ExclusivePending() bool {
	return l.pending.Load() > 0
}
