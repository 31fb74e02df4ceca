// Package mutator provides the thread model the collector coordinates with:
// a registry of mutator threads, barrier-based checkpoints that run a
// closure on every mutator at its next safepoint, the mutator lock, and the
// weak-reference access gate.
//
// A mutator is a goroutine that has attached a Thread. While runnable it
// holds the mutator lock shared and polls Safepoint often; before blocking
// it transitions to the suspended state so the collector can run checkpoint
// closures on its behalf.
package mutator

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/objstack"
)

const asserts = true

// ThreadState tracks whether a thread is executing managed code.
type ThreadState int32

const (
	// StateSuspended threads are detached from managed execution: blocked,
	// waiting, or not yet started. Checkpoints run on their behalf.
	StateSuspended ThreadState = iota
	// StateRunnable threads execute managed code holding the mutator lock
	// shared; they run checkpoints themselves at safepoints.
	StateRunnable
)

// CheckpointFn is the closure a checkpoint runs on (or on behalf of) each
// mutator. It receives the thread it is running against, which is not
// necessarily the calling thread.
type CheckpointFn func(*Thread)

type pendingCheckpoint struct {
	fn      CheckpointFn
	barrier *Barrier
}

// Thread is the per-mutator state the collector needs: the marking flag
// consulted by the read-barrier fast path, the weak-ref access flag, the
// thread-local mark stack, the TLAB cursor, and the registered root slots.
type Thread struct {
	id   int32
	name string
	list *ThreadList

	// mu orders state transitions against checkpoint delivery: whoever holds
	// it either runs pending checkpoints or changes the state, never both
	// sides at once.
	mu          sync.Mutex
	state       ThreadState
	checkpoints []pendingCheckpoint

	isGCMarking          atomic.Bool
	weakRefAccessEnabled atomic.Bool

	// Thread-local mark stack. Only the owner pushes; the collector takes it
	// away inside a checkpoint running on this thread, so accesses never
	// overlap.
	tlMarkStack *objstack.Stack

	// TLAB bump cursor into a to-space region. Zero when no TLAB is held.
	// Touched by the owner and, during pauses and revoke checkpoints, by the
	// collector; the handoff points are the synchronization.
	TLABStart arena.Address
	TLABPos   arena.Address
	TLABEnd   arena.Address

	// Roots registered by the mutator: addresses of local variables holding
	// heap references. Guarded by rootsMu; the collector visits them during
	// the flip pause and mutators adjust them at safepoints only.
	rootsMu sync.Mutex
	roots   map[*arena.Address]struct{}
}

// ID returns the thread id.
func (t *Thread) ID() int32 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d %q", t.id, t.name)
}

// IsGCMarking reports the thread-local marking flag, the read-barrier fast
// path gate.
func (t *Thread) IsGCMarking() bool { return t.isGCMarking.Load() }

// SetIsGCMarking sets the thread-local marking flag. Called by the collector
// during the flip pause and the disable-marking checkpoint.
func (t *Thread) SetIsGCMarking(v bool) { t.isGCMarking.Store(v) }

// WeakRefAccessEnabled reports the thread-local weak-ref access flag.
func (t *Thread) WeakRefAccessEnabled() bool { return t.weakRefAccessEnabled.Load() }

// SetWeakRefAccessEnabled sets the thread-local weak-ref access flag.
func (t *Thread) SetWeakRefAccessEnabled(v bool) { t.weakRefAccessEnabled.Store(v) }

// TLMarkStack returns the thread-local mark stack, or nil.
func (t *Thread) TLMarkStack() *objstack.Stack { return t.tlMarkStack }

// SetTLMarkStack installs (or, with nil, revokes) the thread-local mark
// stack. Callers must be the owner, or be inside a checkpoint running
// against this thread.
func (t *Thread) SetTLMarkStack(s *objstack.Stack) { t.tlMarkStack = s }

// AddRoot registers a local variable as a GC root.
func (t *Thread) AddRoot(slot *arena.Address) {
	t.rootsMu.Lock()
	t.roots[slot] = struct{}{}
	t.rootsMu.Unlock()
}

// RemoveRoot unregisters a root slot.
func (t *Thread) RemoveRoot(slot *arena.Address) {
	t.rootsMu.Lock()
	delete(t.roots, slot)
	t.rootsMu.Unlock()
}

// VisitRoots calls fn with every registered root slot.
func (t *Thread) VisitRoots(fn func(slot *arena.Address)) {
	t.rootsMu.Lock()
	defer t.rootsMu.Unlock()
	for slot := range t.roots {
		fn(slot)
	}
}

// TransitionToRunnable makes the thread runnable and acquires the mutator
// lock shared. Blocks while the collector holds the world stopped.
func (t *Thread) TransitionToRunnable() {
	t.list.MutatorLock.RLock()
	t.mu.Lock()
	if asserts && t.state == StateRunnable {
		panic("mutator: runnable thread transitioning to runnable")
	}
	t.state = StateRunnable
	t.mu.Unlock()
}

// TransitionToSuspended parks the thread in the suspended state and
// releases the mutator lock. Pending checkpoints are taken over in the same
// critical section as the state change, so none can slip into the gap and
// strand a waiter on the barrier.
func (t *Thread) TransitionToSuspended() {
	t.mu.Lock()
	if asserts && t.state == StateSuspended {
		panic("mutator: suspended thread transitioning to suspended")
	}
	cps := t.checkpoints
	t.checkpoints = nil
	t.state = StateSuspended
	t.mu.Unlock()
	for _, cp := range cps {
		cp.fn(t)
		cp.barrier.Pass()
	}
	t.list.MutatorLock.RUnlock()
}

// Safepoint is the mutator poll point: it runs pending checkpoints and, if
// the collector wants the world stopped, bounces the shared mutator lock so
// the exclusive acquisition can proceed.
func (t *Thread) Safepoint() {
	t.runCheckpoints()
	if t.list.MutatorLock.ExclusivePending() {
		t.list.MutatorLock.RUnlock()
		t.list.MutatorLock.RLock()
		t.runCheckpoints()
	}
}

func (t *Thread) runCheckpoints() {
	t.mu.Lock()
	cps := t.checkpoints
	t.checkpoints = nil
	t.mu.Unlock()
	for _, cp := range cps {
		cp.fn(t)
		cp.barrier.Pass()
	}
}

// requestCheckpoint delivers a checkpoint to the thread. Suspended threads
// have the closure run on their behalf immediately, under the thread mutex
// so they cannot resume mid-run; for runnable threads the closure is queued
// and the caller must wait on the barrier. Returns whether the closure was
// queued.
func (t *Thread) requestCheckpoint(fn CheckpointFn, barrier *Barrier) bool {
	t.mu.Lock()
	if t.state == StateSuspended {
		fn(t)
		t.mu.Unlock()
		return false
	}
	t.checkpoints = append(t.checkpoints, pendingCheckpoint{fn, barrier})
	t.mu.Unlock()
	return true
}

// ThreadList is the registry of attached threads. It also carries the
// process-wide roots that belong to no particular thread (class table
// anchors, pinned globals).
type ThreadList struct {
	MutatorLock MutatorLock

	mu      sync.Mutex
	threads map[int32]*Thread
	nextID  int32

	globalRootsMu sync.Mutex
	globalRoots   map[*arena.Address]struct{}
}

// NewThreadList returns an empty registry.
func NewThreadList() *ThreadList {
	return &ThreadList{
		threads:     make(map[int32]*Thread),
		globalRoots: make(map[*arena.Address]struct{}),
	}
}

// AddGlobalRoot registers a non-thread root slot.
func (tl *ThreadList) AddGlobalRoot(slot *arena.Address) {
	tl.globalRootsMu.Lock()
	tl.globalRoots[slot] = struct{}{}
	tl.globalRootsMu.Unlock()
}

// RemoveGlobalRoot unregisters a non-thread root slot.
func (tl *ThreadList) RemoveGlobalRoot(slot *arena.Address) {
	tl.globalRootsMu.Lock()
	delete(tl.globalRoots, slot)
	tl.globalRootsMu.Unlock()
}

// VisitGlobalRoots calls fn with every registered non-thread root slot.
func (tl *ThreadList) VisitGlobalRoots(fn func(slot *arena.Address)) {
	tl.globalRootsMu.Lock()
	defer tl.globalRootsMu.Unlock()
	for slot := range tl.globalRoots {
		fn(slot)
	}
}

// Attach registers a new thread in the suspended state. The caller becomes
// its owner and must TransitionToRunnable before touching the heap.
func (tl *ThreadList) Attach(name string) *Thread {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.nextID++
	t := &Thread{
		id:    tl.nextID,
		name:  name,
		list:  tl,
		state: StateSuspended,
		roots: make(map[*arena.Address]struct{}),
	}
	t.weakRefAccessEnabled.Store(true)
	tl.threads[t.id] = t
	return t
}

// Detach unregisters a thread. It must be suspended.
func (tl *ThreadList) Detach(t *Thread) {
	t.mu.Lock()
	if asserts && t.state != StateSuspended {
		panic("mutator: detaching a runnable thread")
	}
	t.mu.Unlock()
	tl.mu.Lock()
	delete(tl.threads, t.id)
	tl.mu.Unlock()
}

// List returns a snapshot of the attached threads.
func (tl *ThreadList) List() []*Thread {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]*Thread, 0, len(tl.threads))
	for _, t := range tl.threads {
		out = append(out, t)
	}
	return out
}

// RunCheckpoint delivers fn to every attached thread. It runs directly on
// the calling thread and, on the caller, for every suspended thread; the
// returned count is the number of runnable threads that will run fn at
// their next safepoint and then pass the barrier. The caller typically
// releases the mutator lock and waits with barrier.Increment(count).
func (tl *ThreadList) RunCheckpoint(self *Thread, fn CheckpointFn, barrier *Barrier) int {
	count := 0
	for _, t := range tl.List() {
		if t == self {
			fn(t)
			continue
		}
		if t.requestCheckpoint(fn, barrier) {
			count++
		}
	}
	return count
}
