package mutator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumen-rt/lumen/arena"
)

func TestCheckpointOnSuspendedThreadRunsInline(t *testing.T) {
	tl := NewThreadList()
	self := tl.Attach("gc")
	other := tl.Attach("mutator")

	seen := map[*Thread]bool{}
	b := NewBarrier()
	b.Init(0)
	count := tl.RunCheckpoint(self, func(th *Thread) { seen[th] = true }, b)
	if count != 0 {
		t.Errorf("RunCheckpoint count = %d, want 0 for a suspended thread", count)
	}
	if !seen[other] {
		t.Error("checkpoint did not run inline on the suspended thread")
	}
	if !seen[self] {
		t.Error("checkpoint did not run on the calling thread")
	}
}

func TestCheckpointOnRunnableThreadRunsAtSafepoint(t *testing.T) {
	tl := NewThreadList()
	self := tl.Attach("gc")
	other := tl.Attach("mutator")

	started := make(chan struct{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		other.TransitionToRunnable()
		close(started)
		for {
			select {
			case <-stop:
				other.TransitionToSuspended()
				return
			default:
				other.Safepoint()
			}
		}
	}()
	<-started

	var ran atomic.Int32
	b := NewBarrier()
	b.Init(0)
	count := tl.RunCheckpoint(self, func(*Thread) { ran.Add(1) }, b)
	if count != 1 {
		t.Fatalf("RunCheckpoint count = %d, want 1", count)
	}
	b.Increment(count)
	if ran.Load() != 2 {
		t.Errorf("checkpoint ran %d times by the barrier drain, want self + mutator", ran.Load())
	}
	close(stop)
	<-done
}

func TestExclusiveLockStopsRunnableThreads(t *testing.T) {
	tl := NewThreadList()
	other := tl.Attach("mutator")

	inPause := make(chan struct{})
	release := make(chan struct{})
	spinning := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		other.TransitionToRunnable()
		close(spinning)
		for {
			select {
			case <-release:
				other.TransitionToSuspended()
				return
			default:
				other.Safepoint()
			}
		}
	}()
	<-spinning

	go func() {
		tl.MutatorLock.Lock()
		close(inPause)
		time.Sleep(time.Millisecond)
		tl.MutatorLock.Unlock()
	}()

	select {
	case <-inPause:
		// The safepoint bounce let the exclusive acquisition through while
		// the mutator kept spinning.
	case <-time.After(5 * time.Second):
		t.Fatal("exclusive mutator lock never acquired")
	}
	close(release)
	<-done
}

func TestWeakRefGateBlocksUntilBroadcast(t *testing.T) {
	tl := NewThreadList()
	gate := NewWeakRefGate()
	other := tl.Attach("mutator")

	gate.Disable()
	other.SetWeakRefAccessEnabled(false)

	unblocked := make(chan struct{})
	go func() {
		other.TransitionToRunnable()
		gate.WaitUntilEnabled(other)
		close(unblocked)
		other.TransitionToSuspended()
	}()

	select {
	case <-unblocked:
		t.Fatal("weak-ref read proceeded through a closed gate")
	case <-time.After(20 * time.Millisecond):
	}

	other.SetWeakRefAccessEnabled(true)
	gate.Enable()
	select {
	case <-unblocked:
	case <-time.After(5 * time.Second):
		t.Fatal("weak-ref read never unblocked after the broadcast")
	}
}

func TestRootRegistration(t *testing.T) {
	tl := NewThreadList()
	th := tl.Attach("mutator")

	var a, b arena.Address = 0x100, 0x200
	th.AddRoot(&a)
	th.AddRoot(&b)
	seen := map[*arena.Address]bool{}
	th.VisitRoots(func(slot *arena.Address) { seen[slot] = true })
	if len(seen) != 2 || !seen[&a] || !seen[&b] {
		t.Errorf("VisitRoots saw %d roots", len(seen))
	}
	th.RemoveRoot(&a)
	count := 0
	th.VisitRoots(func(*arena.Address) { count++ })
	if count != 1 {
		t.Errorf("after RemoveRoot, VisitRoots saw %d roots", count)
	}
}

func TestGlobalRoots(t *testing.T) {
	tl := NewThreadList()
	var g arena.Address = 0x300
	tl.AddGlobalRoot(&g)
	count := 0
	tl.VisitGlobalRoots(func(slot *arena.Address) {
		if *slot != 0x300 {
			t.Errorf("global root = %#x", *slot)
		}
		count++
	})
	if count != 1 {
		t.Errorf("VisitGlobalRoots saw %d roots", count)
	}
}
