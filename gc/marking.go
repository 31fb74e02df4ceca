package gc

import (
	"fmt"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/mutator"
	"github.com/lumen-rt/lumen/object"
	"github.com/lumen-rt/lumen/objstack"
)

// pushOntoMarkStack queues a marked object for field scanning. The
// destination depends on the mark-stack mode: the pusher's thread-local
// stack, the shared gc stack under the lock, or the gc stack without a lock
// once only the collector produces.
func (c *Collector) pushOntoMarkStack(t *mutator.Thread, toRef arena.Address) {
	if c.markStackPushDisallowed.Load() != 0 {
		panic(fmt.Sprintf("gc: mark stack push after marking completed: %#x", toRef))
	}
	switch mode := c.markStackMode(); mode {
	case markStackModeThreadLocal:
		if t == c.thread {
			// The collector pushes to the gc mark stack directly.
			if c.gcMarkStack.IsFull() {
				c.expandGCMarkStack()
			}
			c.gcMarkStack.PushBack(toRef)
			return
		}
		tl := t.TLMarkStack()
		if tl == nil || tl.IsFull() {
			c.markStackLock.Lock()
			fresh := c.getPooledMarkStack()
			if tl != nil {
				c.revokedMarkStacks = append(c.revokedMarkStacks, tl)
			}
			c.markStackLock.Unlock()
			t.SetTLMarkStack(fresh)
			tl = fresh
		}
		tl.PushBack(toRef)
	case markStackModeShared:
		c.markStackLock.Lock()
		if c.gcMarkStack.IsFull() {
			c.expandGCMarkStack()
		}
		c.gcMarkStack.PushBack(toRef)
		c.markStackLock.Unlock()
	case markStackModeGCExclusive:
		if gcAsserts && t != c.thread {
			panic(fmt.Sprintf("gc: %s pushed in gc-exclusive mode", t))
		}
		if c.gcMarkStack.IsFull() {
			c.expandGCMarkStack()
		}
		c.gcMarkStack.PushBack(toRef)
	default:
		panic(fmt.Sprintf("gc: push in mark stack mode %s", mode))
	}
}

// expandGCMarkStack doubles the gc mark stack, preserving entry order.
// Callers own whatever lock the current mode requires.
func (c *Collector) expandGCMarkStack() {
	c.gcMarkStack.Resize(c.gcMarkStack.Capacity() * 2)
}

// getPooledMarkStack hands out a thread-local mark stack. Caller holds
// markStackLock.
func (c *Collector) getPooledMarkStack() *objstack.Stack {
	if n := len(c.pooledMarkStacks); n > 0 {
		s := c.pooledMarkStacks[n-1]
		c.pooledMarkStacks = c.pooledMarkStacks[:n-1]
		return s
	}
	return objstack.New("thread local mark stack", c.conf.ThreadLocalMarkStackCapacity)
}

// revokeThreadLocalMarkStacks checkpoints every mutator to hand over its
// thread-local mark stack, optionally disabling its weak-ref access flag in
// the same checkpoint. Doing both in one checkpoint is what makes the
// thread-local to shared transition raceless: after it, a thread can
// neither hold back queued references nor create new ones via weak reads.
func (c *Collector) revokeThreadLocalMarkStacks(disableWeakRefAccess bool) {
	if disableWeakRefAccess {
		// New threads observe the gate; existing ones their flag, below.
		c.heap.WeakGate.Disable()
	}
	c.runCheckpoint(func(t *mutator.Thread) {
		if disableWeakRefAccess {
			t.SetWeakRefAccessEnabled(false)
		}
		if tl := t.TLMarkStack(); tl != nil {
			c.markStackLock.Lock()
			c.revokedMarkStacks = append(c.revokedMarkStacks, tl)
			c.markStackLock.Unlock()
			t.SetTLMarkStack(nil)
		}
	})
}

// processMarkStack drains the active mark stack until it is observed empty
// twice in a row, tolerating producers racing with the drain: a single
// empty observation can be a momentary gap, two in a row after a full pass
// means marking has converged for the current producer set.
func (c *Collector) processMarkStack() {
	emptyPrev := false
	for {
		empty := c.processMarkStackOnce() == 0
		if emptyPrev && empty {
			break
		}
		emptyPrev = empty
	}
}

// processMarkStackOnce processes every queued reference currently visible
// and returns how many it processed.
func (c *Collector) processMarkStackOnce() int {
	count := 0
	mode := c.markStackMode()
	switch mode {
	case markStackModeThreadLocal:
		// Collect the mutators' stacks with a checkpoint, then drain the
		// collector's own. Only the collector pushes to the gc stack in
		// this mode, so no lock is needed for the drain.
		count += c.processThreadLocalMarkStacks(false)
		for {
			toRef, ok := c.gcMarkStack.PopBack()
			if !ok {
				break
			}
			c.processMarkStackRef(toRef)
			count++
		}
	case markStackModeShared:
		c.assertNoRevokedMarkStacks()
		for {
			c.markStackLock.Lock()
			batch := append([]arena.Address(nil), c.gcMarkStack.Slice()...)
			c.gcMarkStack.Reset()
			c.markStackLock.Unlock()
			if len(batch) == 0 {
				break
			}
			for i := len(batch) - 1; i >= 0; i-- {
				c.processMarkStackRef(batch[i])
				count++
			}
		}
	case markStackModeGCExclusive:
		c.assertNoRevokedMarkStacks()
		for {
			toRef, ok := c.gcMarkStack.PopBack()
			if !ok {
				break
			}
			c.processMarkStackRef(toRef)
			count++
		}
	default:
		panic(fmt.Sprintf("gc: processing in mark stack mode %s", mode))
	}
	return count
}

func (c *Collector) assertNoRevokedMarkStacks() {
	if !gcAsserts {
		return
	}
	c.markStackLock.Lock()
	n := len(c.revokedMarkStacks)
	c.markStackLock.Unlock()
	if n != 0 {
		panic("gc: revoked mark stacks present past the thread-local mode")
	}
}

// processThreadLocalMarkStacks checkpoints the mutators to hand over their
// stacks, then drains and pools everything handed over.
func (c *Collector) processThreadLocalMarkStacks(disableWeakRefAccess bool) int {
	c.revokeThreadLocalMarkStacks(disableWeakRefAccess)
	c.markStackLock.Lock()
	stacks := c.revokedMarkStacks
	c.revokedMarkStacks = nil
	c.markStackLock.Unlock()
	count := 0
	for _, s := range stacks {
		for {
			toRef, ok := s.PopBack()
			if !ok {
				break
			}
			c.processMarkStackRef(toRef)
			count++
		}
		c.markStackLock.Lock()
		c.pooledMarkStacks = append(c.pooledMarkStacks, s)
		c.markStackLock.Unlock()
	}
	return count
}

// processMarkStackRef scans one queued object's fields and retires its gray
// state. A weak reference whose referent is still uncopied stays gray so
// that a mutator's referent read re-enters the barrier.
func (c *Collector) processMarkStackRef(toRef arena.Address) {
	if gcAsserts && useBakerReadBarrier {
		if s := c.model.RBStateOf(toRef); s != object.Gray {
			c.invariantPanic(0, 0, toRef, "mark stack entry is "+s.String())
		}
	}
	c.scan(toRef)
	if c.space.IsInUnevacFromSpace(toRef) {
		c.space.AddLiveBytes(toRef, c.model.AllocSize(toRef))
	}

	keepGray := false
	cls := c.model.ClassOf(toRef)
	if cls.IsReference() {
		referent := c.model.LoadRef(toRef.Add(cls.ReferentOffset))
		if !referent.IsNull() && c.IsMarked(referent).IsNull() {
			keepGray = true
		}
	}
	if useBakerReadBarrier && !keepGray {
		if c.markStackMode() == markStackModeGCExclusive {
			// No mutator can be racing on the state anymore.
			c.model.SetRBState(toRef, object.White)
		} else if !c.model.CasRBState(toRef, object.Gray, object.White) {
			panic(fmt.Sprintf("gc: scanned object %#x was not gray", toRef))
		}
	}
}

// scan visits every reference field of a queued object through Mark,
// updating the fields in place. The referent of a weak reference is handed
// to the reference processor instead.
func (c *Collector) scan(toRef arena.Address) {
	c.model.VisitReferences(toRef, func(slot arena.Address) {
		c.process(slot)
	})
	if cls := c.model.ClassOf(toRef); cls.IsReference() {
		c.refProcessor.DelayReferenceReferent(cls, toRef, c)
	}
}

// process forwards one field. The field CAS tolerates a mutator overwriting
// the slot concurrently: whatever the mutator stored went through its own
// barrier and is already safe.
func (c *Collector) process(slot arena.Address) {
	ref := c.model.LoadRef(slot)
	toRef := c.Mark(c.thread, ref)
	if toRef == ref {
		return
	}
	for !c.model.CasRef(slot, ref, toRef) {
		if c.model.LoadRef(slot) != ref {
			return
		}
	}
}

// switchToSharedMarkStackMode moves the pipeline from thread-local to
// shared: flip the mode word first so every new push takes the lock, then
// revoke the thread-local stacks and disable weak-ref access in a single
// checkpoint, and drain what the revocation flushed out. Doing the
// revocation and the weak-ref disable together is what makes the
// transition raceless: after the checkpoint a thread can neither hold back
// queued references nor create new ones via weak reads.
func (c *Collector) switchToSharedMarkStackMode() {
	defer c.timings.Scope("SwitchToSharedMarkStackMode")()
	if gcAsserts {
		if c.markStackMode() != markStackModeThreadLocal {
			panic("gc: shared mode entered from " + c.markStackMode().String())
		}
		if c.thread.TLMarkStack() != nil {
			panic("gc: collector thread holds a thread-local mark stack")
		}
	}
	c.setMarkStackMode(markStackModeShared)
	c.processThreadLocalMarkStacks(true)
}

// switchToGCExclusiveMarkStackMode moves the pipeline to its final mode:
// only the collector may produce, and it consumes without the lock. Only
// legal after weak-ref access has been disabled globally.
func (c *Collector) switchToGCExclusiveMarkStackMode() {
	defer c.timings.Scope("SwitchToGcExclusiveMarkStackMode")()
	if gcAsserts {
		if c.markStackMode() != markStackModeShared {
			panic("gc: gc-exclusive mode entered from " + c.markStackMode().String())
		}
		if c.heap.WeakGate.Enabled() {
			panic("gc: gc-exclusive mode with weak ref access enabled")
		}
		c.checkEmptyMarkStack()
	}
	c.setMarkStackMode(markStackModeGCExclusive)
}

// checkEmptyMarkStack asserts the drain invariant at a mode transition or
// phase end.
func (c *Collector) checkEmptyMarkStack() {
	c.markStackLock.Lock()
	revoked := len(c.revokedMarkStacks)
	c.markStackLock.Unlock()
	if revoked != 0 {
		panic("gc: mark stacks leaked across a transition")
	}
	if !c.gcMarkStack.IsEmpty() {
		panic(fmt.Sprintf("gc: gc mark stack has %d entries at a transition", c.gcMarkStack.Size()))
	}
}

// reenableWeakRefAccess re-opens the weak-ref gate: the global flag for new
// threads, every existing thread's flag, then the broadcast that frees
// blocked readers.
func (c *Collector) reenableWeakRefAccess() {
	defer c.timings.Scope("ReenableWeakRefAccess")()
	for _, t := range c.heap.Threads.List() {
		t.SetWeakRefAccessEnabled(true)
	}
	c.heap.WeakGate.Enable()
	c.refProcessor.BroadcastForSlowPath()
}

// disableMarking turns the cycle's marking machinery off: the global flag,
// a checkpoint clearing every thread's flag (which also guarantees no
// thread still has a from-space reference cached inside a barrier slow
// path), the read-barrier table, and finally the mark stack itself.
func (c *Collector) disableMarking() {
	defer c.timings.Scope("DisableMarking")()
	c.isMarking.Store(false)
	c.runCheckpoint(func(t *mutator.Thread) {
		t.SetIsGCMarking(false)
	})
	c.heap.RBTable.ClearAll()
	if gcAsserts && !c.heap.RBTable.IsAllCleared() {
		panic("gc: read-barrier table not cleared")
	}
	c.markStackPushDisallowed.Store(1)
	c.setMarkStackMode(markStackModeOff)
}

// markingPhase runs the concurrent bulk of the cycle under the shared
// mutator lock.
func (c *Collector) markingPhase(clearSoftRefs bool) {
	defer c.timings.Scope("MarkingPhase")()
	if gcAsserts && !c.heap.WeakGate.Enabled() {
		panic("gc: marking phase entered with weak ref access disabled")
	}

	c.scanImmuneSpaces()
	c.visitConcurrentRoots()

	func() {
		defer c.timings.Scope("ProcessMarkStack")()
		// Thread-local mode: this marks most of the graph while mutators
		// keep feeding their own stacks.
		c.processMarkStack()

		c.switchToSharedMarkStackMode()
		if gcAsserts && c.thread.WeakRefAccessEnabled() {
			panic("gc: collector thread kept weak ref access")
		}
		// Whatever the revocation flushed out, plus anything mutators
		// pushed while the checkpoint ran.
		c.processMarkStack()
		c.checkEmptyMarkStack()

		c.switchToGCExclusiveMarkStackMode()
		c.checkEmptyMarkStack()

		// Weak references next; processing may re-mark and queue referents.
		c.refProcessor.ProcessReferences(c, clearSoftRefs)
		c.checkEmptyMarkStack()

		c.sweepSystemWeaks()
		// Sweeping weaks may itself mark (a weak holder resurrecting an
		// entry it decides to keep).
		c.processMarkStack()
		c.checkEmptyMarkStack()

		c.reenableWeakRefAccess()
		c.disableMarking()
		c.processFalseGrayStack()
		c.checkEmptyMarkStack()
	}()

	if gcAsserts && !c.heap.WeakGate.Enabled() {
		panic("gc: marking phase exiting with weak ref access disabled")
	}
}

// scanImmuneSpaces updates every reference field of every immune object
// without graying the holders, so immune pages stay clean. The publication
// of updatedAllImmuneObjects plus one empty checkpoint bounds the window in
// which mutators gray immune objects; whatever they grayed is whitened from
// the immune gray stack afterwards.
func (c *Collector) scanImmuneSpaces() {
	defer c.timings.Scope("ScanImmuneSpaces")()
	if useBakerReadBarrier {
		c.graysImmuneObjects = false
	}
	im := c.heap.Immune
	im.LiveBitmap().VisitMarkedRange(im.Begin(), im.End(), func(ref arena.Address) {
		c.scanImmuneObject(ref)
	})
	if !useBakerReadBarrier {
		return
	}
	// Release fence: every field update above becomes visible before any
	// mutator is allowed to skip graying.
	c.updatedAllImmuneObjects.Store(true)
	// No mutator may still be mid-way through graying an immune object.
	c.issueEmptyCheckpoint()

	c.immuneGrayLock.Lock()
	grayed := c.immuneGrayStack
	c.immuneGrayStack = nil
	c.immuneGrayLock.Unlock()
	for _, ref := range grayed {
		// The bulk scan may already have whitened a card-grayed object that
		// was also recorded here.
		if c.model.RBStateOf(ref) == object.Gray {
			if !c.model.CasRBState(ref, object.Gray, object.White) {
				panic("gc: lost the race whitening an immune object")
			}
		}
	}
	c.graysImmuneObjects = true
}

// scanImmuneObject forwards one immune object's fields in place. If the
// flip grayed the object off a dirty card, it is whitened here, after its
// fields are safe.
func (c *Collector) scanImmuneObject(ref arena.Address) {
	c.model.VisitReferences(ref, func(slot arena.Address) {
		c.process(slot)
	})
	if cls := c.model.ClassOf(ref); cls.IsReference() {
		c.refProcessor.DelayReferenceReferent(cls, ref, c)
	}
	if useBakerReadBarrier && grayDirtyImmuneObjects {
		if c.model.RBStateOf(ref) == object.Gray {
			c.model.CasRBState(ref, object.Gray, object.White)
		}
	}
}

// visitConcurrentRoots marks the roots that do not belong to any thread:
// system weak tables excluded, those are swept, not rooted.
func (c *Collector) visitConcurrentRoots() {
	defer c.timings.Scope("VisitConcurrentRoots")()
	c.heap.Threads.VisitGlobalRoots(func(slot *arena.Address) {
		*slot = c.Mark(c.thread, *slot)
	})
}

// sweepSystemWeaks gives every registered weak holder the chance to drop or
// forward its entries.
func (c *Collector) sweepSystemWeaks() {
	defer c.timings.Scope("SweepSystemWeaks")()
	c.weaksLock.Lock()
	weaks := append([]SystemWeakSweeper(nil), c.systemWeaks...)
	c.weaksLock.Unlock()
	isMarked := func(ref arena.Address) arena.Address { return c.IsMarked(ref) }
	for _, w := range weaks {
		w.SweepWeaks(isMarked)
	}
}
