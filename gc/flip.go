package gc

import (
	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/heap"
	"github.com/lumen-rt/lumen/object"
)

// flipThreadRoots is the cycle's stop-the-world pause. Under the exclusive
// mutator lock it re-roles every region, swaps the allocation and live
// stacks, raises the marking flags, forwards every thread root, and grays
// the immune objects sitting on dirty cards. When the lock drops, every
// resuming mutator sees the new region roles through the read-barrier
// table and runs the barrier on every reference load.
func (c *Collector) flipThreadRoots() {
	defer c.timings.Scope("FlipThreadRoots")()
	lock := &c.heap.Threads.MutatorLock
	lock.Lock()
	defer lock.Unlock()

	c.space.SetFromSpace(c.forceEvacuateAll)
	// The in-place-markable spaces need the slow path too while marking.
	c.heap.RBTable.SetRange(c.heap.NonMoving.Begin(), c.heap.NonMoving.End())
	c.heap.RBTable.SetRange(c.heap.Large.Begin(), c.heap.Large.End())
	c.heap.RBTable.SetRange(c.heap.Immune.Begin(), c.heap.Immune.End())
	c.fromBytesAtFlip = c.space.EvacBytes()
	c.nonMovingSweepList = c.heap.NonMoving.SnapshotAllocated()
	c.largeSweepList = c.heap.Large.SnapshotAllocated()

	c.heap.SwapStacks()

	c.isMarking.Store(true)
	threads := c.heap.Threads.List()
	for _, t := range threads {
		t.SetIsGCMarking(true)
		c.space.RevokeThreadLocalBuffers(t)
	}

	// Thread roots flip here, under the pause; concurrent and non-thread
	// roots are visited in the marking phase.
	for _, t := range threads {
		t.VisitRoots(func(slot *arena.Address) {
			*slot = c.Mark(c.thread, *slot)
		})
	}

	if useBakerReadBarrier && grayDirtyImmuneObjects {
		c.grayAllDirtyImmuneObjects()
		if c.conf.VerifyGrayImmuneObjects {
			c.verifyGrayImmuneObjects()
		}
	}
}

// grayAllDirtyImmuneObjects grays every immune object on a dirty card so
// that the concurrent immune scan cannot miss fields mutators wrote since
// the last cycle. Runs inside the flip pause; the cards are cleaned as they
// are visited.
func (c *Collector) grayAllDirtyImmuneObjects() {
	defer c.timings.Scope("GrayAllDirtyImmuneObjects")()
	im := c.heap.Immune
	live := im.LiveBitmap()
	c.heap.Cards.VisitDirtyRange(im.Begin(), im.End(), func(cardBase arena.Address) {
		end := cardBase.Add(heap.CardSize)
		live.VisitMarkedRange(cardBase, end, func(ref arena.Address) {
			// Plain transitions are fine under the pause; nothing races.
			if c.model.RBStateOf(ref) == object.White {
				c.model.SetRBState(ref, object.Gray)
			}
		})
	})
}
