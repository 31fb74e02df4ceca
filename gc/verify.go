package gc

import (
	"fmt"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/object"
	"github.com/lumen-rt/lumen/region"
)

// verifyNoFromSpaceReferences is the optional debug pause after marking: it
// sweeps every root, every to-space object, every marked in-place object
// and the allocation stack, asserting that nothing reachable still points
// into from-space and that no scanned object stayed gray.
func (c *Collector) verifyNoFromSpaceReferences() {
	defer c.timings.Scope("VerifyNoFromSpaceReferences")()

	threads := c.heap.Threads.List()
	for _, t := range threads {
		if t.IsGCMarking() {
			panic(fmt.Sprintf("gc: %s still marking during verification", t))
		}
		// Fill TLAB tails so the region walk below stays on object
		// boundaries.
		c.space.RevokeThreadLocalBuffers(t)
	}

	// Roots.
	for _, t := range threads {
		t.VisitRoots(func(slot *arena.Address) {
			c.verifyRef(0, 0, *slot)
		})
	}
	c.heap.Threads.VisitGlobalRoots(func(slot *arena.Address) {
		c.verifyRef(0, 0, *slot)
	})

	// The to-space, walked linearly, and the in-place survivors through the
	// region bitmap.
	c.space.ForEachRegion(func(info region.Info) {
		switch info.Type {
		case region.TypeToSpace:
			c.walkRegion(info, c.verifyObject)
		case region.TypeLarge:
			c.verifyObject(info.Begin)
		case region.TypeUnevacFromSpace:
			c.regionBitmap.VisitMarkedRange(info.Begin, info.Top, c.verifyObject)
		}
	})

	// Non-moving spaces, marked objects only: dead objects legitimately
	// hold stale references until the sweep.
	c.heap.NonMoving.ForEachAllocated(func(ref arena.Address) {
		if c.heap.NonMoving.MarkBitmap().Test(ref) {
			c.verifyObject(ref)
		}
	})
	c.heap.Large.ForEachAllocated(func(ref arena.Address) {
		if c.heap.Large.MarkBitmap().Test(ref) {
			c.verifyObject(ref)
		}
	})

	// Immune objects.
	c.heap.Immune.LiveBitmap().VisitMarkedRange(
		c.heap.Immune.Begin(), c.heap.Immune.End(), c.verifyObject)

	// The allocation stack.
	for _, ref := range c.heap.AllocationStack().Slice() {
		if !ref.IsNull() {
			c.verifyObject(ref)
		}
	}
}

// walkRegion visits every object in a to-space region linearly. Filler
// objects keep abandoned holes walkable, so SizeOf chains to the top.
func (c *Collector) walkRegion(info region.Info, fn func(arena.Address)) {
	for addr := info.Begin; addr < info.Top; {
		fn(addr)
		addr = addr.Add(c.model.AllocSize(addr))
	}
}

func (c *Collector) verifyObject(ref arena.Address) {
	if useBakerReadBarrier {
		if s := c.model.RBStateOf(ref); s == object.Gray {
			c.invariantPanic(0, 0, ref, "object still gray after marking")
		}
	}
	c.model.VisitReferences(ref, func(slot arena.Address) {
		c.verifyRef(ref, uintptr(slot-ref), c.model.LoadRef(slot))
	})
	if cls := c.model.ClassOf(ref); cls.IsReference() {
		c.verifyRef(ref, cls.ReferentOffset, c.model.LoadRef(ref.Add(cls.ReferentOffset)))
	}
}

func (c *Collector) verifyRef(holder arena.Address, offset uintptr, ref arena.Address) {
	if ref.IsNull() {
		return
	}
	if c.space.IsInFromSpace(ref) {
		c.invariantPanic(holder, offset, ref, "from-space reference survived marking")
	}
}

// verifyGrayImmuneObjects asserts, inside the flip pause, that a white
// immune object only references other immune objects: anything it could
// publish without graying must already be safe.
func (c *Collector) verifyGrayImmuneObjects() {
	defer c.timings.Scope("VerifyGrayImmuneObjects")()
	im := c.heap.Immune
	im.LiveBitmap().VisitMarkedRange(im.Begin(), im.End(), func(ref arena.Address) {
		if c.model.RBStateOf(ref) == object.Gray {
			return
		}
		check := func(slot arena.Address) {
			target := c.model.LoadRef(slot)
			if !target.IsNull() && !c.heap.ImmuneContains(target) {
				c.invariantPanic(ref, uintptr(slot-ref), target,
					"white immune object references a non-immune object")
			}
		}
		c.model.VisitReferences(ref, check)
		if cls := c.model.ClassOf(ref); cls.IsReference() {
			check(ref.Add(cls.ReferentOffset))
		}
	})
}
