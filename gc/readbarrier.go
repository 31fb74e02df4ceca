package gc

import (
	"time"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/mutator"
	"github.com/lumen-rt/lumen/object"
	"github.com/lumen-rt/lumen/region"
)

// ReadBarrier is the mutator's reference load: it reads the field and, when
// marking is on and the region table says the target needs it, routes the
// reference through the slow path. Every heap reference a mutator acts on
// must come through here (or ReadRoot) while a cycle runs.
func (c *Collector) ReadBarrier(t *mutator.Thread, holder arena.Address, offset uintptr) arena.Address {
	ref := c.model.LoadRef(holder.Add(offset))
	return c.BarrierOn(t, ref)
}

// ReadRoot applies the barrier to a root slot load.
func (c *Collector) ReadRoot(t *mutator.Thread, slot *arena.Address) arena.Address {
	return c.BarrierOn(t, *slot)
}

// BarrierOn applies the barrier to an already-loaded reference.
func (c *Collector) BarrierOn(t *mutator.Thread, ref arena.Address) arena.Address {
	if ref.IsNull() || !t.IsGCMarking() {
		return ref
	}
	if !c.heap.RBTable.IsSet(ref) {
		// The whole region needs no barrier this cycle.
		return ref
	}
	return c.MarkFromReadBarrierWithMeasurements(t, ref)
}

// MarkFromReadBarrierWithMeasurements is the slow-path entry; it forwards
// through Mark and, when configured, records the latency.
func (c *Collector) MarkFromReadBarrierWithMeasurements(t *mutator.Thread, ref arena.Address) arena.Address {
	if !c.conf.MeasureReadBarrierSlowPath {
		return c.Mark(t, ref)
	}
	start := time.Now()
	toRef := c.Mark(t, ref)
	c.rbSlowPaths.Add(1)
	c.rbSlowPathNs.Add(uint64(time.Since(start)))
	return toRef
}

// IsMarked reports liveness without marking: the forwarded address when ref
// is (or forwards to) a live object, the null address otherwise. The
// reference processor and the system-weak sweepers use it; it never copies.
func (c *Collector) IsMarked(ref arena.Address) arena.Address {
	if ref.IsNull() {
		return 0
	}
	if c.space.HasAddress(ref) {
		switch c.space.RegionType(ref) {
		case region.TypeToSpace, region.TypeLarge, region.TypeLargeTail:
			return ref
		case region.TypeFromSpace:
			if lw := c.model.LockWordOf(ref); lw.IsForwardingAddress() {
				return lw.ForwardingAddress()
			}
			return 0
		case region.TypeUnevacFromSpace:
			if c.regionBitmap.Test(ref) {
				return ref
			}
			return 0
		default:
			return 0
		}
	}
	if c.heap.ImmuneContains(ref) {
		return ref
	}
	if useTableLookupReadBarrier && c.model.LockWordOf(ref).MarkBit() {
		return ref
	}
	return c.isMarkedInBitmaps(ref)
}

func (c *Collector) isMarkedInBitmaps(ref arena.Address) arena.Address {
	bm := c.heap.NonMoving.MarkBitmap()
	if !bm.HasAddress(ref) {
		bm = c.heap.Large.MarkBitmap()
		if !bm.HasAddress(ref) {
			return 0
		}
	}
	if bm.Test(ref) || c.heap.IsOnAllocStack(ref) {
		return ref
	}
	return 0
}

// IsMarkedHeapReference destructively forwards the reference in a field
// slot when a copy exists, reporting liveness. Reference-processor plumbing.
func (c *Collector) IsMarkedHeapReference(slot arena.Address) bool {
	ref := c.model.LoadRef(slot)
	if ref.IsNull() {
		return false
	}
	toRef := c.IsMarked(ref)
	if toRef.IsNull() {
		return false
	}
	if toRef != ref {
		c.model.StoreRef(slot, toRef)
	}
	return true
}

// AssertToSpaceInvariant is the hard check behind the collector's internal
// reads: the reference must not point into from-space.
func (c *Collector) AssertToSpaceInvariant(holder arena.Address, offset uintptr, ref arena.Address) {
	if ref.IsNull() {
		return
	}
	if c.space.IsInFromSpace(ref) {
		c.invariantPanic(holder, offset, ref, "to-space invariant violated")
	}
	if gcAsserts && useBakerReadBarrier && c.space.IsInUnevacFromSpace(ref) {
		if !c.regionBitmap.Test(ref) && c.model.RBStateOf(ref) != object.Gray {
			c.invariantPanic(holder, offset, ref, "unevac reference neither marked nor gray")
		}
	}
}
