package gc

import (
	"fmt"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/mutator"
	"github.com/lumen-rt/lumen/object"
	"github.com/lumen-rt/lumen/region"
)

// Mark is the universal entry for making a reference safe to expose: the
// read-barrier slow path and the collector's field scans both funnel here.
// It returns the reference to use in place of ref: the to-space copy for
// from-space references, ref itself everywhere else, with in-place marking
// as a side effect. Mark is idempotent.
func (c *Collector) Mark(t *mutator.Thread, ref arena.Address) arena.Address {
	if ref.IsNull() {
		return 0
	}
	if c.space.HasAddress(ref) {
		switch c.space.RegionType(ref) {
		case region.TypeToSpace, region.TypeLarge, region.TypeLargeTail:
			return ref
		case region.TypeUnevacFromSpace:
			return c.markUnevacFromSpace(t, ref)
		case region.TypeFromSpace:
			return c.markFromSpace(t, ref)
		default:
			panic(fmt.Sprintf("gc: reference %#x in a free region", ref))
		}
	}
	if c.heap.ImmuneContains(ref) {
		return c.markImmune(t, ref)
	}
	return c.markNonMoving(t, ref)
}

// markFromSpace forwards a condemned reference: the existing copy when the
// lock word already forwards, a fresh copy otherwise.
func (c *Collector) markFromSpace(t *mutator.Thread, ref arena.Address) arena.Address {
	if lw := c.model.LockWordOf(ref); lw.IsForwardingAddress() {
		return lw.ForwardingAddress()
	}
	return c.copy(t, ref)
}

// markUnevacFromSpace marks a reference in place in the region bitmap. The
// bitmap CAS arbitrates: the winner grays the object and queues it for
// scanning.
func (c *Collector) markUnevacFromSpace(t *mutator.Thread, ref arena.Address) arena.Address {
	if c.regionBitmap.AtomicTestAndSet(ref) {
		return ref
	}
	if useBakerReadBarrier {
		if !c.model.CasRBState(ref, object.White, object.Gray) && gcAsserts {
			panic(fmt.Sprintf("gc: unevac object %#x was not white after winning the bitmap", ref))
		}
	}
	c.pushOntoMarkStack(t, ref)
	return ref
}

// markImmune handles references into the immune space. Immune objects are
// never copied; mutators gray them until the collector has published its
// immune field updates, so the collector knows to whiten them later. The
// collector itself grays immune objects only while graysImmuneObjects is
// set, which it never is during the collector's own immune scan.
func (c *Collector) markImmune(t *mutator.Thread, ref arena.Address) arena.Address {
	if !useBakerReadBarrier {
		return ref
	}
	if t == c.thread && !c.graysImmuneObjects {
		return ref
	}
	// Release/acquire pairing with the immune scan: once this is observed
	// true, every immune field update is visible and graying is pointless.
	if c.updatedAllImmuneObjects.Load() {
		return ref
	}
	if c.model.CasRBState(ref, object.White, object.Gray) {
		c.immuneGrayLock.Lock()
		c.immuneGrayStack = append(c.immuneGrayStack, ref)
		c.immuneGrayLock.Unlock()
	}
	return ref
}

// markNonMoving marks a reference in the non-moving or large-object space.
// Objects allocated since the flip live on the allocation stack and stay
// white; everything else goes through the mark bitmap.
func (c *Collector) markNonMoving(t *mutator.Thread, ref arena.Address) arena.Address {
	bm := c.heap.NonMoving.MarkBitmap()
	if !bm.HasAddress(ref) {
		bm = c.heap.Large.MarkBitmap()
		if gcAsserts && !bm.HasAddress(ref) {
			c.invariantPanic(0, 0, ref, "reference outside every space")
		}
	}
	if bm.Test(ref) {
		return ref
	}
	if c.heap.IsOnAllocStack(ref) {
		// Freshly allocated, trivially live, and its fields can only hold
		// post-flip references. Leave it white.
		return ref
	}
	if useBakerReadBarrier {
		if c.model.CasRBState(ref, object.White, object.Gray) {
			if c.heap.IsOnAllocStack(ref) {
				// Published on the allocation stack while we grayed it. It
				// will not go through the mark stack, so whiten it once
				// marking is disabled.
				c.pushOntoFalseGrayStack(ref)
			} else if !bm.AtomicTestAndSet(ref) {
				c.pushOntoMarkStack(t, ref)
			}
		}
		return ref
	}
	// Table-lookup barrier: mark through the lock word's mark bit and
	// remember the object so the bit can be cleared after the cycle.
	for {
		lw := c.model.LockWordOf(ref)
		if lw.MarkBit() {
			return ref
		}
		if c.model.CasLockWord(ref, lw, lw.WithMarkBit()) {
			break
		}
	}
	c.recordRBMarkBit(ref)
	if !bm.AtomicTestAndSet(ref) {
		c.pushOntoMarkStack(t, ref)
	}
	return ref
}

func (c *Collector) recordRBMarkBit(ref arena.Address) {
	c.markStackLock.Lock()
	defer c.markStackLock.Unlock()
	if c.rbMarkBitStack.IsFull() {
		c.rbMarkBitStackFull = true
		return
	}
	c.rbMarkBitStack.PushBack(ref)
}

func (c *Collector) pushOntoFalseGrayStack(ref arena.Address) {
	c.markStackLock.Lock()
	c.falseGrayStack = append(c.falseGrayStack, ref)
	c.markStackLock.Unlock()
}

// processFalseGrayStack whitens the objects that were grayed after being
// published on the allocation stack. Runs after marking is disabled.
func (c *Collector) processFalseGrayStack() {
	if !useBakerReadBarrier {
		return
	}
	c.markStackLock.Lock()
	defer c.markStackLock.Unlock()
	for _, ref := range c.falseGrayStack {
		if gcAsserts && c.IsMarked(ref).IsNull() {
			panic(fmt.Sprintf("gc: false-gray object %#x is not live", ref))
		}
		// The object may already be white if the collector scanned it
		// through the mark stack after the thread registered it here.
		if c.model.RBStateOf(ref) == object.Gray {
			if !c.model.CasRBState(ref, object.Gray, object.White) {
				panic("gc: lost the race whitening a false-gray object")
			}
		}
	}
	c.falseGrayStack = nil
}

// copy evacuates a from-space object: size it, place the copy, memcpy, then
// race to install the forwarding pointer in the lock word. Exactly one
// caller wins; losers recycle their copy and adopt the winner's.
func (c *Collector) copy(t *mutator.Thread, from arena.Address) arena.Address {
	if gcAsserts && !c.space.IsInFromSpace(from) {
		panic(fmt.Sprintf("gc: copying non-from-space reference %#x", from))
	}
	// From-space reads of the class and length are safe: forwarding never
	// overwrites them.
	objSize := c.model.SizeOf(from)
	allocSize := object.RoundUp(objSize)

	fallBackToNonMoving := false
	to := c.space.AllocNonvirtual(allocSize)
	if to.IsNull() {
		to = c.allocateInSkippedBlock(allocSize)
		if !to.IsNull() {
			c.space.RecordAlloc(to)
		} else {
			// The to-space is exhausted: place the survivor in the
			// non-moving space instead. Failure there is fatal, the cycle
			// cannot leave the heap half evacuated.
			fallBackToNonMoving = true
			to = c.heap.NonMoving.Alloc(t, objSize)
			if to.IsNull() {
				panic("gc: fall-back non-moving space allocation failed")
			}
			if c.heap.NonMoving.MarkBitmap().AtomicTestAndSet(to) {
				panic(fmt.Sprintf("gc: fall-back copy %#x already marked", to))
			}
		}
	}

	for {
		c.model.Arena.Memcpy(to, from, objSize)

		oldLW := c.model.LockWordOf(from)
		if oldLW.IsForwardingAddress() {
			// Lost the race: another thread installed a forwarding pointer
			// first. Turn the lost copy into a dead filler object and keep
			// the memory for reuse.
			c.model.FillWithFillerObject(to, allocSize)
			c.recycleLostCopy(to, allocSize, fallBackToNonMoving)
			winner := oldLW.ForwardingAddress()
			if gcAsserts {
				if winner == to {
					panic("gc: object forwards to the lost copy")
				}
				if c.model.LockWordOf(winner).IsForwardingAddress() {
					panic(fmt.Sprintf("gc: double forwarding through %#x", winner))
				}
			}
			return winner
		}

		if useBakerReadBarrier {
			// Gray the copy before the forwarding pointer can be observed:
			// a mutator must never see a white to-space object with
			// unscanned fields.
			c.model.SetRBState(to, object.Gray)
		}

		if c.model.CasLockWord(from, oldLW, object.ForwardingLockWord(to)) {
			c.bytesMoved.Add(uint64(allocSize))
			c.objectsMoved.Add(1)
			c.pushOntoMarkStack(t, to)
			return to
		}
		// The CAS failed: either a racing copy won, or a mutator installed
		// a hash code or inflated a monitor. Loop and re-copy; the next
		// memcpy picks up the new lock word.
	}
}

// recycleLostCopy returns the memory of a race-lost copy for reuse: large
// allocations go straight back to the region space, region blocks into the
// skipped-blocks map, non-moving chunks to the non-moving free list.
func (c *Collector) recycleLostCopy(to arena.Address, allocSize uintptr, fallBackToNonMoving bool) {
	if !fallBackToNonMoving {
		if gcAsserts && !c.space.IsInToSpace(to) {
			panic(fmt.Sprintf("gc: lost copy %#x not in to-space", to))
		}
		if allocSize > c.space.RegionSizeBytes() {
			c.space.FreeLarge(to, allocSize)
			return
		}
		c.bytesSkipped.Add(uint64(allocSize))
		c.objectsSkipped.Add(1)
		c.skippedLock.Lock()
		c.skippedBlocks[allocSize] = append(c.skippedBlocks[allocSize], to)
		c.skippedLock.Unlock()
		return
	}
	if !c.heap.NonMoving.MarkBitmap().Clear(to) {
		panic(fmt.Sprintf("gc: lost non-moving copy %#x was not marked", to))
	}
	c.heap.NonMoving.Free(nil, to)
}

// allocateInSkippedBlock reuses to-space memory abandoned by lost copy
// races. The remainder of an oversized block must itself hold a filler
// object, so a block is only split when the leftover is big enough;
// otherwise the search retries with the minimum leftover added.
func (c *Collector) allocateInSkippedBlock(allocSize uintptr) arena.Address {
	c.skippedLock.Lock()
	byteSize, addr := c.smallestSkippedBlock(allocSize)
	if addr.IsNull() {
		c.skippedLock.Unlock()
		return 0
	}
	if byteSize > allocSize && byteSize-allocSize < object.MinObjectSize {
		byteSize, addr = c.smallestSkippedBlock(allocSize + object.MinObjectSize)
		if addr.IsNull() {
			c.skippedLock.Unlock()
			return 0
		}
	}
	c.removeSkippedBlock(byteSize, addr)
	c.skippedLock.Unlock()

	c.model.Arena.Memset(addr, byteSize)
	if byteSize > allocSize {
		// Fill the remainder outside the lock: filling can recurse into
		// Mark and back here.
		c.model.FillWithFillerObject(addr.Add(allocSize), byteSize-allocSize)
		c.skippedLock.Lock()
		c.skippedBlocks[byteSize-allocSize] = append(c.skippedBlocks[byteSize-allocSize], addr.Add(allocSize))
		c.skippedLock.Unlock()
	}
	return addr
}

// smallestSkippedBlock returns the smallest recorded block of at least
// minSize bytes. Caller holds skippedLock.
func (c *Collector) smallestSkippedBlock(minSize uintptr) (uintptr, arena.Address) {
	bestSize := uintptr(0)
	for size, addrs := range c.skippedBlocks {
		if size >= minSize && len(addrs) > 0 && (bestSize == 0 || size < bestSize) {
			bestSize = size
		}
	}
	if bestSize == 0 {
		return 0, 0
	}
	addrs := c.skippedBlocks[bestSize]
	return bestSize, addrs[len(addrs)-1]
}

// removeSkippedBlock drops one recorded block. Caller holds skippedLock.
func (c *Collector) removeSkippedBlock(size uintptr, addr arena.Address) {
	addrs := c.skippedBlocks[size]
	for i, a := range addrs {
		if a == addr {
			addrs[i] = addrs[len(addrs)-1]
			c.skippedBlocks[size] = addrs[:len(addrs)-1]
			return
		}
	}
	panic("gc: skipped block vanished under the lock")
}
