package gc

// reclaimPhase frees everything marking condemned: unmarked non-moving and
// large objects, then the from-space regions wholesale. Runs under the
// shared mutator lock; mutators are already running without barriers.
func (c *Collector) reclaimPhase() (bytesFreed, objectsFreed uint64) {
	defer c.timings.Scope("ReclaimPhase")()

	c.markAllocStackAsLive()

	// Sweep only what existed at the flip; the snapshot keeps concurrent
	// allocations out of reach.
	var nb, no, lb, lo uint64
	for _, ref := range c.nonMovingSweepList {
		if !c.heap.NonMoving.MarkBitmap().Test(ref) {
			nb += uint64(c.heap.NonMoving.Free(nil, ref))
			no++
		}
	}
	for _, ref := range c.largeSweepList {
		if !c.heap.Large.MarkBitmap().Test(ref) {
			lb += uint64(c.heap.Large.Free(ref))
			lo++
		}
	}
	c.nonMovingSweepList = nil
	c.largeSweepList = nil

	rb, ro := c.space.ClearFromSpace()
	if gcAsserts {
		if moved := c.bytesMoved.Load(); moved > c.fromBytesAtFlip {
			// Every moved byte came out of a condemned region; moving more
			// than from-space ever held means the accounting is broken.
			panic("gc: moved more bytes than from-space held")
		}
	}

	// The live stack's objects are all represented in bitmaps and regions
	// now; it becomes the next cycle's allocation stack.
	c.heap.LiveStack().Reset()

	return nb + lb + rb, no + lo + ro
}

// markAllocStackAsLive marks every object allocated since the flip in its
// space's mark bitmap: allocation is proof of life for this cycle's sweep.
func (c *Collector) markAllocStackAsLive() {
	defer c.timings.Scope("MarkAllocStackAsLive")()
	for _, ref := range c.heap.AllocationStack().Slice() {
		switch {
		case c.heap.NonMoving.HasAddress(ref):
			c.heap.NonMoving.MarkBitmap().Set(ref)
		case c.heap.Large.HasAddress(ref):
			c.heap.Large.MarkBitmap().Set(ref)
		default:
			// Region allocations survive by region role, immune objects
			// unconditionally.
		}
	}
}
