// Package gc implements the concurrent copying collector. A cycle evacuates
// live objects out of condemned from-space regions into to-space while
// mutators keep running; coherence comes from the read barrier on every
// reference load, the forwarding pointers installed in lock words, and the
// checkpoint handshake with the mutator threads.
//
// The phase order is Initialize, FlipThreadRoots (pause), Marking,
// optionally VerifyNoFromSpaceReferences (pause), Reclaim, Finish. Marking
// drains the mark stack through three modes: thread-local, shared, and
// gc-exclusive, in that order, never backwards.
package gc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/bitmap"
	"github.com/lumen-rt/lumen/heap"
	"github.com/lumen-rt/lumen/mutator"
	"github.com/lumen-rt/lumen/object"
	"github.com/lumen-rt/lumen/objstack"
	"github.com/lumen-rt/lumen/region"
)

// Compile-time switches. The Baker barrier keeps the tri-color state in
// the object header; the table-lookup barrier marks through the lock
// word's mark bit and the per-region byte table. Exactly one must be set;
// dead branches compile away.
const (
	useBakerReadBarrier       = true
	useTableLookupReadBarrier = !useBakerReadBarrier

	// grayDirtyImmuneObjects grays immune objects on dirty cards at the flip
	// so their out-references get scanned without walking clean pages.
	grayDirtyImmuneObjects = true

	gcAsserts = true
)

// markStackMode is the producer discipline on the mark stack. Transitions
// are strictly monotonic within a cycle.
type markStackMode uint32

const (
	markStackModeOff markStackMode = iota
	markStackModeThreadLocal
	markStackModeShared
	markStackModeGCExclusive
)

func (m markStackMode) String() string {
	switch m {
	case markStackModeOff:
		return "off"
	case markStackModeThreadLocal:
		return "threadLocal"
	case markStackModeShared:
		return "shared"
	case markStackModeGCExclusive:
		return "gcExclusive"
	default:
		return "!err"
	}
}

// Cause is why a collection was triggered; it feeds the evacuation policy.
type Cause int

const (
	// CauseBackground collections evacuate sparse regions only.
	CauseBackground Cause = iota
	// CauseExplicit collections evacuate everything.
	CauseExplicit
	// CauseNativeAlloc collections evacuate everything to relieve native
	// allocation pressure.
	CauseNativeAlloc
	// CauseClearSoftReferences collections evacuate everything and clear
	// soft references.
	CauseClearSoftReferences
)

// Collector is the concurrent copying collector. One instance owns the
// region space roles, the mark stacks, and the weak-ref access gate for the
// lifetime of the heap; cycles run one at a time on the caller's goroutine.
type Collector struct {
	heap  *heap.Heap
	space *region.Space
	model *object.Model
	conf  Config

	// thread is the collector's identity in the thread list. It stays in
	// the suspended state; the collector manages the mutator lock directly.
	thread *mutator.Thread

	// Mark stack machinery. markStackLock protects the pool list, the
	// revoked stacks, and, in shared mode, the gc mark stack.
	gcMarkStack             *objstack.Stack
	markStackModeWord       atomic.Uint32
	markStackLock           sync.Mutex
	revokedMarkStacks       []*objstack.Stack
	pooledMarkStacks        []*objstack.Stack
	markStackPushDisallowed atomic.Int32

	// rbMarkBitStack records objects marked through the lock word's mark
	// bit so Finish can clear the bits. Table-lookup barrier only.
	rbMarkBitStack     *objstack.Stack
	rbMarkBitStackFull bool

	// falseGrayStack holds non-moving objects that were grayed after they
	// had already been published on the allocation stack; they never go
	// through the mark stack and are whitened after marking is disabled.
	// Protected by markStackLock.
	falseGrayStack []arena.Address

	// Immune handling. immuneGrayStack holds immune objects mutators grayed
	// before updatedAllImmuneObjects was published.
	immuneGrayLock          sync.Mutex
	immuneGrayStack         []arena.Address
	updatedAllImmuneObjects atomic.Bool

	// graysImmuneObjects is read and written by the collector thread only:
	// it is true outside the immune bulk scan and false inside it, so the
	// scan itself never dirties immune pages by graying. No lock by that
	// single-reader invariant.
	graysImmuneObjects bool

	// Skipped blocks: to-space memory that lost a forwarding race, keyed by
	// size, reused before falling back to the non-moving space.
	skippedLock   sync.Mutex
	skippedBlocks map[uintptr][]arena.Address

	// regionBitmap marks objects in unevac-from regions for the duration of
	// one cycle.
	regionBitmap *bitmap.Bitmap

	isMarking        atomic.Bool
	isActive         atomic.Bool
	forceEvacuateAll bool

	gcBarrier *mutator.Barrier

	refProcessor ReferenceProcessor
	weaksLock    sync.Mutex
	systemWeaks  []SystemWeakSweeper

	// Cycle counters.
	bytesMoved     atomic.Uint64
	objectsMoved   atomic.Uint64
	bytesSkipped   atomic.Uint64
	objectsSkipped atomic.Uint64
	rbSlowPaths    atomic.Uint64
	rbSlowPathNs   atomic.Uint64

	// Sweep candidates, snapshotted during the flip pause: only objects
	// that existed before the pause may be swept, whatever mutators
	// allocate during the cycle is live by construction.
	nonMovingSweepList []arena.Address
	largeSweepList     []arena.Address

	fromBytesAtFlip uint64
	lastStats       Stats

	timings *TimingLogger
	cycles  uint64
}

// New builds a collector over the heap. The heap must not have live mutators
// yet: New attaches the collector's thread and takes ownership of the
// region-space roles.
func New(h *heap.Heap, conf Config) *Collector {
	c := &Collector{
		heap:           h,
		space:          h.Region,
		model:          h.Model,
		conf:           conf,
		thread:         h.Threads.Attach("concurrent copying gc"),
		gcMarkStack:    objstack.New("concurrent copying gc mark stack", conf.GCMarkStackCapacity),
		rbMarkBitStack: objstack.New("rb mark bit stack", conf.GCMarkStackCapacity),
		skippedBlocks:  make(map[uintptr][]arena.Address),
		gcBarrier:      mutator.NewBarrier(),
		refProcessor:   NewQueueingReferenceProcessor(),
		timings:        NewTimingLogger("concurrent copying"),
	}
	c.markStackModeWord.Store(uint32(markStackModeOff))
	return c
}

// Shutdown detaches the collector thread. The caller shuts the heap down
// separately.
func (c *Collector) Shutdown() {
	if c.isActive.Load() {
		panic("gc: shutdown during a cycle")
	}
	c.heap.Threads.Detach(c.thread)
}

// SetReferenceProcessor replaces the default reference processor.
func (c *Collector) SetReferenceProcessor(rp ReferenceProcessor) {
	c.refProcessor = rp
}

// AddSystemWeak registers a holder of system weak references (intern
// tables and the like) for sweeping.
func (c *Collector) AddSystemWeak(w SystemWeakSweeper) {
	c.weaksLock.Lock()
	c.systemWeaks = append(c.systemWeaks, w)
	c.weaksLock.Unlock()
}

// Heap returns the heap the collector runs over.
func (c *Collector) Heap() *heap.Heap { return c.heap }

// IsMarking reports whether a marking phase is in progress.
func (c *Collector) IsMarking() bool { return c.isMarking.Load() }

// LastStats returns the statistics of the most recent cycle.
func (c *Collector) LastStats() Stats { return c.lastStats }

func (c *Collector) markStackMode() markStackMode {
	return markStackMode(c.markStackModeWord.Load())
}

func (c *Collector) setMarkStackMode(m markStackMode) {
	// The atomic store is the publication fence: a producer that loads the
	// new mode afterwards sees everything done before the switch.
	c.markStackModeWord.Store(uint32(m))
}

// Collect runs one full collection cycle and returns its statistics.
func (c *Collector) Collect(cause Cause) Stats {
	if !c.isActive.CompareAndSwap(false, true) {
		panic("gc: overlapping collection cycles")
	}
	defer c.isActive.Store(false)

	start := time.Now()
	c.forceEvacuateAll = cause != CauseBackground
	clearSoftRefs := cause == CauseClearSoftReferences

	lock := &c.heap.Threads.MutatorLock

	lock.RLock()
	c.initializePhase()
	lock.RUnlock()

	pauseStart := time.Now()
	c.flipThreadRoots()
	pauseFlip := time.Since(pauseStart)

	lock.RLock()
	c.markingPhase(clearSoftRefs)
	lock.RUnlock()

	var pauseVerify time.Duration
	if c.conf.VerifyNoFromSpaceRefs {
		pauseStart = time.Now()
		lock.Lock()
		c.verifyNoFromSpaceReferences()
		lock.Unlock()
		pauseVerify = time.Since(pauseStart)
	}

	lock.RLock()
	bytesFreed, objectsFreed := c.reclaimPhase()
	lock.RUnlock()

	c.finishPhase()

	c.lastStats = Stats{
		BytesMoved:              c.bytesMoved.Load(),
		ObjectsMoved:            c.objectsMoved.Load(),
		BytesFreed:              bytesFreed,
		ObjectsFreed:            objectsFreed,
		BytesSkipped:            c.bytesSkipped.Load(),
		ObjectsSkipped:          c.objectsSkipped.Load(),
		FromBytesAtFlip:         c.fromBytesAtFlip,
		PauseFlip:               pauseFlip,
		PauseVerify:             pauseVerify,
		Duration:                time.Since(start),
		ReadBarrierSlowPaths:    c.rbSlowPaths.Load(),
		ReadBarrierSlowPathTime: time.Duration(c.rbSlowPathNs.Load()),
	}
	c.cycles++
	if c.conf.Verbose {
		fmt.Printf("gc cycle %d: %s\n", c.cycles, c.lastStats)
		c.timings.Dump(diagnosticWriter())
	}
	return c.lastStats
}

// initializePhase binds the cycle's bitmaps and resets the cycle state.
// Runs with the mutator lock held shared.
func (c *Collector) initializePhase() {
	defer c.timings.Scope("InitializePhase")()
	c.timings.Reset()

	// Bind bitmaps: a fresh region bitmap for unevac marking, cleared mark
	// bitmaps for the non-moving spaces.
	c.regionBitmap = bitmap.New("cc region space bitmap",
		c.space.Begin(), uintptr(c.space.End()-c.space.Begin()), 3)
	c.heap.NonMoving.MarkBitmap().ClearAll()
	c.heap.Large.MarkBitmap().ClearAll()

	c.bytesMoved.Store(0)
	c.objectsMoved.Store(0)
	c.bytesSkipped.Store(0)
	c.objectsSkipped.Store(0)
	c.rbSlowPaths.Store(0)
	c.rbSlowPathNs.Store(0)

	c.updatedAllImmuneObjects.Store(false)
	c.graysImmuneObjects = useBakerReadBarrier && grayDirtyImmuneObjects
	c.markStackPushDisallowed.Store(0)

	if gcAsserts {
		c.assertEmptyMarkStacks()
		if !c.heap.WeakGate.Enabled() {
			panic("gc: weak ref access disabled outside a cycle")
		}
	}
	c.setMarkStackMode(markStackModeThreadLocal)
}

// finishPhase returns pooled resources and drops cycle-local state.
func (c *Collector) finishPhase() {
	defer c.timings.Scope("FinishPhase")()

	c.markStackLock.Lock()
	c.pooledMarkStacks = nil
	if gcAsserts && len(c.revokedMarkStacks) != 0 {
		panic("gc: revoked mark stacks survived the cycle")
	}
	c.markStackLock.Unlock()

	if useTableLookupReadBarrier {
		// Clear the lock-word mark bits recorded during marking.
		for _, ref := range c.rbMarkBitStack.Slice() {
			lw := c.model.LockWordOf(ref)
			if !c.model.CasLockWord(ref, lw, lw.WithoutMarkBit()) {
				panic("gc: lost race clearing a mark bit after the cycle")
			}
		}
		c.rbMarkBitStack.Reset()
		c.rbMarkBitStackFull = false
	}

	c.regionBitmap = nil
	c.skippedLock.Lock()
	c.skippedBlocks = make(map[uintptr][]arena.Address)
	c.skippedLock.Unlock()
}

func (c *Collector) assertEmptyMarkStacks() {
	if !c.gcMarkStack.IsEmpty() {
		panic(fmt.Sprintf("gc: mark stack not empty: %d entries", c.gcMarkStack.Size()))
	}
	c.markStackLock.Lock()
	defer c.markStackLock.Unlock()
	if len(c.revokedMarkStacks) != 0 {
		panic("gc: revoked mark stacks not empty")
	}
	for _, t := range c.heap.Threads.List() {
		if s := t.TLMarkStack(); s != nil && !s.IsEmpty() {
			panic(fmt.Sprintf("gc: %s holds a non-empty thread-local mark stack", t))
		}
	}
}

// runCheckpoint submits fn to every mutator and waits for completion,
// releasing the shared mutator lock while waiting so a mutator blocked on
// the lock cannot deadlock the collector.
func (c *Collector) runCheckpoint(fn mutator.CheckpointFn) {
	c.gcBarrier.Init(0)
	count := c.heap.Threads.RunCheckpoint(c.thread, fn, c.gcBarrier)
	if count == 0 {
		return
	}
	lock := &c.heap.Threads.MutatorLock
	lock.RUnlock()
	c.gcBarrier.Increment(count)
	lock.RLock()
}

// issueEmptyCheckpoint quiesces every mutator once: a global memory fence
// and a guarantee that no thread is mid-way through a barrier slow path
// started before the checkpoint.
func (c *Collector) issueEmptyCheckpoint() {
	c.runCheckpoint(func(*mutator.Thread) {})
}
