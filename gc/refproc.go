package gc

import (
	"sync"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/mutator"
	"github.com/lumen-rt/lumen/object"
)

// ReferenceProcessor is the external policy for weak-reference classes. The
// collector hands it every discovered reference object during scanning and
// calls ProcessReferences once marking has converged, in gc-exclusive mark
// stack mode.
type ReferenceProcessor interface {
	// DelayReferenceReferent records a reference object whose referent
	// should not be traced through. Called by the collector during field
	// scanning.
	DelayReferenceReferent(cls *object.Class, ref arena.Address, c *Collector)

	// ProcessReferences decides the fate of every delayed referent:
	// forward it when marked, clear it otherwise. Runs on the collector
	// thread; it may mark objects (keeping soft referents alive) and must
	// drain whatever that queues.
	ProcessReferences(c *Collector, clearSoftReferences bool)

	// BroadcastForSlowPath wakes mutators blocked on reference slow paths
	// after weak-ref access is re-enabled.
	BroadcastForSlowPath()
}

// SystemWeakSweeper is a holder of weak references outside the object graph
// (intern tables, monitor tables). SweepWeaks must drop or forward every
// entry according to isMarked.
type SystemWeakSweeper interface {
	SweepWeaks(isMarked func(arena.Address) arena.Address)
}

// QueueingReferenceProcessor is the default policy: every reference class
// is treated as weak, referents are forwarded when live and cleared when
// not. It ignores clearSoftReferences; distinguishing soft, weak,
// finalizer and phantom behavior is left to external implementations of
// the interface.
type QueueingReferenceProcessor struct {
	mu      sync.Mutex
	delayed []arena.Address
}

// NewQueueingReferenceProcessor returns an empty processor.
func NewQueueingReferenceProcessor() *QueueingReferenceProcessor {
	return &QueueingReferenceProcessor{}
}

// DelayReferenceReferent queues the reference object for ProcessReferences.
func (p *QueueingReferenceProcessor) DelayReferenceReferent(cls *object.Class, ref arena.Address, c *Collector) {
	if gcAsserts && !cls.IsReference() {
		panic("gc: delaying a non-reference class")
	}
	p.mu.Lock()
	p.delayed = append(p.delayed, ref)
	p.mu.Unlock()
}

// ProcessReferences resolves every delayed referent and whitens the
// reference objects that were held gray for it.
func (p *QueueingReferenceProcessor) ProcessReferences(c *Collector, clearSoftReferences bool) {
	defer c.timings.Scope("ProcessReferences")()
	p.mu.Lock()
	delayed := p.delayed
	p.delayed = nil
	p.mu.Unlock()

	for _, ref := range delayed {
		cls := c.model.ClassOf(ref)
		slot := ref.Add(cls.ReferentOffset)
		referent := c.model.LoadRef(slot)
		if !referent.IsNull() {
			if toRef := c.IsMarked(referent); !toRef.IsNull() {
				if toRef != referent {
					c.model.StoreRef(slot, toRef)
				}
			} else {
				c.model.StoreRef(slot, 0)
			}
		}
		// The reference object stayed gray while its referent was
		// unresolved; it is resolved now.
		if useBakerReadBarrier && c.model.RBStateOf(ref) == object.Gray {
			c.model.SetRBState(ref, object.White)
		}
	}
	// Resolution may have forwarded nothing, but an external subclass could
	// have marked; leave the stack clean either way.
	c.processMarkStack()
}

// BroadcastForSlowPath is a no-op: the default processor blocks nobody
// beyond the weak-ref gate, which broadcasts itself.
func (p *QueueingReferenceProcessor) BroadcastForSlowPath() {}

// WeakTable is a system-weak holder mapping interned keys to heap objects,
// the intern-table analog. Mutator lookups go through the weak-ref gate and
// the read barrier; the collector sweeps it with the other system weaks.
type WeakTable struct {
	c *Collector

	mu      sync.Mutex
	entries map[uint64]arena.Address
}

// NewWeakTable returns an empty table registered with the collector.
func NewWeakTable(c *Collector) *WeakTable {
	w := &WeakTable{c: c, entries: make(map[uint64]arena.Address)}
	c.AddSystemWeak(w)
	return w
}

// Lookup returns the object interned under key, or the null address. The
// calling mutator blocks while weak-ref access is disabled.
func (w *WeakTable) Lookup(t *mutator.Thread, key uint64) arena.Address {
	w.c.heap.WeakGate.WaitUntilEnabled(t)
	w.mu.Lock()
	ref := w.entries[key]
	w.mu.Unlock()
	return w.c.BarrierOn(t, ref)
}

// Insert interns an object under key.
func (w *WeakTable) Insert(t *mutator.Thread, key uint64, ref arena.Address) {
	w.c.heap.WeakGate.WaitUntilEnabled(t)
	w.mu.Lock()
	w.entries[key] = ref
	w.mu.Unlock()
}

// Size returns the number of live entries.
func (w *WeakTable) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// SweepWeaks drops dead entries and forwards moved ones.
func (w *WeakTable) SweepWeaks(isMarked func(arena.Address) arena.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, ref := range w.entries {
		if toRef := isMarked(ref); toRef.IsNull() {
			delete(w.entries, key)
		} else if toRef != ref {
			w.entries[key] = toRef
		}
	}
}
