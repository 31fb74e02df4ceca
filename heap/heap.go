// Package heap assembles the managed heap: the arena, the spaces, the card
// table, the allocation and live stacks, and the allocator entry points
// mutators call. The collector consumes all of it through the Heap facade.
package heap

import (
	"fmt"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/mutator"
	"github.com/lumen-rt/lumen/object"
	"github.com/lumen-rt/lumen/objstack"
	"github.com/lumen-rt/lumen/region"
)

// Layout describes how the arena is carved into spaces. All sizes must be
// multiples of RegionSize; the first region-sized slice of the arena is
// reserved so the null address stays unmapped territory.
type Layout struct {
	RegionSize      uintptr
	ImmuneSize      uintptr
	NonMovingSize   uintptr
	LargeObjectSize uintptr
	RegionSpaceSize uintptr

	EvacLivePercent    uintptr // live-byte percentage at or above which a region is scanned in place
	TLABSize           uintptr
	AllocStackCapacity int
}

func (l *Layout) check() error {
	if l.RegionSize == 0 {
		return fmt.Errorf("heap: zero region size")
	}
	for _, s := range []uintptr{l.ImmuneSize, l.NonMovingSize, l.LargeObjectSize, l.RegionSpaceSize} {
		if s%l.RegionSize != 0 {
			return fmt.Errorf("heap: space size %d not a multiple of the region size", s)
		}
	}
	if l.RegionSpaceSize == 0 {
		return fmt.Errorf("heap: zero region space")
	}
	return nil
}

// Heap is the facade the collector and mutators share.
type Heap struct {
	Arena    *arena.Arena
	Classes  *object.Table
	Model    *object.Model
	Threads  *mutator.ThreadList
	WeakGate *mutator.WeakRefGate

	RBTable   *region.Table
	Region    *region.Space
	NonMoving *NonMovingSpace
	Large     *LargeObjectSpace
	Immune    *ImmuneSpace
	Cards     *CardTable

	allocStack          *objstack.Stack
	liveStack           *objstack.Stack
	liveStackFreezeSize int
}

// New maps the arena and builds the spaces.
func New(layout Layout) (*Heap, error) {
	if err := layout.check(); err != nil {
		return nil, err
	}
	total := layout.RegionSize + layout.ImmuneSize + layout.NonMovingSize +
		layout.LargeObjectSize + layout.RegionSpaceSize
	a, err := arena.New(total)
	if err != nil {
		return nil, fmt.Errorf("heap: arena: %w", err)
	}
	classes := object.NewTable()
	model := &object.Model{Arena: a, Classes: classes}

	shift := uint(0)
	for uintptr(1)<<shift < layout.RegionSize {
		shift++
	}
	table := region.NewTable(a.Size(), shift)

	// Space layout: reserved page(s), immune, non-moving, large, regions.
	off := arena.Address(layout.RegionSize)
	immune := NewImmuneSpace(a, off, layout.ImmuneSize)
	off = off.Add(layout.ImmuneSize)
	nonMoving := NewNonMovingSpace(a, off, layout.NonMovingSize)
	off = off.Add(layout.NonMovingSize)
	large := NewLargeObjectSpace(a, off, layout.LargeObjectSize)
	off = off.Add(layout.LargeObjectSize)
	regions := region.NewSpace(a, off, layout.RegionSpaceSize, layout.RegionSize,
		table, layout.EvacLivePercent, layout.TLABSize)
	regions.SetHoleFiller(model.FillWithFillerObject)

	h := &Heap{
		Arena:      a,
		Classes:    classes,
		Model:      model,
		Threads:    mutator.NewThreadList(),
		WeakGate:   mutator.NewWeakRefGate(),
		RBTable:    table,
		Region:     regions,
		NonMoving:  nonMoving,
		Large:      large,
		Immune:     immune,
		Cards:      NewCardTable(a.Size()),
		allocStack: objstack.New("allocation stack", layout.AllocStackCapacity),
		liveStack:  objstack.New("live stack", layout.AllocStackCapacity),
	}
	return h, nil
}

// Shutdown releases the arena.
func (h *Heap) Shutdown() {
	h.Arena.Release()
}

// AllocationStack returns the stack freshly allocated objects are pushed on.
func (h *Heap) AllocationStack() *objstack.Stack { return h.allocStack }

// LiveStack returns the frozen pre-cycle allocation stack.
func (h *Heap) LiveStack() *objstack.Stack { return h.liveStack }

// SwapStacks exchanges the allocation and live stacks. Runs only under the
// exclusive mutator lock, during the flip pause.
func (h *Heap) SwapStacks() {
	h.allocStack, h.liveStack = h.liveStack, h.allocStack
	h.liveStackFreezeSize = h.liveStack.Size()
}

// LiveStackFreezeSize returns the live-stack size recorded at the flip.
func (h *Heap) LiveStackFreezeSize() int { return h.liveStackFreezeSize }

// IsOnAllocStack reports whether ref was allocated since the flip. Linear in
// the allocation stack's size; the collector asks when marking and when
// testing liveness of non-moving and large objects.
func (h *Heap) IsOnAllocStack(ref arena.Address) bool {
	for _, a := range h.allocStack.Slice() {
		if a == ref {
			return true
		}
	}
	return false
}

// AllocImmune allocates and initializes an immune object before mutators
// start.
func (h *Heap) AllocImmune(id object.ClassID, length uint64) arena.Address {
	c := h.Classes.Get(id)
	size := c.Size
	if c.IsArray() {
		size = object.ArrayHeaderSize + uintptr(length)*c.ElemSize
	}
	addr := h.Immune.Alloc(size)
	if addr.IsNull() {
		panic("heap: immune space exhausted")
	}
	h.Model.InitObject(addr, id, length)
	return addr
}

// AllocObject allocates and initializes an object for a running mutator:
// TLAB bump first, then the shared region space, then the non-moving
// space, with outsized objects going to large regions or the large-object
// space. Returns the null address when the heap is full.
func (h *Heap) AllocObject(t *mutator.Thread, id object.ClassID, length uint64) arena.Address {
	c := h.Classes.Get(id)
	size := c.Size
	if c.IsArray() {
		size = object.ArrayHeaderSize + uintptr(length)*c.ElemSize
	}
	size = object.RoundUp(size)

	addr := h.allocRaw(t, size)
	if addr.IsNull() {
		return 0
	}
	h.Model.InitObject(addr, id, length)
	if !h.allocStack.AtomicPush(addr) {
		panic("heap: allocation stack overflow")
	}
	return addr
}

func (h *Heap) allocRaw(t *mutator.Thread, size uintptr) arena.Address {
	if size >= h.Region.RegionSizeBytes() {
		if addr := h.Region.AllocLarge(size); !addr.IsNull() {
			return addr
		}
		return h.Large.Alloc(size)
	}
	// TLAB bump.
	if t != nil && !t.TLABStart.IsNull() && t.TLABPos.Add(size) <= t.TLABEnd {
		addr := t.TLABPos
		t.TLABPos = addr.Add(size)
		return addr
	}
	if t != nil && size <= h.Region.RegionSizeBytes()/4 && h.Region.AllocTLAB(t, size) {
		addr := t.TLABPos
		t.TLABPos = addr.Add(size)
		return addr
	}
	if addr := h.Region.AllocNonvirtual(size); !addr.IsNull() {
		return addr
	}
	return h.NonMoving.Alloc(t, size)
}

// ReadRefDirect loads a reference field without a barrier. Only for tests
// and for collector-internal reads that must not re-enter the barrier.
func (h *Heap) ReadRefDirect(holder arena.Address, offset uintptr) arena.Address {
	return h.Model.LoadRef(holder.Add(offset))
}

// WriteRef is the mutator reference store: it writes the field and dirties
// the holder's card so concurrent immune re-scans see the update.
func (h *Heap) WriteRef(t *mutator.Thread, holder arena.Address, offset uintptr, ref arena.Address) {
	h.Model.StoreRef(holder.Add(offset), ref)
	h.Cards.MarkCard(holder)
}

// ImmuneContains reports whether ref lies in the immune space.
func (h *Heap) ImmuneContains(ref arena.Address) bool {
	return h.Immune.HasAddress(ref)
}
