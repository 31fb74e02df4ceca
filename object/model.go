package object

import (
	"fmt"

	"github.com/lumen-rt/lumen/arena"
)

// Model binds the object layout to an arena and a class table. It is shared
// by the allocator, the mutator-side barriers and the collector; all methods
// are safe for concurrent use to the extent the underlying accesses are
// (lock words and read-barrier states are atomic, plain field reads are the
// caller's problem).
type Model struct {
	Arena   *arena.Arena
	Classes *Table
}

// ClassOf returns the class of the object at ref. This works on from-space
// objects: the class id is never overwritten by forwarding.
func (m *Model) ClassOf(ref arena.Address) *Class {
	return m.Classes.Get(ClassID(m.Arena.LoadHalf(ref.Add(classIDOffset))))
}

// SetClass installs the class id of a freshly allocated object.
func (m *Model) SetClass(ref arena.Address, id ClassID) {
	m.Arena.StoreHalf(ref.Add(classIDOffset), uint32(id))
}

// SizeOf returns the object's byte size, unrounded. It only reads the class
// id and, for arrays, the length word, so it is safe on a from-space object
// that is concurrently being copied.
func (m *Model) SizeOf(ref arena.Address) uintptr {
	c := m.ClassOf(ref)
	if !c.IsArray() {
		return c.Size
	}
	return ArrayHeaderSize + uintptr(m.ArrayLength(ref))*c.ElemSize
}

// AllocSize returns SizeOf rounded up to the object alignment.
func (m *Model) AllocSize(ref arena.Address) uintptr {
	return RoundUp(m.SizeOf(ref))
}

// RoundUp rounds a byte size up to the object alignment.
func RoundUp(size uintptr) uintptr {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// LockWordOf atomically loads the object's lock word.
func (m *Model) LockWordOf(ref arena.Address) LockWord {
	return LockWord(m.Arena.LoadWord(ref.Add(lockWordOffset)))
}

// CasLockWord atomically installs a new lock word if the old one still
// matches. Sequentially consistent; this is the forwarding install.
func (m *Model) CasLockWord(ref arena.Address, old, new LockWord) bool {
	return m.Arena.CasWord(ref.Add(lockWordOffset), uint64(old), uint64(new))
}

// SetLockWord stores the lock word without ordering constraints beyond the
// atomic store itself.
func (m *Model) SetLockWord(ref arena.Address, lw LockWord) {
	m.Arena.StoreWord(ref.Add(lockWordOffset), uint64(lw))
}

// RBStateOf atomically loads the object's read-barrier state.
func (m *Model) RBStateOf(ref arena.Address) RBState {
	return RBState(m.Arena.LoadHalf(ref.Add(rbStateOffset)))
}

// SetRBState stores the read-barrier state. Used where only one side can
// write (a freshly allocated copy, or the collector in gc-exclusive mode).
func (m *Model) SetRBState(ref arena.Address, s RBState) {
	m.Arena.StoreHalf(ref.Add(rbStateOffset), uint32(s))
}

// CasRBState transitions the read-barrier state if it still matches old.
// Used where the collector and a mutator may race on the same object.
func (m *Model) CasRBState(ref arena.Address, old, new RBState) bool {
	return m.Arena.CasHalf(ref.Add(rbStateOffset), uint32(old), uint32(new))
}

// ArrayLength returns the element count of an array object.
func (m *Model) ArrayLength(ref arena.Address) uint64 {
	return m.Arena.LoadWord(ref.Add(lengthOffset))
}

// SetArrayLength stores the element count of an array object.
func (m *Model) SetArrayLength(ref arena.Address, n uint64) {
	m.Arena.StoreWord(ref.Add(lengthOffset), n)
}

// LoadRef atomically loads the reference stored in a field slot.
func (m *Model) LoadRef(slot arena.Address) arena.Address {
	return arena.Address(m.Arena.LoadWord(slot))
}

// StoreRef atomically stores a reference into a field slot.
func (m *Model) StoreRef(slot, ref arena.Address) {
	m.Arena.StoreWord(slot, uint64(ref))
}

// CasRef atomically updates a field slot. The collector uses this when
// forwarding fields that mutators may be writing concurrently.
func (m *Model) CasRef(slot, old, new arena.Address) bool {
	return m.Arena.CasWord(slot, uint64(old), uint64(new))
}

// VisitReferences calls fn with the slot address of every reference field of
// the object, including array elements for reference arrays. The referent
// field of a weak reference is not visited; callers that want it must handle
// ReferentOffset themselves.
func (m *Model) VisitReferences(ref arena.Address, fn func(slot arena.Address)) {
	c := m.ClassOf(ref)
	if c.ElemRef {
		n := m.ArrayLength(ref)
		for i := uint64(0); i < n; i++ {
			fn(ref.Add(ArrayHeaderSize + uintptr(i)*c.ElemSize))
		}
		return
	}
	for _, off := range c.RefOffsets {
		fn(ref.Add(off))
	}
}

// InitObject writes a fresh header at addr: unlocked, white, the given
// class, and the array length when the class is variable-length.
func (m *Model) InitObject(addr arena.Address, id ClassID, length uint64) {
	if asserts && !addr.AlignedTo(Alignment) {
		panic("object: unaligned allocation")
	}
	m.SetLockWord(addr, 0)
	m.SetClass(addr, id)
	m.SetRBState(addr, White)
	c := m.Classes.Get(id)
	if c.IsArray() {
		m.SetArrayLength(addr, length)
	} else if asserts && length != 0 {
		panic("object: length on a non-array class")
	}
}

// FillWithFillerObject writes a valid but dead object covering byteSize
// bytes at addr, so the heap stays walkable across a recycled hole. The
// filler is an int array of the appropriate length; when the hole is too
// small for an array header it falls back to the field-free root class.
func (m *Model) FillWithFillerObject(addr arena.Address, byteSize uintptr) {
	if asserts && byteSize%Alignment != 0 {
		panic("object: unaligned filler size")
	}
	if asserts && byteSize < MinObjectSize {
		panic(fmt.Sprintf("object: filler of %d bytes cannot hold a header", byteSize))
	}
	m.Arena.Memset(addr, byteSize)
	if byteSize < ArrayHeaderSize {
		// Too small for an int array. A bare header covers it exactly.
		if byteSize != m.Classes.Get(RootClassID).Size {
			panic(fmt.Sprintf("object: filler hole of %d bytes is unwalkable", byteSize))
		}
		m.InitObject(addr, RootClassID, 0)
		return
	}
	elemSize := m.Classes.Get(IntArrayClassID).ElemSize
	m.InitObject(addr, IntArrayClassID, uint64((byteSize-ArrayHeaderSize)/elemSize))
	if asserts && m.AllocSize(addr) != byteSize {
		panic("object: filler does not cover the hole")
	}
}
