// Package object defines the layout of managed objects inside the heap
// arena: the header with its lock word and read-barrier state, the class
// table that describes instance sizes and reference fields, and the
// accessors the collector and mutators share.
//
// Layout of every object, in bytes from its address:
//
//	0..8    lock word (see LockWord)
//	8..12   class id
//	12..16  read-barrier state
//	16..24  element count (arrays only)
//	16..    fields (non-array classes)
//	24..    array elements
//
// Objects are 16-byte aligned. The smallest object is a bare header, and
// because the alignment equals the header size, any aligned hole can be
// made walkable with a filler object.
package object

import (
	"fmt"

	"github.com/lumen-rt/lumen/arena"
)

const asserts = true

const (
	// Alignment of every object address and size.
	Alignment = 16

	lockWordOffset = 0
	classIDOffset  = 8
	rbStateOffset  = 12
	lengthOffset   = 16

	// HeaderSize is the size of a bare object.
	HeaderSize = 16
	// ArrayHeaderSize is the size of an array with zero elements.
	ArrayHeaderSize = 24

	// MinObjectSize is the smallest byte size a heap slot can hold. Holes
	// smaller than this cannot be made walkable with a filler object.
	MinObjectSize = HeaderSize
)

// RBState is the tri-color read-barrier state of an object. White objects
// are either unreached or fully scanned; gray objects have been discovered
// but their fields have not been scanned yet. There is no black state: a
// scanned object goes back to white ("white-after").
type RBState uint32

const (
	White RBState = 0
	Gray  RBState = 1
)

func (s RBState) String() string {
	switch s {
	case White:
		return "white"
	case Gray:
		return "gray"
	default:
		return "!err"
	}
}

// ClassID identifies a class in the class table. ID 0 is invalid.
type ClassID uint32

// Class describes the shape of its instances: where the reference fields
// are, how big an instance is, and whether instances are weak references.
type Class struct {
	ID   ClassID
	Name string

	// RefOffsets are the byte offsets of the reference fields, in ascending
	// order. For reference arrays this is empty; the elements are the
	// references.
	RefOffsets []uintptr

	// Size is the instance size in bytes including the header, already
	// rounded to Alignment. Zero for array classes.
	Size uintptr

	// ElemSize is the element size for array classes, zero otherwise.
	ElemSize uintptr

	// ElemRef is set for arrays of references.
	ElemRef bool

	// ReferentOffset is the byte offset of the referent field for weak
	// reference classes, zero otherwise. The referent is not a plain
	// reference field: the collector delays it to the reference processor
	// instead of marking through it.
	ReferentOffset uintptr
}

// IsArray reports whether instances are variable-length.
func (c *Class) IsArray() bool { return c.ElemSize != 0 }

// IsReference reports whether instances are weak references.
func (c *Class) IsReference() bool { return c.ReferentOffset != 0 }

// Well-known classes every heap carries. The collector needs them to fill
// to-space holes with walkable objects.
const (
	RootClassID     ClassID = 1 // field-free object, a bare header
	IntArrayClassID ClassID = 2 // 4-byte primitive array
	numWellKnown            = 2
)

// Table is the class table. Classes are registered up front, before any
// mutator runs; lookups are lock-free.
type Table struct {
	classes []Class
}

// NewTable returns a table pre-populated with the well-known classes.
func NewTable() *Table {
	t := &Table{classes: make([]Class, 1, 16)} // index 0 unused
	root := t.MustRegister(Class{Name: "object", Size: HeaderSize})
	intArray := t.MustRegister(Class{Name: "int[]", ElemSize: 4})
	if root != RootClassID || intArray != IntArrayClassID {
		panic("object: well-known class ids out of order")
	}
	return t
}

// Register adds a class and returns its id. The class's offsets must lie
// within the declared size and be word-aligned.
func (t *Table) Register(c Class) (ClassID, error) {
	if c.IsArray() && c.Size != 0 {
		return 0, fmt.Errorf("object: class %q is both fixed-size and array", c.Name)
	}
	if !c.IsArray() && c.Size < HeaderSize {
		return 0, fmt.Errorf("object: class %q smaller than a header", c.Name)
	}
	if c.Size%Alignment != 0 {
		return 0, fmt.Errorf("object: class %q size not aligned", c.Name)
	}
	for _, off := range c.RefOffsets {
		if off < HeaderSize || off%arena.WordSize != 0 || (c.Size != 0 && off+arena.WordSize > c.Size) {
			return 0, fmt.Errorf("object: class %q has bad ref offset %d", c.Name, off)
		}
	}
	if c.ReferentOffset != 0 && (c.ReferentOffset < HeaderSize || c.ReferentOffset%arena.WordSize != 0) {
		return 0, fmt.Errorf("object: class %q has bad referent offset %d", c.Name, c.ReferentOffset)
	}
	c.ID = ClassID(len(t.classes))
	t.classes = append(t.classes, c)
	return c.ID, nil
}

// MustRegister is Register for classes known statically.
func (t *Table) MustRegister(c Class) ClassID {
	id, err := t.Register(c)
	if err != nil {
		panic(err)
	}
	return id
}

// Get returns the class for id.
func (t *Table) Get(id ClassID) *Class {
	if asserts && (id == 0 || int(id) >= len(t.classes)) {
		panic(fmt.Sprintf("object: invalid class id %d", id))
	}
	return &t.classes[id]
}
