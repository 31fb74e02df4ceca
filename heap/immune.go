package heap

import (
	"sync"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/bitmap"
	"github.com/lumen-rt/lumen/object"
)

// ImmuneSpace holds objects exempt from copying for the process lifetime
// (the boot image analog). Objects are placed here before mutators start;
// during a cycle the collector scans them in place and may briefly gray
// them, but never moves or frees them.
type ImmuneSpace struct {
	a     *arena.Arena
	begin arena.Address
	end   arena.Address

	live *bitmap.Bitmap

	mu     sync.Mutex
	cursor arena.Address
	sealed bool
}

// NewImmuneSpace returns a space over [begin, begin+size).
func NewImmuneSpace(a *arena.Arena, begin arena.Address, size uintptr) *ImmuneSpace {
	return &ImmuneSpace{
		a:      a,
		begin:  begin,
		end:    begin.Add(size),
		live:   bitmap.New("immune space live bitmap", begin, size, 3),
		cursor: begin,
	}
}

// Begin returns the first address of the space.
func (s *ImmuneSpace) Begin() arena.Address { return s.begin }

// End returns the address just past the space.
func (s *ImmuneSpace) End() arena.Address { return s.end }

// HasAddress reports whether ref lies in the space.
func (s *ImmuneSpace) HasAddress(ref arena.Address) bool {
	return ref >= s.begin && ref < s.end
}

// LiveBitmap returns the bitmap of the space's objects.
func (s *ImmuneSpace) LiveBitmap() *bitmap.Bitmap { return s.live }

// Alloc bump-allocates an immune object. Panics once the space is sealed:
// immune objects exist before the first mutator runs.
func (s *ImmuneSpace) Alloc(size uintptr) arena.Address {
	size = object.RoundUp(size)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		panic("heap: immune space allocation after seal")
	}
	if s.cursor.Add(size) > s.end {
		return 0
	}
	addr := s.cursor
	s.cursor = s.cursor.Add(size)
	s.live.Set(addr)
	return addr
}

// Seal forbids further immune allocation.
func (s *ImmuneSpace) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}
