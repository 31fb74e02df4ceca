package heap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/bitmap"
	"github.com/lumen-rt/lumen/mutator"
	"github.com/lumen-rt/lumen/object"
)

// NonMovingSpace is the free-list space objects fall back to when the
// region space cannot place them. Objects here are never moved; the
// collector marks them in the mark bitmap and sweeps the unmarked ones.
//
// The free list is kept sorted by size, smallest first, so allocation is a
// lower-bound search. Adjacent chunks coalesce on free.
type NonMovingSpace struct {
	a     *arena.Arena
	begin arena.Address
	end   arena.Address

	live *bitmap.Bitmap
	mark *bitmap.Bitmap

	mu        sync.Mutex
	free      []chunk // sorted by size
	allocated map[arena.Address]uintptr
}

type chunk struct {
	addr arena.Address
	size uintptr
}

// NewNonMovingSpace returns a space over [begin, begin+size).
func NewNonMovingSpace(a *arena.Arena, begin arena.Address, size uintptr) *NonMovingSpace {
	return &NonMovingSpace{
		a:         a,
		begin:     begin,
		end:       begin.Add(size),
		live:      bitmap.New("non moving space live bitmap", begin, size, 3),
		mark:      bitmap.New("non moving space mark bitmap", begin, size, 3),
		free:      []chunk{{addr: begin, size: size}},
		allocated: make(map[arena.Address]uintptr),
	}
}

// Begin returns the first address of the space.
func (s *NonMovingSpace) Begin() arena.Address { return s.begin }

// End returns the address just past the space.
func (s *NonMovingSpace) End() arena.Address { return s.end }

// HasAddress reports whether ref lies in the space.
func (s *NonMovingSpace) HasAddress(ref arena.Address) bool {
	return ref >= s.begin && ref < s.end
}

// LiveBitmap returns the bitmap of allocated objects.
func (s *NonMovingSpace) LiveBitmap() *bitmap.Bitmap { return s.live }

// MarkBitmap returns the cycle's mark bitmap.
func (s *NonMovingSpace) MarkBitmap() *bitmap.Bitmap { return s.mark }

// Alloc carves size bytes (rounded to the object alignment) out of the
// smallest sufficient free chunk. Returns the null address when no chunk
// fits. The memory is zeroed.
func (s *NonMovingSpace) Alloc(t *mutator.Thread, size uintptr) arena.Address {
	size = object.RoundUp(size)
	s.mu.Lock()
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].size >= size })
	if i == len(s.free) {
		s.mu.Unlock()
		return 0
	}
	c := s.free[i]
	s.free = append(s.free[:i], s.free[i+1:]...)
	if rest := c.size - size; rest >= object.MinObjectSize {
		s.insertFree(chunk{addr: c.addr.Add(size), size: rest})
	} else {
		// Too small to carve; hand out the whole chunk.
		size = c.size
	}
	s.allocated[c.addr] = size
	s.live.Set(c.addr)
	s.mu.Unlock()
	s.a.Memset(c.addr, size)
	return c.addr
}

// Free returns an object's chunk to the free list, coalescing with
// neighbors.
func (s *NonMovingSpace) Free(t *mutator.Thread, addr arena.Address) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.allocated[addr]
	if !ok {
		panic(fmt.Sprintf("heap: freeing unallocated non-moving address %#x", addr))
	}
	delete(s.allocated, addr)
	s.live.Clear(addr)
	s.mark.Clear(addr)
	freed := size
	// Coalesce with adjacent free chunks.
	for i := 0; i < len(s.free); {
		c := s.free[i]
		if c.addr.Add(c.size) == addr {
			addr, size = c.addr, size+c.size
			s.free = append(s.free[:i], s.free[i+1:]...)
			continue
		}
		if addr.Add(size) == c.addr {
			size += c.size
			s.free = append(s.free[:i], s.free[i+1:]...)
			continue
		}
		i++
	}
	s.insertFree(chunk{addr: addr, size: size})
	return freed
}

func (s *NonMovingSpace) insertFree(c chunk) {
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].size >= c.size })
	s.free = append(s.free, chunk{})
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = c
}

// SnapshotAllocated returns the addresses of every currently allocated
// object. The collector takes this during the flip pause; only objects
// allocated before the pause are sweep candidates.
func (s *NonMovingSpace) SnapshotAllocated() []arena.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]arena.Address, 0, len(s.allocated))
	for addr := range s.allocated {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Sweep frees every allocated object that shouldLive rejects, returning the
// freed byte and object counts.
func (s *NonMovingSpace) Sweep(shouldLive func(arena.Address) bool) (bytesFreed, objectsFreed uint64) {
	s.mu.Lock()
	victims := make([]arena.Address, 0)
	for addr := range s.allocated {
		if !shouldLive(addr) {
			victims = append(victims, addr)
		}
	}
	s.mu.Unlock()
	for _, addr := range victims {
		bytesFreed += uint64(s.Free(nil, addr))
		objectsFreed++
	}
	return bytesFreed, objectsFreed
}

// ForEachAllocated calls fn with every allocated object address.
func (s *NonMovingSpace) ForEachAllocated(fn func(arena.Address)) {
	s.mu.Lock()
	addrs := make([]arena.Address, 0, len(s.allocated))
	for addr := range s.allocated {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		fn(addr)
	}
}
