package heap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/bitmap"
)

// LargeObjectSpace holds objects too big for the region space's large
// regions to serve efficiently when the region space is under pressure.
// Chunks are page-multiples; the mark bitmap is page-granular because large
// objects never share a page.
type LargeObjectSpace struct {
	a     *arena.Arena
	begin arena.Address
	end   arena.Address

	mark *bitmap.Bitmap

	mu        sync.Mutex
	cursor    arena.Address
	freed     []chunk
	allocated map[arena.Address]uintptr
}

const losPageShift = 12

// NewLargeObjectSpace returns a space over [begin, begin+size).
func NewLargeObjectSpace(a *arena.Arena, begin arena.Address, size uintptr) *LargeObjectSpace {
	return &LargeObjectSpace{
		a:         a,
		begin:     begin,
		end:       begin.Add(size),
		mark:      bitmap.New("large object mark bitmap", begin, size, losPageShift),
		cursor:    begin,
		allocated: make(map[arena.Address]uintptr),
	}
}

// Begin returns the first address of the space.
func (s *LargeObjectSpace) Begin() arena.Address { return s.begin }

// End returns the address just past the space.
func (s *LargeObjectSpace) End() arena.Address { return s.end }

// HasAddress reports whether ref lies in the space.
func (s *LargeObjectSpace) HasAddress(ref arena.Address) bool {
	return ref >= s.begin && ref < s.end
}

// MarkBitmap returns the page-granular mark bitmap.
func (s *LargeObjectSpace) MarkBitmap() *bitmap.Bitmap { return s.mark }

// Alloc reserves a page-multiple chunk for size bytes. Returns the null
// address when the space is exhausted.
func (s *LargeObjectSpace) Alloc(size uintptr) arena.Address {
	pages := (size + (1 << losPageShift) - 1) &^ ((1 << losPageShift) - 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.freed {
		if c.size >= pages {
			s.freed = append(s.freed[:i], s.freed[i+1:]...)
			if c.size > pages {
				s.freed = append(s.freed, chunk{addr: c.addr.Add(pages), size: c.size - pages})
			}
			s.allocated[c.addr] = pages
			s.a.Memset(c.addr, pages)
			return c.addr
		}
	}
	if s.cursor.Add(pages) > s.end {
		return 0
	}
	addr := s.cursor
	s.cursor = s.cursor.Add(pages)
	s.allocated[addr] = pages
	return addr
}

// Free releases a chunk.
func (s *LargeObjectSpace) Free(addr arena.Address) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.allocated[addr]
	if !ok {
		panic(fmt.Sprintf("heap: freeing unallocated large object %#x", addr))
	}
	delete(s.allocated, addr)
	s.mark.Clear(addr)
	s.freed = append(s.freed, chunk{addr: addr, size: size})
	return size
}

// SnapshotAllocated returns the addresses of every currently allocated
// chunk, for the collector's flip-time sweep snapshot.
func (s *LargeObjectSpace) SnapshotAllocated() []arena.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]arena.Address, 0, len(s.allocated))
	for addr := range s.allocated {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Sweep frees every chunk that shouldLive rejects.
func (s *LargeObjectSpace) Sweep(shouldLive func(arena.Address) bool) (bytesFreed, objectsFreed uint64) {
	s.mu.Lock()
	victims := make([]arena.Address, 0)
	for addr := range s.allocated {
		if !shouldLive(addr) {
			victims = append(victims, addr)
		}
	}
	s.mu.Unlock()
	for _, addr := range victims {
		bytesFreed += uint64(s.Free(addr))
		objectsFreed++
	}
	return bytesFreed, objectsFreed
}

// ForEachAllocated calls fn with every allocated chunk address.
func (s *LargeObjectSpace) ForEachAllocated(fn func(arena.Address)) {
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
