// Package region implements the moving part of the heap: a space of
// fixed-size regions whose roles flip at collection boundaries, and the
// read-barrier table mutators consult on every reference load.
package region

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/mutator"
)

const asserts = true

// Type is the role of a region. Roles change only at phase boundaries,
// atomically for all regions at once under the exclusive mutator lock.
type Type uint32

const (
	// TypeFree regions are unallocated.
	TypeFree Type = iota
	// TypeToSpace regions hold live allocations: evacuation targets during a
	// cycle, and every allocated region outside one.
	TypeToSpace
	// TypeFromSpace regions are condemned: their survivors are copied out
	// and the regions reclaimed at the end of the cycle.
	TypeFromSpace
	// TypeUnevacFromSpace regions are scanned in place: dense enough that
	// copying would not pay.
	TypeUnevacFromSpace
	// TypeLarge is the head region of a multi-region large object.
	TypeLarge
	// TypeLargeTail regions continue a large object.
	TypeLargeTail
)

func (t Type) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeToSpace:
		return "toSpace"
	case TypeFromSpace:
		return "fromSpace"
	case TypeUnevacFromSpace:
		return "unevacFromSpace"
	case TypeLarge:
		return "large"
	case TypeLargeTail:
		return "largeTail"
	default:
		return "!err"
	}
}

// region is the per-region bookkeeping. top is an arena offset so that the
// bump pointer can be a single atomic word.
type region struct {
	begin arena.Address
	end   arena.Address

	rtype            atomic.Uint32
	top              atomic.Uint64
	liveBytes        atomic.Uint64
	objectsAllocated atomic.Uint64

	// newlyAllocated is set when the region was claimed since the last
	// collection; such regions always evacuate because their live estimate
	// is unknown. Written under the space mutex or the flip pause.
	newlyAllocated bool
}

func (r *region) typ() Type { return Type(r.rtype.Load()) }

func (r *region) setType(t Type) { r.rtype.Store(uint32(t)) }

func (r *region) usedBytes() uintptr {
	return uintptr(arena.Address(r.top.Load()) - r.begin)
}

// Info is a snapshot of one region, for walkers and diagnostics.
type Info struct {
	Index int
	Type  Type
	Begin arena.Address
	Top   arena.Address
}

// Space is the region space. Allocation is a bump within the current
// evacuation region with a CAS on its top; claiming a fresh region takes the
// space mutex.
type Space struct {
	a          *arena.Arena
	begin      arena.Address
	size       uintptr
	regionSize uintptr
	shift      uint
	regions    []region
	table      *Table

	mu      sync.Mutex // region claiming, large allocation
	current atomic.Int64

	evacLivePercent uintptr
	tlabSize        uintptr

	// fillHole makes an unused allocation tail walkable. Wired by the heap
	// to the object model's filler writer.
	fillHole func(addr arena.Address, size uintptr)
}

// NewSpace builds a region space over [begin, begin+size) of the arena. The
// region size must be a power of two and divide both the offset and size.
func NewSpace(a *arena.Arena, begin arena.Address, size, regionSize uintptr, table *Table, evacLivePercent, tlabSize uintptr) *Space {
	if bits.OnesCount64(uint64(regionSize)) != 1 {
		panic("region: region size is not a power of two")
	}
	if size%regionSize != 0 || !begin.AlignedTo(regionSize) {
		panic("region: space not aligned to region size")
	}
	if table == nil || uintptr(1)<<table.RegionShift() != regionSize {
		panic("region: read-barrier table granularity does not match region size")
	}
	s := &Space{
		a:               a,
		begin:           begin,
		size:            size,
		regionSize:      regionSize,
		shift:           uint(bits.TrailingZeros64(uint64(regionSize))),
		regions:         make([]region, size/regionSize),
		table:           table,
		evacLivePercent: evacLivePercent,
		tlabSize:        tlabSize,
	}
	for i := range s.regions {
		r := &s.regions[i]
		r.begin = begin.Add(uintptr(i) * regionSize)
		r.end = r.begin.Add(regionSize)
		r.top.Store(uint64(r.begin))
	}
	s.current.Store(-1)
	return s
}

// SetHoleFiller wires the callback used to keep regions walkable across
// abandoned allocation tails.
func (s *Space) SetHoleFiller(fn func(addr arena.Address, size uintptr)) {
	s.fillHole = fn
}

// Begin returns the first address of the space.
func (s *Space) Begin() arena.Address { return s.begin }

// End returns the address just past the space.
func (s *Space) End() arena.Address { return s.begin.Add(s.size) }

// RegionSizeBytes returns the region size.
func (s *Space) RegionSizeBytes() uintptr { return s.regionSize }

// Table returns the paired read-barrier table.
func (s *Space) Table() *Table { return s.table }

// HasAddress reports whether ref lies in the region space.
func (s *Space) HasAddress(ref arena.Address) bool {
	return ref >= s.begin && ref < s.End()
}

func (s *Space) regionOf(ref arena.Address) *region {
	if asserts && !s.HasAddress(ref) {
		panic(fmt.Sprintf("region: address %#x outside the space", ref))
	}
	return &s.regions[uintptr(ref-s.begin)>>s.shift]
}

// RegionType returns the role of the region holding ref itself. A large
// object's tail regions report TypeLargeTail outside a cycle; SetFromSpace
// gives them the same from-space or unevac role as their head.
func (s *Space) RegionType(ref arena.Address) Type {
	return s.regionOf(ref).typ()
}

// IsInFromSpace reports whether ref lies in a condemned region.
func (s *Space) IsInFromSpace(ref arena.Address) bool {
	return s.HasAddress(ref) && s.regionOf(ref).typ() == TypeFromSpace
}

// IsInUnevacFromSpace reports whether ref lies in a scan-in-place region.
func (s *Space) IsInUnevacFromSpace(ref arena.Address) bool {
	return s.HasAddress(ref) && s.regionOf(ref).typ() == TypeUnevacFromSpace
}

// IsInToSpace reports whether ref lies in a to-space (or large to-space)
// region.
func (s *Space) IsInToSpace(ref arena.Address) bool {
	if !s.HasAddress(ref) {
		return false
	}
	switch s.regionOf(ref).typ() {
	case TypeToSpace, TypeLarge, TypeLargeTail:
		return true
	}
	return false
}

// AllocNonvirtual bump-allocates size bytes in the current to-space region,
// claiming a new region on overflow. Returns the null address when the space
// is exhausted. Size must be aligned; sizes above the region size go to
// large regions.
func (s *Space) AllocNonvirtual(size uintptr) arena.Address {
	if asserts && size%arena.WordSize != 0 {
		panic("region: unaligned allocation size")
	}
	if size > s.regionSize {
		return s.AllocLarge(size)
	}
	for {
		if cur := s.current.Load(); cur >= 0 {
			r := &s.regions[cur]
			if addr := s.allocInRegion(r, size); !addr.IsNull() {
				return addr
			}
		}
		if !s.claimNewRegion(size) {
			return 0
		}
	}
}

func (s *Space) allocInRegion(r *region, size uintptr) arena.Address {
	for {
		top := arena.Address(r.top.Load())
		if top.Add(size) > r.end {
			return 0
		}
		if r.top.CompareAndSwap(uint64(top), uint64(top.Add(size))) {
			r.objectsAllocated.Add(1)
			return top
		}
	}
}

// claimNewRegion makes a free region the current one. Returns false when no
// region is free.
func (s *Space) claimNewRegion(size uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Someone else may have claimed one with room for us while we waited
	// for the lock.
	if cur := s.current.Load(); cur >= 0 {
		r := &s.regions[cur]
		if arena.Address(r.top.Load()).Add(size) <= r.end {
			return true
		}
	}
	for i := range s.regions {
		r := &s.regions[i]
		if r.typ() == TypeFree {
			r.setType(TypeToSpace)
			r.newlyAllocated = true
			r.top.Store(uint64(r.begin))
			s.current.Store(int64(i))
			return true
		}
	}
	return false
}

// AllocLarge allocates a contiguous run of whole regions for an object of
// the given size. Returns the null address when no run is free.
func (s *Space) AllocLarge(size uintptr) arena.Address {
	need := int((size + s.regionSize - 1) / s.regionSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	run := 0
	for i := range s.regions {
		if s.regions[i].typ() != TypeFree {
			run = 0
			continue
		}
		run++
		if run < need {
			continue
		}
		first := i - need + 1
		for j := first; j <= i; j++ {
			r := &s.regions[j]
			if j == first {
				r.setType(TypeLarge)
			} else {
				r.setType(TypeLargeTail)
			}
			r.newlyAllocated = true
			r.top.Store(uint64(r.end))
		}
		head := &s.regions[first]
		head.objectsAllocated.Add(1)
		return head.begin
	}
	return 0
}

// FreeLarge returns the regions of a large object to the free pool
// immediately; the collector calls this for large copies that lost the
// forwarding race.
func (s *Space) FreeLarge(ref arena.Address, size uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.regionOf(ref)
	if asserts && r.typ() != TypeLarge && r.typ() != TypeFromSpace {
		panic("region: FreeLarge on a non-large region")
	}
	n := int((size + s.regionSize - 1) / s.regionSize)
	idx := int(uintptr(ref-s.begin) >> s.shift)
	for j := idx; j < idx+n; j++ {
		reg := &s.regions[j]
		s.a.Memset(reg.begin, s.regionSize)
		reg.setType(TypeFree)
		reg.newlyAllocated = false
		reg.top.Store(uint64(reg.begin))
		reg.liveBytes.Store(0)
		reg.objectsAllocated.Store(0)
	}
}

// AllocTLAB carves a thread-local allocation buffer out of the current
// region and installs it on the thread. Returns false when the space is
// exhausted.
func (s *Space) AllocTLAB(t *mutator.Thread, minSize uintptr) bool {
	size := s.tlabSize
	if size < minSize {
		size = minSize
	}
	addr := s.AllocNonvirtual(size)
	if addr.IsNull() {
		return false
	}
	s.RevokeThreadLocalBuffers(t)
	t.TLABStart = addr
	t.TLABPos = addr
	t.TLABEnd = addr.Add(size)
	return true
}

// RevokeThreadLocalBuffers takes away the thread's TLAB, filling the unused
// tail so the region stays walkable. Called from the flip pause and from
// revoke checkpoints, when the owner is quiescent with respect to the TLAB.
func (s *Space) RevokeThreadLocalBuffers(t *mutator.Thread) {
	if t.TLABStart.IsNull() {
		return
	}
	if tail := uintptr(t.TLABEnd - t.TLABPos); tail > 0 && s.fillHole != nil {
		s.fillHole(t.TLABPos, tail)
	}
	t.TLABStart = 0
	t.TLABPos = 0
	t.TLABEnd = 0
}

// AddLiveBytes accumulates the live-byte estimate of the region holding
// ref. The collector calls this for every object it marks in place.
func (s *Space) AddLiveBytes(ref arena.Address, size uintptr) {
	r := s.regionOf(ref)
	if asserts && r.typ() != TypeUnevacFromSpace {
		panic("region: live bytes on a region not scanned in place")
	}
	r.liveBytes.Add(uint64(size))
}

// RecordAlloc accounts an object placed into a region by means other than
// AllocNonvirtual (skipped-block reuse).
func (s *Space) RecordAlloc(ref arena.Address) {
	s.regionOf(ref).objectsAllocated.Add(1)
}

// SetFromSpace re-roles every allocated region for a new cycle: condemned
// regions become from-space, dense ones unevac-from-space. Must run under
// the exclusive mutator lock; the read-barrier table is flipped in lockstep
// so mutators see the new role of each region as soon as they resume.
//
// When forceEvacuateAll is set every allocated region is condemned. The
// live-byte estimates consumed here were accumulated by the previous cycle;
// regions claimed since then always evacuate.
func (s *Space) SetFromSpace(forceEvacuateAll bool) {
	s.current.Store(-1)
	evacuateRun := false
	for i := range s.regions {
		r := &s.regions[i]
		t := r.typ()
		if t == TypeFree {
			continue
		}
		if t == TypeLargeTail {
			// Tails follow the decision made for their head.
			if evacuateRun {
				r.setType(TypeFromSpace)
				s.table.Set(r.begin)
			} else {
				r.setType(TypeUnevacFromSpace)
				r.liveBytes.Store(0)
				s.table.Set(r.begin)
			}
			continue
		}
		evacuate := forceEvacuateAll || r.newlyAllocated ||
			uintptr(r.liveBytes.Load())*100 < s.evacLivePercent*r.usedBytes()
		evacuateRun = evacuate
		if evacuate {
			r.setType(TypeFromSpace)
		} else {
			r.setType(TypeUnevacFromSpace)
			r.liveBytes.Store(0)
		}
		s.table.Set(r.begin)
	}
}

// ClearFromSpace reclaims every from-space region, returning the freed byte
// and object counts. Unevac regions survive as ordinary to-space regions.
func (s *Space) ClearFromSpace() (bytesFreed, objectsFreed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.regions {
		r := &s.regions[i]
		switch r.typ() {
		case TypeFromSpace:
			bytesFreed += uint64(r.usedBytes())
			objectsFreed += r.objectsAllocated.Load()
			s.a.Memset(r.begin, s.regionSize)
			r.setType(TypeFree)
			r.newlyAllocated = false
			r.top.Store(uint64(r.begin))
			r.liveBytes.Store(0)
			r.objectsAllocated.Store(0)
		case TypeUnevacFromSpace:
			r.setType(TypeToSpace)
			r.newlyAllocated = false
		case TypeToSpace, TypeLarge, TypeLargeTail:
			// Fresh evacuation targets; they stay. Everything in them was
			// copied this cycle, so their used bytes are their live
			// estimate for the next cycle's policy.
			r.newlyAllocated = false
			r.liveBytes.Store(uint64(r.usedBytes()))
		}
	}
	return bytesFreed, objectsFreed
}

// ForEachRegion calls fn with a snapshot of every non-free region.
func (s *Space) ForEachRegion(fn func(Info)) {
	for i := range s.regions {
		r := &s.regions[i]
		t := r.typ()
		if t == TypeFree {
			continue
		}
		fn(Info{Index: i, Type: t, Begin: r.begin, Top: arena.Address(r.top.Load())})
	}
}

// EvacBytes returns the bytes currently held by condemned regions; the
// collector uses it for the bytes-accounting invariant.
func (s *Space) EvacBytes() uint64 {
	var n uint64
	for i := range s.regions {
		r := &s.regions[i]
		if r.typ() == TypeFromSpace {
			n += uint64(r.usedBytes())
		}
	}
	return n
}
