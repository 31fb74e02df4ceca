package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/object"
)

func testLayout() Layout {
	return Layout{
		RegionSize:         64 * 1024,
		ImmuneSize:         64 * 1024,
		NonMovingSize:      128 * 1024,
		LargeObjectSize:    128 * 1024,
		RegionSpaceSize:    512 * 1024,
		EvacLivePercent:    75,
		TLABSize:           4096,
		AllocStackCapacity: 4096,
	}
}

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := New(testLayout())
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return h
}

func TestLayoutValidation(t *testing.T) {
	l := testLayout()
	l.NonMovingSize = 1000 // not a multiple of the region size
	_, err := New(l)
	require.Error(t, err)
}

func TestSpacesAreDisjoint(t *testing.T) {
	h := newTestHeap(t)
	type space struct {
		name       string
		begin, end arena.Address
	}
	spaces := []space{
		{"immune", h.Immune.Begin(), h.Immune.End()},
		{"nonmoving", h.NonMoving.Begin(), h.NonMoving.End()},
		{"large", h.Large.Begin(), h.Large.End()},
		{"region", h.Region.Begin(), h.Region.End()},
	}
	for i, a := range spaces {
		if a.begin.IsNull() {
			t.Errorf("%s space starts at the null page", a.name)
		}
		for _, b := range spaces[i+1:] {
			if a.begin < b.end && b.begin < a.end {
				t.Errorf("%s and %s overlap", a.name, b.name)
			}
		}
	}
}

func TestAllocObjectUsesTLAB(t *testing.T) {
	h := newTestHeap(t)
	th := h.Threads.Attach("mutator")

	a1 := h.AllocObject(th, object.RootClassID, 0)
	a2 := h.AllocObject(th, object.RootClassID, 0)
	require.False(t, a1.IsNull())
	require.Equal(t, a1.Add(object.HeaderSize), a2, "TLAB bump is not contiguous")
	require.True(t, h.Region.IsInToSpace(a1))

	// Both are on the allocation stack.
	require.True(t, h.IsOnAllocStack(a1))
	require.True(t, h.IsOnAllocStack(a2))
}

func TestAllocObjectLarge(t *testing.T) {
	h := newTestHeap(t)
	th := h.Threads.Attach("mutator")

	// An int array bigger than a region goes to large regions.
	elems := uint64((testLayout().RegionSize * 2) / 4)
	addr := h.AllocObject(th, object.IntArrayClassID, elems)
	require.False(t, addr.IsNull())
	require.True(t, h.Region.IsInToSpace(addr))
	require.Equal(t, elems, h.Model.ArrayLength(addr))
}

func TestNonMovingAllocFreeCoalesce(t *testing.T) {
	h := newTestHeap(t)
	nm := h.NonMoving

	a1 := nm.Alloc(nil, 64)
	a2 := nm.Alloc(nil, 64)
	a3 := nm.Alloc(nil, 64)
	require.False(t, a3.IsNull())
	require.True(t, nm.LiveBitmap().Test(a1))

	nm.Free(nil, a1)
	nm.Free(nil, a2) // coalesces with a1's chunk
	require.False(t, nm.LiveBitmap().Test(a1))

	// The coalesced chunk serves a single 128-byte allocation again.
	a4 := nm.Alloc(nil, 128)
	require.Equal(t, a1, a4)
}

func TestNonMovingSweep(t *testing.T) {
	h := newTestHeap(t)
	nm := h.NonMoving

	live := nm.Alloc(nil, 64)
	dead := nm.Alloc(nil, 64)
	nm.MarkBitmap().Set(live)

	bytesFreed, objectsFreed := nm.Sweep(func(ref arena.Address) bool {
		return nm.MarkBitmap().Test(ref)
	})
	require.Equal(t, uint64(64), bytesFreed)
	require.Equal(t, uint64(1), objectsFreed)
	require.True(t, nm.LiveBitmap().Test(live))
	require.False(t, nm.LiveBitmap().Test(dead))
}

func TestLargeObjectSpace(t *testing.T) {
	h := newTestHeap(t)
	los := h.Large

	a1 := los.Alloc(5000) // rounds to two pages
	require.False(t, a1.IsNull())
	a2 := los.Alloc(100)
	require.False(t, a2.IsNull())
	require.Equal(t, a1.Add(8192), a2)

	los.Free(a1)
	a3 := los.Alloc(8000)
	require.Equal(t, a1, a3, "freed chunk not reused")
}

func TestCardTable(t *testing.T) {
	h := newTestHeap(t)
	ct := h.Cards

	base := h.Immune.Begin()
	ct.MarkCard(base.Add(10))
	require.True(t, ct.IsDirty(base.Add(10)))
	require.True(t, ct.IsDirty(base), "addresses on one card disagree")

	var visited []arena.Address
	ct.VisitDirtyRange(h.Immune.Begin(), h.Immune.End(), func(cardBase arena.Address) {
		visited = append(visited, cardBase)
	})
	require.Len(t, visited, 1)
	require.False(t, ct.IsDirty(base), "visit did not clean the card")
}

func TestWriteRefDirtiesCard(t *testing.T) {
	h := newTestHeap(t)
	th := h.Threads.Attach("mutator")

	node := h.Classes.MustRegister(object.Class{Name: "node", Size: 32, RefOffsets: []uintptr{16}})
	holder := h.AllocObject(th, node, 0)
	target := h.AllocObject(th, object.RootClassID, 0)
	h.WriteRef(th, holder, 16, target)
	require.True(t, h.Cards.IsDirty(holder))
	require.Equal(t, target, h.ReadRefDirect(holder, 16))
}

func TestImmuneSpaceSeal(t *testing.T) {
	h := newTestHeap(t)
	addr := h.AllocImmune(object.RootClassID, 0)
	require.True(t, h.ImmuneContains(addr))
	require.True(t, h.Immune.LiveBitmap().Test(addr))

	h.Immune.Seal()
	defer func() {
		if recover() == nil {
			t.Error("immune allocation after seal did not panic")
		}
	}()
	h.AllocImmune(object.RootClassID, 0)
}

func TestSwapStacks(t *testing.T) {
	h := newTestHeap(t)
	th := h.Threads.Attach("mutator")

	a1 := h.AllocObject(th, object.RootClassID, 0)
	require.Equal(t, 1, h.AllocationStack().Size())

	h.SwapStacks()
	require.Equal(t, 0, h.AllocationStack().Size())
	require.Equal(t, 1, h.LiveStack().Size())
	require.Equal(t, 1, h.LiveStackFreezeSize())
	require.False(t, h.IsOnAllocStack(a1))
}
