package bitmap

import (
	"testing"

	"github.com/lumen-rt/lumen/arena"
)

func TestSetTestClear(t *testing.T) {
	b := New("test", 0x1000, 0x1000, 3)

	addr := arena.Address(0x1040)
	if b.Test(addr) {
		t.Error("fresh bitmap has a set bit")
	}
	if b.Set(addr) {
		t.Error("Set reported an already-set bit")
	}
	if !b.Test(addr) {
		t.Error("bit not set after Set")
	}
	if !b.Set(addr) {
		t.Error("second Set did not report the set bit")
	}
	if !b.Clear(addr) {
		t.Error("Clear did not report the set bit")
	}
	if b.Test(addr) {
		t.Error("bit survived Clear")
	}
}

func TestAtomicTestAndSet(t *testing.T) {
	b := New("test", 0x1000, 0x1000, 3)
	addr := arena.Address(0x1008)
	if b.AtomicTestAndSet(addr) {
		t.Error("first AtomicTestAndSet reported already-set")
	}
	if !b.AtomicTestAndSet(addr) {
		t.Error("second AtomicTestAndSet reported newly-set")
	}
}

func TestVisitMarkedRange(t *testing.T) {
	b := New("test", 0x1000, 0x10000, 3)
	marked := []arena.Address{0x1000, 0x1008, 0x1400, 0x8ff8, 0x10ff8}
	for _, a := range marked {
		b.Set(a)
	}

	var got []arena.Address
	b.VisitMarkedRange(b.Begin(), b.End(), func(a arena.Address) { got = append(got, a) })
	if len(got) != len(marked) {
		t.Fatalf("visited %d addresses, want %d: %#v", len(got), len(marked), got)
	}
	for i, a := range marked {
		if got[i] != a {
			t.Errorf("visit order [%d] = %#x, want %#x", i, got[i], a)
		}
	}

	// Sub-range excludes both ends.
	got = nil
	b.VisitMarkedRange(0x1008, 0x8ff8, func(a arena.Address) { got = append(got, a) })
	if len(got) != 2 || got[0] != 0x1008 || got[1] != 0x1400 {
		t.Errorf("sub-range visit = %#v", got)
	}
}

func TestClearAll(t *testing.T) {
	b := New("test", 0, 0x1000, 3)
	b.Set(0x10)
	b.Set(0xff8)
	b.ClearAll()
	count := 0
	b.VisitMarkedRange(b.Begin(), b.End(), func(arena.Address) { count++ })
	if count != 0 {
		t.Errorf("%d bits survived ClearAll", count)
	}
}

func TestCoarseGranularity(t *testing.T) {
	b := New("los", 0, 1<<20, 12)
	b.Set(0x3000)
	if !b.Test(0x3000) {
		t.Error("page bit not set")
	}
	if !b.Test(0x3abc) {
		t.Error("interior address does not map to its page bit")
	}
	if b.Test(0x4000) {
		t.Error("neighboring page bit set")
	}
}
