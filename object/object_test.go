package object

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-rt/lumen/arena"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	a, err := arena.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { a.Release() })
	return &Model{Arena: a, Classes: NewTable()}
}

func TestLockWordStates(t *testing.T) {
	var lw LockWord
	if lw.State() != StateThin || lw.IsForwardingAddress() {
		t.Error("zero lock word is not thin/unlocked")
	}

	fwd := ForwardingLockWord(arena.Address(0x1230))
	if !fwd.IsForwardingAddress() {
		t.Fatal("forwarding word does not report forwarding")
	}
	if got := fwd.ForwardingAddress(); got != 0x1230 {
		t.Errorf("ForwardingAddress = %#x, want 0x1230", got)
	}

	hash := HashLockWord(0xabcd)
	if hash.State() != StateHash {
		t.Error("hash word has wrong state")
	}

	thin := ThinLockWord(3, 2)
	if thin.State() != StateThin {
		t.Error("thin word has wrong state")
	}
}

func TestLockWordMarkBit(t *testing.T) {
	hash := HashLockWord(99)
	if hash.MarkBit() {
		t.Error("fresh hash word carries the mark bit")
	}
	marked := hash.WithMarkBit()
	if !marked.MarkBit() {
		t.Error("WithMarkBit did not set the mark bit")
	}
	if marked.State() != StateHash {
		t.Error("mark bit clobbered the state")
	}
	if marked.WithoutMarkBit() != hash {
		t.Error("WithoutMarkBit did not restore the original word")
	}
}

func TestTableRegister(t *testing.T) {
	tab := NewTable()

	id, err := tab.Register(Class{Name: "pair", Size: 32, RefOffsets: []uintptr{16, 24}})
	require.NoError(t, err)
	if got := tab.Get(id).Name; got != "pair" {
		t.Errorf("registered class name = %q", got)
	}

	// Unaligned size.
	_, err = tab.Register(Class{Name: "bad", Size: 20})
	require.Error(t, err)

	// Ref offset inside the header.
	_, err = tab.Register(Class{Name: "bad", Size: 32, RefOffsets: []uintptr{8}})
	require.Error(t, err)

	// Fixed-size and array at once.
	_, err = tab.Register(Class{Name: "bad", Size: 32, ElemSize: 4})
	require.Error(t, err)
}

func TestInitObjectAndSizeOf(t *testing.T) {
	m := newTestModel(t)
	pair := m.Classes.MustRegister(Class{Name: "pair", Size: 32, RefOffsets: []uintptr{16, 24}})

	addr := arena.Address(64)
	m.InitObject(addr, pair, 0)
	if got := m.ClassOf(addr).ID; got != pair {
		t.Errorf("ClassOf = %d, want %d", got, pair)
	}
	if got := m.SizeOf(addr); got != 32 {
		t.Errorf("SizeOf = %d, want 32", got)
	}
	if got := m.RBStateOf(addr); got != White {
		t.Errorf("fresh object rb state = %s", got)
	}

	arr := arena.Address(128)
	m.InitObject(arr, IntArrayClassID, 10)
	if got := m.SizeOf(arr); got != ArrayHeaderSize+40 {
		t.Errorf("array SizeOf = %d, want %d", got, ArrayHeaderSize+40)
	}
	if got := m.AllocSize(arr); got != RoundUp(ArrayHeaderSize+40) {
		t.Errorf("array AllocSize = %d", got)
	}
}

func TestVisitReferences(t *testing.T) {
	m := newTestModel(t)
	pair := m.Classes.MustRegister(Class{Name: "pair", Size: 32, RefOffsets: []uintptr{16, 24}})
	refArr := m.Classes.MustRegister(Class{Name: "object[]", ElemSize: 8, ElemRef: true})

	addr := arena.Address(64)
	m.InitObject(addr, pair, 0)
	var slots []arena.Address
	m.VisitReferences(addr, func(slot arena.Address) { slots = append(slots, slot) })
	require.Equal(t, []arena.Address{addr.Add(16), addr.Add(24)}, slots)

	arr := arena.Address(128)
	m.InitObject(arr, refArr, 3)
	slots = nil
	m.VisitReferences(arr, func(slot arena.Address) { slots = append(slots, slot) })
	require.Equal(t, []arena.Address{arr.Add(24), arr.Add(32), arr.Add(40)}, slots)
}

func TestReferentNotVisited(t *testing.T) {
	m := newTestModel(t)
	weak := m.Classes.MustRegister(Class{Name: "weakref", Size: 32, ReferentOffset: 16})

	addr := arena.Address(64)
	m.InitObject(addr, weak, 0)
	m.StoreRef(addr.Add(16), 0x40)
	m.VisitReferences(addr, func(slot arena.Address) {
		t.Errorf("referent slot %#x visited as a plain reference", slot)
	})
	if !m.Classes.Get(weak).IsReference() {
		t.Error("weak class does not report IsReference")
	}
}

func TestFillWithFillerObject(t *testing.T) {
	m := newTestModel(t)

	// A header-sized hole takes the root class fallback.
	small := arena.Address(64)
	m.FillWithFillerObject(small, HeaderSize)
	if got := m.ClassOf(small).ID; got != RootClassID {
		t.Errorf("small filler class = %d, want root class", got)
	}
	if got := m.AllocSize(small); got != HeaderSize {
		t.Errorf("small filler covers %d bytes, want %d", got, HeaderSize)
	}

	// Anything larger becomes an int array covering the hole exactly.
	for _, size := range []uintptr{32, 48, 64, 160} {
		addr := arena.Address(512)
		m.FillWithFillerObject(addr, size)
		if got := m.ClassOf(addr).ID; got != IntArrayClassID {
			t.Errorf("filler(%d) class = %d, want int array", size, got)
		}
		if got := m.AllocSize(addr); got != size {
			t.Errorf("filler(%d) covers %d bytes", size, got)
		}
	}
}

func TestCasLockWordInstallsForwarding(t *testing.T) {
	m := newTestModel(t)
	addr := arena.Address(64)
	m.InitObject(addr, RootClassID, 0)

	old := m.LockWordOf(addr)
	fwd := ForwardingLockWord(arena.Address(0x200))
	if !m.CasLockWord(addr, old, fwd) {
		t.Fatal("CAS failed on an uncontended lock word")
	}
	if m.CasLockWord(addr, old, ForwardingLockWord(0x300)) {
		t.Error("second CAS with a stale old value succeeded")
	}
	if got := m.LockWordOf(addr).ForwardingAddress(); got != 0x200 {
		t.Errorf("forwarding address = %#x, want 0x200", got)
	}
}
