package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRoundsToPageSize(t *testing.T) {
	a, err := New(1000)
	require.NoError(t, err)
	defer a.Release()

	if a.Size()%4096 != 0 {
		t.Errorf("arena size %d is not page aligned", a.Size())
	}
	if a.Size() < 1000 {
		t.Errorf("arena size %d smaller than requested", a.Size())
	}
}

func TestContains(t *testing.T) {
	a, err := New(8192)
	require.NoError(t, err)
	defer a.Release()

	if a.Contains(0) {
		t.Error("null address reported as contained")
	}
	if !a.Contains(8) {
		t.Error("interior address reported as not contained")
	}
	if a.Contains(Address(a.Size())) {
		t.Error("end address reported as contained")
	}
}

func TestWordAtomics(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Release()

	addr := Address(64)
	if got := a.LoadWord(addr); got != 0 {
		t.Errorf("fresh arena word = %#x, want 0", got)
	}
	a.StoreWord(addr, 0xdeadbeef)
	if got := a.LoadWord(addr); got != 0xdeadbeef {
		t.Errorf("LoadWord = %#x, want 0xdeadbeef", got)
	}
	if a.CasWord(addr, 1, 2) {
		t.Error("CasWord succeeded with a stale old value")
	}
	if !a.CasWord(addr, 0xdeadbeef, 7) {
		t.Error("CasWord failed with the current old value")
	}
	if got := a.AddWord(addr, 3); got != 10 {
		t.Errorf("AddWord = %d, want 10", got)
	}
}

func TestHalfWordAtomics(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Release()

	addr := Address(100)
	a.StoreHalf(addr, 42)
	if got := a.LoadHalf(addr); got != 42 {
		t.Errorf("LoadHalf = %d, want 42", got)
	}
	if !a.CasHalf(addr, 42, 43) {
		t.Error("CasHalf failed with the current old value")
	}
}

func TestUnalignedWordPanics(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Release()

	defer func() {
		if recover() == nil {
			t.Error("unaligned word access did not panic")
		}
	}()
	a.LoadWord(Address(12))
}

func TestMemcpyAndMemset(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Release()

	src, dst := Address(0), Address(256)
	copy(a.Slice(src, 4), []byte{1, 2, 3, 4})
	a.Memcpy(dst, src, 4)
	require.Equal(t, []byte{1, 2, 3, 4}, a.Slice(dst, 4))

	a.Memset(dst, 4)
	require.Equal(t, []byte{0, 0, 0, 0}, a.Slice(dst, 4))
}
