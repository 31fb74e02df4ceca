package objstack

import (
	"sync"
	"testing"

	"github.com/lumen-rt/lumen/arena"
)

func TestPushPopOrder(t *testing.T) {
	s := New("test", 8)
	for i := 1; i <= 3; i++ {
		s.PushBack(arena.Address(i * 16))
	}
	for want := 3; want >= 1; want-- {
		ref, ok := s.PopBack()
		if !ok || ref != arena.Address(want*16) {
			t.Fatalf("PopBack = %#x, %v; want %#x", ref, ok, want*16)
		}
	}
	if _, ok := s.PopBack(); ok {
		t.Error("PopBack on an empty stack succeeded")
	}
}

func TestAtomicPushFull(t *testing.T) {
	s := New("test", 2)
	if !s.AtomicPush(16) || !s.AtomicPush(32) {
		t.Fatal("pushes below capacity failed")
	}
	if s.AtomicPush(48) {
		t.Error("push on a full stack succeeded")
	}
	if !s.IsFull() {
		t.Error("full stack does not report IsFull")
	}
}

func TestAtomicPushConcurrent(t *testing.T) {
	const pushers, each = 8, 100
	s := New("test", pushers*each)
	var wg sync.WaitGroup
	for p := 0; p < pushers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if !s.AtomicPush(arena.Address((p*each + i + 1) * 16)) {
					t.Error("concurrent push failed below capacity")
					return
				}
			}
		}(p)
	}
	wg.Wait()
	if s.Size() != pushers*each {
		t.Errorf("size = %d, want %d", s.Size(), pushers*each)
	}
	seen := make(map[arena.Address]bool)
	for _, ref := range s.Slice() {
		if seen[ref] {
			t.Fatalf("duplicate entry %#x", ref)
		}
		seen[ref] = true
	}
}

func TestResizePreservesOrder(t *testing.T) {
	s := New("test", 4)
	for i := 1; i <= 4; i++ {
		s.PushBack(arena.Address(i * 16))
	}
	s.Resize(16)
	if s.Capacity() != 16 {
		t.Errorf("capacity = %d, want 16", s.Capacity())
	}
	for want := 4; want >= 1; want-- {
		ref, ok := s.PopBack()
		if !ok || ref != arena.Address(want*16) {
			t.Fatalf("after resize PopBack = %#x, %v; want %#x", ref, ok, want*16)
		}
	}
}

func TestPoolReuse(t *testing.T) {
	p := NewPool("tl", 4)
	s1 := p.Get()
	s1.PushBack(16)
	s1.Reset()
	p.Put(s1)
	s2 := p.Get()
	if s1 != s2 {
		t.Error("pool did not hand back the pooled stack")
	}
	if !s2.IsEmpty() {
		t.Error("pooled stack is not empty")
	}
}
