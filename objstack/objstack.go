// Package objstack provides the bounded object stacks the collector and the
// heap use for mark stacks and for the allocation/live stacks. A stack is a
// fixed-capacity array of addresses with an atomic back index: mutators push
// concurrently with AtomicPush, while a single owner may use the cheaper
// PushBack/PopBack.
package objstack

import (
	"sync"
	"sync/atomic"

	"github.com/lumen-rt/lumen/arena"
)

const asserts = true

// Stack is a bounded LIFO of object addresses.
type Stack struct {
	name string
	refs []arena.Address
	back atomic.Uint64
}

// New returns an empty stack with the given capacity.
func New(name string, capacity int) *Stack {
	return &Stack{name: name, refs: make([]arena.Address, capacity)}
}

// Name returns the stack's debug name.
func (s *Stack) Name() string { return s.name }

// AtomicPush pushes ref, returning false when the stack is full. Safe for
// concurrent pushers.
func (s *Stack) AtomicPush(ref arena.Address) bool {
	for {
		back := s.back.Load()
		if back >= uint64(len(s.refs)) {
			return false
		}
		if s.back.CompareAndSwap(back, back+1) {
			s.refs[back] = ref
			return true
		}
	}
}

// PushBack pushes ref. Only the single owner of the stack may call this, and
// the stack must not be full.
func (s *Stack) PushBack(ref arena.Address) {
	back := s.back.Load()
	if asserts && back >= uint64(len(s.refs)) {
		panic("objstack: push on a full stack: " + s.name)
	}
	s.refs[back] = ref
	s.back.Store(back + 1)
}

// PopBack pops the most recently pushed ref. Only the single owner may call
// this.
func (s *Stack) PopBack() (arena.Address, bool) {
	back := s.back.Load()
	if back == 0 {
		return 0, false
	}
	s.back.Store(back - 1)
	return s.refs[back-1], true
}

// Size returns the number of entries.
func (s *Stack) Size() int { return int(s.back.Load()) }

// Capacity returns the maximum number of entries.
func (s *Stack) Capacity() int { return len(s.refs) }

// IsEmpty reports whether the stack has no entries.
func (s *Stack) IsEmpty() bool { return s.back.Load() == 0 }

// IsFull reports whether the stack is at capacity.
func (s *Stack) IsFull() bool { return s.back.Load() >= uint64(len(s.refs)) }

// Reset empties the stack.
func (s *Stack) Reset() { s.back.Store(0) }

// Resize grows the stack to a new capacity, preserving the order of the
// entries already present. Only the single owner may call this.
func (s *Stack) Resize(capacity int) {
	if asserts && capacity < s.Size() {
		panic("objstack: resize would drop entries: " + s.name)
	}
	refs := make([]arena.Address, capacity)
	copy(refs, s.refs[:s.back.Load()])
	s.refs = refs
}

// Slice returns the current entries, oldest first. The caller must own the
// stack; the slice aliases the backing array.
func (s *Stack) Slice() []arena.Address {
	return s.refs[:s.back.Load()]
}

// Pool recycles stacks between collection cycles so that per-thread mark
// stacks do not churn the allocator.
type Pool struct {
	mu       sync.Mutex
	free     []*Stack
	name     string
	capacity int
}

// NewPool returns a pool that hands out stacks of the given capacity.
func NewPool(name string, capacity int) *Pool {
	return &Pool{name: name, capacity: capacity}
}

// Get returns a pooled stack, or a fresh one when the pool is empty.
func (p *Pool) Get() *Stack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s
	}
	return New(p.name, p.capacity)
}

// Put returns a stack to the pool. The stack must be empty.
func (p *Pool) Put(s *Stack) {
	if asserts && !s.IsEmpty() {
		panic("objstack: pooling a non-empty stack: " + s.name)
	}
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
}
