// Package bitmap provides mark bitmaps over arena address ranges: one bit
// per alignment granule. Space bitmaps use the object alignment; the
// large-object bitmap uses a coarser page granularity because large objects
// never pack tightly.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/lumen-rt/lumen/arena"
)

const asserts = true

// Bitmap covers [Begin, Begin+Size) with one bit per 1<<Shift bytes.
type Bitmap struct {
	name  string
	begin arena.Address
	size  uintptr
	shift uint
	words []uint64
}

// New returns a cleared bitmap over the given range. The range size must be
// a multiple of the granule.
func New(name string, begin arena.Address, size uintptr, shift uint) *Bitmap {
	granule := uintptr(1) << shift
	if size%granule != 0 || !begin.AlignedTo(granule) {
		panic(fmt.Sprintf("bitmap: %s range not aligned to granule %d", name, granule))
	}
	bitCount := size >> shift
	return &Bitmap{
		name:  name,
		begin: begin,
		size:  size,
		shift: shift,
		words: make([]uint64, (bitCount+63)/64),
	}
}

// Begin returns the first covered address.
func (b *Bitmap) Begin() arena.Address { return b.begin }

// End returns the address just past the covered range.
func (b *Bitmap) End() arena.Address { return b.begin.Add(b.size) }

// HasAddress reports whether addr is inside the covered range.
func (b *Bitmap) HasAddress(addr arena.Address) bool {
	return addr >= b.begin && addr < b.End()
}

func (b *Bitmap) bit(addr arena.Address) (word int, mask uint64) {
	if asserts && !b.HasAddress(addr) {
		panic(fmt.Sprintf("bitmap: %s: address %#x out of range [%#x, %#x)",
			b.name, addr, b.begin, b.End()))
	}
	idx := uintptr(addr-b.begin) >> b.shift
	return int(idx / 64), uint64(1) << (idx % 64)
}

// Test reports whether the bit for addr is set.
func (b *Bitmap) Test(addr arena.Address) bool {
	word, mask := b.bit(addr)
	return atomic.LoadUint64(&b.words[word])&mask != 0
}

// Set sets the bit for addr without atomicity and returns the previous
// value. Only for phases where a single thread owns the bitmap.
func (b *Bitmap) Set(addr arena.Address) bool {
	word, mask := b.bit(addr)
	old := b.words[word]
	b.words[word] = old | mask
	return old&mask != 0
}

// Clear clears the bit for addr and returns the previous value.
func (b *Bitmap) Clear(addr arena.Address) bool {
	word, mask := b.bit(addr)
	old := b.words[word]
	b.words[word] = old &^ mask
	return old&mask != 0
}

// AtomicTestAndSet sets the bit for addr and reports whether it was already
// set. This is the race arbiter for concurrent marking: exactly one caller
// observes false.
func (b *Bitmap) AtomicTestAndSet(addr arena.Address) bool {
	word, mask := b.bit(addr)
	for {
		old := atomic.LoadUint64(&b.words[word])
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(&b.words[word], old, old|mask) {
			return false
		}
	}
}

// ClearAll zeroes the whole bitmap.
func (b *Bitmap) ClearAll() {
	clear(b.words)
}

// VisitMarkedRange calls fn with the address of every set bit in
// [visitBegin, visitEnd), in ascending order.
func (b *Bitmap) VisitMarkedRange(visitBegin, visitEnd arena.Address, fn func(arena.Address)) {
	if visitBegin < b.begin {
		visitBegin = b.begin
	}
	if visitEnd > b.End() {
		visitEnd = b.End()
	}
	if visitBegin >= visitEnd {
		return
	}
	granule := uintptr(1) << b.shift
	firstBit := uintptr(visitBegin-b.begin) >> b.shift
	lastBit := (uintptr(visitEnd-b.begin) - 1) >> b.shift
	for wi := firstBit / 64; wi <= lastBit/64; wi++ {
		w := atomic.LoadUint64(&b.words[wi])
		if wi == firstBit/64 {
			w &^= uint64(1)<<(firstBit%64) - 1
		}
		if wi == lastBit/64 && lastBit%64 != 63 {
			w &= uint64(1)<<(lastBit%64+1) - 1
		}
		for w != 0 {
			bit := uintptr(bits.TrailingZeros64(w))
			fn(b.begin.Add(((wi*64)*granule + bit*granule)))
			w &= w - 1
		}
	}
}
