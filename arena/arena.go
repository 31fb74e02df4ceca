// Package arena provides the contiguous byte range that backs the managed
// heap. All managed objects live inside a single arena; they are identified
// by an Address, which is a byte offset from the arena base rather than a Go
// pointer. This keeps object identity independent of the Go runtime and lets
// the collector move objects underneath mutators.
package arena

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const asserts = true

// WordSize is the machine word used for lock words and reference slots.
const WordSize = 8

// Address is a byte offset into the arena. The zero Address is the null
// reference; the heap layout leaves the start of the arena unused so no
// object can be allocated there.
type Address uintptr

// IsNull reports whether the address is the null reference.
func (a Address) IsNull() bool { return a == 0 }

// Add returns the address offset by n bytes.
func (a Address) Add(n uintptr) Address { return a + Address(n) }

// AlignedTo reports whether the address is a multiple of align.
func (a Address) AlignedTo(align uintptr) bool { return uintptr(a)%align == 0 }

// Arena is a fixed-size mapping obtained from the OS. It is created once at
// heap initialization and released at shutdown.
type Arena struct {
	mem  []byte
	size uintptr
}

// New maps an anonymous, zero-filled arena of the given size. The size is
// rounded up to the page size.
func New(size uintptr) (*Arena, error) {
	pageSize := uintptr(unix.Getpagesize())
	size = (size + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &Arena{mem: mem, size: size}, nil
}

// Release unmaps the arena. No Address may be dereferenced afterwards.
func (a *Arena) Release() error {
	mem := a.mem
	a.mem = nil
	a.size = 0
	return unix.Munmap(mem)
}

// Size returns the mapped size in bytes.
func (a *Arena) Size() uintptr { return a.size }

// Contains reports whether addr lies inside the arena. The null address is
// never contained.
func (a *Arena) Contains(addr Address) bool {
	return addr != 0 && uintptr(addr) < a.size
}

// Slice returns the n bytes starting at addr as a byte slice aliasing the
// arena memory.
func (a *Arena) Slice(addr Address, n uintptr) []byte {
	if asserts && uintptr(addr)+n > a.size {
		panic("arena: slice out of range")
	}
	return a.mem[addr : uintptr(addr)+n]
}

// word returns a pointer to the 8-byte word at addr, which must be 8-aligned.
func (a *Arena) word(addr Address) *uint64 {
	if asserts {
		if !addr.AlignedTo(WordSize) {
			panic("arena: unaligned word access")
		}
		if uintptr(addr)+WordSize > a.size {
			panic("arena: word access out of range")
		}
	}
	return (*uint64)(unsafe.Pointer(&a.mem[addr]))
}

// half returns a pointer to the 4-byte word at addr, which must be 4-aligned.
func (a *Arena) half(addr Address) *uint32 {
	if asserts {
		if !addr.AlignedTo(4) {
			panic("arena: unaligned half-word access")
		}
		if uintptr(addr)+4 > a.size {
			panic("arena: half-word access out of range")
		}
	}
	return (*uint32)(unsafe.Pointer(&a.mem[addr]))
}

// LoadWord atomically loads the word at addr.
func (a *Arena) LoadWord(addr Address) uint64 {
	return atomic.LoadUint64(a.word(addr))
}

// StoreWord atomically stores v at addr.
func (a *Arena) StoreWord(addr Address, v uint64) {
	atomic.StoreUint64(a.word(addr), v)
}

// CasWord atomically compares and swaps the word at addr. All lock-word
// updates go through here, sequentially consistent.
func (a *Arena) CasWord(addr Address, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(a.word(addr), old, new)
}

// AddWord atomically adds delta to the word at addr and returns the new value.
func (a *Arena) AddWord(addr Address, delta uint64) uint64 {
	return atomic.AddUint64(a.word(addr), delta)
}

// LoadHalf atomically loads the 4-byte word at addr.
func (a *Arena) LoadHalf(addr Address) uint32 {
	return atomic.LoadUint32(a.half(addr))
}

// StoreHalf atomically stores v at addr.
func (a *Arena) StoreHalf(addr Address, v uint32) {
	atomic.StoreUint32(a.half(addr), v)
}

// CasHalf atomically compares and swaps the 4-byte word at addr.
func (a *Arena) CasHalf(addr Address, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(a.half(addr), old, new)
}

// Memset fills n bytes starting at addr with zero bytes.
func (a *Arena) Memset(addr Address, n uintptr) {
	clear(a.Slice(addr, n))
}

// Memcpy copies n bytes from src to dst. The ranges must not overlap; the
// collector only copies between disjoint spaces.
func (a *Arena) Memcpy(dst, src Address, n uintptr) {
	if asserts {
		lo, hi := dst, src
		if lo > hi {
			lo, hi = hi, lo
		}
		if uintptr(hi)-uintptr(lo) < n {
			panic("arena: overlapping memcpy")
		}
	}
	copy(a.Slice(dst, n), a.Slice(src, n))
}
