package object

import "github.com/lumen-rt/lumen/arena"

// LockWord is the first header word of every object. The top bits encode the
// state; the meaning of the payload depends on it:
//
//	state 0 (thin):       owner thread id and recursion count, or zero when
//	                      the object is unlocked
//	state 1 (hash):       the object's identity hash code
//	state 2 (forwarding): the arena address of the object's to-space copy
//	state 3 (monitor):    an inflated monitor id
//
// Bit 61 is the mark bit. It survives thin/hash transitions and is used by
// the collector when it marks through the lock word instead of a bitmap. A
// forwarding word never carries the mark bit: once an object is forwarded its
// from-space copy is dead.
type LockWord uint64

type LockState uint32

const (
	StateThin LockState = iota
	StateHash
	StateForwarding
	StateMonitor
)

const (
	lockStateShift = 62
	lockStateMask  = uint64(3) << lockStateShift

	markBitShift = 61
	markBit      = uint64(1) << markBitShift

	lockPayloadMask = uint64(1)<<markBitShift - 1
)

// State returns the lock word's state tag.
func (lw LockWord) State() LockState {
	return LockState(uint64(lw) >> lockStateShift)
}

// IsForwardingAddress reports whether the lock word holds a forwarding
// address.
func (lw LockWord) IsForwardingAddress() bool {
	return lw.State() == StateForwarding
}

// ForwardingAddress returns the to-space address stored in a forwarding lock
// word.
func (lw LockWord) ForwardingAddress() arena.Address {
	if asserts && !lw.IsForwardingAddress() {
		panic("object: lock word is not a forwarding address")
	}
	return arena.Address(uint64(lw) & lockPayloadMask)
}

// ForwardingLockWord builds a lock word that forwards to the given address.
func ForwardingLockWord(to arena.Address) LockWord {
	if asserts && uint64(to)&^lockPayloadMask != 0 {
		panic("object: forwarding address does not fit in lock word")
	}
	return LockWord(uint64(StateForwarding)<<lockStateShift | uint64(to))
}

// HashLockWord builds a lock word holding an identity hash.
func HashLockWord(hash uint32) LockWord {
	return LockWord(uint64(StateHash)<<lockStateShift | uint64(hash))
}

// ThinLockWord builds a thin lock word for the given owner and count. Owner 0
// with count 0 is the unlocked state.
func ThinLockWord(owner uint16, count uint16) LockWord {
	return LockWord(uint64(owner)<<16 | uint64(count))
}

// MarkBit reports whether the lock word's mark bit is set.
func (lw LockWord) MarkBit() bool {
	return uint64(lw)&markBit != 0
}

// WithMarkBit returns the lock word with the mark bit set.
func (lw LockWord) WithMarkBit() LockWord {
	if asserts && lw.IsForwardingAddress() {
		panic("object: mark bit on a forwarding word")
	}
	return LockWord(uint64(lw) | markBit)
}

// WithoutMarkBit returns the lock word with the mark bit cleared.
func (lw LockWord) WithoutMarkBit() LockWord {
	return LockWord(uint64(lw) &^ markBit)
}
