package heap

import "github.com/lumen-rt/lumen/arena"

// Card table constants. One byte covers CardSize bytes of arena.
const (
	CardShift = 8
	CardSize  = 1 << CardShift

	cardClean byte = 0
	cardDirty byte = 0x70
)

// CardTable records which cards hold objects whose reference fields were
// written since the cards were last cleared. The collector uses it to find
// immune objects it must re-scan without walking whole immune spaces.
type CardTable struct {
	bytes []byte
}

// NewCardTable returns a clean card table covering arenaSize bytes.
func NewCardTable(arenaSize uintptr) *CardTable {
	return &CardTable{bytes: make([]byte, (arenaSize+CardSize-1)>>CardShift)}
}

func (c *CardTable) card(addr arena.Address) *byte {
	return &c.bytes[uintptr(addr)>>CardShift]
}

// MarkCard dirties the card holding addr. Called from the write barrier on
// every reference store, so it is a plain byte store; racing writers all
// store the same value.
func (c *CardTable) MarkCard(addr arena.Address) {
	*c.card(addr) = cardDirty
}

// IsDirty reports whether the card holding addr is dirty.
func (c *CardTable) IsDirty(addr arena.Address) bool {
	return *c.card(addr) == cardDirty
}

// VisitDirtyRange calls fn with the base address of every dirty card in
// [begin, end), clearing each visited card.
func (c *CardTable) VisitDirtyRange(begin, end arena.Address, fn func(cardBase arena.Address)) {
	for i := uintptr(begin) >> CardShift; i < (uintptr(end)+CardSize-1)>>CardShift; i++ {
		if c.bytes[i] == cardDirty {
			c.bytes[i] = cardClean
			fn(arena.Address(i << CardShift))
		}
	}
}

// ClearRange cleans every card overlapping [begin, end).
func (c *CardTable) ClearRange(begin, end arena.Address) {
	for i := uintptr(begin) >> CardShift; i < (uintptr(end)+CardSize-1)>>CardShift; i++ {
		c.bytes[i] = cardClean
	}
}
