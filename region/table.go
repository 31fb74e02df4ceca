package region

import "github.com/lumen-rt/lumen/arena"

// Table is the read-barrier table: one byte per region-sized granule of the
// arena, consulted by the mutator read-barrier fast path. A zero byte means
// references into that granule never need the slow path this cycle.
//
// The table is written at phase boundaries only: set under the exclusive
// mutator lock during the flip, cleared after the disable-marking checkpoint
// when no mutator consults it anymore. In between, mutators only read, so
// the bytes are plain.
type Table struct {
	bytes []byte
	shift uint
}

// NewTable returns a cleared table covering arenaSize bytes at a granularity
// of 1<<shift bytes. The granularity must equal the region size of the
// region space it is paired with.
func NewTable(arenaSize uintptr, shift uint) *Table {
	return &Table{
		bytes: make([]byte, (arenaSize+(1<<shift)-1)>>shift),
		shift: shift,
	}
}

// RegionShift returns the table granularity as a shift.
func (t *Table) RegionShift() uint { return t.shift }

// IsSet reports whether references at addr need the read-barrier slow path.
func (t *Table) IsSet(addr arena.Address) bool {
	return t.bytes[uintptr(addr)>>t.shift] != 0
}

// Set flags the granule containing addr.
func (t *Table) Set(addr arena.Address) {
	t.bytes[uintptr(addr)>>t.shift] = 1
}

// SetRange flags every granule overlapping [begin, end).
func (t *Table) SetRange(begin, end arena.Address) {
	for i := uintptr(begin) >> t.shift; i <= (uintptr(end)-1)>>t.shift; i++ {
		t.bytes[i] = 1
	}
}

// Clear unflags the granule containing addr.
func (t *Table) Clear(addr arena.Address) {
	t.bytes[uintptr(addr)>>t.shift] = 0
}

// ClearAll unflags every granule.
func (t *Table) ClearAll() {
	clear(t.bytes)
}

// IsAllCleared reports whether no granule is flagged.
func (t *Table) IsAllCleared() bool {
	for _, b := range t.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}
