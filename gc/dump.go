package gc

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"

	"github.com/lumen-rt/lumen/arena"
	"github.com/lumen-rt/lumen/region"
)

// diagnosticWriter returns the destination for human-facing dumps. Colors
// go through go-colorable so escape sequences survive Windows consoles.
func diagnosticWriter() io.Writer {
	return colorable.NewColorable(os.Stderr)
}

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

// invariantPanic dumps everything a post-mortem needs (the offending
// reference, its holder and lock word, and the region table) and aborts.
// Invariant violations have no recovery: the heap is not trustworthy.
func (c *Collector) invariantPanic(holder arena.Address, offset uintptr, ref arena.Address, msg string) {
	w := diagnosticWriter()
	fmt.Fprintf(w, "%sgc: %s%s\n", ansiRed, msg, ansiReset)
	fmt.Fprintf(w, "  ref    = %#x (%s)\n", ref, c.describe(ref))
	if !holder.IsNull() {
		fmt.Fprintf(w, "  holder = %#x (%s) offset=%d class=%s\n",
			holder, c.describe(holder), offset, c.model.ClassOf(holder).Name)
		fmt.Fprintf(w, "  holder lock word = %#x\n", uint64(c.model.LockWordOf(holder)))
	}
	if !ref.IsNull() && (c.space.HasAddress(ref) || c.heap.NonMoving.HasAddress(ref)) {
		fmt.Fprintf(w, "  ref lock word = %#x rb state = %s\n",
			uint64(c.model.LockWordOf(ref)), c.model.RBStateOf(ref))
	}
	c.dumpRegionTable(w)
	panic("gc: " + msg)
}

// describe classifies an address for diagnostics.
func (c *Collector) describe(ref arena.Address) string {
	switch {
	case ref.IsNull():
		return "null"
	case c.space.HasAddress(ref):
		return "region space, " + c.space.RegionType(ref).String()
	case c.heap.ImmuneContains(ref):
		return "immune space"
	case c.heap.NonMoving.HasAddress(ref):
		return "non-moving space"
	case c.heap.Large.HasAddress(ref):
		return "large object space"
	default:
		return "outside every space"
	}
}

// dumpRegionTable prints every non-free region with its role, colored by
// how suspicious the role is in a post-marking dump.
func (c *Collector) dumpRegionTable(w io.Writer) {
	fmt.Fprintln(w, "  region table:")
	c.space.ForEachRegion(func(info region.Info) {
		color := ansiCyan
		switch info.Type {
		case region.TypeFromSpace:
			color = ansiRed
		case region.TypeUnevacFromSpace:
			color = ansiYellow
		}
		fmt.Fprintf(w, "    %s#%-4d %-16s%s [%#x, %#x) used=%d\n",
			color, info.Index, info.Type, ansiReset,
			info.Begin, info.Top, uintptr(info.Top-info.Begin))
	})
}
