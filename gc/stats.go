package gc

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"
)

// Stats is a snapshot of one collection cycle.
type Stats struct {
	BytesMoved     uint64
	ObjectsMoved   uint64
	BytesFreed     uint64
	ObjectsFreed   uint64
	BytesSkipped   uint64
	ObjectsSkipped uint64

	FromBytesAtFlip uint64

	PauseFlip   time.Duration
	PauseVerify time.Duration
	Duration    time.Duration

	ReadBarrierSlowPaths    uint64
	ReadBarrierSlowPathTime time.Duration
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "moved %s in %d objects, freed %s in %d objects",
		bytesize.New(float64(s.BytesMoved)), s.ObjectsMoved,
		bytesize.New(float64(s.BytesFreed)), s.ObjectsFreed)
	if s.ObjectsSkipped != 0 {
		fmt.Fprintf(&b, ", skipped %s in %d lost copies",
			bytesize.New(float64(s.BytesSkipped)), s.ObjectsSkipped)
	}
	fmt.Fprintf(&b, ", flip pause %s, total %s", s.PauseFlip, s.Duration)
	if s.ReadBarrierSlowPaths != 0 {
		fmt.Fprintf(&b, ", %d rb slow paths (%s)",
			s.ReadBarrierSlowPaths, s.ReadBarrierSlowPathTime)
	}
	return b.String()
}

// TimingLogger records named phase timings for one cycle, in the order they
// start.
type TimingLogger struct {
	name string

	mu     sync.Mutex
	splits []timingSplit
}

type timingSplit struct {
	name     string
	duration time.Duration
}

// NewTimingLogger returns an empty logger.
func NewTimingLogger(name string) *TimingLogger {
	return &TimingLogger{name: name}
}

// Scope starts a named timing and returns the function that ends it.
// Typical use: defer tl.Scope("MarkingPhase")().
func (tl *TimingLogger) Scope(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		tl.mu.Lock()
		tl.splits = append(tl.splits, timingSplit{name: name, duration: d})
		tl.mu.Unlock()
	}
}

// Reset drops all recorded timings.
func (tl *TimingLogger) Reset() {
	tl.mu.Lock()
	tl.splits = nil
	tl.mu.Unlock()
}

// Dump writes the recorded timings to w.
func (tl *TimingLogger) Dump(w io.Writer) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	fmt.Fprintf(w, "%s timings:\n", tl.name)
	var total time.Duration
	for _, s := range tl.splits {
		fmt.Fprintf(w, "  %-32s %s\n", s.name, s.duration)
		total += s.duration
	}
	fmt.Fprintf(w, "  %-32s %s\n", "total", total)
}
