package gc

import (
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/lumen-rt/lumen/heap"
)

// Config tunes the collector and the heap layout it runs over.
type Config struct {
	// Space sizes. All must be multiples of RegionSize.
	RegionSize      uintptr
	ImmuneSize      uintptr
	NonMovingSize   uintptr
	LargeObjectSize uintptr
	RegionSpaceSize uintptr

	// EvacLivePercent is the live-byte percentage at or above which a region
	// is scanned in place instead of evacuated.
	EvacLivePercent uintptr

	// TLABSize is the thread-local allocation buffer size.
	TLABSize uintptr

	// Mark stack sizing.
	GCMarkStackCapacity          int
	ThreadLocalMarkStackCapacity int
	AllocStackCapacity           int

	// VerifyNoFromSpaceRefs enables the post-marking verification pause.
	VerifyNoFromSpaceRefs bool

	// VerifyGrayImmuneObjects enables the debug sweep asserting that, after
	// the flip, every white immune object references only immune objects.
	VerifyGrayImmuneObjects bool

	// MeasureReadBarrierSlowPath counts slow-path entries and their latency.
	MeasureReadBarrierSlowPath bool

	// Verbose dumps phase timings and a cycle summary after each collection.
	Verbose bool
}

// DefaultConfig returns the tuning used when no configuration file is given.
func DefaultConfig() Config {
	return Config{
		RegionSize:                   256 * 1024,
		ImmuneSize:                   256 * 1024,
		NonMovingSize:                1024 * 1024,
		LargeObjectSize:              1024 * 1024,
		RegionSpaceSize:              8 * 1024 * 1024,
		EvacLivePercent:              75,
		TLABSize:                     16 * 1024,
		GCMarkStackCapacity:          4096,
		ThreadLocalMarkStackCapacity: 512,
		AllocStackCapacity:           64 * 1024,
	}
}

// Layout derives the heap layout from the config.
func (c *Config) Layout() heap.Layout {
	return heap.Layout{
		RegionSize:         c.RegionSize,
		ImmuneSize:         c.ImmuneSize,
		NonMovingSize:      c.NonMovingSize,
		LargeObjectSize:    c.LargeObjectSize,
		RegionSpaceSize:    c.RegionSpaceSize,
		EvacLivePercent:    c.EvacLivePercent,
		TLABSize:           c.TLABSize,
		AllocStackCapacity: c.AllocStackCapacity,
	}
}

// yamlConfig is the on-disk form. Sizes are strings like "1MB" or "256KB".
type yamlConfig struct {
	RegionSize      string `yaml:"region_size"`
	ImmuneSize      string `yaml:"immune_size"`
	NonMovingSize   string `yaml:"non_moving_size"`
	LargeObjectSize string `yaml:"large_object_size"`
	RegionSpaceSize string `yaml:"region_space_size"`
	TLABSize        string `yaml:"tlab_size"`

	EvacLivePercent *uintptr `yaml:"evac_live_percent"`

	GCMarkStackCapacity          *int `yaml:"gc_mark_stack_capacity"`
	ThreadLocalMarkStackCapacity *int `yaml:"thread_local_mark_stack_capacity"`
	AllocStackCapacity           *int `yaml:"alloc_stack_capacity"`

	VerifyNoFromSpaceRefs      *bool `yaml:"verify_no_from_space_refs"`
	VerifyGrayImmuneObjects    *bool `yaml:"verify_gray_immune_objects"`
	MeasureReadBarrierSlowPath *bool `yaml:"measure_read_barrier_slow_path"`
	Verbose                    *bool `yaml:"verbose"`
}

// LoadConfig reads a YAML tuning file, filling unset fields from the
// defaults.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}
	var y yamlConfig
	if err := yaml.UnmarshalStrict(data, &y); err != nil {
		return conf, fmt.Errorf("gc: config %s: %w", path, err)
	}
	sizes := []struct {
		src string
		dst *uintptr
	}{
		{y.RegionSize, &conf.RegionSize},
		{y.ImmuneSize, &conf.ImmuneSize},
		{y.NonMovingSize, &conf.NonMovingSize},
		{y.LargeObjectSize, &conf.LargeObjectSize},
		{y.RegionSpaceSize, &conf.RegionSpaceSize},
		{y.TLABSize, &conf.TLABSize},
	}
	for _, s := range sizes {
		if s.src == "" {
			continue
		}
		n, err := bytesize.Parse(s.src)
		if err != nil {
			return conf, fmt.Errorf("gc: config %s: bad size %q: %w", path, s.src, err)
		}
		*s.dst = uintptr(n)
	}
	if y.EvacLivePercent != nil {
		conf.EvacLivePercent = *y.EvacLivePercent
	}
	if y.GCMarkStackCapacity != nil {
		conf.GCMarkStackCapacity = *y.GCMarkStackCapacity
	}
	if y.ThreadLocalMarkStackCapacity != nil {
		conf.ThreadLocalMarkStackCapacity = *y.ThreadLocalMarkStackCapacity
	}
	if y.AllocStackCapacity != nil {
		conf.AllocStackCapacity = *y.AllocStackCapacity
	}
	if y.VerifyNoFromSpaceRefs != nil {
		conf.VerifyNoFromSpaceRefs = *y.VerifyNoFromSpaceRefs
	}
	if y.VerifyGrayImmuneObjects != nil {
		conf.VerifyGrayImmuneObjects = *y.VerifyGrayImmuneObjects
	}
	if y.MeasureReadBarrierSlowPath != nil {
		conf.MeasureReadBarrierSlowPath = *y.MeasureReadBarrierSlowPath
	}
	if y.Verbose != nil {
		conf.Verbose = *y.Verbose
	}
	return conf, nil
}
