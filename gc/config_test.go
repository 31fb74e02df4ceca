package gc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
region_size: 128KB
region_space_size: 4MB
evac_live_percent: 80
verify_no_from_space_refs: true
`), 0o644))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uintptr(128*1024), conf.RegionSize)
	require.Equal(t, uintptr(4*1024*1024), conf.RegionSpaceSize)
	require.Equal(t, uintptr(80), conf.EvacLivePercent)
	require.True(t, conf.VerifyNoFromSpaceRefs)

	// Unset fields keep their defaults.
	def := DefaultConfig()
	require.Equal(t, def.NonMovingSize, conf.NonMovingSize)
	require.Equal(t, def.GCMarkStackCapacity, conf.GCMarkStackCapacity)
	require.False(t, conf.Verbose)
}

func TestLoadConfigRejectsBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("region_size: lots\n"), 0o644))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("regoin_size: 1MB\n"), 0o644))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestConfigLayout(t *testing.T) {
	conf := DefaultConfig()
	l := conf.Layout()
	require.Equal(t, conf.RegionSize, l.RegionSize)
	require.Equal(t, conf.RegionSpaceSize, l.RegionSpaceSize)
	require.Equal(t, conf.AllocStackCapacity, l.AllocStackCapacity)
}

func TestStatsString(t *testing.T) {
	s := Stats{
		BytesMoved:   2 * 1024 * 1024,
		ObjectsMoved: 123,
		BytesFreed:   1024,
		ObjectsFreed: 7,
	}
	out := s.String()
	for _, want := range []string{"2.00MB", "123 objects", "7 objects"} {
		if !strings.Contains(out, want) {
			t.Errorf("Stats.String() = %q, missing %q", out, want)
		}
	}
}

func TestTimingLoggerDump(t *testing.T) {
	tl := NewTimingLogger("test gc")
	tl.Scope("Phase1")()
	tl.Scope("Phase2")()
	var b strings.Builder
	tl.Dump(&b)
	out := b.String()
	for _, want := range []string{"test gc timings:", "Phase1", "Phase2", "total"} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump output %q missing %q", out, want)
		}
	}
	tl.Reset()
	b.Reset()
	tl.Dump(&b)
	if strings.Contains(b.String(), "Phase1") {
		t.Error("Reset did not drop recorded timings")
	}
}
