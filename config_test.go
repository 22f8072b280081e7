package tsdb

import (
	"testing"

	"github.com/aalhour/tsdbengine/internal/tsunit"
	"github.com/aalhour/tsdbengine/internal/vfs"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	cfg := DefaultConfig()
	cfg.TsdbID = 7

	if err := writeConfig(fs, dir, cfg); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	got, err := readConfig(fs, dir)
	if err != nil {
		t.Fatalf("readConfig: %v", err)
	}
	if got != cfg {
		t.Fatalf("got %+v, want %+v", got, cfg)
	}
}

func TestConfigRoundTripOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	first := DefaultConfig()
	if err := writeConfig(fs, dir, first); err != nil {
		t.Fatal(err)
	}
	second := DefaultConfig()
	second.Keep = 30
	if err := writeConfig(fs, dir, second); err != nil {
		t.Fatal(err)
	}
	if fs.Exists(dir + "/" + configTmpFileName) {
		t.Fatal("temp config file should not survive a successful write")
	}
	got, err := readConfig(fs, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.Keep != 30 {
		t.Fatalf("Keep = %d, want 30 (second write should win)", got.Keep)
	}
}

func TestConfigValidateBounds(t *testing.T) {
	valid := DefaultConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cases := []Config{
		func() Config { c := valid; c.Precision = tsunit.Precision(5); return c }(),
		func() Config { c := valid; c.MaxTables = 1; return c }(),
		func() Config { c := valid; c.DaysPerFile = 0; return c }(),
		func() Config { c := valid; c.MinRowsPerFileBlock = 1; return c }(),
		func() Config { c := valid; c.MaxRowsPerFileBlock = 1; return c }(),
		func() Config { c := valid; c.Keep = 0; return c }(),
		func() Config { c := valid; c.MaxCacheSize = 1; return c }(),
		func() Config { c := valid; c.MinRowsPerFileBlock, c.MaxRowsPerFileBlock = 900, 300; return c }(),
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected ErrConfigInvalid, got nil", i)
		}
	}
}
