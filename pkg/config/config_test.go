package config

import (
	"path/filepath"
	"testing"
)

func TestNewHonorsXDGAndSizeCutoffOverrides(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("BTRDEDUP_SIZE_CUTOFF", "4096")
	t.Setenv("BTRDEDUP_DB_PATH", "")
	t.Setenv("BTRDEDUP_LOG_LEVEL", "debug")

	cfg := New()

	wantDataDir := filepath.Join(dataHome, AppName)
	if cfg.DataDir != wantDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, wantDataDir)
	}
	if cfg.DefaultSizeCutoff != 4096 {
		t.Errorf("DefaultSizeCutoff = %d, want 4096", cfg.DefaultSizeCutoff)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(wantDataDir, "catalog.db") {
		t.Errorf("DBPath = %q, want default under data dir", cfg.DBPath)
	}
}

func TestNewIgnoresInvalidSizeCutoff(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("BTRDEDUP_SIZE_CUTOFF", "not-a-number")

	cfg := New()
	if cfg.DefaultSizeCutoff != DefaultSizeCutoff {
		t.Errorf("expected fallback to DefaultSizeCutoff, got %d", cfg.DefaultSizeCutoff)
	}
}

func TestSubPath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/btrdedup"}
	got := cfg.SubPath("x", "y")
	want := filepath.Join("/var/lib/btrdedup", "x", "y")
	if got != want {
		t.Errorf("SubPath = %q, want %q", got, want)
	}
}
