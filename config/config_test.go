package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.ChunkSizeBytes != 1<<20 {
		t.Errorf("ChunkSizeBytes = %d, want %d", cfg.ChunkSizeBytes, 1<<20)
	}
	if cfg.PerMessageTimeout != 60*time.Second {
		t.Errorf("PerMessageTimeout = %v, want 60s", cfg.PerMessageTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.CleanupInterval != 60*time.Second {
		t.Errorf("CleanupInterval = %v, want 60s", cfg.CleanupInterval)
	}
	if cfg.CgroupfsMount != "/sys/fs/cgroup" {
		t.Errorf("CgroupfsMount = %q, want /sys/fs/cgroup", cfg.CgroupfsMount)
	}
	if cfg.DefaultCPUPeriodUS != 100_000 {
		t.Errorf("DefaultCPUPeriodUS = %d, want 100000", cfg.DefaultCPUPeriodUS)
	}
}

func TestLoadOverridesOnlyProvidedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corectl.toml")
	toml := `
max_retries = 5
default_memory_limit_bytes = 268435456
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5 (overridden)", cfg.MaxRetries)
	}
	if cfg.DefaultMemoryLimit != 268435456 {
		t.Errorf("DefaultMemoryLimit = %d, want 268435456 (overridden)", cfg.DefaultMemoryLimit)
	}
	if cfg.ChunkSizeBytes != 1<<20 {
		t.Errorf("ChunkSizeBytes = %d, want default %d (not overridden)", cfg.ChunkSizeBytes, 1<<20)
	}
	if cfg.CgroupfsMount != "/sys/fs/cgroup" {
		t.Errorf("CgroupfsMount = %q, want default (not overridden)", cfg.CgroupfsMount)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("Load on a missing file returned nil error")
	}
}

func TestLoadInvalidTOMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("not = [valid toml"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load on malformed TOML returned nil error")
	}
}
