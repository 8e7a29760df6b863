// Package config holds the configuration knobs recognized by corectl.
// Values are populated with defaults and may be overridden by a TOML
// policy file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config collects every knob corectl recognizes.
type Config struct {
	// Transfer engine.
	ChunkSizeBytes      int64         `toml:"chunk_size_bytes"`
	PerMessageTimeout   time.Duration `toml:"per_message_timeout"`
	MaxRetries          int           `toml:"max_retries"`
	CleanupInterval     time.Duration `toml:"cleanup_interval"`
	SendRateBytesPerSec int64         `toml:"send_rate_bytes_per_sec"`

	// Sandbox cgroup defaults.
	CgroupfsMount         string `toml:"cgroupfs_mount"`
	DefaultMemoryLimit    int64  `toml:"default_memory_limit_bytes"`
	DefaultCPUQuotaUS     int64  `toml:"default_cpu_quota_us"`
	DefaultCPUPeriodUS    int64  `toml:"default_cpu_period_us"`
	DefaultPidsMax        int64  `toml:"default_pids_max"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ChunkSizeBytes:     1 << 20, // 1 MiB
		PerMessageTimeout:  60 * time.Second,
		MaxRetries:         3,
		CleanupInterval:    60 * time.Second,
		CgroupfsMount:      "/sys/fs/cgroup",
		DefaultCPUPeriodUS: 100_000,
	}
}

// Load reads a TOML policy file and applies its fields on top of Default,
// leaving fields absent from the file untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
