// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Fields absent from the file
// keep the defaults from Default.
type Config struct {
	// TrackerURL is the tracking service base URL.
	TrackerURL string `yaml:"tracker_url"`

	// DataDir holds swarm working files and race scratch space.
	DataDir string `yaml:"data_dir"`

	// ListenAddrs are the libp2p multiaddrs the engine listens on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// QueryTimeout bounds one tracker query.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// Deadline bounds one artifact request end to end.
	Deadline time.Duration `yaml:"deadline"`

	// StallGrace is how long the swarm path may run below StallFloor
	// before being abandoned.
	StallGrace time.Duration `yaml:"stall_grace"`

	// StallFloor is the minimum swarm throughput, in bytes per
	// second, counted as progress.
	StallFloor int64 `yaml:"stall_floor"`

	// SeedDuration is how long delivered artifacts are seeded.
	SeedDuration time.Duration `yaml:"seed_duration"`

	// AutoSeed controls whether delivered artifacts are seeded.
	AutoSeed bool `yaml:"auto_seed"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		TrackerURL:   "http://localhost:8080",
		DataDir:      defaultDataDir(),
		ListenAddrs:  []string{"/ip4/0.0.0.0/tcp/0"},
		QueryTimeout: 5 * time.Second,
		Deadline:     15 * time.Minute,
		StallGrace:   30 * time.Second,
		StallFloor:   16 * 1024,
		SeedDuration: 2 * time.Hour,
		AutoSeed:     true,
	}
}

func defaultDataDir() string {
	if cacheDir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cacheDir, "swarmpull")
	}
	return filepath.Join(os.TempDir(), "swarmpull")
}

// Load reads the config file named by SWARMPULL_CONFIG, or returns
// the defaults when the variable is unset.
func Load() (Config, error) {
	path := os.Getenv("SWARMPULL_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates one YAML config file.
func LoadFile(path string) (Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("config: %s: %w", path, err)
	}
	return config, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.TrackerURL == "" {
		return fmt.Errorf("tracker_url is required")
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query_timeout must not be negative")
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	if c.StallGrace <= 0 {
		return fmt.Errorf("stall_grace must be positive")
	}
	if c.StallGrace >= c.Deadline {
		return fmt.Errorf("stall_grace (%s) must be shorter than deadline (%s)",
			c.StallGrace, c.Deadline)
	}
	if c.StallFloor < 0 {
		return fmt.Errorf("stall_floor must not be negative")
	}
	if c.SeedDuration < 0 {
		return fmt.Errorf("seed_duration must not be negative")
	}
	return nil
}
