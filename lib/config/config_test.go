// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.TrackerURL != "http://localhost:8080" {
		t.Errorf("TrackerURL = %q", cfg.TrackerURL)
	}
	if cfg.Deadline != 15*time.Minute {
		t.Errorf("Deadline = %v", cfg.Deadline)
	}
	if !cfg.AutoSeed {
		t.Error("AutoSeed = false by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmpull.yaml")
	content := `
tracker_url: http://tracker.internal:9000
deadline: 5m
stall_grace: 20s
stall_floor: 4096
auto_seed: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.TrackerURL != "http://tracker.internal:9000" {
		t.Errorf("TrackerURL = %q", cfg.TrackerURL)
	}
	if cfg.Deadline != 5*time.Minute {
		t.Errorf("Deadline = %v", cfg.Deadline)
	}
	if cfg.StallGrace != 20*time.Second {
		t.Errorf("StallGrace = %v", cfg.StallGrace)
	}
	if cfg.StallFloor != 4096 {
		t.Errorf("StallFloor = %d", cfg.StallFloor)
	}
	if cfg.AutoSeed {
		t.Error("AutoSeed = true, want false")
	}
	// Unset fields keep their defaults.
	if cfg.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %v", cfg.QueryTimeout)
	}
}

func TestLoadUsesEnvironmentVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmpull.yaml")
	if err := os.WriteFile(path, []byte("tracker_url: http://from-env:1234\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("SWARMPULL_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrackerURL != "http://from-env:1234" {
		t.Errorf("TrackerURL = %q", cfg.TrackerURL)
	}
}

func TestLoadWithoutEnvironmentVariable(t *testing.T) {
	t.Setenv("SWARMPULL_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrackerURL != Default().TrackerURL {
		t.Error("Load without SWARMPULL_CONFIG did not return defaults")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing tracker", func(c *Config) { c.TrackerURL = "" }},
		{"zero deadline", func(c *Config) { c.Deadline = 0 }},
		{"zero stall grace", func(c *Config) { c.StallGrace = 0 }},
		{"grace exceeds deadline", func(c *Config) { c.StallGrace = c.Deadline + time.Second }},
		{"negative stall floor", func(c *Config) { c.StallFloor = -1 }},
		{"negative seed duration", func(c *Config) { c.SeedDuration = -time.Hour }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFile succeeded on a missing file")
	}
}
