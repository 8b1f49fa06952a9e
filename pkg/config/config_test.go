// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Layout != "auto" || cfg.Source.Type != "netlink" || !cfg.Modules.KernelText {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfscan.yaml")
	data := `
log_level: debug
layout: per_family
decnet: true
interval: 30s
source:
  type: snapshot
  snapshot_path: /var/lib/nfscan/host.yaml
reporters:
  stdout:
    enabled: true
    format: table
  otlp:
    enabled: true
    endpoint: collector:4317
    headers:
      authorization: Bearer abc
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" || cfg.Layout != "per_family" || !cfg.DECnet || cfg.Interval != 30*time.Second {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.Source.SnapshotPath != "/var/lib/nfscan/host.yaml" {
		t.Errorf("snapshot path = %q", cfg.Source.SnapshotPath)
	}
	if cfg.Reporters.OTLP.Headers["authorization"] != "Bearer abc" {
		t.Errorf("headers = %v", cfg.Reporters.OTLP.Headers)
	}
	// Untouched fields keep their defaults.
	if cfg.Modules.ProcModules != "/proc/modules" || !cfg.Reporters.Log {
		t.Errorf("defaults lost: %+v", cfg.Modules)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("layout: [unclosed\n"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("malformed YAML should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad layout", func(c *Config) { c.Layout = "tree" }, "layout"},
		{"decnet on flat", func(c *Config) { c.Layout = "flat"; c.DECnet = true }, "decnet"},
		{"snapshot without path", func(c *Config) { c.Source.Type = "snapshot" }, "snapshot_path"},
		{"bad source", func(c *Config) { c.Source.Type = "ebpf" }, "source.type"},
		{"short interval", func(c *Config) { c.Interval = time.Millisecond }, "interval"},
		{"bad format", func(c *Config) { c.Reporters.Stdout.Enabled = true; c.Reporters.Stdout.Format = "xml" }, "format"},
		{"otlp without endpoint", func(c *Config) { c.Reporters.OTLP.Enabled = true; c.Reporters.OTLP.Endpoint = "" }, "endpoint"},
		{"bad compression", func(c *Config) { c.Reporters.OTLP.Enabled = true; c.Reporters.OTLP.Compression = "zstd" }, "compression"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NFSCAN_LAYOUT", "legacy")
	t.Setenv("NFSCAN_INTERVAL", "5m")
	t.Setenv("NFSCAN_HEALTH_ENABLED", "yes")
	t.Setenv("NFSCAN_SOURCE_DEVICES", "eth0, eth1")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Layout != "legacy" || cfg.Interval != 5*time.Minute || !cfg.Health.Enabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Source.Devices) != 2 || cfg.Source.Devices[1] != "eth1" {
		t.Errorf("devices = %v", cfg.Source.Devices)
	}
}

func TestLoadDirMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "10-base.yaml"), []byte("layout: flat\ninterval: 10s\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "20-site.yaml"), []byte("interval: 20s\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	cfg, err := LoadPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Layout != "flat" || cfg.Interval != 20*time.Second {
		t.Errorf("merged = layout %q interval %v", cfg.Layout, cfg.Interval)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nfscan.yaml")
	if err := os.WriteFile(path, []byte("interval: 10s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { got <- c }, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// Other files in the directory are ignored.
	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("interval: 1h\n"), 0o644)
	if err := os.WriteFile(path, []byte("interval: 45s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Interval != 45*time.Second {
			t.Errorf("reloaded interval = %v, want 45s", cfg.Interval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}
