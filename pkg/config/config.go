// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "/etc/nfscan/nfscan.yaml"

// Config is the top-level configuration for nfscan.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Layout    string          `yaml:"layout"` // auto, legacy, flat, per_family
	DECnet    bool            `yaml:"decnet"`
	Interval  time.Duration   `yaml:"interval"`
	Source    SourceConfig    `yaml:"source"`
	Modules   ModulesConfig   `yaml:"modules"`
	Reporters ReportersConfig `yaml:"reporters"`
	Health    HealthConfig    `yaml:"health"`
}

// SourceConfig selects where hook tables are read from.
type SourceConfig struct {
	Type         string   `yaml:"type"` // netlink or snapshot
	SnapshotPath string   `yaml:"snapshot_path"`
	NetNSPath    string   `yaml:"netns_path"`
	Devices      []string `yaml:"devices"`
	Nftables     bool     `yaml:"nftables"`
}

// ModulesConfig locates the module list and symbol table of the live kernel.
type ModulesConfig struct {
	ProcModules string `yaml:"proc_modules"`
	Kallsyms    string `yaml:"kallsyms"`
	SysfsRoot   string `yaml:"sysfs_root"`
	KernelText  bool   `yaml:"kernel_text"` // register core kernel text as module "kernel"
}

type ReportersConfig struct {
	Log    bool         `yaml:"log"`
	Stdout StdoutConfig `yaml:"stdout"`
	OTLP   OTLPConfig   `yaml:"otlp"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // text, json, table
}

// OTLPConfig configures finding export as OTLP log records over gRPC.
type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // gzip or none
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadFileInto(path, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration that scans the live kernel and logs
// findings.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Layout:   "auto",
		Interval: time.Minute,
		Source: SourceConfig{
			Type:     "netlink",
			Nftables: true,
		},
		Modules: ModulesConfig{
			ProcModules: "/proc/modules",
			Kallsyms:    "/proc/kallsyms",
			SysfsRoot:   "/sys/module",
			KernelText:  true,
		},
		Reporters: ReportersConfig{
			Log: true,
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
				Timeout:     10 * time.Second,
			},
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    ":8687",
		},
	}
}

// LoadDir merges every *.yaml file in dir, in name order, over the
// defaults. A directory without YAML files yields the defaults.
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := loadFileInto(f, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadPath loads a file or, when path is a directory, merges its YAML files.
func LoadPath(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if fi.IsDir() {
		return LoadDir(path)
	}
	return Load(path)
}

// loadFileInto unmarshals a YAML file into cfg, overwriting only the
// fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ApplyEnvOverrides reads NFSCAN_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"NFSCAN_LOG_LEVEL":      func(v string) { c.LogLevel = v },
		"NFSCAN_LAYOUT":         func(v string) { c.Layout = v },
		"NFSCAN_SOURCE_TYPE":    func(v string) { c.Source.Type = v },
		"NFSCAN_SNAPSHOT_PATH":  func(v string) { c.Source.SnapshotPath = v },
		"NFSCAN_NETNS_PATH":     func(v string) { c.Source.NetNSPath = v },
		"NFSCAN_STDOUT_FORMAT":  func(v string) { c.Reporters.Stdout.Format = v },
		"NFSCAN_OTLP_ENDPOINT":  func(v string) { c.Reporters.OTLP.Endpoint = v },
		"NFSCAN_HEALTH_PORT":    func(v string) { c.Health.Port = v },
		"NFSCAN_SOURCE_DEVICES": func(v string) { c.Source.Devices = splitList(v) },
	}

	boolOverrides := map[string]*bool{
		"NFSCAN_DECNET":         &c.DECnet,
		"NFSCAN_NFTABLES":       &c.Source.Nftables,
		"NFSCAN_KERNEL_TEXT":    &c.Modules.KernelText,
		"NFSCAN_STDOUT_ENABLED": &c.Reporters.Stdout.Enabled,
		"NFSCAN_OTLP_ENABLED":   &c.Reporters.OTLP.Enabled,
		"NFSCAN_HEALTH_ENABLED": &c.Health.Enabled,
	}

	durationOverrides := map[string]*time.Duration{
		"NFSCAN_INTERVAL":     &c.Interval,
		"NFSCAN_OTLP_TIMEOUT": &c.Reporters.OTLP.Timeout,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	switch c.Layout {
	case "auto", "legacy", "flat", "per_family":
	default:
		return fmt.Errorf("layout must be one of auto, legacy, flat, per_family")
	}
	if c.DECnet && (c.Layout == "legacy" || c.Layout == "flat") {
		return fmt.Errorf("decnet applies only to the per_family layout")
	}

	switch c.Source.Type {
	case "netlink":
	case "snapshot":
		if c.Source.SnapshotPath == "" {
			return fmt.Errorf("source.snapshot_path is required for a snapshot source")
		}
	default:
		return fmt.Errorf("source.type must be 'netlink' or 'snapshot'")
	}

	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1s")
	}

	if c.Reporters.Stdout.Enabled {
		switch c.Reporters.Stdout.Format {
		case "text", "json", "table":
		default:
			return fmt.Errorf("reporters.stdout.format must be text, json or table")
		}
	}

	if c.Reporters.OTLP.Enabled {
		if c.Reporters.OTLP.Endpoint == "" {
			return fmt.Errorf("reporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Reporters.OTLP.Compression != "" && c.Reporters.OTLP.Compression != "gzip" && c.Reporters.OTLP.Compression != "none" {
			return fmt.Errorf("reporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
