// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mbeema/nfscan/pkg/config"
	"github.com/mbeema/nfscan/pkg/scanner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitClean       = 0
	exitError       = 1
	exitConfigError = 2
	exitHidden      = 3
)

// errHiddenFound makes a completed sweep that attributed hooks to hidden
// modules exit non-zero.
var errHiddenFound = errors.New("hooks owned by hidden modules found")

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitClean
	}
	if !errors.Is(err, errHiddenFound) {
		fmt.Fprintf(os.Stderr, "nfscan: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var cfgErr *scanner.ConfigError
	switch {
	case err == nil:
		return exitClean
	case errors.Is(err, errHiddenFound):
		return exitHidden
	case errors.As(err, &cfgErr):
		return exitConfigError
	default:
		return exitError
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "nfscan",
		Short:         "Find netfilter hooks registered by hidden kernel modules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to configuration file or directory")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newScanCmd(g),
		newWatchCmd(g),
		newLayoutCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config named on the command line, else the first
// default location that exists, else the built-in defaults.
func loadConfig(g *globalFlags) (*config.Config, string, error) {
	if g.configPath != "" {
		cfg, err := config.LoadPath(g.configPath)
		return cfg, g.configPath, err
	}

	for _, p := range []string{"configs/nfscan.yaml", config.DefaultPath} {
		if _, err := os.Stat(p); err == nil {
			cfg, err := config.Load(p)
			return cfg, p, err
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, "", cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}

// setup loads config, applies flag overrides and builds the logger.
func setup(g *globalFlags, override func(*config.Config)) (*config.Config, string, *zap.Logger, error) {
	cfg, path, err := loadConfig(g)
	if err != nil {
		return nil, "", nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, "", nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, path, logger, nil
}
