// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/nfscan/pkg/agent"
	"github.com/mbeema/nfscan/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	sf := &sourceFlags{}
	var (
		interval time.Duration
		health   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sweep periodically, reloading configuration on change or SIGHUP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			override := func(c *config.Config) {
				sf.apply(cmd, c)
				if interval > 0 {
					c.Interval = interval
				}
				if health != "" {
					c.Health.Enabled = true
					c.Health.Port = health
				}
			}
			cfg, path, logger, err := setup(g, override)
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("starting nfscan",
				zap.String("version", version),
				zap.String("commit", commit),
			)

			a, err := agent.New(cfg, version, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := a.Start(ctx); err != nil {
				return err
			}

			reload := func(newCfg *config.Config) {
				override(newCfg)
				if err := newCfg.Validate(); err != nil {
					logger.Error("reloaded config invalid", zap.Error(err))
					return
				}
				if err := a.Reload(newCfg); err != nil {
					logger.Error("failed to apply reloaded config", zap.Error(err))
				}
			}

			var watcher *config.Watcher
			if path != "" {
				watcher = config.NewWatcher(path, reload, logger)
				if err := watcher.Start(ctx); err != nil {
					logger.Warn("config watcher unavailable", zap.Error(err))
					watcher = nil
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			hupCh := make(chan os.Signal, 1)
			signal.Notify(hupCh, syscall.SIGHUP)
			defer signal.Stop(sigCh)
			defer signal.Stop(hupCh)

			for {
				select {
				case sig := <-sigCh:
					logger.Info("received shutdown signal", zap.String("signal", sig.String()))
					if watcher != nil {
						watcher.Stop()
					}
					cancel()
					return shutdown(a, logger)

				case <-hupCh:
					logger.Info("received SIGHUP, reloading configuration")
					newCfg, _, err := loadConfig(g)
					if err != nil {
						logger.Error("failed to reload config", zap.Error(err))
						continue
					}
					reload(newCfg)

				case <-ctx.Done():
					return shutdown(a, logger)
				}
			}
		},
	}
	sf.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between sweeps (overrides config)")
	cmd.Flags().StringVar(&health, "health", "", "serve /health, /ready and /metrics on this address")
	return cmd
}

func shutdown(a *agent.Agent, logger *zap.Logger) error {
	done := make(chan struct{})
	go func() {
		if err := a.Stop(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("nfscan stopped")
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out after 30s")
	}
	return nil
}
