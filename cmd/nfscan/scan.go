// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"time"

	"github.com/mbeema/nfscan/pkg/agent"
	"github.com/mbeema/nfscan/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sourceFlags override the source section of the config.
type sourceFlags struct {
	snapshot string
	layout   string
	decnet   bool
	netns    string
	devices  []string
	format   string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.snapshot, "snapshot", "", "scan a YAML snapshot instead of the running kernel")
	cmd.Flags().StringVar(&f.layout, "layout", "", "hook table layout (auto, legacy, flat, per_family)")
	cmd.Flags().BoolVar(&f.decnet, "decnet", false, "include the DECnet hook array (per_family only)")
	cmd.Flags().StringVar(&f.netns, "netns", "", "network namespace path, e.g. /var/run/netns/blue")
	cmd.Flags().StringSliceVar(&f.devices, "device", nil, "limit netdev ingress to these interfaces")
	cmd.Flags().StringVarP(&f.format, "output", "o", "", "print findings to stdout as text, json or table")
}

func (f *sourceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if f.snapshot != "" {
		cfg.Source.Type = "snapshot"
		cfg.Source.SnapshotPath = f.snapshot
	}
	if f.layout != "" {
		cfg.Layout = f.layout
	}
	if cmd.Flags().Changed("decnet") {
		cfg.DECnet = f.decnet
	}
	if f.netns != "" {
		cfg.Source.NetNSPath = f.netns
	}
	if len(f.devices) > 0 {
		cfg.Source.Devices = f.devices
	}
	if f.format != "" {
		cfg.Reporters.Stdout.Enabled = true
		cfg.Reporters.Stdout.Format = f.format
	}
}

func newScanCmd(g *globalFlags) *cobra.Command {
	sf := &sourceFlags{}
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one sweep over every netfilter hook and report its owner",
		Long: `Run one sweep over every netfilter hook point and attribute each
registered hook to the kernel module that owns its code.

Exit status is 0 when every hook belongs to a listed module, 3 when at
least one belongs to a hidden module, 2 when the hook table layout does
not match the kernel and 1 on other errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, logger, err := setup(g, func(c *config.Config) { sf.apply(cmd, c) })
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := agent.New(cfg, version, logger)
			if err != nil {
				return err
			}
			defer a.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			sum, err := a.RunOnce(ctx)
			if err != nil {
				return err
			}
			if sum.Hidden > 0 {
				logger.Warn("hooks owned by hidden modules", zap.Int("count", sum.Hidden))
				return errHiddenFound
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "abort the sweep after this long")
	return cmd
}
