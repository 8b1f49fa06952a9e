// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mbeema/nfscan/pkg/kernel"
	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newLayoutCmd(g *globalFlags) *cobra.Command {
	var (
		release string
		decnet  bool
	)

	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Show the hook table layout and hook points for a kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				info kernel.Info
				err  error
			)
			if release != "" {
				info, err = kernel.Parse(release)
			} else {
				info, err = kernel.Detect(cmd.Context())
			}
			if err != nil {
				return err
			}

			layout := info.Layout()
			withDECnet := decnet && layout == netfilter.LayoutPerFamily && info.HasDECnet()
			loc, err := netfilter.NewLocator(layout, withDECnet)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kernel:    %s\n", info)
			fmt.Fprintf(out, "layout:    %s\n", layout)
			fmt.Fprintf(out, "decnet:    %v\n", withDECnet)
			fmt.Fprintf(out, "hook dump: %v\n\n", info.SupportsHookDump())

			table := tablewriter.NewWriter(out)
			table.Header("Family", "NFPROTO", "Hooks")
			for _, f := range loc.Families() {
				var names []string
				for hook := uint(0); hook < loc.NumHooks(f); hook++ {
					names = append(names, netfilter.HookName(f, hook))
				}
				if err := table.Append([]string{f.String(), strconv.Itoa(int(f)), strings.Join(names, " ")}); err != nil {
					return err
				}
			}
			if err := table.Append([]string{netfilter.FamilyNetdev.String(), strconv.Itoa(int(netfilter.FamilyNetdev)), "ingress (per device)"}); err != nil {
				return err
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&release, "kernel", "", "kernel release to describe instead of the running one")
	cmd.Flags().BoolVar(&decnet, "decnet", false, "include the DECnet hook array when the kernel has one")
	return cmd
}
