// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package kernel identifies the running kernel and the hook table layout
// it uses.
package kernel

import (
	"context"
	"fmt"

	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/shirou/gopsutil/v3/host"
)

// Info describes a kernel release.
type Info struct {
	Release string
	Major   int
	Minor   int
}

// Detect reads the running kernel's release.
func Detect(ctx context.Context) (Info, error) {
	release, err := host.KernelVersionWithContext(ctx)
	if err != nil || release == "" {
		release, err = uname()
		if err != nil {
			return Info{}, fmt.Errorf("detect kernel release: %w", err)
		}
	}
	return Parse(release)
}

// Parse extracts major.minor from a release string such as
// "6.1.0-18-amd64".
func Parse(release string) (Info, error) {
	var major, minor int
	n, err := fmt.Sscanf(release, "%d.%d", &major, &minor)
	if err != nil || n != 2 {
		return Info{}, fmt.Errorf("expected major.minor format, got %q", release)
	}
	return Info{Release: release, Major: major, Minor: minor}, nil
}

// AtLeast reports whether the release is major.minor or newer.
func (i Info) AtLeast(major, minor int) bool {
	return i.Major > major || (i.Major == major && i.Minor >= minor)
}

// Layout returns the hook table layout the release uses: the flat array
// before 4.14, the table of tables in 4.14 and 4.15, and per-family arrays
// from 4.16.
func (i Info) Layout() netfilter.Layout {
	switch {
	case i.AtLeast(4, 16):
		return netfilter.LayoutPerFamily
	case i.AtLeast(4, 14):
		return netfilter.LayoutFlat
	default:
		return netfilter.LayoutLegacy
	}
}

// HasDECnet reports whether the release can carry the DECnet hook array.
// DECnet was removed in 6.1.
func (i Info) HasDECnet() bool {
	return !i.AtLeast(6, 1)
}

// SupportsHookDump reports whether nfnetlink_hook (5.14+) is available.
func (i Info) SupportsHookDump() bool {
	return i.AtLeast(5, 14)
}

func (i Info) String() string {
	return i.Release
}
