// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package source

import (
	"context"

	"github.com/mbeema/nfscan/pkg/modules"
	"github.com/mbeema/nfscan/pkg/netfilter"
	"go.uber.org/zap"
)

// NetlinkOptions configures the live kernel source.
type NetlinkOptions struct {
	Layout    netfilter.Layout
	DECnet    bool
	NetNSPath string
	Devices   []string
	Kallsyms  *modules.Kallsyms
	Nftables  bool
}

// Netlink is only available on Linux.
type Netlink struct{}

// NewNetlink creates a live source that always fails off Linux.
func NewNetlink(NetlinkOptions, *zap.Logger) *Netlink {
	return &Netlink{}
}

// Namespace returns ErrUnsupported.
func (s *Netlink) Namespace(context.Context) (*netfilter.Net, error) {
	return nil, ErrUnsupported
}
