// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package source provides the hook tables a sweep reads: live from the
// kernel over nfnetlink, from a forensic snapshot file, or from memory.
package source

import (
	"context"
	"errors"

	"github.com/mbeema/nfscan/pkg/netfilter"
)

// ErrUnsupported is returned when the running system cannot dump its
// netfilter hooks.
var ErrUnsupported = errors.New("netfilter hook dump not supported on this system")

// Static serves one in-memory namespace that writers may keep mutating
// while sweeps run.
type Static struct {
	net *netfilter.Net
}

// NewStatic wraps an existing namespace.
func NewStatic(net *netfilter.Net) *Static {
	return &Static{net: net}
}

// Namespace returns the wrapped namespace.
func (s *Static) Namespace(context.Context) (*netfilter.Net, error) {
	return s.net, nil
}
