// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package netfilter models the kernel's per-namespace netfilter hook
// registration tables and the layout-specific locators used to find them.
package netfilter

import (
	"fmt"
	"strings"
)

// Family is a netfilter protocol family (NFPROTO_*).
type Family uint8

// Values match include/uapi/linux/netfilter.h.
const (
	FamilyUnspec Family = 0
	FamilyInet   Family = 1
	FamilyIPv4   Family = 2
	FamilyARP    Family = 3
	FamilyNetdev Family = 5
	FamilyBridge Family = 7
	FamilyIPv6   Family = 10
	FamilyDECnet Family = 12

	// NumProto is NFPROTO_NUMPROTO.
	NumProto = 13
)

// MaxHooks bounds the hook number in the flat layouts (NF_MAX_HOOKS).
const MaxHooks = 8

// Per-family hook counts used by the per-family layout.
const (
	InetNumHooks   = 5 // NF_INET_NUMHOOKS
	ARPNumHooks    = 3 // NF_ARP_NUMHOOKS
	BridgeNumHooks = 5 // hooks_bridge is sized with NF_INET_NUMHOOKS
	DECnetNumHooks = 7 // NF_DN_NUMHOOKS
)

// HookIngress is NF_NETDEV_INGRESS, the only netdev hook the scanner reads.
const HookIngress = 0

var familyNames = map[Family]string{
	FamilyUnspec: "unspec",
	FamilyInet:   "inet",
	FamilyIPv4:   "ipv4",
	FamilyARP:    "arp",
	FamilyNetdev: "netdev",
	FamilyBridge: "bridge",
	FamilyIPv6:   "ipv6",
	FamilyDECnet: "decnet",
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("pf%d", uint8(f))
}

// ParseFamily accepts a family name ("ipv4") or its numeric form ("pf2").
func ParseFamily(s string) (Family, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range familyNames {
		if name == s {
			return f, nil
		}
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "pf%d", &n); err == nil && n < NumProto {
		return Family(n), nil
	}
	return 0, fmt.Errorf("unknown protocol family %q", s)
}

var inetHookNames = []string{"prerouting", "input", "forward", "output", "postrouting"}
var arpHookNames = []string{"input", "output", "forward"}
var bridgeHookNames = []string{"prerouting", "input", "forward", "output", "postrouting", "brouting"}

// HookName returns the conventional name of a hook number within a family.
func HookName(f Family, hook uint) string {
	var names []string
	switch f {
	case FamilyIPv4, FamilyIPv6, FamilyInet, FamilyDECnet:
		names = inetHookNames
	case FamilyARP:
		names = arpHookNames
	case FamilyBridge:
		names = bridgeHookNames
	case FamilyNetdev:
		names = []string{"ingress", "egress"}
	}
	if int(hook) < len(names) {
		return names[hook]
	}
	return fmt.Sprintf("hook%d", hook)
}

// HookPoint identifies one chokepoint in the packet path. Device is set
// only for netdev hooks.
type HookPoint struct {
	Family Family
	Hook   uint
	Device string
}

func (p HookPoint) String() string {
	if p.Device != "" {
		return fmt.Sprintf("%s/%s@%s", p.Family, HookName(p.Family, p.Hook), p.Device)
	}
	return fmt.Sprintf("%s/%s", p.Family, HookName(p.Family, p.Hook))
}
