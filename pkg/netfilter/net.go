// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package netfilter

import (
	"fmt"
	"strings"
	"sync"
)

// Layout identifies how a kernel version stores its per-namespace hook tables.
type Layout int

const (
	// LayoutLegacy is a single flat array of hook lists indexed by
	// pf*MaxHooks+hook (kernels before 4.14).
	LayoutLegacy Layout = iota + 1
	// LayoutFlat is a table-of-tables hooks[pf][hook] of entry pointers
	// (4.14 and 4.15).
	LayoutFlat
	// LayoutPerFamily keeps one fixed-size array per family (4.16 onward).
	LayoutPerFamily
)

func (l Layout) String() string {
	switch l {
	case LayoutLegacy:
		return "legacy"
	case LayoutFlat:
		return "flat"
	case LayoutPerFamily:
		return "per_family"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout parses a layout name as used in configuration.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy":
		return LayoutLegacy, nil
	case "flat":
		return LayoutFlat, nil
	case "per_family", "per-family", "perfamily":
		return LayoutPerFamily, nil
	}
	return 0, fmt.Errorf("unknown hook table layout %q", s)
}

type perFamilyHooks struct {
	arp    [ARPNumHooks]Slot
	bridge [BridgeNumHooks]Slot
	ipv4   [InetNumHooks]Slot
	ipv6   [InetNumHooks]Slot
	decnet *[DECnetNumHooks]Slot
}

// Net is the hook storage of one network namespace. Only the storage of
// its layout is allocated.
type Net struct {
	Name   string
	layout Layout

	legacy    []Slot
	flat      [NumProto]*[MaxHooks]Slot
	perFamily *perFamilyHooks

	mu      sync.Mutex
	devices []*Device
}

// NetOption configures a Net.
type NetOption func(*Net)

// WithDECnet allocates the DECnet hook array in a per-family layout.
func WithDECnet() NetOption {
	return func(n *Net) {
		if n.perFamily != nil {
			n.perFamily.decnet = new([DECnetNumHooks]Slot)
		}
	}
}

// NewNet allocates empty hook storage for a namespace.
func NewNet(name string, layout Layout, opts ...NetOption) *Net {
	n := &Net{Name: name, layout: layout}
	switch layout {
	case LayoutLegacy:
		n.legacy = make([]Slot, NumProto*MaxHooks)
	case LayoutFlat:
		for pf := 0; pf < NumProto; pf++ {
			if Family(pf) == FamilyNetdev {
				continue
			}
			n.flat[pf] = new([MaxHooks]Slot)
		}
	case LayoutPerFamily:
		n.perFamily = &perFamilyHooks{}
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Layout returns the layout the storage was allocated with.
func (n *Net) Layout() Layout {
	return n.layout
}

// Device is a network interface with its own netdev ingress hook slot.
type Device struct {
	Name    string
	Index   int
	Ingress Slot

	net *Net
}

// AddDevice creates a device inside the namespace.
func (n *Net) AddDevice(name string, index int) *Device {
	d := &Device{Name: name, Index: index, net: n}
	n.mu.Lock()
	n.devices = append(n.devices, d)
	n.mu.Unlock()
	return d
}

// Devices returns the namespace's devices in creation order.
func (n *Net) Devices() []*Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Device, len(n.devices))
	copy(out, n.devices)
	return out
}

// Register adds a hook entry, publishing a new table for the hook point.
// This is the writer side used by sources and simulations.
func (n *Net) Register(f Family, hook uint, dev *Device, e HookEntry) error {
	slot, err := n.writerSlot(f, hook, dev)
	if err != nil {
		return err
	}
	slot.Replace(func(old *HookTable) *HookTable {
		entries := append(old.Entries(), e)
		return NewHookTable(entries)
	})
	return nil
}

// Unregister removes every entry with the given address from a hook point.
// It reports whether anything was removed.
func (n *Net) Unregister(f Family, hook uint, dev *Device, addr uint64) (bool, error) {
	slot, err := n.writerSlot(f, hook, dev)
	if err != nil {
		return false, err
	}
	removed := false
	slot.Replace(func(old *HookTable) *HookTable {
		removed = false
		var keep []HookEntry
		old.ForEach(func(e HookEntry) {
			if e.Addr == addr {
				removed = true
				return
			}
			keep = append(keep, e)
		})
		if !removed {
			return old
		}
		return NewHookTable(keep)
	})
	return removed, nil
}

func (n *Net) writerSlot(f Family, hook uint, dev *Device) (*Slot, error) {
	loc, err := NewLocator(n.layout, n.perFamily != nil && n.perFamily.decnet != nil)
	if err != nil {
		return nil, err
	}
	return loc.Locate(n, f, hook, dev)
}
