// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package netfilter

import (
	"errors"
	"fmt"
)

// ErrInvalidHook is returned when a (family, hook, device) combination does
// not name a hook table under the locator's layout.
var ErrInvalidHook = errors.New("invalid hook point")

// PointError ties an error to the hook point it was raised for.
type PointError struct {
	Point HookPoint
	Err   error
}

func (e *PointError) Error() string {
	return fmt.Sprintf("%s: %v", e.Point, e.Err)
}

func (e *PointError) Unwrap() error {
	return e.Err
}

// TableLocator finds the slot holding the hook table of one hook point.
// Exactly one implementation is used per kernel layout; all of them share
// the same contract and differ only in indexing.
type TableLocator interface {
	Layout() Layout

	// Families lists the non-netdev families stored by the layout, in
	// ascending order.
	Families() []Family

	// NumHooks is the number of valid hook numbers for a stored family.
	NumHooks(f Family) uint

	// Locate returns the slot for the hook point. dev is only consulted
	// for FamilyNetdev, where it must belong to net.
	Locate(net *Net, f Family, hook uint, dev *Device) (*Slot, error)
}

// NewLocator returns the locator for a layout. decnet only applies to the
// per-family layout, where the DECnet array is a build option.
func NewLocator(layout Layout, decnet bool) (TableLocator, error) {
	switch layout {
	case LayoutLegacy:
		return legacyLocator{}, nil
	case LayoutFlat:
		return flatLocator{}, nil
	case LayoutPerFamily:
		return perFamilyLocator{decnet: decnet}, nil
	}
	return nil, fmt.Errorf("no locator for %s", layout)
}

func invalid(f Family, hook uint, reason string) error {
	return fmt.Errorf("%w: %s hook %d: %s", ErrInvalidHook, f, hook, reason)
}

// locateNetdev handles the netdev family, identical across layouts.
func locateNetdev(net *Net, hook uint, dev *Device) (*Slot, error) {
	if hook != HookIngress {
		return nil, invalid(FamilyNetdev, hook, "only ingress is scanned")
	}
	if dev == nil {
		return nil, invalid(FamilyNetdev, hook, "no device")
	}
	if dev.net != net {
		return nil, invalid(FamilyNetdev, hook, fmt.Sprintf("device %s is in another namespace", dev.Name))
	}
	return &dev.Ingress, nil
}

func flatFamilies() []Family {
	out := make([]Family, 0, NumProto-1)
	for pf := 0; pf < NumProto; pf++ {
		if Family(pf) == FamilyNetdev {
			continue
		}
		out = append(out, Family(pf))
	}
	return out
}

type legacyLocator struct{}

func (legacyLocator) Layout() Layout     { return LayoutLegacy }
func (legacyLocator) Families() []Family { return flatFamilies() }

func (legacyLocator) NumHooks(f Family) uint {
	if f == FamilyNetdev || f >= NumProto {
		return 0
	}
	return MaxHooks
}

func (legacyLocator) Locate(net *Net, f Family, hook uint, dev *Device) (*Slot, error) {
	if f == FamilyNetdev {
		return locateNetdev(net, hook, dev)
	}
	if f >= NumProto {
		return nil, invalid(f, hook, "family out of range")
	}
	if hook >= MaxHooks {
		return nil, invalid(f, hook, "hook out of range")
	}
	if len(net.legacy) != NumProto*MaxHooks {
		return nil, invalid(f, hook, "namespace has no legacy hook table")
	}
	return &net.legacy[int(f)*MaxHooks+int(hook)], nil
}

type flatLocator struct{}

func (flatLocator) Layout() Layout     { return LayoutFlat }
func (flatLocator) Families() []Family { return flatFamilies() }

func (flatLocator) NumHooks(f Family) uint {
	if f == FamilyNetdev || f >= NumProto {
		return 0
	}
	return MaxHooks
}

func (flatLocator) Locate(net *Net, f Family, hook uint, dev *Device) (*Slot, error) {
	if f == FamilyNetdev {
		return locateNetdev(net, hook, dev)
	}
	if f >= NumProto {
		return nil, invalid(f, hook, "family out of range")
	}
	if hook >= MaxHooks {
		return nil, invalid(f, hook, "hook out of range")
	}
	hooks := net.flat[f]
	if hooks == nil {
		return nil, invalid(f, hook, "namespace has no table for family")
	}
	return &hooks[hook], nil
}

type perFamilyLocator struct {
	decnet bool
}

func (perFamilyLocator) Layout() Layout { return LayoutPerFamily }

func (l perFamilyLocator) Families() []Family {
	fams := []Family{FamilyIPv4, FamilyARP, FamilyBridge, FamilyIPv6}
	if l.decnet {
		fams = append(fams, FamilyDECnet)
	}
	return fams
}

func (l perFamilyLocator) NumHooks(f Family) uint {
	switch f {
	case FamilyARP:
		return ARPNumHooks
	case FamilyBridge:
		return BridgeNumHooks
	case FamilyIPv4, FamilyIPv6:
		return InetNumHooks
	case FamilyDECnet:
		if l.decnet {
			return DECnetNumHooks
		}
	}
	return 0
}

func (l perFamilyLocator) Locate(net *Net, f Family, hook uint, dev *Device) (*Slot, error) {
	if f == FamilyNetdev {
		return locateNetdev(net, hook, dev)
	}
	hooks := net.perFamily
	if hooks == nil {
		return nil, invalid(f, hook, "namespace has no per-family hook tables")
	}

	var slots []Slot
	switch f {
	case FamilyARP:
		slots = hooks.arp[:]
	case FamilyBridge:
		slots = hooks.bridge[:]
	case FamilyIPv4:
		slots = hooks.ipv4[:]
	case FamilyIPv6:
		slots = hooks.ipv6[:]
	case FamilyDECnet:
		if !l.decnet || hooks.decnet == nil {
			return nil, invalid(f, hook, "decnet not configured")
		}
		slots = hooks.decnet[:]
	default:
		return nil, invalid(f, hook, "family has no hook table")
	}
	if hook >= uint(len(slots)) {
		return nil, invalid(f, hook, "hook out of range")
	}
	return &slots[hook], nil
}
