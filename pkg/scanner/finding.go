// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package scanner

import (
	"fmt"

	"github.com/mbeema/nfscan/pkg/netfilter"
)

// OwnerKind records which resolution path named a hook's owner.
type OwnerKind int

const (
	// OwnerKnown means the module registry contains the address.
	OwnerKnown OwnerKind = iota
	// OwnerHidden means only the hidden-module search could name an owner.
	OwnerHidden
)

func (k OwnerKind) String() string {
	switch k {
	case OwnerKnown:
		return "known"
	case OwnerHidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// UnknownOwner is reported when the hidden-module search has no candidate.
const UnknownOwner = "unknown"

// Owner is the resolved owner of a hook address.
type Owner struct {
	Name string
	Kind OwnerKind
}

// Finding is one hook attributed to an owner.
type Finding struct {
	Point netfilter.HookPoint
	Entry netfilter.HookEntry
	Owner Owner
}

// Message is the alert text. It is identical for both owner kinds.
func (f Finding) Message() string {
	return fmt.Sprintf("Module [%s] controls a Netfilter hook.", f.Owner.Name)
}

// Hidden reports whether the owner was only found by the hidden-module search.
func (f Finding) Hidden() bool {
	return f.Owner.Kind == OwnerHidden
}
