// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package scanner

import "github.com/mbeema/nfscan/pkg/netfilter"

// ModuleRegistry answers which loaded module's code range contains an
// address. Implementations serialize lookups against module load/unload
// and hold their lock only for the duration of one call.
type ModuleRegistry interface {
	FindOwnerByAddress(addr uint64) (name string, ok bool)
}

// HiddenModuleSearch makes a best-effort guess at the owner of an address
// that no registered module claims. It returns UnknownOwner (or "") when
// it has no candidate.
type HiddenModuleSearch interface {
	InferOwner(addr uint64) string
}

// Resolver attributes hook addresses to modules, falling back to the
// hidden-module search when the registry has no match.
type Resolver struct {
	registry ModuleRegistry
	hidden   HiddenModuleSearch
}

// NewResolver creates a resolver.
func NewResolver(registry ModuleRegistry, hidden HiddenModuleSearch) *Resolver {
	return &Resolver{registry: registry, hidden: hidden}
}

// Resolve always returns a name. The kind is OwnerHidden whenever the
// registry lookup missed, whatever the heuristic answered.
func (r *Resolver) Resolve(addr uint64) Owner {
	if name, ok := r.registry.FindOwnerByAddress(addr); ok {
		return Owner{Name: name, Kind: OwnerKnown}
	}

	name := UnknownOwner
	if r.hidden != nil {
		if guess := r.hidden.InferOwner(addr); guess != "" {
			name = guess
		}
	}
	return Owner{Name: name, Kind: OwnerHidden}
}

// ResolveEntry resolves a hook entry. An entry with no address but with a
// module name was symbolized by the kernel through its own module list, so
// it is attributed to that module without a registry lookup.
func (r *Resolver) ResolveEntry(e netfilter.HookEntry) Owner {
	if e.Addr == 0 && e.Module != "" {
		return Owner{Name: e.Module, Kind: OwnerKnown}
	}
	return r.Resolve(e.Addr)
}
