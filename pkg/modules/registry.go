// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package modules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// KernelModuleName names the core kernel text range in a Registry.
const KernelModuleName = "kernel"

// Range is a contiguous code range [Start, End) owned by a module.
type Range struct {
	Name  string
	Start uint64
	End   uint64
}

// Registry is a snapshot of loaded modules and their code ranges.
// Lookups and replacements are serialized by one mutex, playing the part
// of the kernel's module_mutex.
type Registry struct {
	mu     sync.Mutex
	ranges []Range // sorted by Start
	names  map[string]bool
}

// NewRegistry builds a registry from parsed module list entries.
func NewRegistry(mods []Module) *Registry {
	r := &Registry{}
	r.Replace(mods)
	return r
}

// Replace swaps in a new module list, as a module load or unload would.
func (r *Registry) Replace(mods []Module) {
	ranges := make([]Range, 0, len(mods))
	names := make(map[string]bool, len(mods))
	for _, m := range mods {
		names[m.Name] = true
		if m.Base == 0 || m.Size == 0 {
			continue
		}
		ranges = append(ranges, Range{Name: m.Name, Start: m.Base, End: m.Base + m.Size})
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})

	r.mu.Lock()
	r.ranges = ranges
	r.names = names
	r.mu.Unlock()
}

// AddRange registers an extra owned range, such as the core kernel text.
func (r *Registry) AddRange(name string, start, end uint64) {
	if end <= start {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := sort.Search(len(r.ranges), func(i int) bool {
		return r.ranges[i].Start > start
	})
	r.ranges = append(r.ranges, Range{})
	copy(r.ranges[idx+1:], r.ranges[idx:])
	r.ranges[idx] = Range{Name: name, Start: start, End: end}
	if r.names == nil {
		r.names = make(map[string]bool)
	}
	r.names[name] = true
}

// FindOwnerByAddress returns the module whose range contains addr.
func (r *Registry) FindOwnerByAddress(addr uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Binary search for the last range with Start <= addr
	idx := sort.Search(len(r.ranges), func(i int) bool {
		return r.ranges[i].Start > addr
	})
	if idx == 0 {
		return "", false
	}
	rg := r.ranges[idx-1]
	if addr >= rg.End {
		return "", false
	}
	return rg.Name, true
}

// HasModule reports whether name is in the module list.
func (r *Registry) HasModule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[name]
}

// Len returns the number of ranges.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ranges)
}

// LoadOptions selects the files a live registry is built from.
type LoadOptions struct {
	ProcModules string
	Kallsyms    *Kallsyms // optional; needed for KernelText
	KernelText  bool      // register [_stext, _etext) as KernelModuleName
}

// Load builds a registry from the running kernel.
func Load(opts LoadOptions) (*Registry, error) {
	mods, err := ReadProcModules(opts.ProcModules)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry(mods)

	if opts.KernelText {
		if opts.Kallsyms == nil {
			return nil, errors.New("kernel text range requires kallsyms")
		}
		start, end, ok := opts.Kallsyms.KernelText()
		if !ok {
			return nil, fmt.Errorf("kallsyms has no _stext/_etext")
		}
		reg.AddRange(KernelModuleName, start, end)
	}
	return reg, nil
}
