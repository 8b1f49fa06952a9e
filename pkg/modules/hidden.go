// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package modules

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Unknown is returned by HiddenSearch when no candidate owner is found.
const Unknown = "unknown"

// DefaultWindow bounds how far past a module's text base an address may
// lie and still be attributed to it when the module's size is unknown.
const DefaultWindow = 64 << 20

// Region is a memory region believed to hold a module's code. Size zero
// means the extent is unknown.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// HiddenSearch guesses the owner of addresses the registry does not
// cover. It tries kallsyms module tags first, then candidate regions
// such as sysfs section bases of modules missing from the module list.
type HiddenSearch struct {
	registry *Registry
	ksyms    *Kallsyms
	regions  []Region // sorted by Base
	window   uint64
}

// NewHiddenSearch builds a search. Regions of modules the registry already
// lists are dropped. ksyms may be nil.
func NewHiddenSearch(registry *Registry, ksyms *Kallsyms, regions []Region) *HiddenSearch {
	var kept []Region
	for _, rg := range regions {
		if registry != nil && registry.HasModule(rg.Name) {
			continue
		}
		kept = append(kept, rg)
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Base < kept[j].Base
	})
	return &HiddenSearch{registry: registry, ksyms: ksyms, regions: kept, window: DefaultWindow}
}

// InferOwner returns a best-effort module name or Unknown.
func (h *HiddenSearch) InferOwner(addr uint64) string {
	if h.ksyms != nil {
		if sym, ok := h.ksyms.Nearest(addr); ok && sym.Module != "" && addr-sym.Addr < h.window && !h.listed(sym.Module) {
			return sym.Module
		}
	}

	idx := sort.Search(len(h.regions), func(i int) bool {
		return h.regions[i].Base > addr
	})
	if idx > 0 {
		rg := h.regions[idx-1]
		limit := rg.Size
		if limit == 0 {
			limit = h.window
		}
		if addr-rg.Base < limit {
			return rg.Name
		}
	}
	return Unknown
}

func (h *HiddenSearch) listed(name string) bool {
	return h.registry != nil && h.registry.HasModule(name)
}

// SysfsRegions collects the .text base of every module under root
// (normally /sys/module). Built-in modules have no sections directory and
// are skipped; unreadable entries are logged at debug level.
func SysfsRegions(root string, logger *zap.Logger) ([]Region, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var regions []Region
	for _, e := range entries {
		path := filepath.Join(root, e.Name(), "sections", ".text")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Debug("cannot read module text base", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		base, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"), 16, 64)
		if err != nil || base == 0 {
			continue
		}
		regions = append(regions, Region{Name: e.Name(), Base: base})
	}
	return regions, nil
}
