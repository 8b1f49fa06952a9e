// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package source

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mbeema/nfscan/pkg/modules"
	"github.com/mbeema/nfscan/pkg/netfilter"
	"gopkg.in/yaml.v3"
)

// Addr is a kernel address written in YAML as hex ("0xffffffffc0a00000")
// or decimal.
type Addr uint64

// UnmarshalYAML parses an address scalar.
func (a *Addr) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*a = Addr(v)
	return nil
}

// MarshalYAML writes the address as hex.
func (a Addr) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(a)), nil
}

// SnapshotModule is a module code range in a snapshot.
type SnapshotModule struct {
	Name string `yaml:"name"`
	Base Addr   `yaml:"base"`
	Size Addr   `yaml:"size"`
}

// SnapshotHook is one registered hook in a snapshot.
type SnapshotHook struct {
	Family   string `yaml:"family,omitempty"`
	Hook     uint   `yaml:"hook"`
	Priority int32  `yaml:"priority"`
	Address  Addr   `yaml:"address"`
	Symbol   string `yaml:"symbol,omitempty"`
	Module   string `yaml:"module,omitempty"`
}

// SnapshotDevice is a network interface and its ingress hooks.
type SnapshotDevice struct {
	Name    string         `yaml:"name"`
	Index   int            `yaml:"index"`
	Ingress []SnapshotHook `yaml:"ingress"`
}

// SnapshotDoc is the on-disk forensic dump format.
type SnapshotDoc struct {
	Kernel    string           `yaml:"kernel"`
	Layout    string           `yaml:"layout"`
	DECnet    bool             `yaml:"decnet"`
	Namespace string           `yaml:"namespace"`
	Modules   []SnapshotModule `yaml:"modules"`
	Carved    []SnapshotModule `yaml:"carved"` // regions found by memory carving, not in the module list
	Hooks     []SnapshotHook   `yaml:"hooks"`
	Devices   []SnapshotDevice `yaml:"devices"`
}

// Snapshot serves hook tables and module data captured from another
// machine or a memory image.
type Snapshot struct {
	doc    SnapshotDoc
	layout netfilter.Layout
}

// LoadSnapshot reads a snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := ParseSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return snap, nil
}

// ParseSnapshot decodes and validates a snapshot document.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var doc SnapshotDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if doc.Layout == "" {
		return nil, fmt.Errorf("snapshot has no layout")
	}
	layout, err := netfilter.ParseLayout(doc.Layout)
	if err != nil {
		return nil, err
	}
	if doc.Namespace == "" {
		doc.Namespace = "init_net"
	}

	s := &Snapshot{doc: doc, layout: layout}
	// Build once up front so malformed hooks fail at load time.
	if _, err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

// Layout is the layout the snapshot was captured with.
func (s *Snapshot) Layout() netfilter.Layout {
	return s.layout
}

// DECnet reports whether the captured kernel had the DECnet hook array.
func (s *Snapshot) DECnet() bool {
	return s.doc.DECnet
}

// Kernel is the captured kernel release, if recorded.
func (s *Snapshot) Kernel() string {
	return s.doc.Kernel
}

// Namespace materializes a fresh copy of the captured hook tables.
func (s *Snapshot) Namespace(context.Context) (*netfilter.Net, error) {
	return s.build()
}

// Registry returns the captured module list.
func (s *Snapshot) Registry() *modules.Registry {
	mods := make([]modules.Module, 0, len(s.doc.Modules))
	for _, m := range s.doc.Modules {
		mods = append(mods, modules.Module{Name: m.Name, Base: uint64(m.Base), Size: uint64(m.Size), State: "Live"})
	}
	return modules.NewRegistry(mods)
}

// Regions returns the carved module regions for the hidden-module search.
func (s *Snapshot) Regions() []modules.Region {
	out := make([]modules.Region, 0, len(s.doc.Carved))
	for _, m := range s.doc.Carved {
		out = append(out, modules.Region{Name: m.Name, Base: uint64(m.Base), Size: uint64(m.Size)})
	}
	return out
}

func (s *Snapshot) build() (*netfilter.Net, error) {
	var opts []netfilter.NetOption
	if s.doc.DECnet {
		opts = append(opts, netfilter.WithDECnet())
	}
	net := netfilter.NewNet(s.doc.Namespace, s.layout, opts...)

	for i, h := range s.doc.Hooks {
		f, err := netfilter.ParseFamily(h.Family)
		if err != nil {
			return nil, fmt.Errorf("hooks[%d]: %w", i, err)
		}
		if err := net.Register(f, h.Hook, nil, h.entry()); err != nil {
			return nil, fmt.Errorf("hooks[%d]: %w", i, err)
		}
	}

	for _, d := range s.doc.Devices {
		dev := net.AddDevice(d.Name, d.Index)
		for i, h := range d.Ingress {
			if err := net.Register(netfilter.FamilyNetdev, netfilter.HookIngress, dev, h.entry()); err != nil {
				return nil, fmt.Errorf("devices[%s].ingress[%d]: %w", d.Name, i, err)
			}
		}
	}
	return net, nil
}

func (h SnapshotHook) entry() netfilter.HookEntry {
	return netfilter.HookEntry{
		Addr:     uint64(h.Address),
		Priority: h.Priority,
		Symbol:   h.Symbol,
		Module:   h.Module,
	}
}
