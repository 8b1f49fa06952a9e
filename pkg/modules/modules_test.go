// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package modules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

const procModulesFixture = `nf_nat 57344 2 nft_chain_nat,xt_MASQUERADE, Live 0xffffffffc0a40000
nf_conntrack 172032 4 xt_conntrack,nf_nat,xt_MASQUERADE, Live 0xffffffffc0a00000
short line
x_tables 53248 5 - Live 0xffffffffc0980000 (E)
`

const kallsymsFixture = `ffffffff81000000 T _stext
ffffffff81000000 T startup_64
ffffffff81a00000 T selinux_ipv4_postroute
ffffffff81e00000 D some_data
ffffffff82000000 T _etext
ffffffffc0a00100 t ipv4_conntrack_in	[nf_conntrack]
ffffffffc0a00200 t ipv4_conntrack_local	[nf_conntrack]
ffffffffc0b00050 t hook_func	[ghost]
ffffffffc0a40010 t nf_nat_ipv4_in	[nf_nat]
`

func TestParseProcModules(t *testing.T) {
	mods, err := ParseProcModules(strings.NewReader(procModulesFixture))
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 3 {
		t.Fatalf("got %d modules, want 3", len(mods))
	}
	want := Module{Name: "nf_conntrack", Size: 172032, State: "Live", Base: 0xffffffffc0a00000}
	if mods[1] != want {
		t.Errorf("mods[1] = %+v, want %+v", mods[1], want)
	}
}

func TestParseProcModulesHiddenAddresses(t *testing.T) {
	in := "nf_nat 57344 2 - Live 0x0000000000000000\nx_tables 53248 5 - Live 0x0000000000000000\n"
	if _, err := ParseProcModules(strings.NewReader(in)); !errors.Is(err, ErrAddressesHidden) {
		t.Fatalf("err = %v, want ErrAddressesHidden", err)
	}
}

func TestParseKallsyms(t *testing.T) {
	k, err := ParseKallsyms(strings.NewReader(kallsymsFixture))
	if err != nil {
		t.Fatal(err)
	}
	if k.Len() != 8 {
		t.Errorf("Len = %d, want 8 (data symbols dropped)", k.Len())
	}

	addr, ok := k.Lookup("ipv4_conntrack_in", "nf_conntrack")
	if !ok || addr != 0xffffffffc0a00100 {
		t.Errorf("Lookup(ipv4_conntrack_in) = %#x, %v", addr, ok)
	}
	if _, ok := k.Lookup("ipv4_conntrack_in", "nf_nat"); ok {
		t.Error("Lookup with the wrong module should fail")
	}
	if addr, ok := k.Lookup("hook_func", ""); !ok || addr != 0xffffffffc0b00050 {
		t.Errorf("unqualified Lookup(hook_func) = %#x, %v", addr, ok)
	}

	start, end, ok := k.KernelText()
	if !ok || start != 0xffffffff81000000 || end != 0xffffffff82000000 {
		t.Errorf("KernelText = %#x-%#x, %v", start, end, ok)
	}

	sym, ok := k.Nearest(0xffffffffc0a00150)
	if !ok || sym.Name != "ipv4_conntrack_in" || sym.Module != "nf_conntrack" {
		t.Errorf("Nearest = %+v, %v", sym, ok)
	}
	if _, ok := k.Nearest(0x1000); ok {
		t.Error("Nearest below the first symbol should fail")
	}
}

func TestParseKallsymsHiddenAddresses(t *testing.T) {
	in := "0000000000000000 T _stext\n0000000000000000 t foo\t[bar]\n"
	if _, err := ParseKallsyms(strings.NewReader(in)); !errors.Is(err, ErrAddressesHidden) {
		t.Fatalf("err = %v, want ErrAddressesHidden", err)
	}
}

func TestRegistryFindOwner(t *testing.T) {
	mods, _ := ParseProcModules(strings.NewReader(procModulesFixture))
	reg := NewRegistry(mods)
	reg.AddRange(KernelModuleName, 0xffffffff81000000, 0xffffffff82000000)

	tests := []struct {
		addr uint64
		want string
		ok   bool
	}{
		{0xffffffffc0a00000, "nf_conntrack", true},
		{0xffffffffc0a00000 + 172031, "nf_conntrack", true},
		{0xffffffffc0a00000 + 172032, "", false},
		{0xffffffffc0a40010, "nf_nat", true},
		{0xffffffff81a00000, KernelModuleName, true},
		{0xffffffffc0b00050, "", false},
		{0x10, "", false},
	}
	for _, tc := range tests {
		got, ok := reg.FindOwnerByAddress(tc.addr)
		if got != tc.want || ok != tc.ok {
			t.Errorf("FindOwnerByAddress(%#x) = %q, %v; want %q, %v", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
	if !reg.HasModule("x_tables") || reg.HasModule("ghost") {
		t.Error("HasModule mismatch")
	}
}

func TestRegistryConcurrentReplace(t *testing.T) {
	reg := NewRegistry([]Module{{Name: "a", Base: 0x1000, Size: 0x100}})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				reg.Replace([]Module{{Name: "b", Base: 0x1000, Size: 0x100}})
			} else {
				reg.Replace([]Module{{Name: "a", Base: 0x1000, Size: 0x100}})
			}
		}
	}()
	for i := 0; i < 500; i++ {
		name, ok := reg.FindOwnerByAddress(0x1010)
		if !ok || (name != "a" && name != "b") {
			t.Fatalf("lookup during replace = %q, %v", name, ok)
		}
	}
	wg.Wait()
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modules")
	if err := os.WriteFile(path, []byte(procModulesFixture), 0o644); err != nil {
		t.Fatal(err)
	}
	k, _ := ParseKallsyms(strings.NewReader(kallsymsFixture))

	reg, err := Load(LoadOptions{ProcModules: path, Kallsyms: k, KernelText: true})
	if err != nil {
		t.Fatal(err)
	}
	if name, ok := reg.FindOwnerByAddress(0xffffffff81a00000); !ok || name != KernelModuleName {
		t.Errorf("kernel text lookup = %q, %v", name, ok)
	}

	if _, err := Load(LoadOptions{ProcModules: path, KernelText: true}); err == nil {
		t.Error("KernelText without kallsyms should fail")
	}
	if _, err := Load(LoadOptions{ProcModules: filepath.Join(dir, "missing")}); err == nil {
		t.Error("missing module list should fail")
	}
}

func TestHiddenSearchKallsymsTag(t *testing.T) {
	mods, _ := ParseProcModules(strings.NewReader(procModulesFixture))
	reg := NewRegistry(mods)
	k, _ := ParseKallsyms(strings.NewReader(kallsymsFixture))
	h := NewHiddenSearch(reg, k, nil)

	if got := h.InferOwner(0xffffffffc0b00060); got != "ghost" {
		t.Errorf("InferOwner = %q, want ghost", got)
	}
	// Past nf_nat's range; its symbols are not evidence of a hidden module.
	if got := h.InferOwner(0xffffffffc0a40000 + 57344 + 0x10); got != Unknown {
		t.Errorf("InferOwner past listed module = %q, want %q", got, Unknown)
	}
}

func TestHiddenSearchRegions(t *testing.T) {
	reg := NewRegistry([]Module{{Name: "nf_nat", Base: 0xffffffffc0a40000, Size: 0x1000}})
	h := NewHiddenSearch(reg, nil, []Region{
		{Name: "nf_nat", Base: 0xffffffffc0a40000},
		{Name: "rootkit", Base: 0xffffffffc0c00000},
		{Name: "carved", Base: 0xffffffffc0d00000, Size: 0x2000},
	})

	tests := []struct {
		addr uint64
		want string
	}{
		{0xffffffffc0c00400, "rootkit"},
		{0xffffffffc0d00100, "carved"},
		{0xffffffffc0d02000, Unknown}, // past the end of a sized region
		{0xffffffffc0a40100, Unknown}, // listed modules are never candidates
		{0x1000, Unknown},
	}
	for _, tc := range tests {
		if got := h.InferOwner(tc.addr); got != tc.want {
			t.Errorf("InferOwner(%#x) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestSysfsRegions(t *testing.T) {
	root := t.TempDir()
	write := func(mod, content string) {
		dir := filepath.Join(root, mod, "sections")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, ".text"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("nf_nat", "0xffffffffc0a40000\n")
	write("ghost", "0xffffffffc0c00000\n")
	write("zeroed", "0x0000000000000000\n")
	if err := os.MkdirAll(filepath.Join(root, "builtin_only"), 0o755); err != nil {
		t.Fatal(err)
	}

	regions, err := SysfsRegions(root, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]uint64)
	for _, r := range regions {
		got[r.Name] = r.Base
	}
	if len(got) != 2 || got["ghost"] != 0xffffffffc0c00000 || got["nf_nat"] != 0xffffffffc0a40000 {
		t.Errorf("regions = %+v", regions)
	}
}
