// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package modules

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Symbol is one text symbol from /proc/kallsyms.
type Symbol struct {
	Addr   uint64
	Type   byte
	Name   string
	Module string // empty for the core kernel image
}

// Kallsyms is an address-sorted kernel text symbol table.
type Kallsyms struct {
	symbols []Symbol // sorted by Addr for binary search
	byName  map[string][]int
}

// LoadKallsyms reads and parses path (normally /proc/kallsyms).
func LoadKallsyms(path string) (*Kallsyms, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	k, err := ParseKallsyms(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return k, nil
}

// ParseKallsyms parses kallsyms content, keeping text symbols only.
// Format: address type name [\t[module]]
func ParseKallsyms(r io.Reader) (*Kallsyms, error) {
	var syms []Symbol
	allZero := true

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || len(fields[1]) != 1 {
			continue
		}
		typ := fields[1][0]
		if typ != 't' && typ != 'T' && typ != 'w' && typ != 'W' {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		if addr != 0 {
			allZero = false
		}
		sym := Symbol{Addr: addr, Type: typ, Name: fields[2]}
		if len(fields) >= 4 {
			sym.Module = strings.Trim(fields[3], "[]")
		}
		syms = append(syms, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(syms) > 0 && allZero {
		return nil, ErrAddressesHidden
	}
	return newKallsyms(syms), nil
}

func newKallsyms(syms []Symbol) *Kallsyms {
	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Addr < syms[j].Addr
	})
	byName := make(map[string][]int, len(syms))
	for i, s := range syms {
		byName[s.Name] = append(byName[s.Name], i)
	}
	return &Kallsyms{symbols: syms, byName: byName}
}

// Len returns the number of symbols.
func (k *Kallsyms) Len() int {
	return len(k.symbols)
}

// Lookup returns the address of a function. With module empty the core
// kernel image is preferred; otherwise only that module's symbol matches.
func (k *Kallsyms) Lookup(name, module string) (uint64, bool) {
	idxs := k.byName[name]
	for _, i := range idxs {
		if k.symbols[i].Module == module {
			return k.symbols[i].Addr, true
		}
	}
	if module == "" && len(idxs) > 0 {
		return k.symbols[idxs[0]].Addr, true
	}
	return 0, false
}

// Nearest returns the last symbol at or below addr.
func (k *Kallsyms) Nearest(addr uint64) (Symbol, bool) {
	idx := sort.Search(len(k.symbols), func(i int) bool {
		return k.symbols[i].Addr > addr
	})
	if idx == 0 {
		return Symbol{}, false
	}
	return k.symbols[idx-1], true
}

// KernelText returns the core kernel text range [_stext, _etext).
func (k *Kallsyms) KernelText() (start, end uint64, ok bool) {
	start, okStart := k.Lookup("_stext", "")
	end, okEnd := k.Lookup("_etext", "")
	if !okStart || !okEnd || end <= start {
		return 0, 0, false
	}
	return start, end, true
}
