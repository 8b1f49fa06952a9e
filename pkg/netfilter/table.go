// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package netfilter

import (
	"sort"
	"sync/atomic"
)

// HookEntry is one registered hook callback.
type HookEntry struct {
	Addr     uint64 // callback code address
	Priority int32

	// Optional metadata supplied by the source. Never used for ownership.
	Symbol string // kernel-reported function name
	Module string // kernel-reported module name, if any
	Chain  string // nftables "table/chain" owning the hook, if known
}

// HookTable is an immutable, priority-ordered set of hook entries.
// Writers build a new table and swap it into a Slot; a published table is
// never modified.
type HookTable struct {
	entries []HookEntry
}

// NewHookTable copies entries into a new table sorted by priority.
// Entries with equal priority keep their relative order.
func NewHookTable(entries []HookEntry) *HookTable {
	if len(entries) == 0 {
		return nil
	}
	cp := make([]HookEntry, len(entries))
	copy(cp, entries)
	sort.SliceStable(cp, func(i, j int) bool {
		return cp[i].Priority < cp[j].Priority
	})
	return &HookTable{entries: cp}
}

// Len returns the number of entries. A nil table has none.
func (t *HookTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// At returns the i-th entry.
func (t *HookTable) At(i int) HookEntry {
	return t.entries[i]
}

// ForEach calls fn for every entry in stored order.
func (t *HookTable) ForEach(fn func(HookEntry)) {
	if t == nil {
		return
	}
	for _, e := range t.entries {
		fn(e)
	}
}

// Entries returns a copy of the table's entries.
func (t *HookTable) Entries() []HookEntry {
	if t == nil {
		return nil
	}
	out := make([]HookEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Slot holds the current HookTable for one hook point. A nil table means
// no hooks are registered there.
//
// Readers Load once and work on the returned table; a concurrent Replace
// publishes a new table without disturbing them. Superseded tables are
// reclaimed by the garbage collector once the last reader drops them.
type Slot struct {
	p atomic.Pointer[HookTable]
}

// Load returns the current table, or nil when the slot is absent.
func (s *Slot) Load() *HookTable {
	return s.p.Load()
}

// Store publishes t, replacing whatever was there.
func (s *Slot) Store(t *HookTable) {
	s.p.Store(t)
}

// Replace applies fn to the current table and publishes its result,
// retrying if another writer got in first.
func (s *Slot) Replace(fn func(old *HookTable) *HookTable) {
	for {
		old := s.p.Load()
		next := fn(old)
		if s.p.CompareAndSwap(old, next) {
			return
		}
	}
}

// Read takes a single snapshot of the slot and returns its entries in
// stored order. An absent slot yields nil.
func Read(s *Slot) []HookEntry {
	return s.Load().Entries()
}

// ForEachEntry snapshots the slot once and visits every entry of that
// version exactly once. It returns the number of entries visited.
func ForEachEntry(s *Slot, fn func(HookEntry)) int {
	t := s.Load()
	t.ForEach(fn)
	return t.Len()
}
