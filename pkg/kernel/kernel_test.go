// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package kernel

import (
	"testing"

	"github.com/mbeema/nfscan/pkg/netfilter"
)

func TestParse(t *testing.T) {
	tests := []struct {
		release      string
		major, minor int
		wantErr      bool
	}{
		{"6.1.0-18-amd64", 6, 1, false},
		{"4.15.0-213-generic", 4, 15, false},
		{"5.14.0-362.el9.x86_64", 5, 14, false},
		{"3.10.0-1160.el7.x86_64", 3, 10, false},
		{"garbage", 0, 0, true},
		{"6", 0, 0, true},
	}
	for _, tc := range tests {
		info, err := Parse(tc.release)
		if (err != nil) != tc.wantErr {
			t.Errorf("Parse(%q) err = %v", tc.release, err)
			continue
		}
		if !tc.wantErr && (info.Major != tc.major || info.Minor != tc.minor || info.String() != tc.release) {
			t.Errorf("Parse(%q) = %+v", tc.release, info)
		}
	}
}

func TestLayout(t *testing.T) {
	tests := []struct {
		release string
		want    netfilter.Layout
	}{
		{"3.10.0", netfilter.LayoutLegacy},
		{"4.13.16", netfilter.LayoutLegacy},
		{"4.14.0", netfilter.LayoutFlat},
		{"4.15.18", netfilter.LayoutFlat},
		{"4.16.0", netfilter.LayoutPerFamily},
		{"6.8.0", netfilter.LayoutPerFamily},
	}
	for _, tc := range tests {
		info, err := Parse(tc.release)
		if err != nil {
			t.Fatal(err)
		}
		if got := info.Layout(); got != tc.want {
			t.Errorf("%s: Layout = %v, want %v", tc.release, got, tc.want)
		}
	}
}

func TestFeatures(t *testing.T) {
	old, _ := Parse("5.10.0")
	cur, _ := Parse("6.1.0")
	if old.SupportsHookDump() || !cur.SupportsHookDump() {
		t.Error("hook dump needs 5.14")
	}
	if !old.HasDECnet() || cur.HasDECnet() {
		t.Error("DECnet removed in 6.1")
	}
}
