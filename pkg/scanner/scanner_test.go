// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mbeema/nfscan/pkg/netfilter"
	"go.uber.org/zap"
)

type fakeSource struct {
	net *netfilter.Net
	err error
}

func (s fakeSource) Namespace(context.Context) (*netfilter.Net, error) {
	return s.net, s.err
}

type moduleRange struct {
	name       string
	start, end uint64
}

type fakeRegistry struct {
	modules []moduleRange
	lookups int
}

func (r *fakeRegistry) FindOwnerByAddress(addr uint64) (string, bool) {
	r.lookups++
	for _, m := range r.modules {
		if addr >= m.start && addr < m.end {
			return m.name, true
		}
	}
	return "", false
}

type fakeHidden struct {
	name  string
	calls []uint64
}

func (h *fakeHidden) InferOwner(addr uint64) string {
	h.calls = append(h.calls, addr)
	return h.name
}

type collectReporter struct {
	findings []Finding
}

func (r *collectReporter) Report(f Finding) {
	r.findings = append(r.findings, f)
}

// failingLocator wraps a real locator and rejects one hook point.
type failingLocator struct {
	netfilter.TableLocator
	failFamily netfilter.Family
	failHook   uint
	calls      []netfilter.HookPoint
}

func (l *failingLocator) Locate(net *netfilter.Net, f netfilter.Family, hook uint, dev *netfilter.Device) (*netfilter.Slot, error) {
	l.calls = append(l.calls, netfilter.HookPoint{Family: f, Hook: hook})
	if f == l.failFamily && hook == l.failHook {
		return nil, netfilter.ErrInvalidHook
	}
	return l.TableLocator.Locate(net, f, hook, dev)
}

type fixture struct {
	net      *netfilter.Net
	locator  netfilter.TableLocator
	registry *fakeRegistry
	hidden   *fakeHidden
	reporter *collectReporter
}

func newFixture(t *testing.T, layout netfilter.Layout) *fixture {
	t.Helper()
	loc, err := netfilter.NewLocator(layout, false)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		net:     netfilter.NewNet("init_net", layout),
		locator: loc,
		registry: &fakeRegistry{modules: []moduleRange{
			{name: "M", start: 0xffffffffc0000000, end: 0xffffffffc0010000},
			{name: "nf_conntrack", start: 0xffffffffc0100000, end: 0xffffffffc0140000},
		}},
		hidden:   &fakeHidden{name: "diamorphine"},
		reporter: &collectReporter{},
	}
}

func (fx *fixture) scanner() *Scanner {
	return New(fakeSource{net: fx.net}, fx.locator, NewResolver(fx.registry, fx.hidden), fx.reporter, zap.NewNop())
}

func TestScanNoHooks(t *testing.T) {
	for _, layout := range []netfilter.Layout{netfilter.LayoutLegacy, netfilter.LayoutFlat, netfilter.LayoutPerFamily} {
		fx := newFixture(t, layout)
		fx.net.AddDevice("eth0", 2)

		sum, err := fx.scanner().Scan(context.Background())
		if err != nil {
			t.Fatalf("%s: Scan: %v", layout, err)
		}
		if len(fx.reporter.findings) != 0 {
			t.Errorf("%s: got %d findings, want 0", layout, len(fx.reporter.findings))
		}
		if sum.Entries != 0 || sum.Known != 0 || sum.Hidden != 0 {
			t.Errorf("%s: summary %+v", layout, sum)
		}
		if sum.HookPoints == 0 {
			t.Errorf("%s: no hook points visited", layout)
		}
	}
}

func TestScanSingleKnownHook(t *testing.T) {
	fx := newFixture(t, netfilter.LayoutPerFamily)
	if err := fx.net.Register(netfilter.FamilyIPv4, 1, nil, netfilter.HookEntry{Addr: 0xffffffffc0000400}); err != nil {
		t.Fatal(err)
	}

	sum, err := fx.scanner().Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fx.reporter.findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(fx.reporter.findings))
	}
	f := fx.reporter.findings[0]
	if f.Owner.Kind != OwnerKnown || f.Owner.Name != "M" {
		t.Errorf("owner = %+v, want known M", f.Owner)
	}
	if f.Point.Family != netfilter.FamilyIPv4 || f.Point.Hook != 1 {
		t.Errorf("point = %v", f.Point)
	}
	if len(fx.hidden.calls) != 0 {
		t.Error("hidden-module search consulted for a known address")
	}
	if sum.Known != 1 || sum.Hidden != 0 || sum.Entries != 1 {
		t.Errorf("summary %+v", sum)
	}
}

func TestScanSingleHiddenHook(t *testing.T) {
	for _, heuristic := range []string{"diamorphine", UnknownOwner} {
		fx := newFixture(t, netfilter.LayoutFlat)
		fx.hidden.name = heuristic
		const addr = 0xffffffffc0900000
		if err := fx.net.Register(netfilter.FamilyIPv6, 0, nil, netfilter.HookEntry{Addr: addr}); err != nil {
			t.Fatal(err)
		}

		sum, err := fx.scanner().Scan(context.Background())
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(fx.reporter.findings) != 1 {
			t.Fatalf("got %d findings, want 1", len(fx.reporter.findings))
		}
		f := fx.reporter.findings[0]
		if f.Owner.Kind != OwnerHidden || f.Owner.Name != heuristic {
			t.Errorf("owner = %+v, want hidden %q", f.Owner, heuristic)
		}
		if len(fx.hidden.calls) != 1 || fx.hidden.calls[0] != addr {
			t.Errorf("hidden search calls = %#x", fx.hidden.calls)
		}
		if sum.Hidden != 1 {
			t.Errorf("summary %+v", sum)
		}
	}
}

func TestScanNetdevIngress(t *testing.T) {
	fx := newFixture(t, netfilter.LayoutPerFamily)
	eth0 := fx.net.AddDevice("eth0", 2)
	fx.net.AddDevice("lo", 1)
	if err := fx.net.Register(netfilter.FamilyNetdev, netfilter.HookIngress, eth0, netfilter.HookEntry{Addr: 0xffffffffc0100010}); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.scanner().Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fx.reporter.findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(fx.reporter.findings))
	}
	f := fx.reporter.findings[0]
	if f.Point.Device != "eth0" || f.Owner.Name != "nf_conntrack" {
		t.Errorf("finding = %+v", f)
	}
}

func TestScanLocatorFailureAborts(t *testing.T) {
	fx := newFixture(t, netfilter.LayoutPerFamily)
	// A hook registered after the failing point must never be reported.
	if err := fx.net.Register(netfilter.FamilyIPv6, 0, nil, netfilter.HookEntry{Addr: 0xffffffffc0000010}); err != nil {
		t.Fatal(err)
	}
	loc := &failingLocator{TableLocator: fx.locator, failFamily: netfilter.FamilyARP, failHook: 1}
	fx.locator = loc

	_, err := fx.scanner().Scan(context.Background())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if !errors.Is(err, netfilter.ErrInvalidHook) {
		t.Error("ConfigError should unwrap to ErrInvalidHook")
	}
	if cfgErr.Point.Family != netfilter.FamilyARP || cfgErr.Point.Hook != 1 {
		t.Errorf("ConfigError point = %v", cfgErr.Point)
	}
	last := loc.calls[len(loc.calls)-1]
	if last.Family != netfilter.FamilyARP || last.Hook != 1 {
		t.Errorf("locator called after failure: last call %v", last)
	}
	if len(fx.reporter.findings) != 0 {
		t.Errorf("findings after abort: %+v", fx.reporter.findings)
	}
}

func TestScanSourceError(t *testing.T) {
	fx := newFixture(t, netfilter.LayoutPerFamily)
	boom := errors.New("netlink unavailable")
	s := New(fakeSource{err: boom}, fx.locator, NewResolver(fx.registry, fx.hidden), fx.reporter, zap.NewNop())

	_, err := s.Scan(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped source error", err)
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		t.Error("source errors are not ConfigErrors")
	}
}

func TestScanSourceRejectedPoint(t *testing.T) {
	fx := newFixture(t, netfilter.LayoutPerFamily)
	point := netfilter.HookPoint{Family: netfilter.FamilyIPv4, Hook: 4}
	rejected := &netfilter.PointError{Point: point, Err: fmt.Errorf("%w: kernel rejected the dump", netfilter.ErrInvalidHook)}
	s := New(fakeSource{err: fmt.Errorf("dump: %w", rejected)}, fx.locator, NewResolver(fx.registry, fx.hidden), fx.reporter, zap.NewNop())

	_, err := s.Scan(context.Background())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if cfgErr.Point != point || cfgErr.Layout != netfilter.LayoutPerFamily {
		t.Errorf("ConfigError = %+v", cfgErr)
	}
	if !errors.Is(err, netfilter.ErrInvalidHook) {
		t.Error("ConfigError should unwrap to ErrInvalidHook")
	}
	if len(fx.reporter.findings) != 0 {
		t.Errorf("findings after abort: %+v", fx.reporter.findings)
	}
}

func TestScanKernelSymbolizedEntry(t *testing.T) {
	fx := newFixture(t, netfilter.LayoutPerFamily)
	if err := fx.net.Register(netfilter.FamilyIPv4, 0, nil, netfilter.HookEntry{Symbol: "ipv4_conntrack_in", Module: "nf_conntrack"}); err != nil {
		t.Fatal(err)
	}

	sum, err := fx.scanner().Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Known != 1 || sum.Hidden != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if got := fx.reporter.findings[0].Owner; got != (Owner{Name: "nf_conntrack", Kind: OwnerKnown}) {
		t.Errorf("owner = %+v", got)
	}
	if len(fx.hidden.calls) != 0 {
		t.Error("hidden search consulted for a kernel-symbolized entry")
	}
}

func TestFindingMessageUniform(t *testing.T) {
	known := Finding{Owner: Owner{Name: "nf_nat", Kind: OwnerKnown}}
	hidden := Finding{Owner: Owner{Name: "nf_nat", Kind: OwnerHidden}}
	if known.Message() != hidden.Message() {
		t.Errorf("messages differ: %q vs %q", known.Message(), hidden.Message())
	}
	if known.Message() != "Module [nf_nat] controls a Netfilter hook." {
		t.Errorf("message = %q", known.Message())
	}
	if known.Hidden() || !hidden.Hidden() {
		t.Error("Hidden() does not follow owner kind")
	}
}
