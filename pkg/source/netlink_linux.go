// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/nftables"
	"github.com/mbeema/nfscan/pkg/modules"
	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/mdlayher/netlink"
	vnl "github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NetlinkOptions configures the live kernel source.
type NetlinkOptions struct {
	Layout    netfilter.Layout
	DECnet    bool
	NetNSPath string   // empty for the caller's namespace
	Devices   []string // restrict netdev ingress to these; empty for all
	Kallsyms  *modules.Kallsyms
	Nftables  bool // annotate hooks with their nftables base chain
}

// Netlink dumps the running kernel's hooks through nfnetlink_hook
// (Linux 5.14 and later) and materializes them into a fresh Net.
type Netlink struct {
	opts   NetlinkOptions
	logger *zap.Logger
}

// NewNetlink creates a live source.
func NewNetlink(opts NetlinkOptions, logger *zap.Logger) *Netlink {
	return &Netlink{opts: opts, logger: logger}
}

// Namespace dumps every hook point of the layout from the kernel.
func (s *Netlink) Namespace(ctx context.Context) (*netfilter.Net, error) {
	name := "init_net"
	nsHandle := netns.None()
	nsFD := 0
	if s.opts.NetNSPath != "" {
		h, err := netns.GetFromPath(s.opts.NetNSPath)
		if err != nil {
			return nil, fmt.Errorf("open netns %s: %w", s.opts.NetNSPath, err)
		}
		defer h.Close()
		nsHandle = h
		nsFD = int(h)
		name = filepath.Base(s.opts.NetNSPath)
	}

	conn, err := netlink.Dial(unix.NETLINK_NETFILTER, &netlink.Config{NetNS: nsFD})
	if err != nil {
		if errors.Is(err, unix.EPROTONOSUPPORT) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("dial nfnetlink: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set nfnetlink deadline: %w", err)
		}
	}
	if err := checkHookDump(conn); err != nil {
		return nil, err
	}

	chains := s.nftablesChains(nsFD)

	var opts []netfilter.NetOption
	if s.opts.DECnet {
		opts = append(opts, netfilter.WithDECnet())
	}
	net := netfilter.NewNet(name, s.opts.Layout, opts...)

	loc, err := netfilter.NewLocator(s.opts.Layout, s.opts.DECnet)
	if err != nil {
		return nil, err
	}
	if err := s.dumpFamilies(conn, net, loc, chains); err != nil {
		return nil, err
	}

	links, err := s.links(nsHandle)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		attrs := link.Attrs()
		dev := net.AddDevice(attrs.Name, attrs.Index)
		hooks, err := s.dump(conn, netfilter.FamilyNetdev, netfilter.HookIngress, attrs.Name)
		if err != nil {
			return nil, err
		}
		for _, h := range hooks {
			if err := net.Register(netfilter.FamilyNetdev, netfilter.HookIngress, dev, s.entry(netfilter.FamilyNetdev, h, chains)); err != nil {
				return nil, err
			}
		}
	}

	return net, nil
}

// checkHookDump fails with ErrUnsupported when nfnetlink_hook is missing.
// The kernel answers EINVAL both for a missing subsystem and for a bad
// hook number, so it asks for IPv4 prerouting, which every kernel with
// the subsystem can dump.
func checkHookDump(conn *netlink.Conn) error {
	req, err := hookRequest(netfilter.FamilyIPv4, 0, "")
	if err != nil {
		return err
	}
	if _, err := conn.Execute(req); err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPROTONOSUPPORT) {
			return fmt.Errorf("%w: nfnetlink_hook: %v", ErrUnsupported, err)
		}
		return fmt.Errorf("check nfnetlink_hook: %w", err)
	}
	return nil
}

// dumpFamilies registers the hooks of every non-netdev point the layout
// declares.
func (s *Netlink) dumpFamilies(conn *netlink.Conn, net *netfilter.Net, loc netfilter.TableLocator, chains map[chainKey]string) error {
	for _, f := range loc.Families() {
		if f == netfilter.FamilyDECnet {
			s.logger.Warn("nfnetlink_hook cannot dump DECnet hooks; they are not scanned")
			continue
		}
		for hook := uint(0); hook < loc.NumHooks(f); hook++ {
			hooks, err := s.dump(conn, f, hook, "")
			if err != nil {
				return err
			}
			for _, h := range hooks {
				if err := net.Register(f, hook, nil, s.entry(f, h, chains)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// dump returns the hooks at one point. A point with nothing registered, a
// family compiled out of the kernel, or a device that vanished after the
// link listing comes back empty. A point the kernel rejects is returned
// as a *netfilter.PointError wrapping netfilter.ErrInvalidHook.
func (s *Netlink) dump(conn *netlink.Conn, f netfilter.Family, hook uint, dev string) ([]dumpedHook, error) {
	req, err := hookRequest(f, hook, dev)
	if err != nil {
		return nil, err
	}
	msgs, err := conn.Execute(req)
	if err != nil {
		point := netfilter.HookPoint{Family: f, Hook: hook, Device: dev}
		switch {
		case errors.Is(err, unix.ENOENT):
			return nil, nil
		case errors.Is(err, unix.ENODEV) && dev != "":
			return nil, nil
		case errors.Is(err, unix.EPROTONOSUPPORT):
			s.logger.Debug("netfilter family not built into the kernel", zap.Stringer("family", f))
			return nil, nil
		case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENODEV):
			return nil, &netfilter.PointError{
				Point: point,
				Err:   fmt.Errorf("%w: kernel rejected the dump: %v", netfilter.ErrInvalidHook, err),
			}
		}
		return nil, fmt.Errorf("dump %s: %w", point, err)
	}

	hooks := make([]dumpedHook, 0, len(msgs))
	for _, m := range msgs {
		h, err := decodeHook(m.Data)
		if err != nil {
			s.logger.Warn("skipping undecodable hook message",
				zap.Stringer("family", f),
				zap.Uint("hook", hook),
				zap.Error(err),
			)
			continue
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

func (s *Netlink) entry(f netfilter.Family, h dumpedHook, chains map[chainKey]string) netfilter.HookEntry {
	e := netfilter.HookEntry{
		Priority: h.Priority,
		Symbol:   h.Function,
		Module:   h.Module,
		Chain:    chains[chainKey{family: f, hook: h.Hook, priority: h.Priority}],
	}

	if addr, ok := functionAddress(h.Function); ok {
		e.Addr = addr
		e.Symbol = ""
		return e
	}
	if s.opts.Kallsyms != nil {
		if addr, ok := s.opts.Kallsyms.Lookup(h.Function, h.Module); ok {
			e.Addr = addr
			return e
		}
	}
	// The kernel only prints a name for code it found through its own
	// module list, so the entry keeps the module it reported.
	if e.Module == "" {
		e.Module = modules.KernelModuleName
	}
	s.logger.Warn("hook function missing from kallsyms",
		zap.String("function", h.Function),
		zap.String("module", e.Module),
	)
	return e
}

func (s *Netlink) links(ns netns.NsHandle) ([]vnl.Link, error) {
	var (
		h   *vnl.Handle
		err error
	)
	if ns.IsOpen() {
		h, err = vnl.NewHandleAt(ns)
	} else {
		h, err = vnl.NewHandle()
	}
	if err != nil {
		return nil, fmt.Errorf("open rtnetlink: %w", err)
	}
	defer h.Close()

	links, err := h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	if len(s.opts.Devices) == 0 {
		return links, nil
	}

	want := make(map[string]bool, len(s.opts.Devices))
	for _, d := range s.opts.Devices {
		want[d] = true
	}
	var out []vnl.Link
	for _, l := range links {
		if want[l.Attrs().Name] {
			out = append(out, l)
		}
	}
	return out, nil
}

// nftablesChains maps base chains to "table/chain" so hooks registered by
// nf_tables can be told apart. Failures only lose the annotation.
func (s *Netlink) nftablesChains(nsFD int) map[chainKey]string {
	if !s.opts.Nftables {
		return nil
	}
	var opts []nftables.ConnOption
	if nsFD != 0 {
		opts = append(opts, nftables.WithNetNSFd(nsFD))
	}
	conn, err := nftables.New(opts...)
	if err != nil {
		s.logger.Debug("nftables unavailable", zap.Error(err))
		return nil
	}
	chains, err := conn.ListChains()
	if err != nil {
		s.logger.Debug("list nftables chains failed", zap.Error(err))
		return nil
	}

	out := make(map[chainKey]string)
	for _, c := range chains {
		if c.Hooknum == nil || c.Priority == nil || c.Table == nil {
			continue
		}
		name := c.Table.Name + "/" + c.Name
		families := []netfilter.Family{netfilter.Family(c.Table.Family)}
		// inet chains register one hook per address family.
		if families[0] == netfilter.FamilyInet {
			families = []netfilter.Family{netfilter.FamilyIPv4, netfilter.FamilyIPv6}
		}
		for _, f := range families {
			out[chainKey{family: f, hook: uint32(*c.Hooknum), priority: int32(*c.Priority)}] = name
		}
	}
	return out
}
