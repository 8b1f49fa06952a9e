// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package source

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/mdlayher/netlink"
)

// nfnetlink_hook protocol, include/uapi/linux/netfilter/nfnetlink_hook.h.
const (
	nfnlSubsysHook = 12
	nfnlMsgHookGet = 0
	nfnetlinkV0    = 0

	nfnlaHookHooknum      = 1
	nfnlaHookPriority     = 2
	nfnlaHookDev          = 3
	nfnlaHookFunctionName = 4
	nfnlaHookModuleName   = 5
	nfnlaHookChainInfo    = 6

	nfgenmsgLen = 4
)

// hookRequest builds the dump request for one hook point.
func hookRequest(f netfilter.Family, hook uint, dev string) (netlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = binary.BigEndian
	ae.Uint32(nfnlaHookHooknum, uint32(hook))
	if dev != "" {
		ae.String(nfnlaHookDev, dev)
	}
	attrs, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}

	data := make([]byte, nfgenmsgLen, nfgenmsgLen+len(attrs))
	data[0] = uint8(f)
	data[1] = nfnetlinkV0
	data = append(data, attrs...)

	return netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(nfnlSubsysHook<<8 | nfnlMsgHookGet),
			Flags: netlink.Request | netlink.Dump,
		},
		Data: data,
	}, nil
}

// dumpedHook is one hook as reported by the kernel.
type dumpedHook struct {
	Hook     uint32
	Priority int32
	Function string
	Module   string
	Device   string
}

func decodeHook(data []byte) (dumpedHook, error) {
	var h dumpedHook
	if len(data) < nfgenmsgLen {
		return h, fmt.Errorf("short nfnetlink message: %d bytes", len(data))
	}
	ad, err := netlink.NewAttributeDecoder(data[nfgenmsgLen:])
	if err != nil {
		return h, err
	}
	ad.ByteOrder = binary.BigEndian

	for ad.Next() {
		switch ad.Type() {
		case nfnlaHookHooknum:
			h.Hook = ad.Uint32()
		case nfnlaHookPriority:
			h.Priority = int32(ad.Uint32())
		case nfnlaHookDev:
			h.Device = ad.String()
		case nfnlaHookFunctionName:
			h.Function = ad.String()
		case nfnlaHookModuleName:
			h.Module = ad.String()
		case nfnlaHookChainInfo:
			// nftables chain details; attribution comes from the nftables lookup.
		}
	}
	if err := ad.Err(); err != nil {
		return h, err
	}
	if h.Function == "" {
		return h, fmt.Errorf("hook without function name")
	}
	return h, nil
}

// functionAddress parses a function name the kernel printed as a raw
// address because it could not symbolize it.
func functionAddress(fn string) (uint64, bool) {
	if !strings.HasPrefix(fn, "0x") {
		return 0, false
	}
	v, err := strconv.ParseUint(fn[2:], 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// chainKey matches a hook to an nftables base chain.
type chainKey struct {
	family   netfilter.Family
	hook     uint32
	priority int32
}
