// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package modules resolves kernel addresses to the modules that own them,
// using /proc/modules, /proc/kallsyms and /sys/module.
package modules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrAddressesHidden is returned when the kernel reports every address as
// zero, which happens when kptr_restrict hides them from the caller.
var ErrAddressesHidden = errors.New("kernel addresses are hidden (kptr_restrict); run as root")

// Module is one line of /proc/modules.
type Module struct {
	Name  string
	Size  uint64
	State string // Live, Loading, Unloading
	Base  uint64
}

// ReadProcModules parses the module list at path (normally /proc/modules).
func ReadProcModules(path string) ([]Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	mods, err := ParseProcModules(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return mods, nil
}

// ParseProcModules parses /proc/modules content.
// Format: name size refcount deps state address [taint]
func ParseProcModules(r io.Reader) ([]Module, error) {
	var mods []Module
	allZero := true

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 64)
		if err != nil {
			continue
		}
		if base != 0 {
			allZero = false
		}
		mods = append(mods, Module{
			Name:  fields[0],
			Size:  size,
			State: fields[4],
			Base:  base,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(mods) > 0 && allZero {
		return nil, ErrAddressesHidden
	}
	return mods, nil
}
