// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package scanner sweeps every netfilter hook point of a namespace and
// attributes each registered hook to the kernel module that owns it.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbeema/nfscan/pkg/netfilter"
	"go.uber.org/zap"
)

// TableSource provides the hook storage of the namespace to sweep.
type TableSource interface {
	Namespace(ctx context.Context) (*netfilter.Net, error)
}

// Reporter receives every finding as soon as it is resolved.
type Reporter interface {
	Report(f Finding)
}

// ConfigError means the locator rejected a hook point its own layout
// declares. The configured layout does not describe the running kernel,
// so the sweep stops instead of reading through wrong offsets.
type ConfigError struct {
	Layout netfilter.Layout
	Point  netfilter.HookPoint
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("hook table layout %s does not match kernel at %s: %v", e.Layout, e.Point, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Summary counts what one sweep visited.
type Summary struct {
	Namespace  string
	HookPoints int
	Entries    int
	Known      int
	Hidden     int
	Duration   time.Duration
}

// Scanner runs sweeps. It keeps no state between them.
type Scanner struct {
	source   TableSource
	locator  netfilter.TableLocator
	resolver *Resolver
	reporter Reporter
	logger   *zap.Logger
}

// New creates a scanner.
func New(source TableSource, locator netfilter.TableLocator, resolver *Resolver, reporter Reporter, logger *zap.Logger) *Scanner {
	return &Scanner{
		source:   source,
		locator:  locator,
		resolver: resolver,
		reporter: reporter,
		logger:   logger,
	}
}

// Scan performs one full sweep. It returns a *ConfigError as soon as the
// locator rejects a hook point, without visiting the remaining ones, and
// also when the source reports that the kernel rejected one.
// ctx only bounds fetching the namespace from the source.
func (s *Scanner) Scan(ctx context.Context) (Summary, error) {
	start := time.Now()

	net, err := s.source.Namespace(ctx)
	if err != nil {
		var pe *netfilter.PointError
		if errors.As(err, &pe) && errors.Is(pe.Err, netfilter.ErrInvalidHook) {
			return Summary{}, &ConfigError{Layout: s.locator.Layout(), Point: pe.Point, Err: pe.Err}
		}
		return Summary{}, fmt.Errorf("load hook tables: %w", err)
	}

	sum := Summary{Namespace: net.Name}
	s.logger.Info("analyzing netfilter hooks",
		zap.String("namespace", net.Name),
		zap.Stringer("layout", s.locator.Layout()),
	)

	for _, f := range s.locator.Families() {
		for hook := uint(0); hook < s.locator.NumHooks(f); hook++ {
			if err := s.scanPoint(net, netfilter.HookPoint{Family: f, Hook: hook}, nil, &sum); err != nil {
				return sum, err
			}
		}
	}

	for _, dev := range net.Devices() {
		point := netfilter.HookPoint{Family: netfilter.FamilyNetdev, Hook: netfilter.HookIngress, Device: dev.Name}
		if err := s.scanPoint(net, point, dev, &sum); err != nil {
			return sum, err
		}
	}

	sum.Duration = time.Since(start)
	s.logger.Info("netfilter hook analysis complete",
		zap.Int("hook_points", sum.HookPoints),
		zap.Int("entries", sum.Entries),
		zap.Int("known", sum.Known),
		zap.Int("hidden", sum.Hidden),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

func (s *Scanner) scanPoint(net *netfilter.Net, point netfilter.HookPoint, dev *netfilter.Device, sum *Summary) error {
	slot, err := s.locator.Locate(net, point.Family, point.Hook, dev)
	if err != nil {
		s.logger.Error("cannot locate hook table",
			zap.Stringer("family", point.Family),
			zap.Uint("hook", point.Hook),
			zap.String("device", point.Device),
			zap.Error(err),
		)
		return &ConfigError{Layout: s.locator.Layout(), Point: point, Err: err}
	}

	sum.HookPoints++
	sum.Entries += netfilter.ForEachEntry(slot, func(e netfilter.HookEntry) {
		owner := s.resolver.ResolveEntry(e)
		if owner.Kind == OwnerHidden {
			sum.Hidden++
		} else {
			sum.Known++
		}
		s.reporter.Report(Finding{Point: point, Entry: e, Owner: owner})
	})
	return nil
}
