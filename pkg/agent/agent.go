// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent wires configuration into a scanner and runs sweeps once or
// on an interval.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/nfscan/pkg/config"
	"github.com/mbeema/nfscan/pkg/health"
	"github.com/mbeema/nfscan/pkg/kernel"
	"github.com/mbeema/nfscan/pkg/modules"
	"github.com/mbeema/nfscan/pkg/netfilter"
	"github.com/mbeema/nfscan/pkg/report"
	"github.com/mbeema/nfscan/pkg/scanner"
	"github.com/mbeema/nfscan/pkg/source"
	"go.uber.org/zap"
)

// Option customizes an Agent.
type Option func(*Agent)

// WithReporter adds a reporter after the configured ones.
func WithReporter(r scanner.Reporter) Option {
	return func(a *Agent) { a.extra = append(a.extra, r) }
}

// WithKernel skips kernel detection and uses info instead.
func WithKernel(info kernel.Info) Option {
	return func(a *Agent) { a.kernel = &info }
}

// Agent owns the scan pipeline built from the current configuration.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	version string
	extra   []scanner.Reporter
	kernel  *kernel.Info

	healthServer *health.Server
	healthStats  *health.Stats

	mu     sync.Mutex // guards pipe
	pipe   *pipeline
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

// pipeline is everything one configuration produces.
type pipeline struct {
	layout    netfilter.Layout
	decnet    bool
	reporters *report.Multi
	otlp      *report.OTLPReporter
	// prepare returns the scanner for the next sweep.
	prepare func() (*scanner.Scanner, error)
	active  sync.WaitGroup // sweeps running on this pipeline
}

// New validates cfg and builds the scan pipeline.
func New(cfg *config.Config, version string, logger *zap.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		logger:      logger,
		version:     version,
		healthStats: health.NewStats(),
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}

	pipe, err := a.build(cfg)
	if err != nil {
		return nil, err
	}
	a.pipe = pipe
	a.cfg.Store(cfg)
	return a, nil
}

// Layout returns the hook table layout the agent scans with.
func (a *Agent) Layout() (netfilter.Layout, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pipe.layout, a.pipe.decnet
}

// Stats returns the sweep counters.
func (a *Agent) Stats() *health.Stats {
	return a.healthStats
}

func (a *Agent) build(cfg *config.Config) (*pipeline, error) {
	p := &pipeline{}

	var reporters []scanner.Reporter
	if cfg.Reporters.Log {
		reporters = append(reporters, report.NewLogReporter(a.logger))
	}
	if cfg.Reporters.Stdout.Enabled {
		reporters = append(reporters, report.NewStdoutReporter(cfg.Reporters.Stdout.Format))
	}
	if cfg.Reporters.OTLP.Enabled {
		otlp, err := report.NewOTLPReporter(cfg.Reporters.OTLP, a.version, a.logger)
		if err != nil {
			return nil, err
		}
		p.otlp = otlp
		reporters = append(reporters, otlp)
	}
	reporters = append(reporters, a.extra...)
	p.reporters = report.NewMulti(reporters...)

	var err error
	switch cfg.Source.Type {
	case "snapshot":
		err = a.buildSnapshot(cfg, p)
	default:
		err = a.buildNetlink(cfg, p)
	}
	if err != nil {
		p.close()
		return nil, err
	}

	a.logger.Info("scan pipeline built",
		zap.String("source", cfg.Source.Type),
		zap.Stringer("layout", p.layout),
		zap.Bool("decnet", p.decnet),
		zap.Int("reporters", p.reporters.Len()),
	)
	return p, nil
}

func (a *Agent) buildSnapshot(cfg *config.Config, p *pipeline) error {
	snap, err := source.LoadSnapshot(cfg.Source.SnapshotPath)
	if err != nil {
		return err
	}

	p.layout, p.decnet = snap.Layout(), snap.DECnet()
	if cfg.Layout != "auto" {
		if p.layout, err = netfilter.ParseLayout(cfg.Layout); err != nil {
			return err
		}
		p.decnet = cfg.DECnet
	}
	loc, err := netfilter.NewLocator(p.layout, p.decnet)
	if err != nil {
		return err
	}

	registry := snap.Registry()
	resolver := scanner.NewResolver(registry, modules.NewHiddenSearch(registry, nil, snap.Regions()))
	sc := scanner.New(snap, loc, resolver, p.reporters, a.logger)
	p.prepare = func() (*scanner.Scanner, error) { return sc, nil }
	return nil
}

func (a *Agent) buildNetlink(cfg *config.Config, p *pipeline) error {
	info, err := a.detectKernel()
	if err != nil {
		return err
	}
	if !info.SupportsHookDump() {
		return fmt.Errorf("kernel %s: %w", info, source.ErrUnsupported)
	}

	p.layout, p.decnet = info.Layout(), cfg.DECnet && info.HasDECnet()
	if cfg.Layout != "auto" {
		if p.layout, err = netfilter.ParseLayout(cfg.Layout); err != nil {
			return err
		}
		p.decnet = cfg.DECnet
	}
	loc, err := netfilter.NewLocator(p.layout, p.decnet)
	if err != nil {
		return err
	}

	mc := cfg.Modules
	srcCfg := cfg.Source
	layout, decnet := p.layout, p.decnet
	reporters := p.reporters
	// Module lists change between sweeps, so each sweep re-reads them.
	p.prepare = func() (*scanner.Scanner, error) {
		ksyms, err := modules.LoadKallsyms(mc.Kallsyms)
		if err != nil {
			return nil, err
		}
		registry, err := modules.Load(modules.LoadOptions{
			ProcModules: mc.ProcModules,
			Kallsyms:    ksyms,
			KernelText:  mc.KernelText,
		})
		if err != nil {
			return nil, err
		}
		var regions []modules.Region
		if mc.SysfsRoot != "" {
			if regions, err = modules.SysfsRegions(mc.SysfsRoot, a.logger); err != nil {
				a.logger.Warn("sysfs module scan failed", zap.String("root", mc.SysfsRoot), zap.Error(err))
			}
		}

		src := source.NewNetlink(source.NetlinkOptions{
			Layout:    layout,
			DECnet:    decnet,
			NetNSPath: srcCfg.NetNSPath,
			Devices:   srcCfg.Devices,
			Kallsyms:  ksyms,
			Nftables:  srcCfg.Nftables,
		}, a.logger)
		resolver := scanner.NewResolver(registry, modules.NewHiddenSearch(registry, ksyms, regions))
		return scanner.New(src, loc, resolver, reporters, a.logger), nil
	}
	return nil
}

func (a *Agent) detectKernel() (kernel.Info, error) {
	if a.kernel != nil {
		return *a.kernel, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return kernel.Detect(ctx)
}

// RunOnce performs one sweep and flushes buffering reporters. A
// *scanner.ConfigError is returned unchanged so callers can tell a layout
// mismatch apart from other failures.
func (a *Agent) RunOnce(ctx context.Context) (scanner.Summary, error) {
	a.mu.Lock()
	pipe := a.pipe
	pipe.active.Add(1)
	a.mu.Unlock()
	defer pipe.active.Done()

	sum, err := a.sweep(ctx, pipe)
	a.healthStats.ObserveSweep(sum, err)
	if err == nil && a.healthServer != nil {
		a.healthServer.SetReady(true)
	}
	return sum, err
}

func (a *Agent) sweep(ctx context.Context, pipe *pipeline) (scanner.Summary, error) {
	sc, err := pipe.prepare()
	if err != nil {
		return scanner.Summary{}, fmt.Errorf("prepare sweep: %w", err)
	}

	sum, err := sc.Scan(ctx)
	if ferr := pipe.reporters.Flush(ctx); ferr != nil {
		a.logger.Warn("flushing findings failed", zap.Error(ferr))
	}
	return sum, err
}

// Start runs a sweep immediately and then every configured interval until
// Stop is called or ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.cfg.Load()
	a.ctx, a.cancel = context.WithCancel(ctx)

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, a.version, a.healthStats, a.logger)
		if err := a.healthServer.Start(a.ctx); err != nil {
			a.cancel()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	a.wg.Add(1)
	go a.loop(a.ctx)

	a.logger.Info("watch started", zap.Duration("interval", cfg.Interval))
	return nil
}

func (a *Agent) loop(ctx context.Context) {
	defer a.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		sum, err := a.RunOnce(ctx)
		var cfgErr *scanner.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			a.logger.Error("sweep aborted: hook table layout does not match the kernel", zap.Error(err))
		case err != nil && ctx.Err() == nil:
			a.logger.Error("sweep failed", zap.Error(err))
		case err == nil && sum.Hidden > 0:
			a.logger.Warn("hooks owned by hidden modules", zap.Int("count", sum.Hidden))
		}

		timer.Reset(a.cfg.Load().Interval)
	}
}

// Stop ends the watch loop and releases reporters.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	a.wg.Wait()

	a.mu.Lock()
	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}
	pipe := a.pipe
	a.mu.Unlock()

	pipe.retire()

	a.logger.Info("scanner stopped", zap.Int64("sweeps", a.healthStats.Sweeps()))
	return nil
}

// Reload swaps in a pipeline built from cfg. On error the running pipeline
// is kept. The old pipeline is closed once sweeps still using it finish,
// and a running watch loop sweeps again right away.
func (a *Agent) Reload(cfg *config.Config) error {
	pipe, err := a.build(cfg)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	a.mu.Lock()
	old := a.pipe
	a.pipe = pipe
	a.cfg.Store(cfg)
	a.mu.Unlock()

	old.retire()

	select {
	case a.wake <- struct{}{}:
	default:
	}

	a.logger.Info("configuration reloaded",
		zap.Stringer("layout", pipe.layout),
		zap.Duration("interval", cfg.Interval),
	)
	return nil
}

// retire waits for in-flight sweeps and then closes the pipeline.
func (p *pipeline) retire() {
	p.active.Wait()
	p.close()
}

func (p *pipeline) close() {
	if p.otlp != nil {
		p.otlp.Close()
	}
}
