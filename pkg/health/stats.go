// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mbeema/nfscan/pkg/scanner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats tracks sweep outcomes and exposes them as Prometheus metrics.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry

	sweeps       *prometheus.CounterVec
	findings     *prometheus.CounterVec
	entries      prometheus.Gauge
	hidden       prometheus.Gauge
	lastSweep    prometheus.Gauge
	lastDuration prometheus.Gauge

	completed atomic.Int64
}

// NewStats creates a Stats with its own registry.
func NewStats() *Stats {
	s := &Stats{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfscan_sweeps_total",
			Help: "Completed sweeps by result.",
		}, []string{"result"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfscan_findings_total",
			Help: "Hooks attributed to an owner, by owner kind.",
		}, []string{"owner_kind"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfscan_hook_entries",
			Help: "Hook entries seen by the last successful sweep.",
		}),
		hidden: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfscan_hidden_hooks",
			Help: "Hooks owned by hidden modules in the last successful sweep.",
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfscan_last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed sweep.",
		}),
		lastDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfscan_last_sweep_duration_seconds",
			Help: "Duration of the last successful sweep.",
		}),
	}
	s.registry.MustRegister(
		s.sweeps, s.findings, s.entries, s.hidden, s.lastSweep, s.lastDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Uptime returns time since the stats were created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// ObserveSweep records the outcome of one sweep.
func (s *Stats) ObserveSweep(sum scanner.Summary, err error) {
	s.lastSweep.SetToCurrentTime()
	s.completed.Add(1)

	var cfgErr *scanner.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		s.sweeps.WithLabelValues("config_error").Inc()
		return
	case err != nil:
		s.sweeps.WithLabelValues("error").Inc()
		return
	}

	s.sweeps.WithLabelValues("ok").Inc()
	s.findings.WithLabelValues(scanner.OwnerKnown.String()).Add(float64(sum.Known))
	s.findings.WithLabelValues(scanner.OwnerHidden.String()).Add(float64(sum.Hidden))
	s.entries.Set(float64(sum.Entries))
	s.hidden.Set(float64(sum.Hidden))
	s.lastDuration.Set(sum.Duration.Seconds())
}

// Sweeps returns the number of sweeps observed.
func (s *Stats) Sweeps() int64 {
	return s.completed.Load()
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
