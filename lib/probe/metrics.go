// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "fleetroll"
	probeSubsystem   = "probe"
)

// Host outcomes counted by Metrics.Hosts.
const (
	OutcomeOK          = "ok"
	OutcomePartial     = "partial"
	OutcomeUnreachable = "unreachable"
)

// Metrics are the prober's Prometheus instruments.
type Metrics struct {
	// Hosts counts probed hosts by outcome.
	Hosts *prometheus.CounterVec

	// StepFailures counts failed or unreachable probe steps by step.
	StepFailures *prometheus.CounterVec

	// HostDuration observes wall time per host probe.
	HostDuration prometheus.Histogram

	// InFlight is the number of hosts currently being probed.
	InFlight prometheus.Gauge
}

// NewMetrics registers the prober's instruments with registerer. A nil
// registerer uses a private registry, so tests and repeated probers
// never collide on registration.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	return &Metrics{
		Hosts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "hosts_total",
				Help:      "Hosts probed, by outcome",
			},
			[]string{"outcome"},
		),
		StepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "step_failures_total",
				Help:      "Probe steps that did not succeed, by step",
			},
			[]string{"step"},
		),
		HostDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "host_duration_seconds",
				Help:      "Wall time to probe one host",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: probeSubsystem,
				Name:      "in_flight",
				Help:      "Hosts currently being probed",
			},
		),
	}
}
