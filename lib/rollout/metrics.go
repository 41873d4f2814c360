// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rollout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	// Mutations counts committed mutations by audit action.
	Mutations *prometheus.CounterVec

	// Conflicts counts lost races by where they happened: "lock" or
	// "commit".
	Conflicts *prometheus.CounterVec

	// GateFailures counts normal advances blocked by gates.
	GateFailures prometheus.Counter

	// HostFailures counts per-host failures of remote effects by
	// action.
	HostFailures *prometheus.CounterVec
}

// NewMetrics registers the engine collectors with registerer. A nil
// registerer uses a private registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	return &Metrics{
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetroll_rollout_mutations_total",
			Help: "Committed audited mutations by action.",
		}, []string{"action"}),
		Conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetroll_rollout_conflicts_total",
			Help: "Concurrent mutation conflicts by stage.",
		}, []string{"stage"}),
		GateFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetroll_rollout_gate_failures_total",
			Help: "Normal advances blocked by failing gates.",
		}),
		HostFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetroll_rollout_host_failures_total",
			Help: "Per-host failures of remote artifact changes by action.",
		}, []string{"action"}),
	}
}
