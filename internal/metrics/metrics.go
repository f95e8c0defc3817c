// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the Prometheus instrumentation shared by the
// API server and workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on one registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	StepsTotal     *prometheus.CounterVec
	QueueActive    prometheus.Gauge
	QueueWaiting   prometheus.Gauge
	QueueCompleted prometheus.Gauge
	QueueFailed    prometheus.Gauge
	BreakerState   *prometheus.GaugeVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// New builds a registry with process and Go collectors plus the
// application series.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_runs_total",
			Help: "Finished runs by terminal status.",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowmesh_run_duration_seconds",
			Help:    "Wall-clock run duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_steps_total",
			Help: "Executed steps by outcome.",
		}, []string{"status"}),
		QueueActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowmesh_queue_active",
			Help: "In-flight work items.",
		}),
		QueueWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowmesh_queue_waiting",
			Help: "Queued work items not yet claimed.",
		}),
		QueueCompleted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowmesh_queue_completed",
			Help: "Work items completed since queue creation.",
		}),
		QueueFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowmesh_queue_failed",
			Help: "Work items failed since queue creation.",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowmesh_breaker_open",
			Help: "1 when the scope's circuit breaker is open.",
		}, []string{"scope"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmesh_http_requests_total",
			Help: "API requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowmesh_http_request_duration_seconds",
			Help:    "API request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBreakers updates the breaker gauges from a state snapshot.
func (m *Metrics) ObserveBreakers(states map[string]string) {
	for scope, state := range states {
		v := 0.0
		if state == "open" {
			v = 1.0
		}
		m.BreakerState.WithLabelValues(scope).Set(v)
	}
}
