// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest metrics
	EventsIngested *prometheus.CounterVec
	IngestRejected *prometheus.CounterVec
	EventBytes     prometheus.Counter

	// Command outbox metrics
	CommandsIssued *prometheus.CounterVec
	CommandsAcked  prometheus.Counter

	// Viewer metrics
	ViewersConnected prometheus.Gauge
	EventsFannedOut  prometheus.Counter

	// Tunnel metrics
	TunnelsActive prometheus.Gauge
	TunnelBytes   *prometheus.CounterVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all gateway metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_events_ingested_total",
				Help: "Total number of run events accepted on ingest",
			},
			[]string{"type"},
		),

		IngestRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_ingest_rejected_total",
				Help: "Total number of ingest requests rejected",
			},
			[]string{"reason"}, // reason: signature, replay, skew, token, too_large
		),

		EventBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "overseer_event_bytes_total",
				Help: "Total event payload bytes accepted on ingest",
			},
		),

		CommandsIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_commands_issued_total",
				Help: "Total commands enqueued to run outboxes",
			},
			[]string{"kind"}, // kind: stop, halt, escape, input, launch_hands_on, console
		),

		CommandsAcked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "overseer_commands_acked_total",
				Help: "Total commands acknowledged by runners",
			},
		),

		ViewersConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "overseer_viewers_connected",
				Help: "Currently connected viewer WebSockets",
			},
		),

		EventsFannedOut: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "overseer_events_fanned_out_total",
				Help: "Total event messages pushed to viewer subscriptions",
			},
		),

		TunnelsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "overseer_tunnels_active",
				Help: "Currently bridged VNC tunnels",
			},
		),

		TunnelBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_tunnel_bytes_total",
				Help: "Total bytes relayed through VNC tunnels",
			},
			[]string{"direction"}, // direction: to_viewer, to_runner
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overseer_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent records one accepted ingest event.
func (m *Metrics) RecordEvent(eventType string, bytes int) {
	m.EventsIngested.WithLabelValues(eventType).Inc()
	m.EventBytes.Add(float64(bytes))
}

// RecordRejection records a rejected ingest request.
func (m *Metrics) RecordRejection(reason string) {
	m.IngestRejected.WithLabelValues(reason).Inc()
}

// RecordCommand records an enqueued command.
func (m *Metrics) RecordCommand(kind string) {
	m.CommandsIssued.WithLabelValues(kind).Inc()
}

// RecordTunnelBytes records bytes relayed in one direction.
func (m *Metrics) RecordTunnelBytes(direction string, n int64) {
	m.TunnelBytes.WithLabelValues(direction).Add(float64(n))
}
