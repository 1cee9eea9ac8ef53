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

// Package api provides the gateway's HTTP surface: signed runner ingest,
// the console run/command API, clients, alerts and the WebSocket endpoints.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/overseer/internal/command"
	"github.com/tombee/overseer/internal/gateway/config"
	"github.com/tombee/overseer/internal/gateway/httputil"
	"github.com/tombee/overseer/internal/gateway/hub"
	"github.com/tombee/overseer/internal/gateway/metrics"
	"github.com/tombee/overseer/internal/gateway/signing"
	"github.com/tombee/overseer/internal/gateway/store"
	"github.com/tombee/overseer/internal/gateway/tunnel"
)

// RouterConfig holds build identity reported on / and /api/health.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router wires every HTTP endpoint onto one ServeMux with request logging.
type Router struct {
	mux     *http.ServeMux
	config  RouterConfig
	hub     *hub.Hub
	broker  *tunnel.Broker
	metrics *metrics.Metrics
	logger  *slog.Logger
	started time.Time
}

// Deps carries everything the router's handlers need.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Signer    *signing.Signer
	Hub       *hub.Hub
	Broker    *tunnel.Broker
	Metrics   *metrics.Metrics
	Allowlist *command.Allowlist
	Logger    *slog.Logger
}

// NewRouter assembles the full route table.
func NewRouter(rc RouterConfig, d Deps) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		config:  rc,
		hub:     d.Hub,
		broker:  d.Broker,
		metrics: d.Metrics,
		logger:  d.Logger,
		started: time.Now(),
	}

	auth := NewAuth(d.Signer, d.Store, d.Config.ClockSkewTolerance, d.Config.NonceExpiry, d.Metrics, d.Logger)
	ingest := NewIngestHandler(d.Store, d.Hub, d.Metrics, d.Config.ArtifactsDir(), d.Logger)
	runs := NewRunsHandler(d.Store, d.Hub, d.Metrics, d.Allowlist, d.Config.RunsDir(), d.Logger)
	clients := NewClientsHandler(d.Store, d.Logger)
	alerts := NewAlertsHandler(d.Store, d.Logger)

	// Signed runner-side endpoints. Event payloads are capped at the event
	// limit; everything else small, except artifacts.
	smallBody := int64(64 << 10)
	r.mux.HandleFunc("POST /api/ingest/event", auth.Signed(d.Config.MaxEventBytes, true, ingest.handleEvent))
	r.mux.HandleFunc("POST /api/ingest/artifact", auth.Signed(d.Config.MaxArtifactBytes, true, ingest.handleArtifact))
	r.mux.HandleFunc("GET /api/runs/{id}/commands", auth.Signed(smallBody, true, runs.handlePollCommands))
	r.mux.HandleFunc("POST /api/runs/{id}/commands/{cmdId}/ack", auth.Signed(store.MaxAckResultBytes, true, runs.handleAck))
	r.mux.HandleFunc("POST /api/runs/{id}/state", auth.Signed(smallBody, true, runs.handleState))
	r.mux.HandleFunc("GET /api/runs/{id}/state", auth.Signed(smallBody, true, runs.handleGetState))
	r.mux.HandleFunc("POST /api/clients/heartbeat", auth.Signed(smallBody, false, clients.handleHeartbeat))

	// Console-side endpoints.
	r.mux.HandleFunc("POST /api/runs", runs.handleCreate)
	r.mux.HandleFunc("GET /api/runs", runs.handleList)
	r.mux.HandleFunc("GET /api/runs/{id}", runs.handleGet)
	r.mux.HandleFunc("GET /api/runs/{id}/events", runs.handleEvents)
	r.mux.HandleFunc("GET /api/runs/{id}/artifacts", runs.handleArtifacts)
	r.mux.HandleFunc("POST /api/runs/{id}/stop", runs.handleStop)
	r.mux.HandleFunc("POST /api/runs/{id}/halt", runs.handleHalt)
	r.mux.HandleFunc("POST /api/runs/{id}/restart", runs.handleRestart)
	r.mux.HandleFunc("POST /api/runs/{id}/input", runs.handleInput)
	r.mux.HandleFunc("POST /api/runs/{id}/escape", runs.handleEscape)
	r.mux.HandleFunc("POST /api/runs/{id}/commands", runs.handleConsoleCommand)
	r.mux.HandleFunc("GET /api/clients", clients.handleList)
	r.mux.HandleFunc("GET /api/alerts", alerts.handleList)
	r.mux.HandleFunc("POST /api/alerts/{id}/acknowledge", alerts.handleAcknowledge)
	r.mux.HandleFunc("GET /api/tunnels", r.handleTunnels)
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /", r.handleRoot)

	// WebSocket endpoints.
	r.mux.HandleFunc("GET /ws", d.Hub.ServeWS)
	r.mux.HandleFunc("GET /ws/vnc/{runId}", d.Broker.ServeWS)

	if d.Metrics != nil {
		r.mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	return r
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// ServeHTTP implements http.Handler with request logging around the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// WebSocket upgrades need the raw ResponseWriter (Hijacker).
	if req.URL.Path == "/ws" || strings.HasPrefix(req.URL.Path, "/ws/vnc/") {
		r.mux.ServeHTTP(w, req)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	r.mux.ServeHTTP(rec, req)

	duration := time.Since(start)
	r.logger.Info("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", rec.status),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	if r.metrics != nil {
		// Label by route pattern, not raw path, to bound cardinality.
		_, pattern := r.mux.Handler(req)
		if pattern == "" {
			pattern = "unmatched"
		}
		r.metrics.RequestDuration.
			WithLabelValues(pattern, fmt.Sprintf("%d", rec.status)).
			Observe(duration.Seconds())
	}
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "overseerd",
		"version": r.config.Version,
	})
}

// handleHealth handles GET /api/health: liveness plus connection counters.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	tunnels := r.broker.Stats()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       r.config.Version,
		"uptimeSeconds": int64(time.Since(r.started).Seconds()),
		"tunnels":       len(tunnels),
	})
}

// handleTunnels handles GET /api/tunnels.
func (r *Router) handleTunnels(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, r.broker.Stats())
}
