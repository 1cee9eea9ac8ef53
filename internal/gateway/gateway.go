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

// Package gateway assembles the store, signer, hub, tunnel broker and HTTP
// surface into one process.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tombee/overseer/internal/command"
	"github.com/tombee/overseer/internal/gateway/api"
	"github.com/tombee/overseer/internal/gateway/config"
	"github.com/tombee/overseer/internal/gateway/hub"
	"github.com/tombee/overseer/internal/gateway/metrics"
	"github.com/tombee/overseer/internal/gateway/signing"
	"github.com/tombee/overseer/internal/gateway/store"
	"github.com/tombee/overseer/internal/gateway/tunnel"
	internallog "github.com/tombee/overseer/internal/log"
)

// Options carries build identity injected via ldflags.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Gateway is the assembled server process.
type Gateway struct {
	cfg     *config.Config
	opts    Options
	store   *store.Store
	signer  *signing.Signer
	hub     *hub.Hub
	broker  *tunnel.Broker
	metrics *metrics.Metrics
	sweeper *store.Sweeper
	server  *http.Server
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ln      net.Listener
}

// New wires up a gateway from configuration. The data directory tree is
// created on first start.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	for _, dir := range []string{cfg.DataDir, cfg.ArtifactsDir(), cfg.RunsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	st, err := store.New(store.Config{Path: cfg.DBPath(), WAL: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		secret, err = signing.GenerateSecret()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		logger.Warn("HMAC_SECRET not set, using ephemeral secret; runners must be restarted with the printed secret")
	}
	signer, err := signing.New(secret)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.New()
	h := hub.New(m, internallog.WithComponent(logger, "hub"))
	broker := tunnel.New(m, internallog.WithComponent(logger, "tunnel"))
	allowlist := command.NewAllowlist(cfg.ExtraAllowedCommands...)

	router := api.NewRouter(api.RouterConfig{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, api.Deps{
		Config:    cfg,
		Store:     st,
		Signer:    signer,
		Hub:       h,
		Broker:    broker,
		Metrics:   m,
		Allowlist: allowlist,
		Logger:    internallog.WithComponent(logger, "api"),
	})

	g := &Gateway{
		cfg:     cfg,
		opts:    opts,
		store:   st,
		signer:  signer,
		hub:     h,
		broker:  broker,
		metrics: m,
		logger:  logger,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // WebSockets hold the connection open
			IdleTimeout:  120 * time.Second,
		},
	}

	g.sweeper = store.NewSweeper(st, store.SweeperConfig{
		NonceExpiry:  cfg.NonceExpiry,
		RunRetention: time.Duration(cfg.RunRetentionDays) * 24 * time.Hour,
	}, internallog.WithComponent(logger, "sweeper"))

	return g, nil
}

// Start serves until ctx is cancelled or the listener fails. TLS is used
// when enabled and the cert pair exists; a missing pair is a startup error.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	g.started = true
	g.mu.Unlock()

	ln, err := net.Listen("tcp", g.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", g.cfg.Addr(), err)
	}
	g.mu.Lock()
	g.ln = ln
	g.mu.Unlock()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go g.sweeper.Run(sweepCtx)

	g.logger.Info("overseerd starting",
		slog.String("version", g.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.Bool("tls", g.cfg.TLSEnabled),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if g.cfg.TLSEnabled {
			if _, statErr := os.Stat(g.cfg.CertFile()); statErr != nil {
				err = fmt.Errorf("TLS enabled but cert missing: %w", statErr)
			} else {
				err = g.server.ServeTLS(ln, g.cfg.CertFile(), g.cfg.KeyFile())
			}
		} else {
			err = g.server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, useful when port 0 was requested.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return g.cfg.Addr()
	}
	return g.ln.Addr().String()
}

// Shutdown drains in-flight requests, then closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("overseerd shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("server shutdown incomplete", internallog.Error(err))
	}

	if err := g.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	g.logger.Info("overseerd stopped")
	return nil
}
