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

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/gateway/config"
	"github.com/tombee/overseer/internal/log"
)

func startTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Port = 0 // pick a free port
	cfg.HMACSecret = "0123456789abcdef0123456789abcdef"

	logger := log.New(&log.Config{Level: "error", Format: log.FormatText, Output: io.Discard})
	g, err := New(cfg, Options{Version: "test"}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, g.Shutdown(context.Background()))
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	// Wait for the listener to bind.
	var addr string
	require.Eventually(t, func() bool {
		addr = g.Addr()
		return addr != cfg.Addr()
	}, 2*time.Second, 10*time.Millisecond)

	return g, "http://" + addr
}

func TestGatewayServesHealth(t *testing.T) {
	_, base := startTestGateway(t)

	resp, err := http.Get(base + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "test", health["version"])
}

func TestGatewayCreatesDataTree(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested")
	cfg.HMACSecret = "0123456789abcdef0123456789abcdef"

	logger := log.New(&log.Config{Level: "error", Format: log.FormatText, Output: io.Discard})
	g, err := New(cfg, Options{}, logger)
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	for _, dir := range []string{cfg.DataDir, cfg.ArtifactsDir(), cfg.RunsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	_, err = os.Stat(cfg.DBPath())
	assert.NoError(t, err)
}

func TestGatewayServesMetrics(t *testing.T) {
	_, base := startTestGateway(t)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "overseer_")
}

func TestGatewayRejectsShortConfiguredSecret(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.HMACSecret = "short"

	logger := log.New(&log.Config{Level: "error", Format: log.FormatText, Output: io.Discard})
	_, err := New(cfg, Options{}, logger)
	require.Error(t, err)
}

func TestGatewayStartTwice(t *testing.T) {
	g, _ := startTestGateway(t)
	err := g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestGatewayRunFlow(t *testing.T) {
	_, base := startTestGateway(t)

	body := `{"worker":"claude","clientId":"host-1"}`
	resp, err := http.Post(base+"/api/runs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.NotEmpty(t, run["id"])
	assert.NotEmpty(t, run["capabilityToken"])

	listResp, err := http.Get(base + "/api/runs")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var runs []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run["id"], runs[0]["id"])
}

