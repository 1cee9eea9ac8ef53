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

package tunnel

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/overseer/internal/gateway/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broker owns all tunnels, one per run at most.
type Broker struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an empty broker.
func New(m *metrics.Metrics, logger *slog.Logger) *Broker {
	return &Broker{
		tunnels: make(map[string]*Tunnel),
		metrics: m,
		logger:  logger,
	}
}

// DetectRole classifies a tunnel connection. Runners identify themselves
// with the X-VNC-Client header; the python websocket client used by the
// runner's relay is accepted as a fallback. Everything else is a viewer.
func DetectRole(r *http.Request) Role {
	if r.Header.Get("X-VNC-Client") == "true" {
		return RoleRunner
	}
	if strings.Contains(strings.ToLower(r.Header.Get("User-Agent")), "python") {
		return RoleRunner
	}
	return RoleViewer
}

// ServeWS attaches the request's WebSocket to the run's tunnel, creating the
// tunnel on first attach.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}
	role := DetectRole(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("tunnel upgrade failed", "run_id", runID, "error", err)
		return
	}

	t := b.getOrCreate(runID)
	s, queued, err := t.attach(role, conn)
	if err != nil {
		b.logger.Warn("tunnel attach rejected", "run_id", runID, "role", string(role), "error", err)
		conn.Close()
		return
	}
	b.logger.Info("tunnel side attached", "run_id", runID, "role", string(role))

	go b.writePump(t, s, role, queued)
	go b.readPump(t, s, role)
}

func (b *Broker) getOrCreate(runID string) *Tunnel {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tunnels[runID]
	if !ok {
		t = &Tunnel{
			RunID:     runID,
			createdAt: time.Now(),
			onClose:   b.remove,
		}
		b.tunnels[runID] = t
		if b.metrics != nil {
			b.metrics.TunnelsActive.Inc()
		}
	}
	return t
}

func (b *Broker) remove(t *Tunnel) {
	b.mu.Lock()
	if b.tunnels[t.RunID] == t {
		delete(b.tunnels, t.RunID)
		if b.metrics != nil {
			b.metrics.TunnelsActive.Dec()
		}
	}
	b.mu.Unlock()
	b.logger.Info("tunnel closed", "run_id", t.RunID)
}

// writePump owns all writes on one side: queued frames first, then live
// frames, plus keepalive pings.
func (b *Broker) writePump(t *Tunnel, s *side, role Role, queued [][]byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.teardown()
	}()

	direction := "to_runner"
	if role == RoleViewer {
		direction = "to_viewer"
	}

	write := func(frame []byte) bool {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return false
		}
		t.countDelivered(role, len(frame))
		if b.metrics != nil {
			b.metrics.RecordTunnelBytes(direction, int64(len(frame)))
		}
		return true
	}

	// Flush everything the peer sent before this side attached.
	for _, frame := range queued {
		if !write(frame) {
			return
		}
	}

	for {
		select {
		case frame := <-s.out:
			if !write(frame) {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump owns all reads on one side and forwards frames to the peer.
// Oversize frames fail the read limit and tear the tunnel down.
func (b *Broker) readPump(t *Tunnel, s *side, role Role) {
	defer t.teardown()

	s.conn.SetReadLimit(MaxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("tunnel read ended", "run_id", t.RunID, "role", string(role), "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		t.forward(role, frame)
	}
}

// Stats returns a snapshot of all live tunnels, ordered by run id.
func (b *Broker) Stats() []Stats {
	b.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(b.tunnels))
	for _, t := range b.tunnels {
		tunnels = append(tunnels, t)
	}
	b.mu.Unlock()

	stats := make([]Stats, 0, len(tunnels))
	for _, t := range tunnels {
		stats = append(stats, t.stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].RunID < stats[j].RunID })
	return stats
}
