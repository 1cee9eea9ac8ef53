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

// Package tunnel pairs one runner-side and one viewer-side binary WebSocket
// per run and relays framebuffer frames between them verbatim. Frames that
// arrive before the peer attaches are queued and flushed on attach.
package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Role identifies which end of a tunnel a connection serves.
type Role string

const (
	RoleRunner Role = "runner"
	RoleViewer Role = "viewer"
)

// MaxFrameSize caps a single relayed frame.
const MaxFrameSize = 1 << 20

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	outBuffer  = 512
)

// side is one attached endpoint. The out channel carries live frames after
// attach; all connection writes happen in writePump.
type side struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *side) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Tunnel relays binary frames between a runner and a viewer for one run.
type Tunnel struct {
	RunID string

	mu     sync.Mutex
	runner *side
	viewer *side
	closed bool

	// Frames received before the peer attached, per destination.
	queuedToRunner [][]byte
	queuedToViewer [][]byte

	bytesFromRunner int64
	bytesFromViewer int64
	bytesToRunner   int64
	bytesToViewer   int64

	createdAt         time.Time
	runnerConnectedAt *time.Time
	viewerConnectedAt *time.Time

	onClose func(*Tunnel)
}

// Stats is a point-in-time snapshot of one tunnel.
type Stats struct {
	RunID             string     `json:"runId"`
	RunnerConnected   bool       `json:"runnerConnected"`
	ViewerConnected   bool       `json:"viewerConnected"`
	BytesFromRunner   int64      `json:"bytesFromRunner"`
	BytesFromViewer   int64      `json:"bytesFromViewer"`
	BytesToRunner     int64      `json:"bytesToRunner"`
	BytesToViewer     int64      `json:"bytesToViewer"`
	CreatedAt         time.Time  `json:"createdAt"`
	RunnerConnectedAt *time.Time `json:"runnerConnectedAt,omitempty"`
	ViewerConnectedAt *time.Time `json:"viewerConnectedAt,omitempty"`
}

// attach binds a connection to one side of the tunnel and hands back the
// frames queued for it while it was absent. At most one connection per side.
func (t *Tunnel) attach(role Role, conn *websocket.Conn) (*side, [][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, fmt.Errorf("tunnel for run %s is closed", t.RunID)
	}

	s := &side{
		conn: conn,
		out:  make(chan []byte, outBuffer),
		done: make(chan struct{}),
	}
	now := time.Now()

	switch role {
	case RoleRunner:
		if t.runner != nil {
			return nil, nil, fmt.Errorf("runner side already attached for run %s", t.RunID)
		}
		t.runner = s
		t.runnerConnectedAt = &now
		queued := t.queuedToRunner
		t.queuedToRunner = nil
		return s, queued, nil
	case RoleViewer:
		if t.viewer != nil {
			return nil, nil, fmt.Errorf("viewer side already attached for run %s", t.RunID)
		}
		t.viewer = s
		t.viewerConnectedAt = &now
		queued := t.queuedToViewer
		t.queuedToViewer = nil
		return s, queued, nil
	}
	return nil, nil, fmt.Errorf("unknown tunnel role %q", role)
}

// forward relays one frame from the given role toward its peer. If the peer
// has not attached yet, the frame is queued in arrival order.
func (t *Tunnel) forward(from Role, frame []byte) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var peer *side
	if from == RoleRunner {
		t.bytesFromRunner += int64(len(frame))
		peer = t.viewer
		if peer == nil {
			t.queuedToViewer = append(t.queuedToViewer, frame)
			t.mu.Unlock()
			return
		}
	} else {
		t.bytesFromViewer += int64(len(frame))
		peer = t.runner
		if peer == nil {
			t.queuedToRunner = append(t.queuedToRunner, frame)
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()

	select {
	case peer.out <- frame:
	case <-peer.done:
	}
}

func (t *Tunnel) countDelivered(to Role, n int) {
	t.mu.Lock()
	if to == RoleRunner {
		t.bytesToRunner += int64(n)
	} else {
		t.bytesToViewer += int64(n)
	}
	t.mu.Unlock()
}

// teardown closes both sides. Either side disconnecting tears the whole
// tunnel down.
func (t *Tunnel) teardown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	runner, viewer := t.runner, t.viewer
	onClose := t.onClose
	t.mu.Unlock()

	if runner != nil {
		runner.close()
	}
	if viewer != nil {
		viewer.close()
	}
	if onClose != nil {
		onClose(t)
	}
}

func (t *Tunnel) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		RunID:             t.RunID,
		RunnerConnected:   t.runner != nil && !t.closed,
		ViewerConnected:   t.viewer != nil && !t.closed,
		BytesFromRunner:   t.bytesFromRunner,
		BytesFromViewer:   t.bytesFromViewer,
		BytesToRunner:     t.bytesToRunner,
		BytesToViewer:     t.bytesToViewer,
		CreatedAt:         t.createdAt,
		RunnerConnectedAt: t.runnerConnectedAt,
		ViewerConnectedAt: t.viewerConnectedAt,
	}
}
