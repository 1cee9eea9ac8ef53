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

package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pongWait is twice the ping period, so a viewer that misses two
	// consecutive pongs is terminated.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// viewerRequest is one client-to-server control message.
type viewerRequest struct {
	Type  string `json:"type"`
	RunID string `json:"runId,omitempty"`
}

// Viewer is one connected viewer WebSocket. All writes to the connection go
// through the outbound channel and writePump; readPump owns all reads.
type Viewer struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// ServeWS upgrades the request to a viewer WebSocket and runs its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("viewer upgrade failed", "error", err)
		return
	}

	v := &Viewer{
		hub:  h,
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(v)
	h.logger.Debug("viewer connected", "remote", r.RemoteAddr)

	go v.writePump()
	go v.readPump()
}

// send queues a message without blocking. Reports whether it was queued;
// a full buffer means the viewer is too slow and the message is dropped.
func (v *Viewer) send(data []byte) bool {
	select {
	case v.out <- data:
		return true
	default:
		return false
	}
}

func (v *Viewer) close() {
	v.once.Do(func() {
		close(v.done)
		v.hub.unregister(v)
		v.conn.Close()
	})
}

// writePump owns all writes to the connection: queued pushes and pings.
func (v *Viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.close()
	}()

	for {
		select {
		case message, ok := <-v.out:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain anything already queued.
			n := len(v.out)
			for i := 0; i < n; i++ {
				if err := v.conn.WriteMessage(websocket.TextMessage, <-v.out); err != nil {
					return
				}
			}

		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-v.done:
			return
		}
	}
}

// readPump owns all reads: subscription control messages and pongs.
func (v *Viewer) readPump() {
	defer v.close()

	v.conn.SetReadLimit(maxMsgSize)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.hub.logger.Warn("viewer read error", "error", err)
			}
			return
		}

		var req viewerRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			v.reply(&Push{Type: TypeError, Message: "invalid message"})
			continue
		}

		switch req.Type {
		case "subscribe":
			if req.RunID == "" {
				v.reply(&Push{Type: TypeError, Message: "subscribe requires runId"})
				continue
			}
			v.hub.subscribe(v, req.RunID)
			v.reply(&Push{Type: TypeSubscribed, RunID: req.RunID})
		case "unsubscribe":
			v.hub.unsubscribeAll(v, req.RunID)
			v.reply(&Push{Type: TypeUnsubscribed, RunID: req.RunID})
		case "ping":
			v.reply(&Push{Type: TypePong})
		default:
			v.reply(&Push{Type: TypeError, Message: "unknown message type"})
		}
	}
}

// reply queues a control response, best effort.
func (v *Viewer) reply(p *Push) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	v.send(data)
}
