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

// Package hub fans live run activity out to viewer WebSockets. Viewers
// subscribe to individual runs; alerts are broadcast to every viewer.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tombee/overseer/internal/gateway/metrics"
	"github.com/tombee/overseer/internal/gateway/store"
)

// Push message types sent to viewers.
const (
	TypeEvent            = "event"
	TypeCommandCompleted = "command_completed"
	TypeNewAlert         = "new_alert"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypePong             = "pong"
	TypeError            = "error"
)

// Push is one server-to-viewer message.
type Push struct {
	Type    string         `json:"type"`
	RunID   string         `json:"runId,omitempty"`
	Message string         `json:"message,omitempty"`
	Event   *store.Event   `json:"event,omitempty"`
	Command *store.Command `json:"command,omitempty"`
	Alert   *store.Alert   `json:"alert,omitempty"`
}

// Hub routes run activity to subscribed viewers.
type Hub struct {
	mu      sync.RWMutex
	viewers map[*Viewer]struct{}
	subs    map[string]map[*Viewer]struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an empty hub.
func New(m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		viewers: make(map[*Viewer]struct{}),
		subs:    make(map[string]map[*Viewer]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// PublishEvent pushes a freshly ingested event to the run's subscribers.
func (h *Hub) PublishEvent(ev *store.Event) {
	h.push(ev.RunID, &Push{Type: TypeEvent, RunID: ev.RunID, Event: ev})
}

// PublishCommandCompleted pushes an acked command to the run's subscribers.
func (h *Hub) PublishCommandCompleted(cmd *store.Command) {
	h.push(cmd.RunID, &Push{Type: TypeCommandCompleted, RunID: cmd.RunID, Command: cmd})
}

// PublishAlert broadcasts an alert to every connected viewer.
func (h *Hub) PublishAlert(a *store.Alert) {
	data, err := json.Marshal(&Push{Type: TypeNewAlert, RunID: a.RunID, Alert: a})
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		v.send(data)
	}
}

// push delivers a message to the subscribers of one run. The subscriber set
// is copied under the lock; subscribe may mutate the live map while we send.
// Slow viewers have the message dropped rather than stalling the publisher.
func (h *Hub) push(runID string, msg *Push) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Viewer, 0, len(h.subs[runID]))
	for v := range h.subs[runID] {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		if v.send(data) && h.metrics != nil {
			h.metrics.EventsFannedOut.Inc()
		}
	}
}

// SubscriberCount returns the number of viewers subscribed to a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

func (h *Hub) register(v *Viewer) {
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ViewersConnected.Inc()
	}
}

func (h *Hub) unregister(v *Viewer) {
	h.mu.Lock()
	if _, ok := h.viewers[v]; ok {
		delete(h.viewers, v)
		for runID, subs := range h.subs {
			if _, ok := subs[v]; ok {
				delete(subs, v)
				if len(subs) == 0 {
					delete(h.subs, runID)
				}
			}
		}
		if h.metrics != nil {
			h.metrics.ViewersConnected.Dec()
		}
	}
	h.mu.Unlock()
}

func (h *Hub) subscribe(v *Viewer, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*Viewer]struct{})
	}
	h.subs[runID][v] = struct{}{}
}

// unsubscribeAll detaches a viewer from one run, or from every run when
// runID is empty.
func (h *Hub) unsubscribeAll(v *Viewer, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, subs := range h.subs {
		if runID != "" && id != runID {
			continue
		}
		delete(subs, v)
		if len(subs) == 0 {
			delete(h.subs, id)
		}
	}
}
