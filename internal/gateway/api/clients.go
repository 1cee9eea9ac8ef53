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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/overseer/internal/gateway/httputil"
	"github.com/tombee/overseer/internal/gateway/store"
)

// ClientsHandler serves runner-host registration and the console client list.
type ClientsHandler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewClientsHandler creates the clients handler.
func NewClientsHandler(st *store.Store, logger *slog.Logger) *ClientsHandler {
	return &ClientsHandler{store: st, logger: logger}
}

// HeartbeatRequest is the body of POST /api/clients/heartbeat. Registration
// is last-writer-wins: a second runner host heartbeating the same id simply
// takes over the row.
type HeartbeatRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// handleHeartbeat handles the signed runner heartbeat.
func (h *ClientsHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request, body []byte, _ *store.Run) {
	var req HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid JSON body")
		return
	}
	if req.ID == "" {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "client id required")
		return
	}
	name := req.Name
	if name == "" {
		name = req.ID
	}

	client := &store.Client{
		ID:           req.ID,
		Name:         name,
		AgentID:      req.AgentID,
		Status:       store.ClientOnline,
		Enabled:      true,
		Capabilities: req.Capabilities,
	}
	if err := h.store.UpsertClient(r.Context(), client); err != nil {
		h.logger.Error("client upsert failed", "client_id", req.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to register client")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleList handles GET /api/clients.
func (h *ClientsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.ListClients(r.Context())
	if err != nil {
		h.logger.Error("client list failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	if clients == nil {
		clients = []*store.Client{}
	}
	httputil.WriteJSON(w, http.StatusOK, clients)
}
