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
	"errors"
	"log/slog"
	"net/http"

	"github.com/tombee/overseer/internal/gateway/httputil"
	"github.com/tombee/overseer/internal/gateway/store"
)

// AlertsHandler serves the alerts collaborator endpoints.
type AlertsHandler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewAlertsHandler creates the alerts handler.
func NewAlertsHandler(st *store.Store, logger *slog.Logger) *AlertsHandler {
	return &AlertsHandler{store: st, logger: logger}
}

// handleList handles GET /api/alerts?unacked=true.
func (h *AlertsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	unackedOnly := r.URL.Query().Get("unacked") == "true"
	alerts, err := h.store.ListAlerts(r.Context(), unackedOnly)
	if err != nil {
		h.logger.Error("alert list failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*store.Alert{}
	}
	httputil.WriteJSON(w, http.StatusOK, alerts)
}

// handleAcknowledge handles POST /api/alerts/{id}/acknowledge.
func (h *AlertsHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.AcknowledgeAlert(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteErrorKind(w, http.StatusNotFound, "not_found.alert", "unknown alert")
			return
		}
		h.logger.Error("alert acknowledge failed", "alert_id", id, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to acknowledge alert")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
