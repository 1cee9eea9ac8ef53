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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/overseer/internal/gateway/httputil"
	"github.com/tombee/overseer/internal/gateway/hub"
	"github.com/tombee/overseer/internal/gateway/metrics"
	"github.com/tombee/overseer/internal/gateway/store"
)

// IngestHandler accepts signed event and artifact uploads from runners.
type IngestHandler struct {
	store        *store.Store
	hub          *hub.Hub
	metrics      *metrics.Metrics
	artifactsDir string
	logger       *slog.Logger
}

// NewIngestHandler creates the ingest handler.
func NewIngestHandler(st *store.Store, h *hub.Hub, m *metrics.Metrics, artifactsDir string, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		store:        st,
		hub:          h,
		metrics:      m,
		artifactsDir: artifactsDir,
		logger:       logger,
	}
}

// IngestEventRequest is the body of POST /api/ingest/event.
type IngestEventRequest struct {
	Type     store.EventType `json:"type"`
	Data     string          `json:"data"`
	Sequence *int64          `json:"sequence,omitempty"`
}

// handleEvent handles POST /api/ingest/event.
func (h *IngestHandler) handleEvent(w http.ResponseWriter, r *http.Request, body []byte, run *store.Run) {
	var req IngestEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid JSON body")
		return
	}
	if !store.ValidEventType(req.Type) {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, fmt.Sprintf("unknown event type %q", req.Type))
		return
	}

	id, err := h.store.AppendEvent(r.Context(), run.ID, req.Type, req.Data, req.Sequence)
	if err != nil {
		h.logger.Error("event append failed", "run_id", run.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	ev := &store.Event{
		ID:          id,
		RunID:       run.ID,
		Type:        req.Type,
		Data:        req.Data,
		ProducerSeq: req.Sequence,
		CreatedAt:   time.Now(),
	}
	h.hub.PublishEvent(ev)
	if h.metrics != nil {
		h.metrics.RecordEvent(string(req.Type), len(req.Data))
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"eventId": id})
}

// handleArtifact handles POST /api/ingest/artifact. The multipart body is
// already buffered and size-capped by the auth middleware.
func (h *IngestHandler) handleArtifact(w http.ResponseWriter, r *http.Request, _ []byte, run *store.Run) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "missing file field")
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	if name == "" {
		name = "artifact"
	}
	name = filepath.Base(name)

	id := uuid.NewString()
	dir := filepath.Join(h.artifactsDir, run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.logger.Error("artifact dir create failed", "run_id", run.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	path := filepath.Join(dir, id+"-"+name)
	dst, err := os.Create(path)
	if err != nil {
		h.logger.Error("artifact create failed", "path", path, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		h.logger.Error("artifact write failed", "path", path, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	artifact := &store.Artifact{
		ID:          id,
		RunID:       run.ID,
		Name:        name,
		ContentType: header.Header.Get("Content-Type"),
		Size:        size,
		Path:        path,
	}
	if err := h.store.InsertArtifact(r.Context(), artifact); err != nil {
		os.Remove(path)
		h.logger.Error("artifact insert failed", "run_id", run.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	h.logger.Info("artifact stored", "run_id", run.ID, "name", name, "size", size)
	httputil.WriteJSON(w, http.StatusCreated, artifact)
}
