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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/tombee/overseer/internal/command"
	"github.com/tombee/overseer/internal/gateway/httputil"
	"github.com/tombee/overseer/internal/gateway/hub"
	"github.com/tombee/overseer/internal/gateway/metrics"
	"github.com/tombee/overseer/internal/gateway/signing"
	"github.com/tombee/overseer/internal/gateway/store"
)

// Worker types form a closed set; "ollama" is accepted as a synonym for
// ollama-launch.
var workerTypes = map[string]bool{
	"claude":        true,
	"codex":         true,
	"gemini":        true,
	"ollama-launch": true,
	"rev":           true,
	"vnc":           true,
	"hands-on":      true,
}

// RunsHandler serves the console-side run API and the runner-side command
// poll, ack and state endpoints.
type RunsHandler struct {
	store     *store.Store
	hub       *hub.Hub
	metrics   *metrics.Metrics
	allowlist *command.Allowlist
	runsDir   string
	logger    *slog.Logger
}

// NewRunsHandler creates the runs handler.
func NewRunsHandler(st *store.Store, h *hub.Hub, m *metrics.Metrics, allowlist *command.Allowlist, runsDir string, logger *slog.Logger) *RunsHandler {
	return &RunsHandler{
		store:     st,
		hub:       h,
		metrics:   m,
		allowlist: allowlist,
		runsDir:   runsDir,
		logger:    logger,
	}
}

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	Worker         string            `json:"worker"`
	Model          string            `json:"model,omitempty"`
	InitialCommand string            `json:"initialCommand,omitempty"`
	WorkDir        string            `json:"workDir,omitempty"`
	ClientID       string            `json:"clientId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RunResponse is a Run plus the capability token, returned only at creation
// time so the operator can hand it to the runner.
type RunResponse struct {
	*store.Run
	CapabilityToken string `json:"capabilityToken,omitempty"`
}

// handleCreate handles POST /api/runs.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid JSON body")
		return
	}

	worker := req.Worker
	if worker == "ollama" {
		worker = "ollama-launch"
	}
	if !workerTypes[worker] {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, fmt.Sprintf("unknown worker type %q", req.Worker))
		return
	}

	token, err := signing.NewToken()
	if err != nil {
		h.logger.Error("token generation failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	run := &store.Run{
		ID:             uuid.NewString(),
		Worker:         worker,
		Model:          req.Model,
		InitialCommand: req.InitialCommand,
		WorkDir:        req.WorkDir,
		ClientID:       req.ClientID,
		Token:          token,
		Metadata:       req.Metadata,
	}
	if err := h.store.InsertRun(r.Context(), run); err != nil {
		h.logger.Error("run insert failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	h.logger.Info("run created", "run_id", run.ID, "worker", run.Worker)
	httputil.WriteJSON(w, http.StatusCreated, RunResponse{Run: run, CapabilityToken: token})
}

// handleList handles GET /api/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status:   store.RunStatus(r.URL.Query().Get("status")),
		ClientID: r.URL.Query().Get("client"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		h.logger.Error("run list failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

// handleGet handles GET /api/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleEvents handles GET /api/runs/{id}/events?after=&limit=.
func (h *RunsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	events, err := h.store.ListEvents(r.Context(), run.ID, after, limit)
	if err != nil {
		h.logger.Error("event list failed", "run_id", run.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// handleArtifacts handles GET /api/runs/{id}/artifacts.
func (h *RunsHandler) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	artifacts, err := h.store.ListArtifacts(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("artifact list failed", "run_id", run.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []*store.Artifact{}
	}
	httputil.WriteJSON(w, http.StatusOK, artifacts)
}

// handleStop, handleHalt and handleEscape enqueue the corresponding reserved
// command for the owning runner.
func (h *RunsHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.enqueueReserved(w, r, command.Stop, "stop")
}

func (h *RunsHandler) handleHalt(w http.ResponseWriter, r *http.Request) {
	h.enqueueReserved(w, r, command.Halt, "halt")
}

func (h *RunsHandler) handleEscape(w http.ResponseWriter, r *http.Request) {
	h.enqueueReserved(w, r, command.Escape, "escape")
}

// InputRequest is the body of POST /api/runs/{id}/input.
type InputRequest struct {
	Text        string `json:"text"`
	EscapeFirst bool   `json:"escapeFirst,omitempty"`
}

// handleInput handles POST /api/runs/{id}/input.
func (h *RunsHandler) handleInput(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid JSON body")
		return
	}
	h.insertCommand(w, r, run, command.Input(req.Text, req.EscapeFirst), "input")
}

// handleRestart handles POST /api/runs/{id}/restart. The old run gets a stop
// command; a fresh pending run cloned from it is returned, with a new
// capability token for the replacement runner.
func (h *RunsHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}

	if !run.Status.Terminal() {
		cmd := &store.Command{ID: uuid.NewString(), RunID: run.ID, Payload: command.Stop}
		if err := h.store.InsertCommand(r.Context(), cmd); err != nil {
			h.logger.Error("stop enqueue failed", "run_id", run.ID, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to restart run")
			return
		}
	}

	token, err := signing.NewToken()
	if err != nil {
		h.logger.Error("token generation failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to restart run")
		return
	}
	replacement := &store.Run{
		ID:             uuid.NewString(),
		Worker:         run.Worker,
		Model:          run.Model,
		InitialCommand: run.InitialCommand,
		WorkDir:        run.WorkDir,
		ClientID:       run.ClientID,
		Token:          token,
		Metadata:       run.Metadata,
	}
	if err := h.store.InsertRun(r.Context(), replacement); err != nil {
		h.logger.Error("replacement run insert failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to restart run")
		return
	}

	h.logger.Info("run restarted", "run_id", run.ID, "replacement", replacement.ID)
	httputil.WriteJSON(w, http.StatusCreated, RunResponse{Run: replacement, CapabilityToken: token})
}

// ConsoleCommandRequest is the body of POST /api/runs/{id}/commands.
type ConsoleCommandRequest struct {
	Command string `json:"command"`
}

// handleConsoleCommand handles POST /api/runs/{id}/commands. The payload must
// pass the allowlist unless it is a reserved control token.
func (h *RunsHandler) handleConsoleCommand(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	var req ConsoleCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid JSON body")
		return
	}
	if err := h.allowlist.Validate(req.Command); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, err.Error())
		return
	}
	h.insertCommand(w, r, run, req.Command, "console")
}

// handlePollCommands handles the runner-side GET /api/runs/{id}/commands.
// The signed run must match the path; the same pending tail is returned
// until acked.
func (h *RunsHandler) handlePollCommands(w http.ResponseWriter, r *http.Request, _ []byte, run *store.Run) {
	if r.PathValue("id") != run.ID {
		httputil.WriteErrorKind(w, http.StatusForbidden, KindTokenMismatch, "run id does not match credentials")
		return
	}

	cmds, err := h.store.NextPendingCommands(r.Context(), run.ID, 0)
	if err != nil {
		h.logger.Error("command poll failed", "run_id", run.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	httputil.WriteJSON(w, http.StatusOK, cmds)
}

// AckRequest is the body of POST /api/runs/{id}/commands/{cmdId}/ack.
type AckRequest struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleAck handles the runner-side command ack. Acking twice is success
// with the alreadyAcked flag set; nothing is overwritten.
func (h *RunsHandler) handleAck(w http.ResponseWriter, r *http.Request, body []byte, run *store.Run) {
	if r.PathValue("id") != run.ID {
		httputil.WriteErrorKind(w, http.StatusForbidden, KindTokenMismatch, "run id does not match credentials")
		return
	}
	cmdID := r.PathValue("cmdId")

	var req AckRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid JSON body")
			return
		}
	}

	alreadyAcked, err := h.store.AckCommand(r.Context(), run.ID, cmdID, req.Result, req.Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteErrorKind(w, http.StatusNotFound, "not_found.command", "unknown command")
			return
		}
		h.logger.Error("command ack failed", "command_id", cmdID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to ack command")
		return
	}

	if !alreadyAcked {
		if h.metrics != nil {
			h.metrics.CommandsAcked.Inc()
		}
		if cmd, err := h.store.GetCommand(r.Context(), cmdID); err == nil {
			h.hub.PublishCommandCompleted(cmd)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"alreadyAcked": alreadyAcked})
}

// StateRequest is the body of POST /api/runs/{id}/state, the runner's
// checkpoint. Status is optional; when present it drives the run lifecycle.
type StateRequest struct {
	Status   store.RunStatus `json:"status,omitempty"`
	ExitCode *int            `json:"exitCode,omitempty"`
	Error    string          `json:"error,omitempty"`
	Sequence int64           `json:"sequence,omitempty"`
}

// handleState handles the runner-side state checkpoint. The raw body is
// persisted to runs/{id}/state.json so a restarted runner can resume.
func (h *RunsHandler) handleState(w http.ResponseWriter, r *http.Request, body []byte, run *store.Run) {
	if r.PathValue("id") != run.ID {
		httputil.WriteErrorKind(w, http.StatusForbidden, KindTokenMismatch, "run id does not match credentials")
		return
	}

	var req StateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "invalid JSON body")
		return
	}

	dir := filepath.Join(h.runsDir, run.ID)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		if err := os.WriteFile(filepath.Join(dir, "state.json"), body, 0o644); err != nil {
			h.logger.Warn("state checkpoint write failed", "run_id", run.ID, "error", err)
		}
	}

	if req.Status != "" && req.Status != run.Status {
		if err := h.store.UpdateRunStatus(r.Context(), run.ID, req.Status, req.ExitCode, req.Error); err != nil {
			h.logger.Warn("state transition rejected", "run_id", run.ID, "status", string(req.Status), "error", err)
			httputil.WriteErrorKind(w, http.StatusConflict, KindBadShape, err.Error())
			return
		}
		h.logger.Info("run state updated", "run_id", run.ID, "status", string(req.Status))
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetState returns the last checkpoint for a run, used by a resumed
// runner to restore its producer sequence.
func (h *RunsHandler) handleGetState(w http.ResponseWriter, r *http.Request, _ []byte, run *store.Run) {
	if r.PathValue("id") != run.ID {
		httputil.WriteErrorKind(w, http.StatusForbidden, KindTokenMismatch, "run id does not match credentials")
		return
	}

	raw, err := os.ReadFile(filepath.Join(h.runsDir, run.ID, "state.json"))
	if os.IsNotExist(err) {
		httputil.WriteErrorKind(w, http.StatusNotFound, "not_found.run", "no checkpoint")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to read checkpoint")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (h *RunsHandler) lookupRun(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorKind(w, http.StatusNotFound, "not_found.run", "unknown run")
		return nil, false
	}
	return run, true
}

func (h *RunsHandler) enqueueReserved(w http.ResponseWriter, r *http.Request, payload, kind string) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	h.insertCommand(w, r, run, payload, kind)
}

func (h *RunsHandler) insertCommand(w http.ResponseWriter, r *http.Request, run *store.Run, payload, kind string) {
	cmd := &store.Command{
		ID:      uuid.NewString(),
		RunID:   run.ID,
		Payload: payload,
	}
	if err := h.store.InsertCommand(r.Context(), cmd); err != nil {
		h.logger.Error("command enqueue failed", "run_id", run.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}
	if h.metrics != nil {
		h.metrics.RecordCommand(kind)
	}
	h.logger.Info("command enqueued", "run_id", run.ID, "command_id", cmd.ID, "kind", kind)
	httputil.WriteJSON(w, http.StatusCreated, cmd)
}
