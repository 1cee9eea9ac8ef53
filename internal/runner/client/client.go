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

// Package client is the runner's signed HTTP client to the gateway. Every
// request carries the HMAC signature headers; transient failures are retried
// with exponential backoff.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/overseer/internal/gateway/signing"
)

// Signed-request header names, shared with the gateway's auth middleware.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
	HeaderRunID     = "X-Run-Id"
	HeaderToken     = "X-Capability-Token"
)

// Config carries everything needed to talk to one gateway about one run.
type Config struct {
	// BaseURL is the gateway origin, e.g. https://127.0.0.1:8443.
	BaseURL string

	// RunID and Token bind run-scoped requests. Heartbeats leave them
	// out of the signature per the unbound-request form.
	RunID string
	Token string

	// Secret is the shared HMAC secret.
	Secret []byte

	// AllowSelfSigned disables certificate verification. Dev only.
	AllowSelfSigned bool

	// MaxRetries bounds retry attempts per request. Zero means 3.
	MaxRetries int

	// Timeout is the per-attempt request timeout. Zero means 30s.
	Timeout time.Duration
}

// Client talks to the gateway on behalf of one runner.
type Client struct {
	baseURL    string
	runID      string
	token      string
	signer     *signing.Signer
	httpClient *http.Client
	maxRetries int
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("gateway returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL required")
	}
	signer, err := signing.New(cfg.Secret)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.AllowSelfSigned {
		transport.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, // ALLOW_SELF_SIGNED dev mode
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 3
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		runID:      cfg.RunID,
		token:      cfg.Token,
		signer:     signer,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		maxRetries: retries,
	}, nil
}

// Command is one pending outbox entry returned by the poll endpoint.
type Command struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	Payload   string    `json:"command"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Checkpoint mirrors the state document posted to /api/runs/{id}/state.
type Checkpoint struct {
	RunID      string    `json:"runId"`
	Sequence   int64     `json:"sequence"`
	WorkingDir string    `json:"workingDir"`
	Autonomous bool      `json:"autonomous"`
	WorkerType string    `json:"workerType"`
	Model      string    `json:"model,omitempty"`
	Status     string    `json:"status,omitempty"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	SavedAt    time.Time `json:"savedAt"`
}

// IngestEvent posts one event to the run's log.
func (c *Client) IngestEvent(ctx context.Context, typ, data string, producerSeq *int64) error {
	body, err := json.Marshal(map[string]any{
		"type":     typ,
		"data":     data,
		"sequence": producerSeq,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, "/api/ingest/event", body, true, nil)
}

// UploadArtifact uploads a named file body as a multipart artifact.
func (c *Client) UploadArtifact(ctx context.Context, name, contentType string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("failed to write multipart body: %w", err)
	}
	if contentType != "" {
		if err := mw.WriteField("contentType", contentType); err != nil {
			return fmt.Errorf("failed to write multipart field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}

	return c.do(ctx, http.MethodPost, "/api/ingest/artifact", buf.Bytes(), mw.FormDataContentType(), true, nil)
}

// PollCommands fetches the pending command tail for the run.
func (c *Client) PollCommands(ctx context.Context) ([]Command, error) {
	var cmds []Command
	if err := c.doJSON(ctx, http.MethodGet, "/api/runs/"+c.runID+"/commands", nil, true, &cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

// AckCommand records the outcome of one command. Acking twice is safe.
func (c *Client) AckCommand(ctx context.Context, cmdID, result, errText string) error {
	body, err := json.Marshal(map[string]string{
		"result": result,
		"error":  errText,
	})
	if err != nil {
		return fmt.Errorf("failed to encode ack: %w", err)
	}
	path := "/api/runs/" + c.runID + "/commands/" + cmdID + "/ack"
	return c.doJSON(ctx, http.MethodPost, path, body, true, nil)
}

// PostState uploads the runner's state checkpoint.
func (c *Client) PostState(ctx context.Context, cp *Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, "/api/runs/"+c.runID+"/state", body, true, nil)
}

// Heartbeat registers this runner host. Not bound to a run.
func (c *Client) Heartbeat(ctx context.Context, clientID, name string, capabilities []string) error {
	body, err := json.Marshal(map[string]any{
		"id":           clientID,
		"name":         name,
		"capabilities": capabilities,
	})
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, "/api/clients/heartbeat", body, false, nil)
}

// doJSON issues a signed application/json request.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, runBound bool, out any) error {
	return c.do(ctx, method, path, body, "application/json", runBound, out)
}

// do signs and sends one request, retrying transient failures with
// exponential backoff. 4xx responses are terminal; 5xx and transport
// errors are retried up to the configured bound.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, runBound bool, out any) error {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		retryable, err := c.attempt(ctx, method, path, body, contentType, runBound, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("request %s %s failed after %d attempts: %w", method, path, c.maxRetries, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, contentType string, runBound bool, out any) (retryable bool, err error) {
	nonce, err := signing.NewNonce()
	if err != nil {
		return false, err
	}
	ts := time.Now().Unix()

	sigReq := signing.Request{
		Method:    method,
		Path:      path,
		BodyHash:  signing.BodyHash(body),
		Timestamp: ts,
		Nonce:     nonce,
	}
	if runBound {
		sigReq.RunID = c.runID
		sigReq.Token = c.token
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" && len(body) > 0 {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, c.signer.Sign(sigReq))
	if runBound {
		req.Header.Set(HeaderRunID, c.runID)
		req.Header.Set(HeaderToken, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &errBody) == nil {
			apiErr.Kind = errBody.Kind
			apiErr.Message = errBody.Error
		}
		// Auth and validation failures will not heal on retry.
		return resp.StatusCode >= 500, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return false, nil
}
