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
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/overseer/internal/gateway/httputil"
	"github.com/tombee/overseer/internal/gateway/metrics"
	"github.com/tombee/overseer/internal/gateway/signing"
	"github.com/tombee/overseer/internal/gateway/store"
)

// Signed-request headers.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
	HeaderRunID     = "X-Run-Id"
	HeaderToken     = "X-Capability-Token"
)

// Machine-readable error kinds surfaced to callers.
const (
	KindSignatureInvalid = "auth.signature_invalid"
	KindClockSkew        = "auth.clock_skew"
	KindNonceReplay      = "auth.nonce_replay"
	KindTokenMismatch    = "auth.run_token_mismatch"
	KindPayloadTooLarge  = "request.payload_too_large"
	KindBadShape         = "validation.bad_shape"
)

// signedHandler receives the verified body and, for run-bound requests, the
// run the capability token authenticated.
type signedHandler func(w http.ResponseWriter, r *http.Request, body []byte, run *store.Run)

// Auth verifies signed runner requests. Verification order: signature,
// clock skew, nonce, then the run/token binding. Nothing touches the store
// before the signature checks out.
type Auth struct {
	signer  *signing.Signer
	store   *store.Store
	skew    time.Duration
	expiry  time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAuth creates the signed-request middleware.
func NewAuth(signer *signing.Signer, st *store.Store, skew, nonceExpiry time.Duration, m *metrics.Metrics, logger *slog.Logger) *Auth {
	return &Auth{
		signer:  signer,
		store:   st,
		skew:    skew,
		expiry:  nonceExpiry,
		metrics: m,
		logger:  logger,
	}
}

// Signed wraps a handler with signature verification. maxBody caps the
// request payload; requireRun additionally binds the request to a stored run
// via the X-Run-Id / X-Capability-Token pair.
func (a *Auth) Signed(maxBody int64, requireRun bool, next signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The signature covers a hash of the complete body, so the body
		// is buffered before verification. maxBody bounds the memory
		// held per request; artifact uploads pay up to their configured cap.
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				a.reject(w, http.StatusRequestEntityTooLarge, KindPayloadTooLarge, "request body exceeds limit", "too_large")
				return
			}
			httputil.WriteErrorKind(w, http.StatusBadRequest, KindBadShape, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ts := r.Header.Get(HeaderTimestamp)
		nonce := r.Header.Get(HeaderNonce)
		sig := r.Header.Get(HeaderSignature)
		runID := r.Header.Get(HeaderRunID)
		token := r.Header.Get(HeaderToken)

		if ts == "" || nonce == "" || sig == "" {
			a.reject(w, http.StatusUnauthorized, KindSignatureInvalid, "missing signature headers", "signature")
			return
		}
		timestamp, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			a.reject(w, http.StatusUnauthorized, KindSignatureInvalid, "malformed timestamp", "signature")
			return
		}

		ok := a.signer.Verify(signing.Request{
			Method:    r.Method,
			Path:      r.URL.Path,
			BodyHash:  signing.BodyHash(body),
			Timestamp: timestamp,
			Nonce:     nonce,
			RunID:     runID,
			Token:     token,
		}, sig)
		if !ok {
			a.reject(w, http.StatusUnauthorized, KindSignatureInvalid, "signature mismatch", "signature")
			return
		}

		now := time.Now()
		if d := now.Sub(time.Unix(timestamp, 0)); d > a.skew || d < -a.skew {
			a.reject(w, http.StatusUnauthorized, KindClockSkew, "timestamp outside tolerance", "skew")
			return
		}

		res, err := a.store.ConsumeNonce(r.Context(), nonce, now, a.expiry)
		if err != nil {
			a.logger.Error("nonce check failed", "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if res == store.NonceReplay {
			a.reject(w, http.StatusUnauthorized, KindNonceReplay, "nonce already used", "replay")
			return
		}

		var run *store.Run
		if requireRun {
			if runID == "" || token == "" {
				a.reject(w, http.StatusForbidden, KindTokenMismatch, "run credentials required", "token")
				return
			}
			run, err = a.store.GetRun(r.Context(), runID)
			if errors.Is(err, store.ErrNotFound) {
				a.reject(w, http.StatusForbidden, KindTokenMismatch, "unknown run or bad token", "token")
				return
			}
			if err != nil {
				a.logger.Error("run lookup failed", "run_id", runID, "error", err)
				httputil.WriteError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if subtle.ConstantTimeCompare([]byte(run.Token), []byte(token)) != 1 {
				a.reject(w, http.StatusForbidden, KindTokenMismatch, "unknown run or bad token", "token")
				return
			}
		}

		next(w, r, body, run)
	}
}

func (a *Auth) reject(w http.ResponseWriter, status int, kind, message, reason string) {
	if a.metrics != nil {
		a.metrics.RecordRejection(reason)
	}
	httputil.WriteErrorKind(w, status, kind, message)
}
