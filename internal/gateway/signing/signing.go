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

// Package signing implements the HMAC-SHA256 request signature shared by the
// gateway and the runner. The signature covers the newline-joined tuple
//
//	UPPER(method) \n path \n hex(sha256(body)) \n timestamp \n nonce \n run_id \n capability_token
//
// keyed by a process-wide secret of at least 32 bytes.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MinSecretLen is the minimum accepted secret length in bytes.
const MinSecretLen = 32

// Request carries the signed fields of one request. RunID and Token are
// empty for requests not bound to a run.
type Request struct {
	Method    string
	Path      string
	BodyHash  string
	Timestamp int64
	Nonce     string
	RunID     string
	Token     string
}

// Signer signs and verifies requests with a shared secret.
type Signer struct {
	secret []byte
}

// New creates a Signer. The secret must be at least MinSecretLen bytes.
func New(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("signing secret too short: %d bytes (minimum %d)", len(secret), MinSecretLen)
	}
	return &Signer{secret: secret}, nil
}

// Sign computes the hex-encoded HMAC-SHA256 signature for the request.
func (s *Signer) Sign(req Request) string {
	payload := strings.Join([]string{
		strings.ToUpper(req.Method),
		req.Path,
		req.BodyHash,
		strconv.FormatInt(req.Timestamp, 10),
		req.Nonce,
		req.RunID,
		req.Token,
	}, "\n")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature against the request in constant time.
func (s *Signer) Verify(req Request, signature string) bool {
	expected := s.Sign(req)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// BodyHash returns hex(sha256(body)). An empty body hashes the empty string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// NewNonce returns a 16-byte random nonce, hex encoded.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewToken returns a 32-byte random capability token, hex encoded.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateSecret returns a fresh random secret suitable for New.
// Used when HMAC_SECRET is absent and the gateway falls back to an
// ephemeral per-process secret.
func GenerateSecret() ([]byte, error) {
	buf := make([]byte, MinSecretLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return buf, nil
}
