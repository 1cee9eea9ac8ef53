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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NonceResult is the outcome of a consume attempt.
type NonceResult int

const (
	// NonceOK means the nonce was fresh and is now consumed.
	NonceOK NonceResult = iota
	// NonceReplay means the nonce was already consumed inside the window.
	NonceReplay
)

// ConsumeNonce records a nonce as used. A nonce already present is a replay
// unless its record is older than the expiry window, in which case it is
// treated as fresh again (the sweep would have removed it anyway).
func (s *Store) ConsumeNonce(ctx context.Context, nonce string, now time.Time, expiry time.Duration) (NonceResult, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM nonces WHERE nonce = ?`, nonce).Scan(&createdAt)

	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO nonces (nonce, created_at) VALUES (?, ?)`,
			nonce, now.Format(time.RFC3339Nano))
		if err != nil {
			return NonceReplay, fmt.Errorf("failed to insert nonce: %w", err)
		}
		return NonceOK, nil
	case err != nil:
		return NonceReplay, fmt.Errorf("failed to look up nonce: %w", err)
	}

	created, parseErr := time.Parse(time.RFC3339Nano, createdAt)
	if parseErr == nil && now.Sub(created) > expiry {
		_, err := s.db.ExecContext(ctx,
			`UPDATE nonces SET created_at = ? WHERE nonce = ?`,
			now.Format(time.RFC3339Nano), nonce)
		if err != nil {
			return NonceReplay, fmt.Errorf("failed to refresh nonce: %w", err)
		}
		return NonceOK, nil
	}

	return NonceReplay, nil
}

// SweepNonces deletes nonces older than the expiry window.
func (s *Store) SweepNonces(ctx context.Context, now time.Time, expiry time.Duration) (int64, error) {
	cutoff := now.Add(-expiry)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE created_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep nonces: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
