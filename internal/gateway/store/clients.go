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
	"encoding/json"
	"fmt"
	"time"
)

// ClientStatus is the derived liveness tier of a runner host.
type ClientStatus string

// Liveness tiers, recomputed from last-seen age on the periodic sweep.
const (
	ClientOnline   ClientStatus = "online"
	ClientDegraded ClientStatus = "degraded"
	ClientOffline  ClientStatus = "offline"
)

// Liveness thresholds.
const (
	clientOnlineWindow   = 30 * time.Second
	clientDegradedWindow = 60 * time.Second
)

// Client is a runner host that has registered with the gateway.
type Client struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	AgentID      string       `json:"agentId,omitempty"`
	Status       ClientStatus `json:"status"`
	Enabled      bool         `json:"enabled"`
	Capabilities []string     `json:"capabilities,omitempty"`
	LastSeen     *time.Time   `json:"lastSeen,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// UpsertClient registers a runner host or refreshes its registration.
func (s *Store) UpsertClient(ctx context.Context, c *Client) error {
	capsJSON, err := json.Marshal(c.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	now := time.Now()
	if c.Status == "" {
		c.Status = ClientOnline
	}

	query := `
		INSERT INTO clients (id, name, agent_id, status, enabled, capabilities, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			agent_id = excluded.agent_id,
			status = excluded.status,
			capabilities = excluded.capabilities,
			last_seen = excluded.last_seen
	`
	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.Name, nullString(c.AgentID), c.Status, enabled, string(capsJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert client: %w", err)
	}
	return nil
}

// TouchClient refreshes a client's last-seen timestamp.
func (s *Store) TouchClient(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE clients SET last_seen = ?, status = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), ClientOnline, id)
	if err != nil {
		return fmt.Errorf("failed to touch client: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return nil
}

// SweepClientStatus recomputes liveness tiers from last-seen age:
// under 30s online, 30-60s degraded, 60s and beyond offline.
func (s *Store) SweepClientStatus(ctx context.Context, now time.Time) error {
	onlineCutoff := now.Add(-clientOnlineWindow).Format(time.RFC3339Nano)
	degradedCutoff := now.Add(-clientDegradedWindow).Format(time.RFC3339Nano)

	stmts := []struct {
		status ClientStatus
		where  string
		args   []any
	}{
		{ClientOnline, "last_seen >= ?", []any{onlineCutoff}},
		{ClientDegraded, "last_seen < ? AND last_seen >= ?", []any{onlineCutoff, degradedCutoff}},
		{ClientOffline, "last_seen < ? OR last_seen IS NULL", []any{degradedCutoff}},
	}

	for _, stmt := range stmts {
		args := append([]any{stmt.status}, stmt.args...)
		if _, err := s.db.ExecContext(ctx,
			"UPDATE clients SET status = ? WHERE "+stmt.where, args...); err != nil {
			return fmt.Errorf("failed to sweep client status: %w", err)
		}
	}
	return nil
}

// ListClients returns all registered runner hosts ordered by name.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, agent_id, status, enabled, capabilities, last_seen, created_at
		 FROM clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var c Client
		var agentID, capsJSON, lastSeen sql.NullString
		var enabled int
		var createdAt string

		if err := rows.Scan(&c.ID, &c.Name, &agentID, &c.Status, &enabled,
			&capsJSON, &lastSeen, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}

		c.AgentID = agentID.String
		c.Enabled = enabled == 1
		if capsJSON.Valid && capsJSON.String != "" {
			json.Unmarshal([]byte(capsJSON.String), &c.Capabilities)
		}
		c.LastSeen = parseTime(lastSeen)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}
