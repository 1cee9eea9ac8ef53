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

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is a notable condition raised against a run, such as a runner that
// stopped heartbeating or an agent waiting on a prompt for too long.
type Alert struct {
	ID             string        `json:"id"`
	RunID          string        `json:"runId,omitempty"`
	Severity       AlertSeverity `json:"severity"`
	Message        string        `json:"message"`
	CreatedAt      time.Time     `json:"createdAt"`
	AcknowledgedAt *time.Time    `json:"acknowledgedAt,omitempty"`
}

// InsertAlert records a new alert.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	if a.Severity == "" {
		a.Severity = AlertInfo
	}
	now := time.Now()
	a.CreatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, run_id, severity, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, nullString(a.RunID), a.Severity, a.Message, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts, newest first. When unackedOnly is set, only
// alerts not yet acknowledged are returned.
func (s *Store) ListAlerts(ctx context.Context, unackedOnly bool) ([]*Alert, error) {
	query := `SELECT id, run_id, severity, message, created_at, acknowledged_at FROM alerts`
	if unackedOnly {
		query += ` WHERE acknowledged_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		var runID, ackedAt sql.NullString
		var createdAt string

		if err := rows.Scan(&a.ID, &runID, &a.Severity, &a.Message, &createdAt, &ackedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.RunID = runID.String
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		a.AcknowledgedAt = parseTime(ackedAt)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert as seen. Acknowledging twice is a no-op.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM alerts WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
	}
	return nil
}
