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

// EventType classifies one log record on a run.
type EventType string

// Event types accepted on ingest.
const (
	EventStdout         EventType = "stdout"
	EventStderr         EventType = "stderr"
	EventMarker         EventType = "marker"
	EventInfo           EventType = "info"
	EventError          EventType = "error"
	EventAssist         EventType = "assist"
	EventPromptWaiting  EventType = "prompt_waiting"
	EventPromptResolved EventType = "prompt_resolved"
)

// ValidEventType reports whether t is one of the accepted event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventStdout, EventStderr, EventMarker, EventInfo, EventError,
		EventAssist, EventPromptWaiting, EventPromptResolved:
		return true
	}
	return false
}

// Event is one log record belonging to a run. ID is assigned by the store's
// global AUTOINCREMENT counter, so events of one run are strictly ordered by
// acceptance. ProducerSeq is advisory, used for end-to-end loss detection.
type Event struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"runId"`
	Type        EventType `json:"type"`
	Data        string    `json:"data"`
	ProducerSeq *int64    `json:"producerSeq,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AppendEvent appends one event and returns its server-assigned id.
func (s *Store) AppendEvent(ctx context.Context, runID string, typ EventType, data string, producerSeq *int64) (int64, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, type, data, producer_seq, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, typ, data, producerSeq, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	return id, nil
}

// ListEvents returns events for a run with id > afterID, ordered by id
// ascending. limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*Event, error) {
	query := `
		SELECT id, run_id, type, data, producer_seq, created_at
		FROM events WHERE run_id = ? AND id > ?
		ORDER BY id ASC
	`
	args := []any{runID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var producerSeq sql.NullInt64
		var createdAt string

		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &ev.Data, &producerSeq, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if producerSeq.Valid {
			seq := producerSeq.Int64
			ev.ProducerSeq = &seq
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
