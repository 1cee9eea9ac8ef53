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

// CommandStatus is the outbox state of a command.
type CommandStatus string

// Command states. A command is acked exactly once; the gateway keeps
// returning the pending tail until the owning runner acks.
const (
	CommandPending CommandStatus = "pending"
	CommandAcked   CommandStatus = "acked"
)

// MaxAckResultBytes caps the ack result payload.
const MaxAckResultBytes = 10 << 20

// Command is one operator-issued action targeting a run.
type Command struct {
	ID        string        `json:"id"`
	RunID     string        `json:"runId"`
	Payload   string        `json:"command"`
	Status    CommandStatus `json:"status"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	AckedAt   *time.Time    `json:"ackedAt,omitempty"`
}

// InsertCommand enqueues a pending command for a run.
func (s *Store) InsertCommand(ctx context.Context, cmd *Command) error {
	now := time.Now()
	cmd.Status = CommandPending
	cmd.CreatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, run_id, payload, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		cmd.ID, cmd.RunID, cmd.Payload, cmd.Status, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

// GetCommand retrieves a command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, payload, status, result, error, created_at, acked_at
		 FROM commands WHERE id = ?`, id)

	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return cmd, nil
}

// NextPendingCommands returns the pending tail for a run in FIFO creation
// order. The same set is returned on every poll until acked; the runner is
// responsible for deduplication.
func (s *Store) NextPendingCommands(ctx context.Context, runID string, limit int) ([]*Command, error) {
	query := `
		SELECT id, run_id, payload, status, result, error, created_at, acked_at
		FROM commands WHERE run_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC
	`
	args := []any{runID, CommandPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// AckCommand records the runner's acknowledgement. The update is scoped to
// the owning run; a command belonging to another run is reported as not
// found. The first ack wins; a repeat ack reports alreadyAcked=true and
// leaves the row untouched.
func (s *Store) AckCommand(ctx context.Context, runID, id, result, errText string) (alreadyAcked bool, err error) {
	if len(result) > MaxAckResultBytes {
		result = result[:MaxAckResultBytes]
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, result = ?, error = ?, acked_at = ?
		 WHERE id = ? AND run_id = ? AND status = ?`,
		CommandAcked, nullString(result), nullString(errText),
		now.Format(time.RFC3339Nano), id, runID, CommandPending)
	if err != nil {
		return false, fmt.Errorf("failed to ack command: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Already acked (idempotent success), unknown id, or another
		// run's command; the latter two both read as not found.
		cmd, err := s.GetCommand(ctx, id)
		if err != nil {
			return false, err
		}
		if cmd.RunID != runID {
			return false, fmt.Errorf("command %s: %w", id, ErrNotFound)
		}
		return true, nil
	}
	return false, nil
}

func scanCommand(row rowScanner) (*Command, error) {
	var cmd Command
	var result, errText, ackedAt sql.NullString
	var createdAt string

	err := row.Scan(&cmd.ID, &cmd.RunID, &cmd.Payload, &cmd.Status,
		&result, &errText, &createdAt, &ackedAt)
	if err != nil {
		return nil, err
	}

	cmd.Result = result.String
	cmd.Error = errText.String
	cmd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cmd.AckedAt = parseTime(ackedAt)
	return &cmd, nil
}
