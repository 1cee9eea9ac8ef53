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

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses. Transitions are monotonic: pending -> running -> done|failed.
const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunDone || s == RunFailed
}

// Run identifies one agent execution.
type Run struct {
	ID             string            `json:"id"`
	Status         RunStatus         `json:"status"`
	Worker         string            `json:"worker"`
	Model          string            `json:"model,omitempty"`
	InitialCommand string            `json:"initialCommand,omitempty"`
	WorkDir        string            `json:"workDir,omitempty"`
	ClientID       string            `json:"clientId,omitempty"`
	Token          string            `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Error          string            `json:"error,omitempty"`
	ExitCode       *int              `json:"exitCode,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
}

// RunFilter selects runs for listing.
type RunFilter struct {
	Status   RunStatus
	ClientID string
	Limit    int
}

// InsertRun creates a new run. The capability token is immutable after this.
func (s *Store) InsertRun(ctx context.Context, run *Run) error {
	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if run.Status == "" {
		run.Status = RunPending
	}
	now := time.Now()
	run.CreatedAt = now

	query := `
		INSERT INTO runs (id, status, worker, model, initial_command, work_dir,
			client_id, token, metadata, error, exit_code, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Status, run.Worker, nullString(run.Model),
		nullString(run.InitialCommand), nullString(run.WorkDir),
		nullString(run.ClientID), run.Token, string(metadataJSON),
		nullString(run.Error), run.ExitCode,
		now.Format(time.RFC3339Nano), formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, status, worker, model, initial_command, work_dir,
			client_id, token, metadata, error, exit_code, created_at, started_at, finished_at
		FROM runs WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs with optional filtering, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT id, status, worker, model, initial_command, work_dir,
			client_id, token, metadata, error, exit_code, created_at, started_at, finished_at
		FROM runs WHERE 1=1
	`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run through its lifecycle. Transitions are
// monotonic; attempts to move a terminal run are rejected. finished_at is
// set exactly when the new status is terminal.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus, exitCode *int, errText string) error {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("run %s already %s", id, current.Status)
	}

	now := time.Now()
	var startedAt, finishedAt any
	if status == RunRunning && current.StartedAt == nil {
		startedAt = now.Format(time.RFC3339Nano)
	} else {
		startedAt = formatTime(current.StartedAt)
	}
	if status.Terminal() {
		finishedAt = now.Format(time.RFC3339Nano)
	}

	// The status predicate makes the terminal guard atomic; two racing
	// transitions cannot both move the run past a terminal state.
	query := `
		UPDATE runs SET status = ?, exit_code = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		status, exitCode, nullString(errText), startedAt, finishedAt, id, RunDone, RunFailed)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost a race to a concurrent terminal transition.
		if latest, err := s.GetRun(ctx, id); err == nil {
			return fmt.Errorf("run %s already %s", id, latest.Status)
		}
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteExpiredRuns cascade-deletes finished runs older than the cutoff.
// Returns the number of runs removed.
func (s *Store) DeleteExpiredRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE status IN (?, ?) AND finished_at < ?`,
		RunDone, RunFailed, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var model, initialCommand, workDir, clientID, metadataJSON, errText sql.NullString
	var exitCode sql.NullInt64
	var createdAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.Status, &run.Worker, &model, &initialCommand, &workDir,
		&clientID, &run.Token, &metadataJSON, &errText, &exitCode,
		&createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Model = model.String
	run.InitialCommand = initialCommand.String
	run.WorkDir = workDir.String
	run.ClientID = clientID.String
	run.Error = errText.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &run.Metadata)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTime(finishedAt)

	return &run, nil
}
