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

// Artifact is an opaque file uploaded by a runner in the context of a run.
// Path always points inside the gateway's artifacts directory.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	Path        string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// InsertArtifact records an uploaded artifact.
func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) error {
	now := time.Now()
	a.CreatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, name, content_type, size, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.Name, nullString(a.ContentType), a.Size, a.Path,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns artifacts for a run, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, content_type, size, path, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		var contentType sql.NullString
		var createdAt string

		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &contentType, &a.Size, &a.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.ContentType = contentType.String
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
