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

package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// stateFileName is the checkpoint written next to the run log.
const stateFileName = "state.json"

// Checkpoint is the runner's resumable state, written on every significant
// event and loaded by the resume workflow. Sequence is the producer-local
// event counter; the next emitted event carries Sequence+1.
type Checkpoint struct {
	RunID      string    `json:"runId"`
	Sequence   int64     `json:"sequence"`
	WorkingDir string    `json:"workingDir"`
	Autonomous bool      `json:"autonomous"`
	WorkerType string    `json:"workerType"`
	Model      string    `json:"model,omitempty"`
	SavedAt    time.Time `json:"savedAt"`
}

// SaveCheckpoint writes the checkpoint atomically into dir.
func SaveCheckpoint(dir string, cp *Checkpoint) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	cp.SavedAt = time.Now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	// Write-then-rename so a crash never leaves a torn file.
	tmp := filepath.Join(dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, stateFileName)); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint from dir. os.IsNotExist applies to
// the returned error when none was ever written.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}
