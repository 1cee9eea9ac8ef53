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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxExecOutput caps what an allowlisted command may return in its ack.
// Longer output is cut with an explicit marker rather than dropping the ack.
const maxExecOutput = 10 << 20

// truncationMarker is appended when output exceeds maxExecOutput.
const truncationMarker = "[TRUNCATED]"

// execTimeout bounds one allowlisted command.
const execTimeout = 5 * time.Minute

// ExecAllowlisted runs one operator command as a short-lived subprocess in
// workDir and returns its combined output. The command has already passed
// the allowlist; it is never fed to the agent.
func ExecAllowlisted(ctx context.Context, workDir, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, fields[0], fields[1:]...)
	cmd.Dir = workDir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	out := truncateOutput(buf.Bytes())
	if runErr != nil {
		return out, fmt.Errorf("command failed: %w", runErr)
	}
	return out, nil
}

// truncateOutput cuts output at the cap, leaving room for the marker.
func truncateOutput(out []byte) string {
	if len(out) <= maxExecOutput {
		return string(out)
	}
	cut := maxExecOutput - len(truncationMarker)
	return string(out[:cut]) + truncationMarker
}
