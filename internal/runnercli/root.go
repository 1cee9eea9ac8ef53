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

// Package runnercli is the overseer-runner command tree: run, resume and
// version.
package runnercli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion injects build identity from ldflags.
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// SignalError reports that a run was ended by an external signal, so the
// process can exit 128+signal.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("terminated by signal %v", e.Signal)
}

// NewRootCommand builds the overseer-runner command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "overseer-runner",
		Short: "Host-side supervisor for overseer runs",
		Long: `overseer-runner wraps one agent CLI per run: it spawns the worker,
streams redacted output to the gateway, polls the command outbox and keeps
a resumable state checkpoint on disk.`,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newResumeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// envDuration reads a duration from the environment, accepting either a Go
// duration string ("30s") or a bare number of seconds.
func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool reads a boolean environment toggle.
func envBool(name string) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "True", "yes":
		return true
	}
	return false
}
