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

// Package command defines the operator command vocabulary shared by the
// gateway and the runner: the reserved control tokens and the allowlist of
// shell commands operators may ask a runner to execute outside the agent.
package command

import "strings"

// Reserved control tokens. These are dispatched by the runner itself and
// never reach a shell.
const (
	// Stop requests cooperative termination: SIGINT to the child, then a
	// forced kill after the grace window.
	Stop = "__STOP__"

	// Halt requests immediate forced termination.
	Halt = "__HALT__"

	// Escape injects a cancel byte (0x03) into the child's stdin.
	Escape = "__ESCAPE__"

	// InputPrefix prefixes text to append verbatim to the child's stdin.
	InputPrefix = "__INPUT__:"

	// EscapeInputPrefix is InputPrefix with a leading cancel byte, used when
	// the operator asked to escape first.
	EscapeInputPrefix = "__INPUT__:\x03"

	// LaunchHandsOnPrefix tells the runner to ack and exit with a hand-off
	// marker so a hands-on runner can take over.
	LaunchHandsOnPrefix = "__LAUNCH_HANDS_ON__:"
)

// IsReserved reports whether payload is one of the reserved control tokens.
func IsReserved(payload string) bool {
	switch payload {
	case Stop, Halt, Escape:
		return true
	}
	return strings.HasPrefix(payload, InputPrefix) ||
		strings.HasPrefix(payload, LaunchHandsOnPrefix)
}

// Input builds an __INPUT__ payload, optionally prefixed with a cancel byte.
func Input(text string, escapeFirst bool) string {
	if escapeFirst {
		return EscapeInputPrefix + text
	}
	return InputPrefix + text
}

// ParseInput extracts the stdin text from an __INPUT__ payload.
// The second result is false when payload is not an input token.
func ParseInput(payload string) (string, bool) {
	if !strings.HasPrefix(payload, InputPrefix) {
		return "", false
	}
	return strings.TrimPrefix(payload, InputPrefix), true
}

// ParseLaunchHandsOn extracts the hand-off reason from a
// __LAUNCH_HANDS_ON__ payload.
func ParseLaunchHandsOn(payload string) (string, bool) {
	if !strings.HasPrefix(payload, LaunchHandsOnPrefix) {
		return "", false
	}
	return strings.TrimPrefix(payload, LaunchHandsOnPrefix), true
}
