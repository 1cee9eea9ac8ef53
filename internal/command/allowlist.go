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

package command

import (
	"fmt"
	"strings"
)

// blockedMetachars are rejected anywhere in a command string. A match means
// the string could reach a shell with side effects we cannot audit.
var blockedMetachars = []string{";", "&", "|", "`", "$", "("}

// defaultAllowlist is the base set of commands operators may run on a runner
// host outside the agent. Entries match exactly or as a prefix followed by a
// space.
var defaultAllowlist = []string{
	"git status",
	"git log",
	"git diff",
	"git branch",
	"git show",
	"ls",
	"pwd",
	"cat",
	"head",
	"tail",
	"grep",
	"find",
	"wc",
	"ps",
	"df",
	"du",
	"uptime",
	"whoami",
	"go build",
	"go test",
	"go vet",
	"npm test",
	"npm run",
	"make",
	"cargo build",
	"cargo test",
	"python --version",
	"node --version",
}

// Allowlist validates operator-issued shell commands.
type Allowlist struct {
	entries []string
}

// NewAllowlist builds an allowlist from the default entries plus any extras
// (typically from EXTRA_ALLOWED_COMMANDS, comma separated).
func NewAllowlist(extra ...string) *Allowlist {
	entries := make([]string, 0, len(defaultAllowlist)+len(extra))
	entries = append(entries, defaultAllowlist...)
	for _, e := range extra {
		e = strings.TrimSpace(e)
		if e != "" {
			entries = append(entries, e)
		}
	}
	return &Allowlist{entries: entries}
}

// ParseExtra splits a comma-separated EXTRA_ALLOWED_COMMANDS value.
func ParseExtra(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports whether cmd may be executed on a runner host.
// Reserved control tokens always pass; everything else must match an
// allowlist entry exactly or as "<entry> <args>", and must be free of shell
// metacharacters and path traversal.
func (a *Allowlist) Validate(cmd string) error {
	if IsReserved(cmd) {
		return nil
	}

	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return fmt.Errorf("empty command")
	}

	for _, meta := range blockedMetachars {
		if strings.Contains(trimmed, meta) {
			return fmt.Errorf("command contains blocked metacharacter %q", meta)
		}
	}
	if strings.Contains(trimmed, "../") {
		return fmt.Errorf("command contains path traversal")
	}

	for _, entry := range a.entries {
		if trimmed == entry || strings.HasPrefix(trimmed, entry+" ") {
			return nil
		}
	}

	return fmt.Errorf("command not in allowlist: %s", firstWord(trimmed))
}

// Entries returns a copy of the active allowlist entries.
func (a *Allowlist) Entries() []string {
	out := make([]string, len(a.entries))
	copy(out, a.entries)
	return out
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
