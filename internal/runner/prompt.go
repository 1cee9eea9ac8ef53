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
	"regexp"
	"strings"
)

// promptPattern pairs a detection regex with the prompt type reported in
// the prompt_waiting event.
type promptPattern struct {
	kind string
	re   *regexp.Regexp
}

// promptPatterns are checked in order; the first match wins. Specific
// shapes come before the generic trailing question mark.
var promptPatterns = []promptPattern{
	{"yes_no", regexp.MustCompile(`\[[Yy]/[Nn]\]|\([Yy]/[Nn]\)|\(y/N\)|\(Y/n\)`)},
	{"press_enter", regexp.MustCompile(`(?i)press enter to continue`)},
	{"type_yes", regexp.MustCompile(`(?i)type '?(yes)?'? to continue`)},
	{"confirmation", regexp.MustCompile(`(?i)\b(are you sure|would you like|should i|do you want me to)\b`)},
	{"approval", regexp.MustCompile(`(?i)\b(confirm|allow|proceed with)\b.*\??\s*$`)},
	{"continue", regexp.MustCompile(`(?i)\bcontinue\?`)},
	{"question", regexp.MustCompile(`\?\s*$`)},
}

// DetectPrompt scans one output chunk for a blocking-prompt shape. It
// returns the prompt type and true on a match. Empty and whitespace-only
// chunks never match.
func DetectPrompt(chunk string) (string, bool) {
	trimmed := strings.TrimSpace(chunk)
	if trimmed == "" {
		return "", false
	}
	for _, p := range promptPatterns {
		if p.re.MatchString(trimmed) {
			return p.kind, true
		}
	}
	return "", false
}
