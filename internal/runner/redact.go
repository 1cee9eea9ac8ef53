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

import "regexp"

// redactedPlaceholder replaces any matched secret material before a chunk
// leaves the host. The on-disk log keeps the raw bytes; only the event
// stream is scrubbed.
const redactedPlaceholder = "[REDACTED]"

// bearerPattern catches "Bearer <token>" phrases before the assignment
// pass can split the scheme word from the token.
var bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)

// assignmentPattern matches key=value / key: value forms for sensitive
// names. The key name survives; only the value is replaced.
var assignmentPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|secret|password|token|auth|bearer|credential)[a-z0-9_-]*\s*[=:]\s*)("[^"]+"|'[^']+'|\S+)`)

// tokenPatterns are bare well-known token shapes and PEM key blocks.
var tokenPatterns = []*regexp.Regexp{
	// OpenAI / Anthropic style keys.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	// GitHub personal and server tokens.
	regexp.MustCompile(`\bgh[ps]_[A-Za-z0-9]{16,}\b`),
	// npm automation tokens.
	regexp.MustCompile(`\bnpm_[A-Za-z0-9]{16,}\b`),
	// PEM-encoded private key blocks, including the body.
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// Redact scrubs secret material from one output chunk.
func Redact(chunk string) string {
	out := bearerPattern.ReplaceAllString(chunk, redactedPlaceholder)
	out = assignmentPattern.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	for _, re := range tokenPatterns {
		out = re.ReplaceAllString(out, redactedPlaceholder)
	}
	return out
}
