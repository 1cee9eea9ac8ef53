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

import "strings"

// blankedEnvVars are well-known API-key variables overwritten with empty
// placeholders so a secret inherited from the operator's shell never
// reaches the child.
var blankedEnvVars = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"GOOGLE_API_KEY",
	"GEMINI_API_KEY",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"NPM_TOKEN",
	"HF_TOKEN",
}

// curateEnv builds the child environment from the OS environment. TERM is
// dumb in cooperative mode so agents skip cursor control; autonomous runs
// get a full terminal type. Python-based CLIs need unbuffered output for
// live capture.
func curateEnv(osEnv []string, autonomous bool) []string {
	term := "dumb"
	if autonomous {
		term = "xterm-256color"
	}

	overrides := map[string]string{
		"TERM":             term,
		"PYTHONUNBUFFERED": "1",
	}
	for _, name := range blankedEnvVars {
		overrides[name] = ""
	}

	env := make([]string, 0, len(osEnv)+len(overrides))
	for _, kv := range osEnv {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, overridden := overrides[name]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for name, value := range overrides {
		env = append(env, name+"="+value)
	}
	return env
}
