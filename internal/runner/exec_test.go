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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecAllowlisted(t *testing.T) {
	out, err := ExecAllowlisted(context.Background(), t.TempDir(), "echo hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestExecAllowlistedWorkDir(t *testing.T) {
	dir := t.TempDir()
	out, err := ExecAllowlisted(context.Background(), dir, "pwd")
	require.NoError(t, err)
	assert.Contains(t, strings.TrimSpace(out), dir)
}

func TestExecAllowlistedFailure(t *testing.T) {
	out, err := ExecAllowlisted(context.Background(), t.TempDir(), "false")
	assert.Error(t, err)
	assert.Empty(t, out)
}

func TestExecAllowlistedMissingBinary(t *testing.T) {
	_, err := ExecAllowlisted(context.Background(), t.TempDir(), "definitely-not-a-real-binary")
	assert.Error(t, err)
}

func TestExecAllowlistedEmpty(t *testing.T) {
	_, err := ExecAllowlisted(context.Background(), t.TempDir(), "   ")
	assert.Error(t, err)
}

func TestTruncateOutput(t *testing.T) {
	small := []byte("short output")
	assert.Equal(t, "short output", truncateOutput(small))

	big := bytes.Repeat([]byte("x"), maxExecOutput+1)
	out := truncateOutput(big)
	assert.Len(t, out, maxExecOutput)
	assert.True(t, strings.HasSuffix(out, truncationMarker))
}
