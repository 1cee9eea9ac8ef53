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
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/command"
	"github.com/tombee/overseer/internal/runner/client"
	"github.com/tombee/overseer/internal/runner/worker"
)

type fakeEvent struct {
	Type string
	Data string
	Seq  int64
}

type fakeAck struct {
	Result string
	Error  string
	Count  int
}

// fakeGateway records supervisor traffic and serves a scripted outbox. Like
// the real gateway, pending commands are returned on every poll until acked.
type fakeGateway struct {
	mu         sync.Mutex
	events     []fakeEvent
	acks       map[string]*fakeAck
	pending    []client.Command
	states     []*client.Checkpoint
	heartbeats int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{acks: make(map[string]*fakeAck)}
}

func (g *fakeGateway) IngestEvent(_ context.Context, typ, data string, seq *int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev := fakeEvent{Type: typ, Data: data}
	if seq != nil {
		ev.Seq = *seq
	}
	g.events = append(g.events, ev)
	return nil
}

func (g *fakeGateway) PollCommands(_ context.Context) ([]client.Command, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]client.Command, len(g.pending))
	copy(out, g.pending)
	return out, nil
}

func (g *fakeGateway) AckCommand(_ context.Context, cmdID, result, errText string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.acks[cmdID]
	if !ok {
		a = &fakeAck{Result: result, Error: errText}
		g.acks[cmdID] = a
	}
	a.Count++
	kept := g.pending[:0]
	for _, c := range g.pending {
		if c.ID != cmdID {
			kept = append(kept, c)
		}
	}
	g.pending = kept
	return nil
}

func (g *fakeGateway) PostState(_ context.Context, cp *client.Checkpoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states = append(g.states, cp)
	return nil
}

func (g *fakeGateway) Heartbeat(_ context.Context, _, _ string, _ []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeats++
	return nil
}

func (g *fakeGateway) enqueue(id, payload string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, client.Command{ID: id, RunID: "run-1", Payload: payload})
}

func (g *fakeGateway) eventData(typ string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, ev := range g.events {
		if ev.Type == typ {
			out = append(out, ev.Data)
		}
	}
	return out
}

func (g *fakeGateway) ackOf(id string) *fakeAck {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acks[id]
}

func shellCommand(script string) worker.Command {
	return worker.Command{
		Program: "sh",
		Args:    []string{"-c", script},
		Display: "sh -c " + script,
		Stdin:   worker.StdinPipe,
	}
}

func newTestSupervisor(t *testing.T, gw Gateway, cmd worker.Command, opts ...func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		RunID:        "run-1",
		Worker:       worker.Rev,
		Command:      cmd,
		WorkDir:      t.TempDir(),
		LogDir:       t.TempDir(),
		PollInterval: 20 * time.Millisecond,
		GracePeriod:  2 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := New(cfg, gw)
	require.NoError(t, err)
	return s
}

func TestRunCapturesOutput(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, shellCommand("echo hello; echo oops >&2"))

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StatusStopped, s.Status())
	assert.Equal(t, 0, s.ExitCode())
	assert.Contains(t, gw.eventData(eventStdout), "hello")
	assert.Contains(t, gw.eventData(eventStderr), "oops")

	markers := gw.eventData(eventMarker)
	require.NotEmpty(t, markers)
	assert.Contains(t, markers[0], "started:")
	assert.Contains(t, markers[len(markers)-1], "finished: exit=0")
}

func TestRunWritesRawLog(t *testing.T) {
	gw := newFakeGateway()
	logDir := t.TempDir()
	s := newTestSupervisor(t, gw, shellCommand("echo logged-line"), func(c *Config) {
		c.LogDir = logDir
	})

	require.NoError(t, s.Run(context.Background()))

	raw, err := os.ReadFile(filepath.Join(logDir, string(worker.Rev)+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "logged-line")
}

func TestRunPostsFinalState(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, shellCommand("exit 3"))

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, s.ExitCode())
	require.NotEmpty(t, gw.states)
	assert.Equal(t, "running", gw.states[0].Status)
	final := gw.states[len(gw.states)-1]
	assert.Equal(t, "failed", final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
}

func TestRunRedactsEvents(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, shellCommand("echo token=sk-abcdefghijklmnopqrst"))

	require.NoError(t, s.Run(context.Background()))

	for _, data := range gw.eventData(eventStdout) {
		assert.NotContains(t, data, "sk-abcdefghijklmnopqrst")
	}
}

func TestRunDetectsPrompt(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, shellCommand(`echo "Are you sure you want to continue?"`))

	require.NoError(t, s.Run(context.Background()))

	prompts := gw.eventData(eventPromptWaiting)
	require.NotEmpty(t, prompts)
	assert.Equal(t, "confirmation", prompts[0])
}

func TestStopCommand(t *testing.T) {
	gw := newFakeGateway()
	gw.enqueue("c1", command.Stop)
	s := newTestSupervisor(t, gw, shellCommand(`trap 'exit 0' INT; while :; do sleep 0.1; done`))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	ack := gw.ackOf("c1")
	require.NotNil(t, ack)
	assert.Equal(t, "stopping", ack.Result)
	assert.Equal(t, StatusStopped, s.Status())
}

func TestHaltCommand(t *testing.T) {
	gw := newFakeGateway()
	gw.enqueue("c1", command.Halt)
	s := newTestSupervisor(t, gw, shellCommand("sleep 30"))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not halt")
	}

	assert.NotEqual(t, 0, s.ExitCode())
	markers := gw.eventData(eventMarker)
	assert.Contains(t, markers[len(markers)-1], "finished:")
}

func TestInputCommand(t *testing.T) {
	gw := newFakeGateway()
	gw.enqueue("c1", command.Input("hello", false))
	s := newTestSupervisor(t, gw, shellCommand(`read line; echo "got:$line"`))

	require.NoError(t, s.Run(context.Background()))

	assert.Contains(t, gw.eventData(eventStdout), "got:hello")
	assert.Contains(t, gw.eventData(eventPromptResolved), "hello")
	ack := gw.ackOf("c1")
	require.NotNil(t, ack)
	assert.Equal(t, "input sent", ack.Result)
}

func TestPlainCommandExecutesOutsideAgent(t *testing.T) {
	gw := newFakeGateway()
	gw.enqueue("c1", "echo from-subprocess")
	s := newTestSupervisor(t, gw, shellCommand("sleep 1"), func(c *Config) {
		c.Allowlist = command.NewAllowlist("echo")
	})

	require.NoError(t, s.Run(context.Background()))

	ack := gw.ackOf("c1")
	require.NotNil(t, ack)
	assert.Equal(t, "from-subprocess\n", ack.Result)
	assert.Empty(t, ack.Error)
}

func TestBlockedCommandAcksError(t *testing.T) {
	gw := newFakeGateway()
	gw.enqueue("c1", "curl http://evil.example")
	s := newTestSupervisor(t, gw, shellCommand("sleep 1"))

	require.NoError(t, s.Run(context.Background()))

	ack := gw.ackOf("c1")
	require.NotNil(t, ack)
	assert.NotEmpty(t, ack.Error)
	assert.Empty(t, ack.Result)
}

func TestDedupSuppressesReexecution(t *testing.T) {
	gw := newFakeGateway()
	gw.enqueue("c1", "pwd")
	s := newTestSupervisor(t, gw, shellCommand("sleep 1"))

	require.NoError(t, s.Run(context.Background()))

	ack := gw.ackOf("c1")
	require.NotNil(t, ack)
	assert.Equal(t, 1, ack.Count)
}

func TestHandsOnHandOff(t *testing.T) {
	gw := newFakeGateway()
	gw.enqueue("c1", command.LaunchHandsOnPrefix+"operator requested console")
	s := newTestSupervisor(t, gw, shellCommand(`trap 'exit 0' INT; while :; do sleep 0.1; done`))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not hand off")
	}

	assert.Equal(t, "operator requested console", s.HandOffReason())
	markers := gw.eventData(eventMarker)
	assert.Contains(t, markers[len(markers)-1], "hand-off=operator requested console")

	ack := gw.ackOf("c1")
	require.NotNil(t, ack)
	assert.Equal(t, "handing off", ack.Result)
}

func TestContextCancelStopsChild(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, shellCommand(`trap 'exit 0' INT; while :; do sleep 0.1; done`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor ignored cancellation")
	}
	assert.Equal(t, StatusStopped, s.Status())
}

func TestProducerSequenceResumes(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, shellCommand("echo resumed"), func(c *Config) {
		c.InitialSequence = 42
	})

	require.NoError(t, s.Run(context.Background()))

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.NotEmpty(t, gw.events)
	assert.Equal(t, int64(43), gw.events[0].Seq)
	for i := 1; i < len(gw.events); i++ {
		assert.Equal(t, gw.events[i-1].Seq+1, gw.events[i].Seq)
	}
}

func TestHeartbeatLoop(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, shellCommand("sleep 1"), func(c *Config) {
		c.ClientID = "host-1"
		c.HeartbeatInterval = 50 * time.Millisecond
	})

	require.NoError(t, s.Run(context.Background()))

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.GreaterOrEqual(t, gw.heartbeats, 2)
}

func TestCheckpointWrittenOnExit(t *testing.T) {
	gw := newFakeGateway()
	logDir := t.TempDir()
	s := newTestSupervisor(t, gw, shellCommand("echo one; echo two"), func(c *Config) {
		c.LogDir = logDir
		c.Model = "opus"
	})

	require.NoError(t, s.Run(context.Background()))

	cp, err := LoadCheckpoint(logDir)
	require.NoError(t, err)
	assert.Equal(t, "run-1", cp.RunID)
	assert.Equal(t, "opus", cp.Model)
	assert.Greater(t, cp.Sequence, int64(0))
}

func TestSpawnFailure(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(t, gw, worker.Command{
		Program: "/nonexistent/agent-binary",
		Display: "/nonexistent/agent-binary",
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusStopped, s.Status())

	var sawError bool
	for _, data := range gw.eventData(eventError) {
		if strings.Contains(data, "spawn failed") {
			sawError = true
		}
	}
	assert.True(t, sawError)
}
