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

// Package runner supervises one agent child process on behalf of a run:
// spawn, stream capture with secret redaction and prompt detection, the
// command poll loop, heartbeats and the resumable state checkpoint.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tombee/overseer/internal/command"
	internallog "github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/runner/client"
	"github.com/tombee/overseer/internal/runner/worker"
)

// Status is the supervisor's lifecycle state.
type Status string

// Lifecycle states. stopping is entered on __STOP__ or context cancel;
// stopped is terminal.
const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Event type strings accepted by the gateway ingest endpoint.
const (
	eventStdout         = "stdout"
	eventStderr         = "stderr"
	eventMarker         = "marker"
	eventError          = "error"
	eventPromptWaiting  = "prompt_waiting"
	eventPromptResolved = "prompt_resolved"
)

// dedupWindow suppresses re-execution of a command id seen recently.
const dedupWindow = 30 * time.Minute

// Gateway is what the supervisor needs from the signed client.
type Gateway interface {
	IngestEvent(ctx context.Context, typ, data string, producerSeq *int64) error
	PollCommands(ctx context.Context) ([]client.Command, error)
	AckCommand(ctx context.Context, cmdID, result, errText string) error
	PostState(ctx context.Context, cp *client.Checkpoint) error
	Heartbeat(ctx context.Context, clientID, name string, capabilities []string) error
}

// Config configures one supervised run.
type Config struct {
	RunID    string
	ClientID string

	// Worker is the canonical variant name; Command is its built argv.
	Worker  worker.Type
	Command worker.Command

	WorkDir string

	// LogDir holds the raw child log and the state checkpoint,
	// conventionally <data>/runs/<runId>.
	LogDir string

	Autonomous bool
	Model      string

	// InitialSequence seeds the producer-local event counter, non-zero
	// when resuming from a checkpoint.
	InitialSequence int64

	// PollInterval defaults to 2s, HeartbeatInterval to 30s,
	// GracePeriod (SIGINT to forced kill) to 10s.
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration

	Allowlist *command.Allowlist
	Logger    *slog.Logger
}

// Supervisor drives one child process and its gateway conversation.
type Supervisor struct {
	cfg    Config
	gw     Gateway
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	child    *exec.Cmd
	stdin    io.WriteCloser
	handOff  string
	exitCode int

	seq atomic.Int64

	// processed dedups command ids across polls.
	processedMu sync.Mutex
	processed   map[string]time.Time

	stopOnce sync.Once
}

// New creates a supervisor. Defaults are applied to zero intervals.
func New(cfg Config, gw Gateway) (*Supervisor, error) {
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run id required")
	}
	if cfg.Command.Program == "" {
		return nil, fmt.Errorf("worker command required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = command.NewAllowlist()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:       cfg,
		gw:        gw,
		logger:    internallog.WithRun(logger, cfg.RunID, string(cfg.Worker)),
		status:    StatusStarting,
		processed: make(map[string]time.Time),
	}
	s.seq.Store(cfg.InitialSequence)
	return s, nil
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Run spawns the child and blocks until it exits or ctx is cancelled.
// Cancellation triggers the same cooperative stop as __STOP__.
func (s *Supervisor) Run(ctx context.Context) error {
	logFile, err := s.openLog()
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd, stdout, stderr, err := s.spawn(ctx)
	if err != nil {
		s.emit(ctx, eventError, fmt.Sprintf("child spawn failed: %v", err))
		s.emit(ctx, eventMarker, "finished: spawn failed")
		s.setStatus(StatusStopped)
		return fmt.Errorf("child spawn failed: %w", err)
	}

	s.setStatus(StatusRunning)
	s.emit(ctx, eventMarker, "started: "+s.cfg.Command.Display)
	s.checkpoint(ctx)
	s.postState(ctx, "running", nil)

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.pollLoop(loopCtx)
	}()
	go func() {
		defer loops.Done()
		s.heartbeatLoop(loopCtx)
	}()

	// Stop cooperatively when the process-wide signal arrives.
	go func() {
		select {
		case <-ctx.Done():
			s.initiateStop()
		case <-loopCtx.Done():
		}
	}()

	var capture sync.WaitGroup
	capture.Add(2)
	go func() {
		defer capture.Done()
		s.captureStream(loopCtx, stdout, eventStdout, logFile)
	}()
	go func() {
		defer capture.Done()
		s.captureStream(loopCtx, stderr, eventStderr, logFile)
	}()

	capture.Wait()
	waitErr := cmd.Wait()

	// Acks and the finished marker still need a working context after
	// cancellation; give them a bounded drain window.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()

	s.finish(drainCtx, waitErr)
	cancelLoops()
	loops.Wait()

	s.setStatus(StatusStopped)
	s.checkpoint(drainCtx)
	return nil
}

// spawn builds and starts the child process with the curated environment.
func (s *Supervisor) spawn(ctx context.Context) (*exec.Cmd, io.Reader, io.Reader, error) {
	wc := s.cfg.Command
	program := wc.Program
	args := wc.Args
	if _, err := exec.LookPath(program); err != nil && wc.Fallback != "" {
		if _, fbErr := exec.LookPath(wc.Fallback); fbErr == nil {
			s.logger.Info("primary binary missing, using fallback",
				slog.String("primary", program), slog.String("fallback", wc.Fallback))
			program = wc.Fallback
			args = wc.FallbackArgs
		}
	}

	cmd := exec.Command(program, args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = curateEnv(os.Environ(), s.cfg.Autonomous)
	// Own process group so SIGINT reaches the whole child tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	switch wc.Stdin {
	case worker.StdinPipe:
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to pipe stdin: %w", err)
		}
		s.mu.Lock()
		s.stdin = stdin
		s.mu.Unlock()
	case worker.StdinInherit:
		cmd.Stdin = os.Stdin
	default:
		cmd.Stdin = nil
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	s.mu.Lock()
	s.child = cmd
	s.mu.Unlock()
	s.logger.Info("child started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("display", wc.Display),
	)
	return cmd, stdout, stderr, nil
}

// captureStream reads one output pipe line-wise: raw bytes to the on-disk
// log, redacted text to the event stream, prompt detection on each chunk.
func (s *Supervisor) captureStream(ctx context.Context, r io.Reader, typ string, logFile io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logFile, line)

		redacted := Redact(line)
		s.emit(ctx, typ, redacted)

		if kind, ok := DetectPrompt(redacted); ok {
			s.emit(ctx, eventPromptWaiting, kind)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("stream capture ended", slog.String("stream", typ), internallog.Error(err))
	}
}

// pollLoop fetches pending commands on the configured cadence.
func (s *Supervisor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmds, err := s.gw.PollCommands(ctx)
			if err != nil {
				s.logger.Warn("command poll failed", internallog.Error(err))
				continue
			}
			for _, c := range cmds {
				if !s.markProcessed(c.ID) {
					continue
				}
				s.dispatch(ctx, c)
			}
		}
	}
}

// markProcessed records a command id in the dedup set. It returns false if
// the id was already handled within the window.
func (s *Supervisor) markProcessed(id string) bool {
	now := time.Now()
	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	if seen, ok := s.processed[id]; ok && now.Sub(seen) < dedupWindow {
		return false
	}
	for k, v := range s.processed {
		if now.Sub(v) >= dedupWindow {
			delete(s.processed, k)
		}
	}
	s.processed[id] = now
	return true
}

// forgetProcessed drops a command id so a failed ack is re-polled.
func (s *Supervisor) forgetProcessed(id string) {
	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	delete(s.processed, id)
}

// dispatch branches on the reserved tokens, falling through to the
// allowlisted subprocess path for plain commands.
func (s *Supervisor) dispatch(ctx context.Context, c client.Command) {
	s.logger.Info("command received", slog.String("command_id", c.ID))

	var result, errText string
	switch {
	case c.Payload == command.Stop:
		s.initiateStop()
		result = "stopping"

	case c.Payload == command.Halt:
		s.kill()
		result = "halted"

	case c.Payload == command.Escape:
		if err := s.writeStdin([]byte{0x03}); err != nil {
			errText = err.Error()
		} else {
			result = "escape sent"
		}

	default:
		if text, ok := command.ParseInput(c.Payload); ok {
			if err := s.writeStdin([]byte(text + "\n")); err != nil {
				errText = err.Error()
			} else {
				s.emit(ctx, eventPromptResolved, text)
				result = "input sent"
			}
			break
		}
		if reason, ok := command.ParseLaunchHandsOn(c.Payload); ok {
			s.mu.Lock()
			s.handOff = reason
			s.mu.Unlock()
			result = "handing off"
			// Ack before exiting so the console sees completion.
			s.ack(ctx, c.ID, result, "")
			s.initiateStop()
			return
		}
		result, errText = s.execPlain(ctx, c.Payload)
	}

	s.ack(ctx, c.ID, result, errText)
}

// execPlain validates and executes an operator shell command outside the
// agent.
func (s *Supervisor) execPlain(ctx context.Context, payload string) (result, errText string) {
	if err := s.cfg.Allowlist.Validate(payload); err != nil {
		return "", err.Error()
	}
	out, err := ExecAllowlisted(ctx, s.cfg.WorkDir, payload)
	if err != nil {
		return out, err.Error()
	}
	return out, ""
}

// ack reports the command outcome. On final failure the command is dropped
// from the dedup set so the next poll retries it.
func (s *Supervisor) ack(ctx context.Context, cmdID, result, errText string) {
	if err := s.gw.AckCommand(ctx, cmdID, result, errText); err != nil {
		s.logger.Error("command ack failed", slog.String("command_id", cmdID), internallog.Error(err))
		s.forgetProcessed(cmdID)
	}
}

// heartbeatLoop registers this host on the configured cadence.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	if s.cfg.ClientID == "" {
		return
	}
	capabilities := []string{string(s.cfg.Worker)}
	send := func() {
		if err := s.gw.Heartbeat(ctx, s.cfg.ClientID, s.cfg.ClientID, capabilities); err != nil {
			s.logger.Warn("heartbeat failed", internallog.Error(err))
		}
	}
	send()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// initiateStop transitions to stopping and signals the child with SIGINT,
// escalating to SIGKILL after the grace window. Safe to call repeatedly.
func (s *Supervisor) initiateStop() {
	s.stopOnce.Do(func() {
		s.setStatus(StatusStopping)
		s.mu.Lock()
		child := s.child
		s.mu.Unlock()
		if child == nil || child.Process == nil {
			return
		}

		pid := child.Process.Pid
		s.logger.Info("stopping child", slog.Int("pid", pid))
		// Negative pid signals the process group.
		if err := syscall.Kill(-pid, syscall.SIGINT); err != nil {
			s.logger.Warn("SIGINT failed", internallog.Error(err))
		}

		go func() {
			time.Sleep(s.cfg.GracePeriod)
			s.kill()
		}()
	})
}

// kill force-terminates the child process group.
func (s *Supervisor) kill() {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil || child.Process == nil {
		return
	}
	pid := child.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("SIGKILL failed", internallog.Error(err))
	}
}

// finish emits the terminal marker and posts the final state checkpoint.
func (s *Supervisor) finish(ctx context.Context, waitErr error) {
	exitCode := 0
	signalName := ""
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitCode = 128 + int(ws.Signal())
				signalName = ws.Signal().String()
			} else {
				exitCode = exitErr.ExitCode()
			}
		} else {
			exitCode = 1
			s.emit(ctx, eventError, fmt.Sprintf("child crashed: %v", waitErr))
		}
	}

	s.mu.Lock()
	s.exitCode = exitCode
	handOff := s.handOff
	s.mu.Unlock()

	marker := fmt.Sprintf("finished: exit=%d", exitCode)
	if signalName != "" {
		marker += " signal=" + signalName
	}
	if handOff != "" {
		marker += " hand-off=" + handOff
	}
	s.emit(ctx, eventMarker, marker)

	status := "done"
	if exitCode != 0 {
		status = "failed"
	}
	s.postState(ctx, status, &exitCode)
	s.logger.Info("child finished", slog.Int("exit_code", exitCode))
}

// postState uploads the remote checkpoint; status drives the gateway-side
// run lifecycle.
func (s *Supervisor) postState(ctx context.Context, status string, exitCode *int) {
	cp := &client.Checkpoint{
		RunID:      s.cfg.RunID,
		Sequence:   s.seq.Load(),
		WorkingDir: s.cfg.WorkDir,
		Autonomous: s.cfg.Autonomous,
		WorkerType: string(s.cfg.Worker),
		Model:      s.cfg.Model,
		Status:     status,
		ExitCode:   exitCode,
		SavedAt:    time.Now(),
	}
	if err := s.gw.PostState(ctx, cp); err != nil {
		s.logger.Warn("state post failed", slog.String("status", status), internallog.Error(err))
	}
}

// ExitCode is valid after Run returns.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// HandOffReason is non-empty when a __LAUNCH_HANDS_ON__ command ended the
// run.
func (s *Supervisor) HandOffReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handOff
}

// emit sends one event with the next producer sequence number. Delivery
// failures degrade to a local log line; the raw on-disk log is the source
// of truth.
func (s *Supervisor) emit(ctx context.Context, typ, data string) {
	seq := s.seq.Add(1)
	if err := s.gw.IngestEvent(ctx, typ, data, &seq); err != nil {
		s.logger.Warn("event delivery failed", slog.String("type", typ), internallog.Error(err))
	}
}

// checkpoint persists the local state file.
func (s *Supervisor) checkpoint(ctx context.Context) {
	cp := &Checkpoint{
		RunID:      s.cfg.RunID,
		Sequence:   s.seq.Load(),
		WorkingDir: s.cfg.WorkDir,
		Autonomous: s.cfg.Autonomous,
		WorkerType: string(s.cfg.Worker),
		Model:      s.cfg.Model,
	}
	if err := SaveCheckpoint(s.cfg.LogDir, cp); err != nil {
		s.logger.Warn("checkpoint save failed", internallog.Error(err))
	}
}

// writeStdin writes to the child's stdin pipe if one exists.
func (s *Supervisor) writeStdin(data []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("worker has no stdin")
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("stdin write failed: %w", err)
	}
	return nil
}

// openLog opens the raw child log for append.
func (s *Supervisor) openLog() (*os.File, error) {
	if err := os.MkdirAll(s.cfg.LogDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(s.cfg.LogDir, string(s.cfg.Worker)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return f, nil
}
