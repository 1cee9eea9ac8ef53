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

package runnercli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tombee/overseer/internal/command"
	"github.com/tombee/overseer/internal/gateway/signing"
	"github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/runner"
	"github.com/tombee/overseer/internal/runner/client"
	"github.com/tombee/overseer/internal/runner/worker"
)

// runOptions are the flags shared by run and resume.
type runOptions struct {
	gateway     string
	runID       string
	token       string
	workerName  string
	input       string
	autonomous  bool
	model       string
	integration string
	dataDir     string
	workDir     string
	clientID    string
}

func (o *runOptions) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.gateway, "gateway", envOr("GATEWAY_URL", "https://127.0.0.1:8443"), "Gateway base URL")
	fs.StringVar(&o.runID, "run-id", "", "Run identifier issued by the gateway")
	fs.StringVar(&o.token, "token", os.Getenv("CAPABILITY_TOKEN"), "Run capability token")
	fs.StringVar(&o.workerName, "worker", "claude", "Worker type (claude, codex, gemini, ollama-launch, rev, vnc, hands-on)")
	fs.StringVar(&o.input, "input", "", "Prompt or passthrough command for the worker")
	fs.BoolVar(&o.autonomous, "autonomous", false, "Run the agent in no-confirmation mode")
	fs.StringVar(&o.model, "model", "", "Model override, where the worker supports one")
	fs.StringVar(&o.integration, "integration", "", "ollama-launch target agent (claude, opencode, codex, droid)")
	fs.StringVar(&o.dataDir, "data-dir", defaultDataDir(), "Runner data directory (logs and state checkpoints)")
	fs.StringVar(&o.workDir, "workdir", ".", "Working directory for the worker")
	fs.StringVar(&o.clientID, "client-id", hostnameOr("runner"), "Client id reported in heartbeats")
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker for a run",
		Long: `Start the worker for one run and supervise it until it exits or the
gateway asks it to stop. The run id and capability token come from
POST /api/runs on the gateway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervised(cmd.Context(), opts, false, 0)
		},
	}
	opts.bindFlags(cmd.Flags())
	return cmd
}

func newResumeCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a run from its state checkpoint",
		Long: `Load the persisted state checkpoint for a run and start a fresh worker
continuing from the saved producer sequence. Workers that support session
resumption (codex) continue their previous session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.runID == "" {
				return fmt.Errorf("--run-id is required to resume")
			}
			cp, err := runner.LoadCheckpoint(filepath.Join(opts.dataDir, "runs", opts.runID))
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			if cp.WorkerType != "" {
				opts.workerName = cp.WorkerType
			}
			if cp.WorkingDir != "" {
				opts.workDir = cp.WorkingDir
			}
			if cp.Model != "" && opts.model == "" {
				opts.model = cp.Model
			}
			opts.autonomous = cp.Autonomous
			return runSupervised(cmd.Context(), opts, true, cp.Sequence)
		},
	}
	opts.bindFlags(cmd.Flags())
	return cmd
}

// runSupervised wires the client and supervisor and blocks until the run
// ends. resume selects session-resuming argv where the worker supports it
// and initialSeq seeds the producer sequence counter.
func runSupervised(parent context.Context, opts *runOptions, resume bool, initialSeq int64) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if opts.runID == "" {
		return fmt.Errorf("--run-id is required")
	}
	if opts.token == "" {
		return fmt.Errorf("--token (or CAPABILITY_TOKEN) is required")
	}
	secret := os.Getenv("HMAC_SECRET")
	if len(secret) < signing.MinSecretLen {
		return fmt.Errorf("HMAC_SECRET must be set to at least %d bytes", signing.MinSecretLen)
	}

	workerType, err := worker.Normalize(opts.workerName)
	if err != nil {
		return err
	}
	if workerType == worker.HandsOn && !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("hands-on worker needs a controlling terminal")
	}

	workerCmd, err := worker.Build(workerType, worker.Options{
		Input:       opts.input,
		Autonomous:  opts.autonomous,
		Model:       opts.model,
		Resume:      resume,
		Integration: opts.integration,
		Shell:       os.Getenv("SHELL"),
	})
	if err != nil {
		return err
	}

	gw, err := client.New(client.Config{
		BaseURL:         opts.gateway,
		RunID:           opts.runID,
		Token:           opts.token,
		Secret:          []byte(secret),
		AllowSelfSigned: envBool("ALLOW_SELF_SIGNED"),
	})
	if err != nil {
		return err
	}

	sup, err := runner.New(runner.Config{
		RunID:             opts.runID,
		ClientID:          opts.clientID,
		Worker:            workerType,
		Command:           workerCmd,
		WorkDir:           opts.workDir,
		LogDir:            filepath.Join(opts.dataDir, "runs", opts.runID),
		Autonomous:        opts.autonomous,
		Model:             opts.model,
		InitialSequence:   initialSeq,
		PollInterval:      envDuration("COMMAND_POLL_INTERVAL", 0),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 0),
		Allowlist:         command.NewAllowlist(command.ParseExtra(os.Getenv("EXTRA_ALLOWED_COMMANDS"))...),
		Logger:            logger,
	}, gw)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var sigMu sync.Mutex
	var received os.Signal
	go func() {
		if sig, ok := <-sigCh; ok {
			sigMu.Lock()
			received = sig
			sigMu.Unlock()
			logger.Info("signal received, stopping run", slog.String("signal", sig.String()))
			cancel()
		}
	}()

	if err := sup.Run(ctx); err != nil {
		return err
	}

	sigMu.Lock()
	defer sigMu.Unlock()
	if received != nil {
		return &SignalError{Signal: received}
	}
	return nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".overseer")
	}
	return ".overseer"
}
