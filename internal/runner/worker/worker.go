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

// Package worker builds the child-process command line for each agent
// variant. Builders are pure: no I/O, no environment reads. The supervisor
// applies the environment and resolves binary fallbacks.
package worker

import (
	"fmt"
	"strings"
)

// Type identifies one agent variant. The set is closed.
type Type string

// The supported worker variants.
const (
	Claude       Type = "claude"
	Codex        Type = "codex"
	Gemini       Type = "gemini"
	OllamaLaunch Type = "ollama-launch"
	Rev          Type = "rev"
	VNC          Type = "vnc"
	HandsOn      Type = "hands-on"
)

// StdinMode declares what the child's stdin should be wired to.
type StdinMode int

const (
	// StdinIgnore closes stdin; the worker takes input via fresh spawns.
	StdinIgnore StdinMode = iota
	// StdinPipe connects stdin to the supervisor for __INPUT__ injection.
	StdinPipe
	// StdinInherit hands the runner's controlling terminal to the child.
	StdinInherit
)

// Command is one buildable child invocation. Fallback, when set, names an
// alternate program the supervisor may substitute if Program is not on PATH.
type Command struct {
	Program      string
	Args         []string
	Display      string
	Stdin        StdinMode
	Fallback     string
	FallbackArgs []string
}

// Options are the builder inputs. Builders read nothing else.
type Options struct {
	// Input is the operator prompt or passthrough command text.
	Input string

	// Autonomous selects the agent's no-confirmation mode.
	Autonomous bool

	// Model overrides the agent's default model where supported.
	Model string

	// Resume continues the agent's previous session where supported.
	Resume bool

	// OutputFormat applies to gemini. Empty means text.
	OutputFormat string

	// Integration selects the ollama-launch target agent.
	Integration string

	// Shell is the operator's shell for hands-on mode. Empty means /bin/bash.
	Shell string
}

// ollamaIntegrations is the closed set of launchable agents.
var ollamaIntegrations = map[string]bool{
	"claude":   true,
	"opencode": true,
	"codex":    true,
	"droid":    true,
}

// Normalize canonicalizes a worker name. "ollama" is accepted as a synonym
// for ollama-launch.
func Normalize(name string) (Type, error) {
	switch Type(name) {
	case Claude, Codex, Gemini, OllamaLaunch, Rev, VNC, HandsOn:
		return Type(name), nil
	}
	if name == "ollama" {
		return OllamaLaunch, nil
	}
	return "", fmt.Errorf("unknown worker type %q", name)
}

// Build constructs the child command for the given worker variant.
func Build(t Type, opts Options) (Command, error) {
	switch t {
	case Claude:
		return buildClaude(opts), nil
	case Codex:
		return buildCodex(opts), nil
	case Gemini:
		return buildGemini(opts), nil
	case OllamaLaunch:
		return buildOllamaLaunch(opts)
	case Rev:
		return buildRev(opts), nil
	case VNC:
		return buildVNC(), nil
	case HandsOn:
		return buildHandsOn(opts), nil
	}
	return Command{}, fmt.Errorf("unknown worker type %q", t)
}

// buildClaude spawns claude fresh per input with stdin ignored.
func buildClaude(opts Options) Command {
	args := []string{"--print", "--permission-mode", "acceptEdits"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Input != "" {
		args = append(args, opts.Input)
	}
	return Command{
		Program: "claude",
		Args:    args,
		Display: display("claude", args),
		Stdin:   StdinIgnore,
	}
}

func buildCodex(opts Options) Command {
	var args []string
	if opts.Resume {
		args = []string{"resume", "--last"}
	} else {
		args = []string{"exec"}
	}
	if opts.Input != "" {
		args = append(args, opts.Input)
	}
	return Command{
		Program: "codex",
		Args:    args,
		Display: display("codex", args),
		Stdin:   StdinPipe,
	}
}

func buildGemini(opts Options) Command {
	format := opts.OutputFormat
	if format == "" {
		format = "text"
	}
	approval := "default"
	if opts.Autonomous {
		approval = "yolo"
	}
	args := []string{"--output-format", format}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Input != "" {
		args = append(args, "--prompt", opts.Input)
	}
	args = append(args, "--approval-mode", approval)
	return Command{
		Program: "gemini",
		Args:    args,
		Display: display("gemini", args),
		Stdin:   StdinPipe,
	}
}

func buildOllamaLaunch(opts Options) (Command, error) {
	integration := opts.Integration
	if integration == "" {
		integration = "claude"
	}
	if !ollamaIntegrations[integration] {
		return Command{}, fmt.Errorf("unknown ollama integration %q", integration)
	}
	args := []string{"launch", integration}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return Command{
		Program: "ollama",
		Args:    args,
		Display: display("ollama", args),
		Stdin:   StdinPipe,
	}, nil
}

// buildRev passes the operator's input through as the command line.
func buildRev(opts Options) Command {
	fields := strings.Fields(opts.Input)
	program := "rev"
	var args []string
	if len(fields) > 0 {
		program = fields[0]
		args = fields[1:]
	}
	return Command{
		Program: program,
		Args:    args,
		Display: display(program, args),
		Stdin:   StdinPipe,
	}
}

// buildVNC prefers x11vnc; the supervisor falls back to vncserver when
// x11vnc is not installed. No stdin: frames flow through the tunnel.
func buildVNC() Command {
	args := []string{"-display", ":0", "-forever", "-shared", "-nopw"}
	return Command{
		Program:      "x11vnc",
		Args:         args,
		Display:      display("x11vnc", args),
		Stdin:        StdinIgnore,
		Fallback:     "vncserver",
		FallbackArgs: []string{"-fg", ":1"},
	}
}

// buildHandsOn runs the operator's shell interactively with inherited stdin.
func buildHandsOn(opts Options) Command {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	args := []string{"-i"}
	return Command{
		Program: shell,
		Args:    args,
		Display: display(shell, args),
		Stdin:   StdinInherit,
	}
}

func display(program string, args []string) string {
	if len(args) == 0 {
		return program
	}
	return program + " " + strings.Join(args, " ")
}
