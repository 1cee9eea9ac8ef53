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

package main

import (
	"errors"
	"os"
	"syscall"

	"github.com/tombee/overseer/internal/runnercli"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	runnercli.SetVersion(version, commit, buildDate)

	root := runnercli.NewRootCommand()
	if err := root.Execute(); err != nil {
		var sigErr *runnercli.SignalError
		if errors.As(err, &sigErr) {
			if s, ok := sigErr.Signal.(syscall.Signal); ok {
				os.Exit(128 + int(s))
			}
		}
		os.Exit(1)
	}
}
