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

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/overseer/internal/log"
)

// SweeperConfig controls the periodic maintenance pass.
type SweeperConfig struct {
	// Interval between passes. Defaults to one minute.
	Interval time.Duration
	// NonceExpiry is the replay window; nonces older than this are dropped.
	NonceExpiry time.Duration
	// RunRetention is how long finished runs are kept. Zero disables
	// run deletion entirely.
	RunRetention time.Duration
}

// Sweeper runs periodic maintenance: expired nonces, client liveness tiers,
// and run retention.
type Sweeper struct {
	store  *Store
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store *Store, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{store: store, cfg: cfg, logger: logger}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	if n, err := s.store.SweepNonces(ctx, now, s.cfg.NonceExpiry); err != nil {
		s.logger.Warn("nonce sweep failed", log.Error(err))
	} else if n > 0 {
		s.logger.Debug("swept nonces", "count", n)
	}

	if err := s.store.SweepClientStatus(ctx, now); err != nil {
		s.logger.Warn("client status sweep failed", log.Error(err))
	}

	if s.cfg.RunRetention > 0 {
		cutoff := now.Add(-s.cfg.RunRetention)
		if n, err := s.store.DeleteExpiredRuns(ctx, cutoff); err != nil {
			s.logger.Warn("run retention sweep failed", log.Error(err))
		} else if n > 0 {
			s.logger.Info("deleted expired runs", "count", n)
		}
	}
}
