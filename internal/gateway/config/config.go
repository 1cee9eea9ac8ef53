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

// Package config provides gateway configuration from defaults, an optional
// YAML overlay in the data directory, and environment variables. Environment
// takes precedence over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds gateway configuration.
type Config struct {
	// Host is the bind address. Default: 127.0.0.1.
	Host string `yaml:"host"`

	// Port is the listen port. Default: 8443.
	Port int `yaml:"port"`

	// DataDir is the gateway-controlled data directory holding the store,
	// artifacts, per-run logs and certs. Default: ~/.overseer.
	DataDir string `yaml:"data_dir"`

	// HMACSecret is the shared signing secret (>= 32 bytes). Empty means
	// generate an ephemeral secret at startup unless StrictSecret is set.
	HMACSecret string `yaml:"hmac_secret"`

	// StrictSecret refuses to start without a configured secret.
	StrictSecret bool `yaml:"strict_secret"`

	// TLSEnabled serves HTTPS using certs/server.{crt,key} under DataDir.
	TLSEnabled bool `yaml:"tls_enabled"`

	// ClockSkewTolerance bounds |now - timestamp| on signed requests.
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance"`

	// NonceExpiry is the replay window after which consumed nonces are swept.
	NonceExpiry time.Duration `yaml:"nonce_expiry"`

	// RunRetentionDays prunes finished runs older than this during the
	// minute sweep. Zero disables retention pruning.
	RunRetentionDays int `yaml:"run_retention_days"`

	// MaxEventBytes caps one ingested event payload. Default: 1 MiB.
	MaxEventBytes int64 `yaml:"max_event_bytes"`

	// MaxArtifactBytes caps one artifact upload. Default: 50 MiB.
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`

	// ExtraAllowedCommands augments the operator command allowlist.
	ExtraAllowedCommands []string `yaml:"extra_allowed_commands"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Host:               "127.0.0.1",
		Port:               8443,
		DataDir:            filepath.Join(home, ".overseer"),
		ClockSkewTolerance: 300 * time.Second,
		NonceExpiry:        600 * time.Second,
		MaxEventBytes:      1 << 20,
		MaxArtifactBytes:   50 << 20,
	}
}

// Load builds a Config from defaults, the optional config.yaml overlay in
// dataDir (or the default data dir when empty), then the environment.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	path := filepath.Join(cfg.DataDir, "config.yaml")
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HMAC_SECRET"); v != "" {
		cfg.HMACSecret = v
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		cfg.TLSEnabled = isTruthy(v)
	}
	if v := os.Getenv("RUN_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.RunRetentionDays = days
		}
	}
	if v := os.Getenv("EXTRA_ALLOWED_COMMANDS"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.ExtraAllowedCommands = append(cfg.ExtraAllowedCommands, part)
			}
		}
	}
}

// validate checks invariants that would otherwise fail at first use.
func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HMACSecret != "" && len(c.HMACSecret) < 32 {
		return fmt.Errorf("HMAC_SECRET must be at least 32 bytes, got %d", len(c.HMACSecret))
	}
	if c.StrictSecret && c.HMACSecret == "" {
		return fmt.Errorf("strict mode requires HMAC_SECRET")
	}
	if c.MaxEventBytes <= 0 || c.MaxArtifactBytes <= 0 {
		return fmt.Errorf("payload caps must be positive")
	}
	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DBPath returns the sqlite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "db.sqlite")
}

// ArtifactsDir returns the artifact storage root.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// RunsDir returns the per-run log/state root.
func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// CertFile returns the TLS certificate path.
func (c *Config) CertFile() string {
	return filepath.Join(c.DataDir, "certs", "server.crt")
}

// KeyFile returns the TLS key path.
func (c *Config) KeyFile() string {
	return filepath.Join(c.DataDir, "certs", "server.key")
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
