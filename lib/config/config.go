// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads client configuration from a single YAML file.
//
// The file is named either by the HAPPY_SYNC_CONFIG environment
// variable or by an explicit path (the --config flag). There is no
// automatic discovery and no fallback search path: configuration must
// be deterministic and auditable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable that selects the config file
// when no explicit path is given.
const EnvVar = "HAPPY_SYNC_CONFIG"

// Config is the client configuration for the sync engine and CLI.
type Config struct {
	// Server configures the coordination service endpoints.
	Server ServerConfig `yaml:"server"`

	// Credentials configures where key material is read from.
	Credentials CredentialsConfig `yaml:"credentials"`

	// Sync tunes engine behavior. Zero values use engine defaults.
	Sync SyncConfig `yaml:"sync,omitempty"`
}

// ServerConfig holds the coordination service endpoints.
type ServerConfig struct {
	// APIURL is the REST base URL (e.g. "https://api.example.com").
	APIURL string `yaml:"api_url"`

	// SocketURL is the WebSocket endpoint for the event stream
	// (e.g. "wss://api.example.com/v1/updates").
	SocketURL string `yaml:"socket_url"`
}

// CredentialsConfig locates the authentication token and master secret.
type CredentialsConfig struct {
	// TokenPath is a file containing the bearer token.
	TokenPath string `yaml:"token_path"`

	// MasterSecretPath is a file containing the base64url master
	// secret. When empty the CLI prompts on the terminal instead.
	MasterSecretPath string `yaml:"master_secret_path,omitempty"`
}

// SyncConfig tunes engine timing. Durations parse with time.ParseDuration.
type SyncConfig struct {
	// ActivityFlushInterval overrides the ephemeral-activity batching
	// window (default 2s).
	ActivityFlushInterval time.Duration `yaml:"activity_flush_interval,omitempty"`

	// RPCTimeout overrides the capability-detect timeout (default 2.5s).
	RPCTimeout time.Duration `yaml:"rpc_timeout,omitempty"`
}

// Load reads and validates the config file at path. An empty path falls
// back to the HAPPY_SYNC_CONFIG environment variable.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("config: no path given and %s is not set", EnvVar)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.APIURL == "" {
		return fmt.Errorf("server.api_url is required")
	}
	if c.Server.SocketURL == "" {
		return fmt.Errorf("server.socket_url is required")
	}
	if c.Credentials.TokenPath == "" {
		return fmt.Errorf("credentials.token_path is required")
	}
	return nil
}
