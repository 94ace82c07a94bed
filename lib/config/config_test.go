// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  api_url: https://api.example.com
  socket_url: wss://api.example.com/v1/updates
credentials:
  token_path: /run/happy/token
sync:
  activity_flush_interval: 3s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.APIURL != "https://api.example.com" {
		t.Errorf("unexpected api_url: %s", cfg.Server.APIURL)
	}
	if cfg.Sync.ActivityFlushInterval != 3*time.Second {
		t.Errorf("unexpected flush interval: %v", cfg.Sync.ActivityFlushInterval)
	}
}

func TestLoadRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"no api_url", "server:\n  socket_url: wss://x\ncredentials:\n  token_path: /t\n"},
		{"no socket_url", "server:\n  api_url: https://x\ncredentials:\n  token_path: /t\n"},
		{"no token_path", "server:\n  api_url: https://x\n  socket_url: wss://x\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, test.contents)); err == nil {
				t.Error("Load succeeded")
			}
		})
	}
}

func TestLoadUsesEnvVarFallback(t *testing.T) {
	path := writeConfig(t, `
server:
  api_url: https://api.example.com
  socket_url: wss://api.example.com/v1/updates
credentials:
  token_path: /run/happy/token
`)
	t.Setenv(EnvVar, path)
	if _, err := Load(""); err != nil {
		t.Fatalf("Load via env var: %v", err)
	}
}

func TestLoadRequiresSomePath(t *testing.T) {
	t.Setenv(EnvVar, "")
	if _, err := Load(""); err == nil {
		t.Error("Load with no path and no env var succeeded")
	}
}
