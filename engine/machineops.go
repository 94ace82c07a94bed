// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
)

// MachineOps is the daemon-control surface: lifecycle and remote file
// access on machines.
type MachineOps struct {
	rpc    *RPCClient
	logger *slog.Logger
}

// NewMachineOps wraps an RPC client.
func NewMachineOps(rpc *RPCClient, logger *slog.Logger) *MachineOps {
	if logger == nil {
		logger = slog.Default()
	}
	return &MachineOps{rpc: rpc, logger: logger}
}

// StopDaemon asks a machine's daemon to shut down.
func (o *MachineOps) StopDaemon(ctx context.Context, machineID string) error {
	_, err := o.rpc.MachineRPC(ctx, machineID, "stop-daemon", struct{}{})
	return err
}

// EnvPreview is a daemon's report of the environment a spawned agent
// would see.
type EnvPreview struct {
	Shell string            `json:"shell"`
	Vars  map[string]string `json:"vars"`
}

// PreviewEnv probes a daemon for its spawn environment. Older daemons
// lack the method; that reports unsupported, not an error.
func (o *MachineOps) PreviewEnv(ctx context.Context, machineID string) (*EnvPreview, CapabilitySupport) {
	raw, err := o.rpc.MachineRPC(ctx, machineID, "preview-env", struct{}{})
	if err != nil {
		return nil, supportFromError(err)
	}
	var preview EnvPreview
	if err := json.Unmarshal(raw, &preview); err != nil {
		o.logger.Warn("unparseable preview-env response", "machine", machineID)
		return nil, CapabilitySupport{Reason: ReasonError}
	}
	return &preview, supported()
}

// BashResult is the outcome of a remote shell command.
type BashResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Bash runs a shell command on a machine.
func (o *MachineOps) Bash(ctx context.Context, machineID, command, cwd string) (*BashResult, error) {
	params := map[string]any{"command": command}
	if cwd != "" {
		params["cwd"] = cwd
	}
	raw, err := o.rpc.MachineRPC(ctx, machineID, "bash", params)
	if err != nil {
		return nil, err
	}
	var result BashResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding bash result: %w", err)
	}
	return &result, nil
}

// ReadFile fetches a file's contents from a machine.
func (o *MachineOps) ReadFile(ctx context.Context, machineID, path string) ([]byte, error) {
	raw, err := o.rpc.MachineRPC(ctx, machineID, "readFile", map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	var result struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding readFile result: %w", err)
	}
	content, err := base64.StdEncoding.DecodeString(result.Content)
	if err != nil {
		return nil, fmt.Errorf("decoding file content: %w", err)
	}
	return content, nil
}

// WriteFile writes a file on a machine.
func (o *MachineOps) WriteFile(ctx context.Context, machineID, path string, content []byte) error {
	params := map[string]any{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	_, err := o.rpc.MachineRPC(ctx, machineID, "writeFile", params)
	return err
}

// DirEntry is one entry in a remote directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// ListDirectory lists a directory on a machine.
func (o *MachineOps) ListDirectory(ctx context.Context, machineID, path string) ([]DirEntry, error) {
	raw, err := o.rpc.MachineRPC(ctx, machineID, "listDirectory", map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	var result struct {
		Entries []DirEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding listDirectory result: %w", err)
	}
	return result.Entries, nil
}

// TreeNode is one node of a remote directory tree.
type TreeNode struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Children []TreeNode `json:"children,omitempty"`
}

// GetDirectoryTree fetches a bounded-depth directory tree.
func (o *MachineOps) GetDirectoryTree(ctx context.Context, machineID, path string, maxDepth int) (*TreeNode, error) {
	params := map[string]any{"path": path}
	if maxDepth > 0 {
		params["maxDepth"] = maxDepth
	}
	raw, err := o.rpc.MachineRPC(ctx, machineID, "getDirectoryTree", params)
	if err != nil {
		return nil, err
	}
	var root TreeNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decoding getDirectoryTree result: %w", err)
	}
	return &root, nil
}

// RipgrepMatch is one search hit from a remote ripgrep run.
type RipgrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Ripgrep searches files on a machine.
func (o *MachineOps) Ripgrep(ctx context.Context, machineID, pattern, cwd string) ([]RipgrepMatch, error) {
	params := map[string]any{"pattern": pattern}
	if cwd != "" {
		params["cwd"] = cwd
	}
	raw, err := o.rpc.MachineRPC(ctx, machineID, "ripgrep", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Matches []RipgrepMatch `json:"matches"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding ripgrep result: %w", err)
	}
	return result.Matches, nil
}
