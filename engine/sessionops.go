// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/slopus/happy-sync/keystore"
	"github.com/slopus/happy-sync/lib/clock"
	"github.com/slopus/happy-sync/store"
	"github.com/slopus/happy-sync/transport"
	"github.com/slopus/happy-sync/wire"
)

// SessionOps is the session-control surface: spawning, stopping,
// archiving, resuming, and messaging agent runs.
type SessionOps struct {
	rpc     *RPCClient
	updater *MetadataUpdater
	socket  transport.Socket
	keys    *keystore.KeyStore
	store   *store.Store
	clk     clock.Clock
	logger  *slog.Logger
}

// NewSessionOps wires the session-control surface.
func NewSessionOps(rpc *RPCClient, updater *MetadataUpdater, socket transport.Socket, keys *keystore.KeyStore, st *store.Store, clk clock.Clock, logger *slog.Logger) *SessionOps {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionOps{rpc: rpc, updater: updater, socket: socket, keys: keys, store: st, clk: clk, logger: logger}
}

// SpawnRequest describes a new session to start on a machine.
type SpawnRequest struct {
	MachineID string
	Directory string

	// ApprovedDirectoryCreation acknowledges an earlier
	// directory-approval outcome for the same directory.
	ApprovedDirectoryCreation bool

	// Terminal selects the daemon's terminal mode; nil for default.
	Terminal *string
}

// Spawn starts a new agent session on a machine's daemon. The client
// assigns the session id and its data key up front and hands the
// daemon a sealed copy, so the new session is in data-key mode from
// its first byte. The returned outcome is always one of the three
// normalized spawn results.
func (o *SessionOps) Spawn(ctx context.Context, req SpawnRequest) (wire.SpawnOutcome, error) {
	machine, ok := o.store.Machine(req.MachineID)
	if !ok {
		return wire.SpawnOutcome{}, fmt.Errorf("machine %s: %w", req.MachineID, ErrNotFound)
	}
	if machine.Metadata == nil || machine.Metadata.PublicKey == "" {
		return wire.SpawnOutcome{}, fmt.Errorf("machine %s has no public key registered", req.MachineID)
	}

	sessionID := uuid.NewString()
	if _, err := o.keys.GenerateDataKey(sessionID); err != nil {
		return wire.SpawnOutcome{}, fmt.Errorf("generating session data key: %w", err)
	}
	bundle, err := o.keys.ExportDataKey(sessionID, machine.Metadata.PublicKey)
	if err != nil {
		o.keys.DropDataKey(sessionID)
		return wire.SpawnOutcome{}, fmt.Errorf("sealing session data key: %w", err)
	}

	params := wire.BuildSpawnSessionParams(wire.SpawnOptions{
		Directory:                 req.Directory,
		SessionID:                 sessionID,
		DataKeyBundle:             bundle,
		ApprovedDirectoryCreation: req.ApprovedDirectoryCreation,
		Terminal:                  req.Terminal,
	})
	raw, err := o.rpc.MachineRPC(ctx, req.MachineID, "spawn-happy-session", params)
	if err != nil {
		o.keys.DropDataKey(sessionID)
		return wire.SpawnOutcome{}, err
	}

	outcome := wire.NormalizeSpawnResult(raw)
	if outcome.Type != wire.SpawnOutcomeSuccess {
		o.keys.DropDataKey(sessionID)
		return outcome, nil
	}
	if outcome.SessionID == "" {
		outcome.SessionID = sessionID
	}
	return outcome, nil
}

// Resume re-spawns an agent process bound to an existing session and
// its data key. Sessions still on legacy encryption cannot be
// resumed: there is no per-session key to hand the daemon.
func (o *SessionOps) Resume(ctx context.Context, sessionID string) (wire.SpawnOutcome, error) {
	session, ok := o.store.Session(sessionID)
	if !ok {
		return wire.SpawnOutcome{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.Metadata == nil || session.Metadata.MachineID == "" {
		return wire.SpawnOutcome{}, fmt.Errorf("session %s has no hosting machine recorded", sessionID)
	}
	machine, ok := o.store.Machine(session.Metadata.MachineID)
	if !ok {
		return wire.SpawnOutcome{}, fmt.Errorf("machine %s: %w", session.Metadata.MachineID, ErrNotFound)
	}
	if machine.Metadata == nil || machine.Metadata.PublicKey == "" {
		return wire.SpawnOutcome{}, fmt.Errorf("machine %s has no public key registered", machine.ID)
	}

	bundle, err := o.keys.ExportDataKey(sessionID, machine.Metadata.PublicKey)
	if err != nil {
		return wire.SpawnOutcome{}, fmt.Errorf("exporting session data key: %w", err)
	}

	params := wire.BuildSpawnSessionParams(wire.SpawnOptions{
		Directory:     session.Metadata.Path,
		SessionID:     sessionID,
		DataKeyBundle: bundle,
	})
	raw, err := o.rpc.MachineRPC(ctx, machine.ID, "resume-session", params)
	if err != nil {
		return wire.SpawnOutcome{}, err
	}
	outcome := wire.NormalizeSpawnResult(raw)
	if outcome.Type == wire.SpawnOutcomeSuccess && outcome.SessionID == "" {
		outcome.SessionID = sessionID
	}
	return outcome, nil
}

// Abort asks the agent process to stop its current turn. Inactive and
// resumable sessions have no agent attached; that is a normal state,
// so a method-not-available rejection resolves as a no-op. Any other
// failure propagates unchanged.
func (o *SessionOps) Abort(ctx context.Context, sessionID string) error {
	_, err := o.rpc.SessionRPC(ctx, sessionID, "abort", struct{}{})
	if wire.IsMethodNotAvailable(err) {
		return nil
	}
	return err
}

// ArchiveResult is the typed outcome of Archive.
type ArchiveResult struct {
	Success bool
	Message string
}

type sessionEndBody struct {
	SID  string `json:"sid"`
	Time int64  `json:"time"`
}

// Archive ends a session for good. It attempts a kill RPC against the
// agent; when the peer lacks the method (older daemon, or no agent
// attached), it falls back to a fire-and-forget session-end event and
// still reports success, since the server reconciles either way. Any
// other kill failure is a genuine error.
func (o *SessionOps) Archive(ctx context.Context, sessionID string) ArchiveResult {
	_, err := o.rpc.SessionRPC(ctx, sessionID, "killSession", struct{}{})
	if err == nil {
		return ArchiveResult{Success: true}
	}
	if !wire.IsMethodNotAvailable(err) {
		return ArchiveResult{Success: false, Message: err.Error()}
	}

	body, marshalErr := json.Marshal(sessionEndBody{
		SID:  sessionID,
		Time: o.clk.Now().UnixMilli(),
	})
	if marshalErr != nil {
		return ArchiveResult{Success: false, Message: marshalErr.Error()}
	}
	if sendErr := o.socket.Send(ctx, "session-end", body); sendErr != nil {
		o.logger.Warn("session-end emit failed", "session", sessionID, "error", sendErr)
	}
	return ArchiveResult{Success: true}
}

// Rename sets the session's user-visible summary.
func (o *SessionOps) Rename(ctx context.Context, sessionID, summary string) error {
	return o.updater.UpdateSessionMetadata(ctx, sessionID, func(m *store.Metadata) *store.Metadata {
		if m == nil {
			return &store.Metadata{Summary: summary}
		}
		if m.Summary == summary {
			return m
		}
		renamed := m.Clone()
		renamed.Summary = summary
		return renamed
	}, 0)
}

// SetPermissionMode sets the session's tool-permission policy in its
// metadata.
func (o *SessionOps) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	return o.updater.UpdateSessionMetadata(ctx, sessionID, func(m *store.Metadata) *store.Metadata {
		if m == nil {
			return &store.Metadata{PermissionMode: mode}
		}
		if m.PermissionMode == mode {
			return m
		}
		changed := m.Clone()
		changed.PermissionMode = mode
		return changed
	}, 0)
}

type messageBody struct {
	SID     string `json:"sid"`
	Message string `json:"message"`
}

// SendMessage encrypts and sends one user message to a live session.
func (o *SessionOps) SendMessage(ctx context.Context, sessionID, text string) error {
	blob, err := o.keys.Encrypt(sessionID, []byte(text))
	if err != nil {
		return fmt.Errorf("encrypting message: %w", err)
	}
	body, err := json.Marshal(messageBody{SID: sessionID, Message: blob})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if _, err := o.socket.Request(ctx, "message", body); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SubmitUserMessage delivers a message to an active session, or queues
// it in the session's metadata for the daemon to drain on the next
// spawn when no agent process is attached.
func (o *SessionOps) SubmitUserMessage(ctx context.Context, sessionID, text string) error {
	session, ok := o.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.Active {
		return o.SendMessage(ctx, sessionID, text)
	}

	pending := store.PendingMessage{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: o.clk.Now().UnixMilli(),
	}
	return o.updater.UpdateSessionMetadata(ctx, sessionID, func(m *store.Metadata) *store.Metadata {
		var queued *store.Metadata
		if m == nil {
			queued = &store.Metadata{}
		} else {
			queued = m.Clone()
		}
		queued.PendingMessages = append(queued.PendingMessages, pending)
		return queued
	}, 0)
}

// RespondPermission answers a pending tool-permission request on an
// active session.
func (o *SessionOps) RespondPermission(ctx context.Context, sessionID, requestID string, approved bool) error {
	params := map[string]any{"id": requestID, "approved": approved}
	_, err := o.rpc.SessionRPC(ctx, sessionID, "permission", params)
	return err
}

// SwitchModel asks the agent to switch its model mode.
func (o *SessionOps) SwitchModel(ctx context.Context, sessionID, mode string) error {
	params := map[string]any{"mode": mode}
	_, err := o.rpc.SessionRPC(ctx, sessionID, "switch", params)
	return err
}
