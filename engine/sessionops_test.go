// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/slopus/happy-sync/keystore"
	"github.com/slopus/happy-sync/lib/clock"
	"github.com/slopus/happy-sync/lib/sealed"
	"github.com/slopus/happy-sync/lib/secret"
	"github.com/slopus/happy-sync/store"
	"github.com/slopus/happy-sync/transport"
	"github.com/slopus/happy-sync/wire"
)

func newSessionOpsFixture(t *testing.T) (*SessionOps, *fakePeer, *transport.MemoryServer, *store.Store, *keystore.KeyStore) {
	t.Helper()
	keys := newTestKeys(t)
	socket, server := transport.NewMemoryPair()
	peer := newFakePeer(t, keys, server)
	st := store.New()
	rpc := NewRPCClient(socket, keys, nil, nil, 0)
	updater := NewMetadataUpdater(socket, keys, st, nil)
	ops := NewSessionOps(rpc, updater, socket, keys, st, clock.Fake(time.Unix(5000, 0)), nil)
	return ops, peer, server, st, keys
}

func TestAbortNoOpWhenMethodUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  *wire.RPCError
	}{
		{"structured code", &wire.RPCError{Code: "METHOD_NOT_AVAILABLE", Message: "nope"}},
		{"legacy literal", &wire.RPCError{Message: "RPC method not available"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, peer, _, _, _ := newSessionOpsFixture(t)
			peer.on("abort", func(entityID string, params []byte) (any, *wire.RPCError) {
				return nil, tt.err
			})
			if err := ops.Abort(context.Background(), "sess-1"); err != nil {
				t.Fatalf("absent agent must be a no-op, got %v", err)
			}
		})
	}
}

func TestAbortOtherRejectionPropagates(t *testing.T) {
	ops, peer, _, _, _ := newSessionOpsFixture(t)
	peer.on("abort", func(entityID string, params []byte) (any, *wire.RPCError) {
		return nil, &wire.RPCError{Message: "boom"}
	})
	err := ops.Abort(context.Background(), "sess-1")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("rejection must propagate unchanged, got %v", err)
	}
}

func TestArchiveKillSucceeds(t *testing.T) {
	ops, peer, server, _, _ := newSessionOpsFixture(t)
	peer.on("killSession", func(entityID string, params []byte) (any, *wire.RPCError) {
		return map[string]bool{"killed": true}, nil
	})
	result := ops.Archive(context.Background(), "sess-1")
	if !result.Success {
		t.Fatalf("archive failed: %+v", result)
	}
	if len(server.Emitted()) != 0 {
		t.Fatalf("successful kill must not emit session-end: %+v", server.Emitted())
	}
}

func TestArchiveFallsBackToSessionEnd(t *testing.T) {
	ops, _, server, _, _ := newSessionOpsFixture(t)
	// No killSession handler: the peer answers method-not-available.

	result := ops.Archive(context.Background(), "sess-1")
	if !result.Success {
		t.Fatalf("fallback archive must report success: %+v", result)
	}

	emitted := server.Emitted()
	if len(emitted) != 1 || emitted[0].Event != "session-end" {
		t.Fatalf("expected one session-end event, got %+v", emitted)
	}
	var body struct {
		SID  string `json:"sid"`
		Time int64  `json:"time"`
	}
	if err := json.Unmarshal(emitted[0].Payload, &body); err != nil {
		t.Fatalf("session-end payload: %v", err)
	}
	if body.SID != "sess-1" || body.Time <= 0 {
		t.Fatalf("session-end payload mismatch: %+v", body)
	}
}

func TestArchiveGenuineFailure(t *testing.T) {
	ops, peer, server, _, _ := newSessionOpsFixture(t)
	peer.on("killSession", func(entityID string, params []byte) (any, *wire.RPCError) {
		return nil, &wire.RPCError{Message: "agent is busy"}
	})

	result := ops.Archive(context.Background(), "sess-1")
	if result.Success {
		t.Fatal("genuine kill failure must not report success")
	}
	if !strings.Contains(result.Message, "agent is busy") {
		t.Fatalf("failure message lost: %q", result.Message)
	}
	if len(server.Emitted()) != 0 {
		t.Fatalf("genuine failure must not emit session-end: %+v", server.Emitted())
	}
}

func TestSpawnAssignsDataKeyAndSessionID(t *testing.T) {
	ops, peer, _, st, keys := newSessionOpsFixture(t)

	machineKeys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	defer machineKeys.Close()
	st.ApplyMachine(store.Machine{
		ID:  "mach-1",
		Seq: 1,
		Metadata: &store.MachineMetadata{
			Host:      "laptop",
			PublicKey: machineKeys.PublicKey,
		},
	})

	var spawnParams map[string]json.RawMessage
	peer.on("spawn-happy-session", func(entityID string, params []byte) (any, *wire.RPCError) {
		if err := json.Unmarshal(params, &spawnParams); err != nil {
			t.Fatalf("spawn params: %v", err)
		}
		return map[string]string{"type": "success"}, nil
	})

	outcome, err := ops.Spawn(context.Background(), SpawnRequest{
		MachineID: "mach-1",
		Directory: "/home/user/project",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if outcome.Type != wire.SpawnOutcomeSuccess || outcome.SessionID == "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if !keys.HasDataKey(outcome.SessionID) {
		t.Fatal("spawn did not cache the new session's data key")
	}
	if _, present := spawnParams["terminal"]; present {
		t.Fatal("terminal key must be omitted when no terminal was requested")
	}

	// The daemon can unseal the bundle with its private key and
	// learns which session it belongs to.
	var bundle string
	if err := json.Unmarshal(spawnParams["dataKey"], &bundle); err != nil {
		t.Fatalf("dataKey param: %v", err)
	}
	daemonMaster, err := secret.NewFromBytes([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("daemon master: %v", err)
	}
	daemonStore, err := keystore.New(daemonMaster)
	if err != nil {
		t.Fatalf("daemon keystore: %v", err)
	}
	defer daemonStore.Close()
	sessionID, err := daemonStore.ImportDataKey(bundle, machineKeys.PrivateKey)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sessionID != outcome.SessionID {
		t.Fatalf("bundle names session %q, want %q", sessionID, outcome.SessionID)
	}
}

func TestSpawnErrorDropsDataKey(t *testing.T) {
	ops, peer, _, st, keys := newSessionOpsFixture(t)

	machineKeys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	defer machineKeys.Close()
	st.ApplyMachine(store.Machine{
		ID:       "mach-1",
		Seq:      1,
		Metadata: &store.MachineMetadata{PublicKey: machineKeys.PublicKey},
	})

	var spawnedSession string
	peer.on("spawn-happy-session", func(entityID string, params []byte) (any, *wire.RPCError) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("spawn params: %v", err)
		}
		spawnedSession = p.SessionID
		return map[string]string{"type": "error", "errorCode": "INVALID_DIRECTORY"}, nil
	})

	outcome, err := ops.Spawn(context.Background(), SpawnRequest{MachineID: "mach-1", Directory: "/nope"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if outcome.Type != wire.SpawnOutcomeError || outcome.Code != wire.SpawnErrorInvalidDirectory {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if keys.HasDataKey(spawnedSession) {
		t.Fatal("failed spawn must drop the provisional data key")
	}
}

func TestResumeRequiresDataKey(t *testing.T) {
	ops, _, _, st, _ := newSessionOpsFixture(t)

	machineKeys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	defer machineKeys.Close()
	st.ApplyMachine(store.Machine{
		ID:       "mach-1",
		Seq:      1,
		Metadata: &store.MachineMetadata{PublicKey: machineKeys.PublicKey},
	})
	// Legacy session: mirrored, but no data key in the keystore.
	st.ApplySession(store.Session{
		ID:       "sess-legacy",
		Seq:      1,
		Metadata: &store.Metadata{MachineID: "mach-1", Path: "/home/user/project"},
	})

	if _, err := ops.Resume(context.Background(), "sess-legacy"); err == nil {
		t.Fatal("resuming a legacy session must fail")
	}
}

func TestResumeReexportsDataKey(t *testing.T) {
	ops, peer, _, st, keys := newSessionOpsFixture(t)

	machineKeys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	defer machineKeys.Close()
	st.ApplyMachine(store.Machine{
		ID:       "mach-1",
		Seq:      1,
		Metadata: &store.MachineMetadata{PublicKey: machineKeys.PublicKey},
	})
	st.ApplySession(store.Session{
		ID:       "sess-1",
		Seq:      1,
		Metadata: &store.Metadata{MachineID: "mach-1", Path: "/home/user/project"},
	})
	if _, err := keys.GenerateDataKey("sess-1"); err != nil {
		t.Fatalf("data key: %v", err)
	}

	var resumeParams map[string]json.RawMessage
	peer.on("resume-session", func(entityID string, params []byte) (any, *wire.RPCError) {
		if err := json.Unmarshal(params, &resumeParams); err != nil {
			t.Fatalf("resume params: %v", err)
		}
		return map[string]string{"type": "success"}, nil
	})

	outcome, err := ops.Resume(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if outcome.Type != wire.SpawnOutcomeSuccess || outcome.SessionID != "sess-1" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	var bundle string
	if err := json.Unmarshal(resumeParams["dataKey"], &bundle); err != nil {
		t.Fatalf("dataKey param: %v", err)
	}
	daemonMaster, err := secret.NewFromBytes([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("daemon master: %v", err)
	}
	daemonStore, err := keystore.New(daemonMaster)
	if err != nil {
		t.Fatalf("daemon keystore: %v", err)
	}
	defer daemonStore.Close()
	sessionID, err := daemonStore.ImportDataKey(bundle, machineKeys.PrivateKey)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sessionID != "sess-1" {
		t.Fatalf("bundle names session %q, want sess-1", sessionID)
	}
}

func TestSubmitUserMessageQueuesWhenInactive(t *testing.T) {
	ops, _, server, st, _ := newSessionOpsFixture(t)

	server.Handle("update-metadata", func(payload []byte) ([]byte, error) {
		return json.Marshal(wire.MetadataWriteAck{Result: wire.WriteResultSuccess, Version: 2})
	})
	st.ApplySession(store.Session{
		ID:              "sess-1",
		Seq:             1,
		Active:          false,
		MetadataVersion: 1,
		Metadata:        &store.Metadata{},
	})

	if err := ops.SubmitUserMessage(context.Background(), "sess-1", "hello later"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	session, _ := st.Session("sess-1")
	if len(session.Metadata.PendingMessages) != 1 {
		t.Fatalf("message not queued: %+v", session.Metadata)
	}
	queued := session.Metadata.PendingMessages[0]
	if queued.Text != "hello later" || queued.ID == "" || queued.CreatedAt <= 0 {
		t.Fatalf("queued message malformed: %+v", queued)
	}
}

func TestSubmitUserMessageSendsWhenActive(t *testing.T) {
	ops, _, server, st, keys := newSessionOpsFixture(t)

	var sent struct {
		SID     string `json:"sid"`
		Message string `json:"message"`
	}
	server.Handle("message", func(payload []byte) ([]byte, error) {
		if err := json.Unmarshal(payload, &sent); err != nil {
			t.Fatalf("message body: %v", err)
		}
		return []byte(`{}`), nil
	})
	st.ApplySession(store.Session{ID: "sess-1", Seq: 1, Active: true, MetadataVersion: 1, Metadata: &store.Metadata{}})

	if err := ops.SubmitUserMessage(context.Background(), "sess-1", "hi now"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sent.SID != "sess-1" {
		t.Fatalf("message not sent: %+v", sent)
	}
	plaintext, err := keys.Decrypt("sess-1", sent.Message)
	if err != nil {
		t.Fatalf("decrypt sent message: %v", err)
	}
	if string(plaintext) != "hi now" {
		t.Fatalf("message content %q", plaintext)
	}

	session, _ := st.Session("sess-1")
	if len(session.Metadata.PendingMessages) != 0 {
		t.Fatalf("active delivery must not queue: %+v", session.Metadata.PendingMessages)
	}
}

func TestRenameIsNoOpForSameSummary(t *testing.T) {
	ops, _, server, st, _ := newSessionOpsFixture(t)
	server.Handle("update-metadata", func(payload []byte) ([]byte, error) {
		t.Fatal("no write expected")
		return nil, nil
	})
	st.ApplySession(store.Session{
		ID:              "sess-1",
		Seq:             1,
		MetadataVersion: 1,
		Metadata:        &store.Metadata{Summary: "same"},
	})
	if err := ops.Rename(context.Background(), "sess-1", "same"); err != nil {
		t.Fatalf("rename: %v", err)
	}
}
