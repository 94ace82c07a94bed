// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slopus/happy-sync/keystore"
	"github.com/slopus/happy-sync/store"
	"github.com/slopus/happy-sync/transport"
	"github.com/slopus/happy-sync/wire"
)

// ErrNotFound reports an operation against an entity the mirror does
// not hold.
var ErrNotFound = errors.New("engine: entity not found")

// defaultMaxWriteAttempts bounds optimistic-write retries.
const defaultMaxWriteAttempts = 5

// ConflictExhaustedError reports that every write attempt lost the
// optimistic-concurrency race. Local state is untouched.
type ConflictExhaustedError struct {
	EntityID string
	Attempts int
}

func (e *ConflictExhaustedError) Error() string {
	return fmt.Sprintf("metadata write for %s lost %d consecutive version races", e.EntityID, e.Attempts)
}

// WriteRejectedError reports a server-side rejection of a metadata
// write. Retrying cannot help.
type WriteRejectedError struct {
	EntityID string
	Message  string
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("metadata write for %s rejected: %s", e.EntityID, e.Message)
}

// MetadataUpdater drives optimistic encrypted metadata writes. The
// updater function passed to each call must be pure: on a version
// conflict it is re-run against the server's latest state, so a
// closure that mutates its argument or depends on call order will
// corrupt the rebase.
type MetadataUpdater struct {
	socket transport.Socket
	keys   *keystore.KeyStore
	store  *store.Store
	logger *slog.Logger

	mu              sync.Mutex
	repairAttempted map[string]bool
	repairInFlight  map[string]bool
}

// NewMetadataUpdater builds an updater over the socket and mirror.
func NewMetadataUpdater(socket transport.Socket, keys *keystore.KeyStore, st *store.Store, logger *slog.Logger) *MetadataUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataUpdater{
		socket:          socket,
		keys:            keys,
		store:           st,
		logger:          logger,
		repairAttempted: make(map[string]bool),
		repairInFlight:  make(map[string]bool),
	}
}

// UpdateSessionMetadata applies updater to the session's metadata and
// writes the result with optimistic concurrency. The updater receives
// the current metadata and returns the candidate; returning its
// argument unchanged (same pointer) short-circuits with zero network
// calls. On a version mismatch the updater is re-run against the
// server's latest metadata, up to maxAttempts total attempts
// (non-positive selects the default).
func (u *MetadataUpdater) UpdateSessionMetadata(ctx context.Context, sessionID string, updater func(*store.Metadata) *store.Metadata, maxAttempts int) error {
	session, ok := u.store.Session(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return updateLoop(u, ctx, "update-metadata", sessionID, session.MetadataVersion, session.Metadata, updater, maxAttempts,
		func(version int64, metadata *store.Metadata) {
			u.store.ApplySessionMetadata(sessionID, version, metadata)
		})
}

// UpdateMachineMetadata is UpdateSessionMetadata for machines, written
// on the machine-update-metadata event.
func (u *MetadataUpdater) UpdateMachineMetadata(ctx context.Context, machineID string, updater func(*store.MachineMetadata) *store.MachineMetadata, maxAttempts int) error {
	machine, ok := u.store.Machine(machineID)
	if !ok {
		return fmt.Errorf("machine %s: %w", machineID, ErrNotFound)
	}
	return updateLoop(u, ctx, "machine-update-metadata", machineID, machine.MetadataVersion, machine.Metadata, updater, maxAttempts,
		func(version int64, metadata *store.MachineMetadata) {
			u.store.ApplyMachineMetadata(machineID, version, metadata)
		})
}

// updateLoop is the shared write loop. apply commits the accepted
// candidate to the mirror.
func updateLoop[T any](
	u *MetadataUpdater,
	ctx context.Context,
	event, entityID string,
	version int64,
	base *T,
	updater func(*T) *T,
	maxAttempts int,
	apply func(int64, *T),
) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxWriteAttempts
	}

	candidate := updater(base)
	if candidate == base {
		return nil
	}

	for attempt := 1; ; attempt++ {
		ack, err := u.writeOnce(ctx, event, entityID, version, candidate)
		if err != nil {
			return err
		}
		switch ack.Result {
		case wire.WriteResultSuccess:
			apply(ack.Version, candidate)
			return nil

		case wire.WriteResultVersionMismatch:
			if attempt >= maxAttempts {
				return &ConflictExhaustedError{EntityID: entityID, Attempts: attempt}
			}
			latest, decErr := decryptRecord[T](u, entityID, ack.Metadata)
			if decErr != nil {
				return fmt.Errorf("decrypting conflicting metadata for %s: %w", entityID, decErr)
			}
			// Rebase on the server's state, never on the stale
			// candidate: another device's write in the gap must
			// survive.
			version = ack.Version
			base = latest
			candidate = updater(base)
			if candidate == base {
				return nil
			}

		case wire.WriteResultError:
			return &WriteRejectedError{EntityID: entityID, Message: ack.Message}
		}
	}
}

func (u *MetadataUpdater) writeOnce(ctx context.Context, event, entityID string, expectedVersion int64, candidate any) (*wire.MetadataWriteAck, error) {
	plaintext, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata for %s: %w", entityID, err)
	}
	blob, err := u.keys.Encrypt(entityID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting metadata for %s: %w", entityID, err)
	}
	body, err := json.Marshal(wire.MetadataWrite{
		ID:              entityID,
		ExpectedVersion: expectedVersion,
		Metadata:        blob,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding metadata write for %s: %w", entityID, err)
	}
	raw, err := u.socket.Request(ctx, event, body)
	if err != nil {
		return nil, fmt.Errorf("metadata write for %s: %w", entityID, err)
	}
	ack := wire.ParseMetadataWriteAck(raw)
	if ack == nil {
		return nil, fmt.Errorf("malformed metadata write ack for %s", entityID)
	}
	return ack, nil
}

func decryptRecord[T any](u *MetadataUpdater, entityID, blob string) (*T, error) {
	plaintext, err := u.keys.Decrypt(entityID, blob)
	if err != nil {
		return nil, err
	}
	var record T
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("decoding metadata record: %w", err)
	}
	return &record, nil
}

// RepairReadState checks a session's read cursor against its seq and,
// when the cursor has run ahead (a stale write landing after a later
// advance), issues one corrective write. Each session is repaired at
// most once per process, and concurrent triggers for the same session
// collapse to a single write.
func (u *MetadataUpdater) RepairReadState(ctx context.Context, sessionID string) {
	session, ok := u.store.Session(sessionID)
	if !ok || session.Metadata == nil || session.Metadata.ReadState == nil {
		return
	}
	if session.Metadata.ReadState.SessionSeq <= session.Seq {
		return
	}

	u.mu.Lock()
	if u.repairAttempted[sessionID] || u.repairInFlight[sessionID] {
		u.mu.Unlock()
		return
	}
	u.repairInFlight[sessionID] = true
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		delete(u.repairInFlight, sessionID)
		u.repairAttempted[sessionID] = true
		u.mu.Unlock()
	}()

	seq := session.Seq
	err := u.UpdateSessionMetadata(ctx, sessionID, func(m *store.Metadata) *store.Metadata {
		if m == nil || m.ReadState == nil || m.ReadState.SessionSeq <= seq {
			return m
		}
		fixed := m.Clone()
		fixed.ReadState.SessionSeq = seq
		return fixed
	}, 0)
	if err != nil {
		u.logger.Warn("read-state repair failed", "session", sessionID, "error", err)
	}
}
