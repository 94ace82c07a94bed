// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slopus/happy-sync/keystore"
	"github.com/slopus/happy-sync/lib/clock"
	"github.com/slopus/happy-sync/store"
	"github.com/slopus/happy-sync/transport"
	"github.com/slopus/happy-sync/wire"
)

// settingsEntityID keys the account settings record in the keystore.
// Settings predate data keys and always use the legacy account key.
const settingsEntityID = "settings"

// SessionRecord is a fetched session as the server holds it: plaintext
// envelope fields plus ciphertext payloads.
type SessionRecord struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	ActiveAt  int64  `json:"activeAt"`
	Active    bool   `json:"active"`

	MetadataVersion int64  `json:"metadataVersion"`
	Metadata        string `json:"metadata"`

	AgentStateVersion int64  `json:"agentStateVersion,omitempty"`
	AgentState        string `json:"agentState,omitempty"`

	// DataKey is the session's wrapped data key, present for
	// data-key mode sessions.
	DataKey string `json:"dataKey,omitempty"`
}

// MachineRecord is a fetched machine.
type MachineRecord struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	ActiveAt  int64  `json:"activeAt"`
	Active    bool   `json:"active"`

	MetadataVersion int64  `json:"metadataVersion"`
	Metadata        string `json:"metadata"`

	DaemonStateVersion int64  `json:"daemonStateVersion,omitempty"`
	DaemonState        string `json:"daemonState,omitempty"`
}

// ArtifactRecord is a fetched artifact header (body fetched lazily).
type ArtifactRecord struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`

	HeaderVersion int64  `json:"headerVersion"`
	Header        string `json:"header"`

	DataKey string `json:"dataKey,omitempty"`
}

// SettingsRecord is the fetched account settings ciphertext.
type SettingsRecord struct {
	Version  int64  `json:"version"`
	Settings string `json:"settings"`
}

// Fetcher pulls collection snapshots from the server. Implementations
// live outside the engine (REST client); the engine owns decryption
// and application.
type Fetcher interface {
	Sessions(ctx context.Context) ([]SessionRecord, error)
	Machines(ctx context.Context) ([]MachineRecord, error)
	Artifacts(ctx context.Context) ([]ArtifactRecord, error)
	Settings(ctx context.Context) (SettingsRecord, error)
	Profile(ctx context.Context) (store.Profile, error)
	Purchases(ctx context.Context) ([]string, error)
	Friends(ctx context.Context) ([]store.Friend, error)
	Feed(ctx context.Context) ([]store.FeedItem, error)
	Todos(ctx context.Context) ([]store.Todo, error)
}

// Collection names, used as InvalidateSync identifiers and in logs.
const (
	CollectionSessions  = "sessions"
	CollectionMachines  = "machines"
	CollectionSettings  = "settings"
	CollectionProfile   = "profile"
	CollectionPurchases = "purchases"
	CollectionArtifacts = "artifacts"
	CollectionFriends   = "friends"
	CollectionFeed      = "feed"
	CollectionTodos     = "todos"
)

var collections = []string{
	CollectionSessions, CollectionMachines, CollectionSettings,
	CollectionProfile, CollectionPurchases, CollectionArtifacts,
	CollectionFriends, CollectionFeed, CollectionTodos,
}

// Config assembles an Engine's dependencies.
type Config struct {
	Socket  transport.Socket
	Keys    *keystore.KeyStore
	Store   *store.Store
	Fetcher Fetcher

	// Persistence is optional; without it pending settings live only
	// in memory.
	Persistence *store.Persistence

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// ActivityFlushInterval defaults to the standard window.
	ActivityFlushInterval time.Duration

	// RPCTimeout defaults to the standard deadline.
	RPCTimeout time.Duration

	// StatusObserver receives refresh failures (and nil on recovery)
	// from every collection scheduler.
	StatusObserver func(collection string, err *SyncError)
}

// Engine is the synchronization core, constructed once per process
// and passed explicitly to its callers. It owns one InvalidateSync
// per entity collection, routes inbound socket events into the
// mirror, and exposes the typed operation surfaces.
type Engine struct {
	socket  transport.Socket
	keys    *keystore.KeyStore
	store   *store.Store
	fetcher Fetcher
	persist *store.Persistence
	clk     clock.Clock
	logger  *slog.Logger

	rpc      *RPCClient
	updater  *MetadataUpdater
	sessions *SessionOps
	machines *MachineOps
	caps     *Capabilities

	syncs    map[string]*InvalidateSync
	activity *ActivityAccumulator

	pendingMu       sync.Mutex
	pendingSettings *store.SettingsDelta
}

// New wires an Engine. It registers its socket handlers immediately;
// call it before the socket's run loop starts.
func New(cfg Config) (*Engine, error) {
	if cfg.Socket == nil || cfg.Keys == nil || cfg.Store == nil || cfg.Fetcher == nil {
		return nil, fmt.Errorf("engine: socket, keys, store, and fetcher are required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		socket:  cfg.Socket,
		keys:    cfg.Keys,
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		persist: cfg.Persistence,
		clk:     clk,
		logger:  logger,
		syncs:   make(map[string]*InvalidateSync),
	}
	e.rpc = NewRPCClient(cfg.Socket, cfg.Keys, clk, logger, cfg.RPCTimeout)
	e.updater = NewMetadataUpdater(cfg.Socket, cfg.Keys, cfg.Store, logger)
	e.sessions = NewSessionOps(e.rpc, e.updater, cfg.Socket, cfg.Keys, cfg.Store, clk, logger)
	e.machines = NewMachineOps(e.rpc, logger)
	e.caps = NewCapabilities(e.rpc, logger)
	e.activity = NewActivityAccumulator(cfg.ActivityFlushInterval, clk, e.store.ApplyActivity)

	refreshers := map[string]func(context.Context) error{
		CollectionSessions:  e.refreshSessions,
		CollectionMachines:  e.refreshMachines,
		CollectionSettings:  e.refreshSettings,
		CollectionProfile:   e.refreshProfile,
		CollectionPurchases: e.refreshPurchases,
		CollectionArtifacts: e.refreshArtifacts,
		CollectionFriends:   e.refreshFriends,
		CollectionFeed:      e.refreshFeed,
		CollectionTodos:     e.refreshTodos,
	}
	for _, name := range collections {
		opts := []SyncOption{WithClock(clk), WithLogger(logger)}
		if cfg.StatusObserver != nil {
			observer := cfg.StatusObserver
			opts = append(opts, WithObserver(func(err *SyncError) { observer(name, err) }))
		}
		e.syncs[name] = NewInvalidateSync(name, refreshers[name], opts...)
	}

	if e.persist != nil {
		delta, err := e.persist.LoadPendingSettings()
		if err != nil {
			return nil, fmt.Errorf("loading pending settings: %w", err)
		}
		e.pendingSettings = delta
	}

	cfg.Socket.On("update", e.handleUpdate)
	cfg.Socket.On("ephemeral", e.handleEphemeral)
	cfg.Socket.OnStatus(e.handleStatus)
	return e, nil
}

// Sessions is the session-control surface.
func (e *Engine) Sessions() *SessionOps { return e.sessions }

// Machines is the daemon-control surface.
func (e *Engine) Machines() *MachineOps { return e.machines }

// Capabilities is the optional-feature negotiation surface.
func (e *Engine) Capabilities() *Capabilities { return e.caps }

// Metadata is the optimistic-write surface.
func (e *Engine) Metadata() *MetadataUpdater { return e.updater }

// Invalidate schedules a refresh of one collection.
func (e *Engine) Invalidate(collection string) {
	if s, ok := e.syncs[collection]; ok {
		s.Invalidate()
	}
}

// InvalidateAndAwait refreshes one collection and waits for a run
// reflecting the request.
func (e *Engine) InvalidateAndAwait(ctx context.Context, collection string) error {
	s, ok := e.syncs[collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	return s.InvalidateAndAwait(ctx)
}

// InvalidateAll schedules a refresh of every collection.
func (e *Engine) InvalidateAll() {
	for _, s := range e.syncs {
		s.Invalidate()
	}
}

// AwaitIdle blocks until no collection has a run in flight or pending.
func (e *Engine) AwaitIdle(ctx context.Context) error {
	for _, name := range collections {
		if err := e.syncs[name].AwaitQueue(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Foreground marks the app visible again: every collection refreshes.
func (e *Engine) Foreground() {
	e.InvalidateAll()
}

// Background marks the app hidden: pending settings flush to durable
// storage immediately and the activity window drains, ahead of any
// timer that would otherwise fire after suspension.
func (e *Engine) Background() error {
	e.activity.Flush()
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return e.persistPendingLocked()
}

// UpdateSettings stages local settings edits. The delta merges into
// any unacknowledged edits, persists for crash safety, and schedules
// a settings sync that will push it to the server.
func (e *Engine) UpdateSettings(delta *store.SettingsDelta) error {
	if delta.IsEmpty() {
		return nil
	}
	e.pendingMu.Lock()
	e.pendingSettings = e.pendingSettings.Merge(delta)
	err := e.persistPendingLocked()
	e.pendingMu.Unlock()
	if err != nil {
		return err
	}
	e.Invalidate(CollectionSettings)
	return nil
}

// PendingSettings returns the unacknowledged settings edits, nil when
// none are staged.
func (e *Engine) PendingSettings() *store.SettingsDelta {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pendingSettings == nil {
		return nil
	}
	copied := *e.pendingSettings
	return &copied
}

func (e *Engine) persistPendingLocked() error {
	if e.persist == nil {
		return nil
	}
	return e.persist.SavePendingSettings(e.pendingSettings)
}

// handleUpdate routes one inbound update event. Malformed envelopes
// and unknown body kinds are skipped; the stream must survive any
// single bad entry.
func (e *Engine) handleUpdate(payload []byte) {
	event := wire.ParseUpdateEvent(payload)
	if event == nil {
		e.logger.Warn("dropping malformed update event")
		return
	}
	body, ok := wire.ParseUpdateBody(event.Body)
	if !ok {
		return
	}

	switch body.Kind {
	case wire.UpdateKindSessionMetadata:
		update := wire.ParseSessionMetadataUpdate(body.Payload)
		if update == nil {
			return
		}
		metadata, err := decryptRecord[store.Metadata](e.updater, update.SessionID, update.Metadata)
		if err != nil {
			e.logger.Warn("undecryptable session metadata update", "session", update.SessionID, "error", err)
			e.Invalidate(CollectionSessions)
			return
		}
		e.store.ApplySessionMetadata(update.SessionID, update.Version, metadata)
		// Off the read loop: the repair issues its own request and
		// must not block ack delivery.
		go e.updater.RepairReadState(context.Background(), update.SessionID)

	case wire.UpdateKindMachineMetadata:
		update := wire.ParseMachineMetadataUpdate(body.Payload)
		if update == nil {
			return
		}
		metadata, err := decryptRecord[store.MachineMetadata](e.updater, update.MachineID, update.Metadata)
		if err != nil {
			e.logger.Warn("undecryptable machine metadata update", "machine", update.MachineID, "error", err)
			e.Invalidate(CollectionMachines)
			return
		}
		e.store.ApplyMachineMetadata(update.MachineID, update.Version, metadata)

	case wire.UpdateKindMessage:
		update := wire.ParseMessageUpdate(body.Payload)
		if update == nil {
			return
		}
		e.store.AdvanceSessionSeq(update.SessionID, update.Seq, event.CreatedAt)

	case wire.UpdateKindArtifact:
		e.Invalidate(CollectionArtifacts)
	case wire.UpdateKindAccount:
		e.Invalidate(CollectionProfile)
		e.Invalidate(CollectionSettings)
	case wire.UpdateKindFeed:
		e.Invalidate(CollectionFeed)
	case wire.UpdateKindTodoBatch:
		e.Invalidate(CollectionTodos)
	case wire.UpdateKindRelationship:
		e.Invalidate(CollectionFriends)
	}
}

func (e *Engine) handleEphemeral(payload []byte) {
	event := wire.ParseActivityEvent(payload)
	if event == nil {
		return
	}
	e.activity.Add(event.EntityID, store.Activity{
		Active:   event.Active,
		Thinking: event.Thinking,
		ActiveAt: event.ActiveAt,
	})
}

// handleStatus sweeps every collection on reconnect: updates missed
// while offline have no event replay, only refetch.
func (e *Engine) handleStatus(status transport.Status) {
	if status == transport.StatusConnected {
		e.InvalidateAll()
	}
}

func (e *Engine) refreshSessions(ctx context.Context) error {
	records, err := e.fetcher.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.DataKey != "" && !e.keys.HasDataKey(record.ID) {
			if err := e.keys.RegisterDataKey(record.ID, record.DataKey); err != nil {
				e.logger.Warn("rejecting session data key", "session", record.ID, "error", err)
				continue
			}
		}
		session := store.Session{
			ID:              record.ID,
			Seq:             record.Seq,
			CreatedAt:       record.CreatedAt,
			UpdatedAt:       record.UpdatedAt,
			ActiveAt:        record.ActiveAt,
			Active:          record.Active,
			MetadataVersion: record.MetadataVersion,
		}
		if record.Metadata != "" {
			metadata, err := decryptRecord[store.Metadata](e.updater, record.ID, record.Metadata)
			if err != nil {
				e.logger.Warn("undecryptable session metadata", "session", record.ID, "error", err)
				continue
			}
			session.Metadata = metadata
		}
		if record.AgentState != "" {
			state, err := decryptRecord[store.AgentState](e.updater, record.ID, record.AgentState)
			if err != nil {
				e.logger.Warn("undecryptable agent state", "session", record.ID, "error", err)
			} else {
				session.AgentStateVersion = record.AgentStateVersion
				session.AgentState = state
			}
		}
		e.store.ApplySession(session)
		e.updater.RepairReadState(ctx, record.ID)
	}
	return nil
}

func (e *Engine) refreshMachines(ctx context.Context) error {
	records, err := e.fetcher.Machines(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		machine := store.Machine{
			ID:              record.ID,
			Seq:             record.Seq,
			CreatedAt:       record.CreatedAt,
			UpdatedAt:       record.UpdatedAt,
			ActiveAt:        record.ActiveAt,
			Active:          record.Active,
			MetadataVersion: record.MetadataVersion,
		}
		if record.Metadata != "" {
			metadata, err := decryptRecord[store.MachineMetadata](e.updater, record.ID, record.Metadata)
			if err != nil {
				e.logger.Warn("undecryptable machine metadata", "machine", record.ID, "error", err)
				continue
			}
			machine.Metadata = metadata
		}
		if record.DaemonState != "" {
			state, err := decryptRecord[store.DaemonState](e.updater, record.ID, record.DaemonState)
			if err != nil {
				e.logger.Warn("undecryptable daemon state", "machine", record.ID, "error", err)
			} else {
				machine.DaemonStateVersion = record.DaemonStateVersion
				machine.DaemonState = state
			}
		}
		e.store.ApplyMachine(machine)
	}
	return nil
}

func (e *Engine) refreshArtifacts(ctx context.Context) error {
	records, err := e.fetcher.Artifacts(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.DataKey != "" && !e.keys.HasDataKey(record.ID) {
			if err := e.keys.RegisterDataKey(record.ID, record.DataKey); err != nil {
				e.logger.Warn("rejecting artifact data key", "artifact", record.ID, "error", err)
				continue
			}
		}
		artifact := store.Artifact{
			ID:            record.ID,
			Seq:           record.Seq,
			CreatedAt:     record.CreatedAt,
			UpdatedAt:     record.UpdatedAt,
			HeaderVersion: record.HeaderVersion,
		}
		if record.Header != "" {
			header, err := decryptRecord[store.ArtifactHeader](e.updater, record.ID, record.Header)
			if err != nil {
				e.logger.Warn("undecryptable artifact header", "artifact", record.ID, "error", err)
				continue
			}
			artifact.Header = header
		}
		e.store.ApplyArtifact(artifact)
	}
	return nil
}

// refreshSettings pulls the server settings and, when local edits are
// staged, pushes the merged record back with optimistic concurrency.
// Acknowledged edits clear the pending delta and its persisted copy.
func (e *Engine) refreshSettings(ctx context.Context) error {
	record, err := e.fetcher.Settings(ctx)
	if err != nil {
		return err
	}
	var settings store.Settings
	if record.Settings != "" {
		plaintext, err := e.keys.Decrypt(settingsEntityID, record.Settings)
		if err != nil {
			return fmt.Errorf("decrypting settings: %w", err)
		}
		if err := json.Unmarshal(plaintext, &settings); err != nil {
			return fmt.Errorf("decoding settings: %w", err)
		}
	}
	settings.Version = record.Version

	e.pendingMu.Lock()
	delta := e.pendingSettings
	e.pendingMu.Unlock()
	if delta.IsEmpty() {
		e.store.ApplySettings(settings)
		return nil
	}

	merged := delta.ApplyTo(settings)
	plaintext, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	blob, err := e.keys.Encrypt(settingsEntityID, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting settings: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"expectedVersion": record.Version,
		"settings":        blob,
	})
	if err != nil {
		return fmt.Errorf("encoding settings write: %w", err)
	}
	raw, err := e.socket.Request(ctx, "update-settings", body)
	if err != nil {
		return fmt.Errorf("settings write: %w", err)
	}
	ack := wire.ParseMetadataWriteAck(raw)
	if ack == nil {
		return fmt.Errorf("malformed settings write ack")
	}
	switch ack.Result {
	case wire.WriteResultSuccess:
		merged.Version = ack.Version
		e.store.ApplySettings(merged)
		e.pendingMu.Lock()
		// Only the snapshot we pushed is acknowledged. An edit staged
		// while the write was in flight replaced pendingSettings with
		// a fresh merge; that delta has not been sent and must stay.
		if e.pendingSettings == delta {
			e.pendingSettings = nil
		}
		err := e.persistPendingLocked()
		retained := e.pendingSettings
		e.pendingMu.Unlock()
		if retained != nil {
			e.Invalidate(CollectionSettings)
		}
		return err
	case wire.WriteResultVersionMismatch:
		// Another device wrote first. Keep the delta staged; the
		// next refresh rebases it on the fresher record.
		e.Invalidate(CollectionSettings)
		return nil
	default:
		return fmt.Errorf("settings write rejected: %s", ack.Message)
	}
}

func (e *Engine) refreshProfile(ctx context.Context) error {
	profile, err := e.fetcher.Profile(ctx)
	if err != nil {
		return err
	}
	e.store.ApplyProfile(profile)
	return nil
}

func (e *Engine) refreshPurchases(ctx context.Context) error {
	entitlements, err := e.fetcher.Purchases(ctx)
	if err != nil {
		return err
	}
	e.store.ApplyPurchases(entitlements)
	return nil
}

func (e *Engine) refreshFriends(ctx context.Context) error {
	friends, err := e.fetcher.Friends(ctx)
	if err != nil {
		return err
	}
	e.store.ApplyFriends(friends)
	return nil
}

func (e *Engine) refreshFeed(ctx context.Context) error {
	items, err := e.fetcher.Feed(ctx)
	if err != nil {
		return err
	}
	e.store.ApplyFeed(items)
	return nil
}

func (e *Engine) refreshTodos(ctx context.Context) error {
	todos, err := e.fetcher.Todos(ctx)
	if err != nil {
		return err
	}
	e.store.ApplyTodoBatch(todos)
	return nil
}
