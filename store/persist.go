// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"sync"

	"github.com/slopus/happy-sync/lib/codec"
)

// KV is the small durable-storage surface Persistence needs. Get
// returns false for a missing key.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

const (
	keyPendingSettings = "pending-settings"
	keySessionModes    = "session-model-modes"
	keyDraft           = "new-session-draft"
)

// Persistence reads and writes the client's durable local state:
// unacknowledged settings edits, per-session model-mode choices, and
// the new-session draft. Records are CBOR on disk; anything that fails
// to decode is treated as absent rather than poisoning startup.
type Persistence struct {
	kv KV
}

// NewPersistence wraps a KV store.
func NewPersistence(kv KV) *Persistence {
	return &Persistence{kv: kv}
}

// SavePendingSettings stores the unacknowledged settings delta. An
// empty delta removes the key entirely so a fresh start sees no
// phantom edit.
func (p *Persistence) SavePendingSettings(delta *SettingsDelta) error {
	if delta.IsEmpty() {
		if err := p.kv.Delete(keyPendingSettings); err != nil {
			return fmt.Errorf("deleting pending settings: %w", err)
		}
		return nil
	}
	encoded, err := codec.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encoding pending settings: %w", err)
	}
	if err := p.kv.Set(keyPendingSettings, encoded); err != nil {
		return fmt.Errorf("storing pending settings: %w", err)
	}
	return nil
}

// LoadPendingSettings returns the persisted delta, or nil when none is
// stored or the stored record is unreadable.
func (p *Persistence) LoadPendingSettings() (*SettingsDelta, error) {
	encoded, ok, err := p.kv.Get(keyPendingSettings)
	if err != nil {
		return nil, fmt.Errorf("reading pending settings: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var delta SettingsDelta
	if err := codec.Unmarshal(encoded, &delta); err != nil {
		return nil, nil
	}
	if delta.IsEmpty() {
		return nil, nil
	}
	return &delta, nil
}

// SaveSessionModes stores the per-session model-mode map.
func (p *Persistence) SaveSessionModes(modes map[string]string) error {
	if len(modes) == 0 {
		if err := p.kv.Delete(keySessionModes); err != nil {
			return fmt.Errorf("deleting session modes: %w", err)
		}
		return nil
	}
	encoded, err := codec.Marshal(modes)
	if err != nil {
		return fmt.Errorf("encoding session modes: %w", err)
	}
	if err := p.kv.Set(keySessionModes, encoded); err != nil {
		return fmt.Errorf("storing session modes: %w", err)
	}
	return nil
}

// LoadSessionModes returns the persisted model-mode map, empty when
// absent or unreadable.
func (p *Persistence) LoadSessionModes() (map[string]string, error) {
	encoded, ok, err := p.kv.Get(keySessionModes)
	if err != nil {
		return nil, fmt.Errorf("reading session modes: %w", err)
	}
	if !ok {
		return map[string]string{}, nil
	}
	var modes map[string]string
	if err := codec.Unmarshal(encoded, &modes); err != nil || modes == nil {
		return map[string]string{}, nil
	}
	return modes, nil
}

// Draft is the locally persisted new-session draft.
type Draft struct {
	Directory string `cbor:"directory,omitempty"`
	MachineID string `cbor:"machineId,omitempty"`
	Prompt    string `cbor:"prompt,omitempty"`
}

// SaveDraft stores the new-session draft. A zero draft removes it.
func (p *Persistence) SaveDraft(draft Draft) error {
	if draft == (Draft{}) {
		if err := p.kv.Delete(keyDraft); err != nil {
			return fmt.Errorf("deleting draft: %w", err)
		}
		return nil
	}
	encoded, err := codec.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encoding draft: %w", err)
	}
	if err := p.kv.Set(keyDraft, encoded); err != nil {
		return fmt.Errorf("storing draft: %w", err)
	}
	return nil
}

// LoadDraft returns the persisted draft, zero when absent or
// unreadable.
func (p *Persistence) LoadDraft() (Draft, error) {
	encoded, ok, err := p.kv.Get(keyDraft)
	if err != nil {
		return Draft{}, fmt.Errorf("reading draft: %w", err)
	}
	if !ok {
		return Draft{}, nil
	}
	var draft Draft
	if err := codec.Unmarshal(encoded, &draft); err != nil {
		return Draft{}, nil
	}
	return draft, nil
}

// MemoryKV is an in-memory KV for tests and ephemeral runs.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
