// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "encoding/json"

// Metadata is the decrypted session metadata record. It is shared
// across devices and versions of this client, so it is only partially
// schema'd: fields listed here are typed, and everything else rides in
// the passthrough map and survives a round trip unchanged.
//
// Treat values as immutable once stored; optimistic updaters must
// Clone before mutating, because a retry re-runs the update function
// against a different base and a shared mutation would corrupt it.
type Metadata struct {
	// Path is the agent's working directory on the host machine.
	Path string `json:"path,omitempty"`

	// Host is the machine hostname the session runs on.
	Host string `json:"host,omitempty"`

	// MachineID links the session to its hosting machine.
	MachineID string `json:"machineId,omitempty"`

	// Summary is the user-visible session title.
	Summary string `json:"summary,omitempty"`

	// Archived marks sessions the user has dismissed.
	Archived bool `json:"archived,omitempty"`

	// PermissionMode is the agent's tool-permission policy
	// (e.g. "default", "acceptEdits", "yolo").
	PermissionMode string `json:"permissionMode,omitempty"`

	// PendingMessages queues user messages submitted while the
	// session had no live agent process. The daemon drains the queue
	// on spawn.
	PendingMessages []PendingMessage `json:"pendingMessages,omitempty"`

	// ReadState is the read cursor for unread tracking.
	ReadState *ReadState `json:"readStateV1,omitempty"`

	// passthrough carries fields written by newer clients. Keys never
	// collide with the typed fields above: UnmarshalJSON removes known
	// keys before storing the remainder.
	passthrough map[string]json.RawMessage
}

// PendingMessage is one queued user message awaiting an agent process.
type PendingMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ReadState is the per-session read cursor. SessionSeq must never
// exceed the session's own seq; see the repair path in the engine.
type ReadState struct {
	SessionSeq        int64 `json:"sessionSeq"`
	PendingActivityAt int64 `json:"pendingActivityAt,omitempty"`
	UpdatedAt         int64 `json:"updatedAt,omitempty"`
}

// knownMetadataKeys are the JSON keys owned by the typed fields.
var knownMetadataKeys = []string{
	"path", "host", "machineId", "summary", "archived",
	"permissionMode", "pendingMessages", "readStateV1",
}

// metadataAlias avoids recursion into the custom (un)marshalers.
type metadataAlias Metadata

// UnmarshalJSON decodes the typed fields and stows every unknown key
// in the passthrough map.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var known metadataAlias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, key := range knownMetadataKeys {
		delete(all, key)
	}
	if len(all) > 0 {
		known.passthrough = all
	}
	*m = Metadata(known)
	return nil
}

// MarshalJSON emits the typed fields plus the passthrough keys. Typed
// fields win on (impossible by construction) collisions.
func (m Metadata) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.passthrough) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.passthrough {
		if _, owned := merged[key]; !owned {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy safe to mutate independently.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	clone := *m
	if m.PendingMessages != nil {
		clone.PendingMessages = append([]PendingMessage(nil), m.PendingMessages...)
	}
	if m.ReadState != nil {
		readState := *m.ReadState
		clone.ReadState = &readState
	}
	if m.passthrough != nil {
		clone.passthrough = make(map[string]json.RawMessage, len(m.passthrough))
		for key, value := range m.passthrough {
			clone.passthrough[key] = value
		}
	}
	return &clone
}
