// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "encoding/json"

// UpdateKind discriminates the body of an inbound update event.
type UpdateKind string

// Update body kinds, routed by the `t` field.
const (
	UpdateKindMessage         UpdateKind = "message"
	UpdateKindSessionMetadata UpdateKind = "session-metadata"
	UpdateKindMachineMetadata UpdateKind = "machine-metadata"
	UpdateKindArtifact        UpdateKind = "artifact"
	UpdateKindAccount         UpdateKind = "account"
	UpdateKindFeed            UpdateKind = "feed"
	UpdateKindTodoBatch       UpdateKind = "todo-batch"
	UpdateKindRelationship    UpdateKind = "relationship"
)

// knownUpdateKinds is the set of body kinds this client understands.
// Unknown kinds are not an error (newer servers emit kinds older
// clients skip), but they parse to ok=false so handlers ignore them.
var knownUpdateKinds = map[UpdateKind]bool{
	UpdateKindMessage:         true,
	UpdateKindSessionMetadata: true,
	UpdateKindMachineMetadata: true,
	UpdateKindArtifact:        true,
	UpdateKindAccount:         true,
	UpdateKindFeed:            true,
	UpdateKindTodoBatch:       true,
	UpdateKindRelationship:    true,
}

// UpdateEvent is one entry in the server's ordered update stream.
type UpdateEvent struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	CreatedAt int64           `json:"createdAt"`
	Body      json.RawMessage `json:"body"`
}

// UpdateBody is the discriminated body of an UpdateEvent. Payload is
// the full body object, re-decoded by the kind-specific handler.
type UpdateBody struct {
	Kind    UpdateKind
	Payload json.RawMessage
}

// ParseUpdateEvent validates an update envelope. Returns nil for
// structurally invalid input (not an object, missing id or body).
func ParseUpdateEvent(raw []byte) *UpdateEvent {
	var event UpdateEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil
	}
	if event.ID == "" || len(event.Body) == 0 {
		return nil
	}
	return &event
}

// ParseUpdateBody extracts the kind tag from an update body. Returns
// ok=false when the body is not an object, carries no `t`, or carries
// a kind this client does not understand.
func ParseUpdateBody(raw json.RawMessage) (UpdateBody, bool) {
	var tag struct {
		T UpdateKind `json:"t"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return UpdateBody{}, false
	}
	if !knownUpdateKinds[tag.T] {
		return UpdateBody{}, false
	}
	return UpdateBody{Kind: tag.T, Payload: raw}, true
}

// SessionMetadataUpdate is the payload of a session-metadata update:
// the server accepted someone's metadata write and is fanning out the
// new ciphertext with its version.
type SessionMetadataUpdate struct {
	SessionID string `json:"sid"`
	Version   int64  `json:"version"`
	Metadata  string `json:"metadata"`
}

// ParseSessionMetadataUpdate validates a session-metadata body.
func ParseSessionMetadataUpdate(raw json.RawMessage) *SessionMetadataUpdate {
	var update struct {
		T UpdateKind `json:"t"`
		SessionMetadataUpdate
	}
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil
	}
	if update.T != UpdateKindSessionMetadata || update.SessionID == "" || update.Version <= 0 || update.Metadata == "" {
		return nil
	}
	result := update.SessionMetadataUpdate
	return &result
}

// MachineMetadataUpdate is the payload of a machine-metadata update.
type MachineMetadataUpdate struct {
	MachineID string `json:"machineId"`
	Version   int64  `json:"version"`
	Metadata  string `json:"metadata"`
}

// ParseMachineMetadataUpdate validates a machine-metadata body.
func ParseMachineMetadataUpdate(raw json.RawMessage) *MachineMetadataUpdate {
	var update struct {
		T UpdateKind `json:"t"`
		MachineMetadataUpdate
	}
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil
	}
	if update.T != UpdateKindMachineMetadata || update.MachineID == "" || update.Version <= 0 || update.Metadata == "" {
		return nil
	}
	result := update.MachineMetadataUpdate
	return &result
}

// MessageUpdate is the payload of a message update: a new encrypted
// message appended to a session's transcript.
type MessageUpdate struct {
	SessionID string `json:"sid"`
	MessageID string `json:"mid"`
	Seq       int64  `json:"seq"`
	Content   string `json:"content"`
}

// ParseMessageUpdate validates a message body.
func ParseMessageUpdate(raw json.RawMessage) *MessageUpdate {
	var update struct {
		T UpdateKind `json:"t"`
		MessageUpdate
	}
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil
	}
	if update.T != UpdateKindMessage || update.SessionID == "" || update.MessageID == "" {
		return nil
	}
	result := update.MessageUpdate
	return &result
}

// ActivityEvent is an ephemeral activity ping. Not persisted; later
// pings for the same entity supersede earlier ones.
type ActivityEvent struct {
	EntityID string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"`
	Thinking bool   `json:"thinking,omitempty"`
}

// ParseActivityEvent validates an ephemeral activity payload.
func ParseActivityEvent(raw []byte) *ActivityEvent {
	var event ActivityEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil
	}
	if event.EntityID == "" {
		return nil
	}
	return &event
}
