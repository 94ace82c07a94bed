// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package store holds the local mirror of server-owned entities:
// sessions, machines, artifacts, the account profile, and settings.
//
// The server is the source of truth; the mirror converges toward it.
// Apply functions enforce monotonicity: an entity's seq and its
// metadata version only move forward, so replayed or reordered events
// cannot roll state back. All timestamps are Unix milliseconds, the
// server's native unit.
//
// Metadata records are partially schema'd: fields this client knows are
// typed, everything else passes through untouched so a write from this
// client never destroys a field written by a newer one.
package store

// Session is an AI agent run brokered by the coordination server.
type Session struct {
	ID        string
	Seq       int64
	CreatedAt int64
	UpdatedAt int64
	ActiveAt  int64
	Active    bool

	// Thinking mirrors the latest ephemeral activity ping: the agent
	// is processing. Not persisted server-side.
	Thinking bool

	// MetadataVersion is the optimistic-concurrency token for
	// Metadata. Only ever increases.
	MetadataVersion int64

	// Metadata is the decrypted metadata record, nil until the first
	// successful decrypt.
	Metadata *Metadata

	// AgentStateVersion and AgentState track the agent-owned dynamic
	// state, versioned independently of Metadata.
	AgentStateVersion int64
	AgentState        *AgentState
}

// Machine is a daemon host registered with the coordination server.
type Machine struct {
	ID        string
	Seq       int64
	CreatedAt int64
	UpdatedAt int64
	ActiveAt  int64
	Active    bool

	MetadataVersion int64
	Metadata        *MachineMetadata

	DaemonStateVersion int64
	DaemonState        *DaemonState
}

// Artifact is a user-owned blob (drafts, saved outputs) with an
// encrypted header and body.
type Artifact struct {
	ID        string
	Seq       int64
	CreatedAt int64
	UpdatedAt int64

	HeaderVersion int64
	Header        *ArtifactHeader

	// Body is decrypted lazily; nil until fetched.
	Body []byte
}

// ArtifactHeader is the decrypted artifact header record.
type ArtifactHeader struct {
	Title string `json:"title,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// AgentState is the agent-owned dynamic session state.
type AgentState struct {
	ControlledByUser *bool                    `json:"controlledByUser,omitempty"`
	Requests         map[string]PermissionAsk `json:"requests,omitempty"`
}

// PermissionAsk is one pending permission request from the agent.
type PermissionAsk struct {
	Tool      string `json:"tool"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// DaemonState is the daemon-owned dynamic machine state.
type DaemonState struct {
	Status       string `json:"status,omitempty"`
	PID          int    `json:"pid,omitempty"`
	HappyVersion string `json:"happyVersion,omitempty"`
}

// MachineMetadata is the decrypted machine metadata record.
type MachineMetadata struct {
	Host     string `json:"host,omitempty"`
	Platform string `json:"platform,omitempty"`
	HomeDir  string `json:"homeDir,omitempty"`

	// PublicKey is the machine's age public key. Data-key export
	// bundles for session resume are sealed to it.
	PublicKey string `json:"publicKey,omitempty"`
}

// Profile is the account profile record.
type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// FeedItem is one entry in the social feed. Opaque to the sync core
// beyond identity and ordering.
type FeedItem struct {
	ID        string `json:"id"`
	Cursor    string `json:"cursor"`
	CreatedAt int64  `json:"createdAt"`
	Body      string `json:"body,omitempty"`
}

// Friend is a relationship edge.
type Friend struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Todo is one synchronized todo entry.
type Todo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Done      bool   `json:"done"`
	UpdatedAt int64  `json:"updatedAt"`
}
