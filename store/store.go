// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sort"
	"sync"
)

// Store is the in-memory mirror. All methods are safe for concurrent
// use. Getters return copies; mutating a returned value never touches
// the mirror.
type Store struct {
	mu sync.RWMutex

	sessions  map[string]*Session
	machines  map[string]*Machine
	artifacts map[string]*Artifact
	profile   *Profile
	settings  *Settings
	purchases []string
	friends   map[string]*Friend
	feed      []FeedItem
	todos     map[string]*Todo

	listeners []func()
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		machines:  make(map[string]*Machine),
		artifacts: make(map[string]*Artifact),
		friends:   make(map[string]*Friend),
		todos:     make(map[string]*Todo),
	}
}

// OnChange registers a listener invoked after every applied mutation.
// Listeners run synchronously under no lock; they read back through
// the getters. Register before the engine starts.
func (s *Store) OnChange(listener func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Store) notify() {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, listener := range listeners {
		listener()
	}
}

// Session returns a copy of the session, or false when absent.
func (s *Store) Session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// Sessions returns copies of all sessions, most recently active first.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	sessions := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, *session)
	}
	s.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ActiveAt != sessions[j].ActiveAt {
			return sessions[i].ActiveAt > sessions[j].ActiveAt
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// ApplySession merges a fetched session. Stale snapshots (seq behind
// the mirror) are dropped; metadata and agent state only advance when
// their versions do.
func (s *Store) ApplySession(incoming Session) {
	s.mu.Lock()
	current, ok := s.sessions[incoming.ID]
	if !ok {
		session := incoming
		s.sessions[incoming.ID] = &session
		s.mu.Unlock()
		s.notify()
		return
	}
	if incoming.Seq < current.Seq {
		s.mu.Unlock()
		return
	}
	current.Seq = incoming.Seq
	current.UpdatedAt = incoming.UpdatedAt
	current.ActiveAt = incoming.ActiveAt
	current.Active = incoming.Active
	current.CreatedAt = incoming.CreatedAt
	if incoming.MetadataVersion > current.MetadataVersion {
		current.MetadataVersion = incoming.MetadataVersion
		current.Metadata = incoming.Metadata
	}
	if incoming.AgentStateVersion > current.AgentStateVersion {
		current.AgentStateVersion = incoming.AgentStateVersion
		current.AgentState = incoming.AgentState
	}
	s.mu.Unlock()
	s.notify()
}

// AdvanceSessionSeq moves a session's seq forward after an update
// event carrying a newer sequence. Stale or unknown ids are ignored.
func (s *Store) AdvanceSessionSeq(id string, seq int64, at int64) {
	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok || seq <= session.Seq {
		s.mu.Unlock()
		return
	}
	session.Seq = seq
	if at > session.UpdatedAt {
		session.UpdatedAt = at
	}
	s.mu.Unlock()
	s.notify()
}

// ApplySessionMetadata advances one session's metadata if version is
// newer. Returns false when the session is unknown or version is not
// an advance.
func (s *Store) ApplySessionMetadata(id string, version int64, metadata *Metadata) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok || version <= session.MetadataVersion {
		s.mu.Unlock()
		return false
	}
	session.MetadataVersion = version
	session.Metadata = metadata
	s.mu.Unlock()
	s.notify()
	return true
}

// DropSession removes a session from the mirror (terminal delete).
func (s *Store) DropSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.notify()
}

// ApplyActivity applies a batch of ephemeral activity updates. Entity
// ids with no mirrored session are skipped.
func (s *Store) ApplyActivity(updates map[string]Activity) {
	s.mu.Lock()
	changed := false
	for id, activity := range updates {
		if session, ok := s.sessions[id]; ok {
			session.Active = activity.Active
			session.Thinking = activity.Thinking
			if activity.ActiveAt > session.ActiveAt {
				session.ActiveAt = activity.ActiveAt
			}
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Activity is the merged form of an ephemeral activity ping.
type Activity struct {
	Active   bool
	Thinking bool
	ActiveAt int64
}

// Machine returns a copy of the machine, or false when absent.
func (s *Store) Machine(id string) (Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	machine, ok := s.machines[id]
	if !ok {
		return Machine{}, false
	}
	return *machine, true
}

// Machines returns copies of all machines, sorted by id.
func (s *Store) Machines() []Machine {
	s.mu.RLock()
	machines := make([]Machine, 0, len(s.machines))
	for _, machine := range s.machines {
		machines = append(machines, *machine)
	}
	s.mu.RUnlock()
	sort.Slice(machines, func(i, j int) bool { return machines[i].ID < machines[j].ID })
	return machines
}

// ApplyMachine merges a fetched machine with the same monotonicity
// rules as ApplySession.
func (s *Store) ApplyMachine(incoming Machine) {
	s.mu.Lock()
	current, ok := s.machines[incoming.ID]
	if !ok {
		machine := incoming
		s.machines[incoming.ID] = &machine
		s.mu.Unlock()
		s.notify()
		return
	}
	if incoming.Seq < current.Seq {
		s.mu.Unlock()
		return
	}
	current.Seq = incoming.Seq
	current.UpdatedAt = incoming.UpdatedAt
	current.ActiveAt = incoming.ActiveAt
	current.Active = incoming.Active
	if incoming.MetadataVersion > current.MetadataVersion {
		current.MetadataVersion = incoming.MetadataVersion
		current.Metadata = incoming.Metadata
	}
	if incoming.DaemonStateVersion > current.DaemonStateVersion {
		current.DaemonStateVersion = incoming.DaemonStateVersion
		current.DaemonState = incoming.DaemonState
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyMachineMetadata advances one machine's metadata if version is
// newer.
func (s *Store) ApplyMachineMetadata(id string, version int64, metadata *MachineMetadata) bool {
	s.mu.Lock()
	machine, ok := s.machines[id]
	if !ok || version <= machine.MetadataVersion {
		s.mu.Unlock()
		return false
	}
	machine.MetadataVersion = version
	machine.Metadata = metadata
	s.mu.Unlock()
	s.notify()
	return true
}

// Artifact returns a copy of the artifact, or false when absent.
func (s *Store) Artifact(id string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return Artifact{}, false
	}
	return *artifact, true
}

// ApplyArtifact merges a fetched artifact.
func (s *Store) ApplyArtifact(incoming Artifact) {
	s.mu.Lock()
	current, ok := s.artifacts[incoming.ID]
	if !ok || incoming.Seq >= current.Seq {
		artifact := incoming
		if ok && incoming.Body == nil {
			artifact.Body = current.Body
		}
		s.artifacts[incoming.ID] = &artifact
	}
	s.mu.Unlock()
	s.notify()
}

// DropArtifact removes an artifact.
func (s *Store) DropArtifact(id string) {
	s.mu.Lock()
	delete(s.artifacts, id)
	s.mu.Unlock()
	s.notify()
}

// Profile returns the account profile, or false before first fetch.
func (s *Store) Profile() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return Profile{}, false
	}
	return *s.profile, true
}

// ApplyProfile replaces the account profile.
func (s *Store) ApplyProfile(profile Profile) {
	s.mu.Lock()
	s.profile = &profile
	s.mu.Unlock()
	s.notify()
}

// Purchases returns the active purchase entitlement ids.
func (s *Store) Purchases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.purchases...)
}

// ApplyPurchases replaces the purchase entitlements.
func (s *Store) ApplyPurchases(entitlements []string) {
	s.mu.Lock()
	s.purchases = append([]string(nil), entitlements...)
	s.mu.Unlock()
	s.notify()
}

// Friends returns all relationship edges, sorted by id.
func (s *Store) Friends() []Friend {
	s.mu.RLock()
	friends := make([]Friend, 0, len(s.friends))
	for _, friend := range s.friends {
		friends = append(friends, *friend)
	}
	s.mu.RUnlock()
	sort.Slice(friends, func(i, j int) bool { return friends[i].ID < friends[j].ID })
	return friends
}

// ApplyFriend upserts one relationship edge. An empty status removes
// the edge.
func (s *Store) ApplyFriend(friend Friend) {
	s.mu.Lock()
	if friend.Status == "" {
		delete(s.friends, friend.ID)
	} else {
		f := friend
		s.friends[friend.ID] = &f
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyFriends replaces all relationship edges (full refresh).
func (s *Store) ApplyFriends(friends []Friend) {
	s.mu.Lock()
	s.friends = make(map[string]*Friend, len(friends))
	for _, friend := range friends {
		f := friend
		s.friends[friend.ID] = &f
	}
	s.mu.Unlock()
	s.notify()
}

// Feed returns the feed items, newest first as fetched.
func (s *Store) Feed() []FeedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FeedItem(nil), s.feed...)
}

// ApplyFeed replaces the feed (full refresh).
func (s *Store) ApplyFeed(items []FeedItem) {
	s.mu.Lock()
	s.feed = append([]FeedItem(nil), items...)
	s.mu.Unlock()
	s.notify()
}

// Todos returns all todos, sorted by id.
func (s *Store) Todos() []Todo {
	s.mu.RLock()
	todos := make([]Todo, 0, len(s.todos))
	for _, todo := range s.todos {
		todos = append(todos, *todo)
	}
	s.mu.RUnlock()
	sort.Slice(todos, func(i, j int) bool { return todos[i].ID < todos[j].ID })
	return todos
}

// ApplyTodoBatch upserts a batch of todos. Entries newer in the mirror
// (by UpdatedAt) win over the batch.
func (s *Store) ApplyTodoBatch(todos []Todo) {
	s.mu.Lock()
	for _, todo := range todos {
		current, ok := s.todos[todo.ID]
		if ok && current.UpdatedAt > todo.UpdatedAt {
			continue
		}
		entry := todo
		s.todos[todo.ID] = &entry
	}
	s.mu.Unlock()
	s.notify()
}

// Settings returns the acknowledged server settings, or false before
// first fetch.
func (s *Store) Settings() (Settings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return Settings{}, false
	}
	return *s.settings, true
}

// ApplySettings replaces the acknowledged server settings.
func (s *Store) ApplySettings(settings Settings) {
	s.mu.Lock()
	s.settings = &settings
	s.mu.Unlock()
	s.notify()
}
