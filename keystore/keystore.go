// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore holds the per-entity symmetric keys that protect
// session, machine, and artifact metadata, and performs the
// encrypt/decrypt operations the sync engine needs.
//
// Keys never touch persistent storage. The account master secret and
// every unwrapped data key live in secret.Buffer values (mmap-backed,
// locked against swap, zeroed on close). On process restart the map is
// empty; data keys are re-derived from credentials plus the wrapped
// ciphertext returned by the next entity fetch.
//
// Two encryption generations coexist on the wire:
//
//   - version 0 (legacy): a single key derived from the master secret
//     protects all of an account's metadata.
//   - version 1 (data key): each entity has its own random key,
//     distributed wrapped under a master-derived wrap key.
//
// The ciphertext envelope is version byte || 24-byte nonce || NaCl
// secretbox, base64-encoded. Decrypt dispatches on the version byte,
// so a mixed population of old and new entities decodes correctly.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/slopus/happy-sync/lib/secret"
)

// Envelope version bytes. Part of the ciphertext format; never renumber.
const (
	versionLegacy  byte = 0
	versionDataKey byte = 1
)

const (
	keySize   = 32
	nonceSize = 24
)

// Derivation context strings. Changing one is a key rotation.
const (
	contextLegacyKey = "happy-sync v1 legacy metadata key"
	contextWrapKey   = "happy-sync v1 data key wrap"
)

// ErrNoDataKey is returned when an operation requires an entity data
// key that has not been registered or generated in this process.
var ErrNoDataKey = errors.New("keystore: no data key for entity")

// KeyStore owns the master-derived keys and the in-memory map of
// per-entity data keys. Safe for concurrent use.
type KeyStore struct {
	mu        sync.Mutex
	legacyKey [keySize]byte
	wrapKey   [keySize]byte
	dataKeys  map[string]*secret.Buffer
	closed    bool
}

// New derives the legacy and wrap keys from the account master secret.
// The master secret is borrowed, not closed; it may be closed by the
// caller as soon as New returns.
func New(masterSecret *secret.Buffer) (*KeyStore, error) {
	if masterSecret.Len() == 0 {
		return nil, fmt.Errorf("keystore: empty master secret")
	}
	store := &KeyStore{dataKeys: make(map[string]*secret.Buffer)}
	blake3.DeriveKey(contextLegacyKey, masterSecret.Bytes(), store.legacyKey[:])
	blake3.DeriveKey(contextWrapKey, masterSecret.Bytes(), store.wrapKey[:])
	return store, nil
}

// Close zeros the derived keys and every cached data key.
func (s *KeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for i := range s.legacyKey {
		s.legacyKey[i] = 0
	}
	for i := range s.wrapKey {
		s.wrapKey[i] = 0
	}
	var firstErr error
	for _, key := range s.dataKeys {
		if err := key.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dataKeys = nil
	return firstErr
}

// HasDataKey reports whether a data key for entityID is cached.
func (s *KeyStore) HasDataKey(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dataKeys[entityID]
	return ok
}

// GenerateDataKey creates a fresh random data key for entityID, caches
// it, and returns the wrapped form for the server to store alongside
// the entity. The wrapped form is a version-1 envelope under the wrap
// key, base64-encoded.
func (s *KeyStore) GenerateDataKey(entityID string) (string, error) {
	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("keystore: generating data key: %w", err)
	}
	wrapped, err := s.wrapDataKey(key[:])
	if err != nil {
		return "", err
	}
	if err := s.cacheDataKey(entityID, key[:]); err != nil {
		return "", err
	}
	return wrapped, nil
}

// RegisterDataKey unwraps a server-supplied wrapped data key and caches
// it for entityID. Called on each successful entity fetch; replacing an
// identical key is a no-op, replacing a different one closes the old
// buffer first.
func (s *KeyStore) RegisterDataKey(entityID string, wrapped string) error {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return fmt.Errorf("keystore: wrapped key for %s is not base64: %w", entityID, err)
	}
	if len(raw) < 1+nonceSize+secretbox.Overhead {
		return fmt.Errorf("keystore: wrapped key for %s is truncated", entityID)
	}
	if raw[0] != versionDataKey {
		return fmt.Errorf("keystore: wrapped key for %s has version %d, want %d", entityID, raw[0], versionDataKey)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[1:1+nonceSize])

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("keystore: closed")
	}
	wrapKey := s.wrapKey
	s.mu.Unlock()

	key, ok := secretbox.Open(nil, raw[1+nonceSize:], &nonce, &wrapKey)
	if !ok {
		return fmt.Errorf("keystore: wrapped key for %s failed authentication", entityID)
	}
	if len(key) != keySize {
		return fmt.Errorf("keystore: wrapped key for %s has length %d, want %d", entityID, len(key), keySize)
	}
	return s.cacheDataKey(entityID, key)
}

// DropDataKey removes and destroys the cached data key for entityID.
// Called when a session is deleted.
func (s *KeyStore) DropDataKey(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.dataKeys[entityID]; ok {
		key.Close()
		delete(s.dataKeys, entityID)
	}
}

// Encrypt seals plaintext for entityID. Entities with a cached data key
// get a version-1 envelope under that key; everything else falls back
// to the version-0 legacy key.
func (s *KeyStore) Encrypt(entityID string, plaintext []byte) (string, error) {
	key, version, err := s.encryptKey(entityID)
	if err != nil {
		return "", err
	}
	return sealEnvelope(version, key, plaintext)
}

// Decrypt opens a base64 envelope for entityID, dispatching on the
// version byte: version 0 uses the legacy key, version 1 requires the
// entity's data key (ErrNoDataKey if absent).
func (s *KeyStore) Decrypt(entityID string, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("keystore: ciphertext for %s is not base64: %w", entityID, err)
	}
	if len(raw) < 1+nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("keystore: ciphertext for %s is truncated", entityID)
	}
	var key [keySize]byte
	switch raw[0] {
	case versionLegacy:
		key, err = s.legacyKeyCopy()
	case versionDataKey:
		key, err = s.dataKey(entityID)
	default:
		return nil, fmt.Errorf("keystore: ciphertext for %s has unknown version %d", entityID, raw[0])
	}
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[1:1+nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[1+nonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("keystore: ciphertext for %s failed authentication", entityID)
	}
	return plaintext, nil
}

// encryptKey picks the sealing key and the matching envelope version in
// one critical section. Choosing them separately would let a concurrent
// DropDataKey pair the data key with a legacy version byte, producing an
// envelope nothing can open.
func (s *KeyStore) encryptKey(entityID string) ([keySize]byte, byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return [keySize]byte{}, 0, fmt.Errorf("keystore: closed")
	}
	if buffer, ok := s.dataKeys[entityID]; ok {
		var key [keySize]byte
		copy(key[:], buffer.Bytes())
		return key, versionDataKey, nil
	}
	return s.legacyKey, versionLegacy, nil
}

// legacyKeyCopy returns the legacy key. Version-0 ciphertext always
// uses it, even for entities that have since been upgraded.
func (s *KeyStore) legacyKeyCopy() ([keySize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return [keySize]byte{}, fmt.Errorf("keystore: closed")
	}
	return s.legacyKey, nil
}

// dataKey returns entityID's cached data key, ErrNoDataKey when absent.
func (s *KeyStore) dataKey(entityID string) ([keySize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return [keySize]byte{}, fmt.Errorf("keystore: closed")
	}
	buffer, ok := s.dataKeys[entityID]
	if !ok {
		return [keySize]byte{}, fmt.Errorf("%w: %s", ErrNoDataKey, entityID)
	}
	var key [keySize]byte
	copy(key[:], buffer.Bytes())
	return key, nil
}

// cacheDataKey moves raw key bytes into a protected buffer and stores
// it. The raw slice is zeroed by secret.NewFromBytes.
func (s *KeyStore) cacheDataKey(entityID string, raw []byte) error {
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return fmt.Errorf("keystore: protecting data key for %s: %w", entityID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		buffer.Close()
		return fmt.Errorf("keystore: closed")
	}
	if old, ok := s.dataKeys[entityID]; ok {
		old.Close()
	}
	s.dataKeys[entityID] = buffer
	return nil
}

// wrapDataKey seals raw key bytes under the wrap key as a version-1
// envelope.
func (s *KeyStore) wrapDataKey(raw []byte) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("keystore: closed")
	}
	wrapKey := s.wrapKey
	s.mu.Unlock()
	return sealEnvelope(versionDataKey, wrapKey, raw)
}

// sealEnvelope builds version || nonce || secretbox and base64-encodes it.
func sealEnvelope(version byte, key [keySize]byte, plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("keystore: generating nonce: %w", err)
	}
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+secretbox.Overhead)
	out[0] = version
	copy(out[1:], nonce[:])
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return base64.StdEncoding.EncodeToString(out), nil
}
