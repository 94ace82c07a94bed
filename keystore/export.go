// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"fmt"

	"github.com/slopus/happy-sync/lib/codec"
	"github.com/slopus/happy-sync/lib/sealed"
	"github.com/slopus/happy-sync/lib/secret"
)

// exportBundle is the CBOR record inside a sealed data-key export.
// Resume hands this to the daemon that re-spawns the agent process:
// the daemon unseals it with its machine private key and continues
// encrypting session metadata under the same data key.
type exportBundle struct {
	SessionID string `cbor:"session_id"`
	DataKey   []byte `cbor:"data_key"`
}

// ExportDataKey seals the cached data key for sessionID to a machine's
// age public key. Only data-key mode sessions are exportable; legacy
// sessions return ErrNoDataKey (the legacy key derives from account
// credentials and must never leave the client).
func (s *KeyStore) ExportDataKey(sessionID, machinePublicKey string) (string, error) {
	if err := sealed.ValidatePublicKey(machinePublicKey); err != nil {
		return "", err
	}
	s.mu.Lock()
	buffer, ok := s.dataKeys[sessionID]
	if !ok || s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNoDataKey, sessionID)
	}
	key := make([]byte, buffer.Len())
	copy(key, buffer.Bytes())
	s.mu.Unlock()

	plaintext, err := codec.Marshal(exportBundle{SessionID: sessionID, DataKey: key})
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return "", fmt.Errorf("keystore: encoding export bundle: %w", err)
	}
	bundle, err := sealed.Seal(plaintext, []string{machinePublicKey})
	for i := range plaintext {
		plaintext[i] = 0
	}
	if err != nil {
		return "", err
	}
	return bundle, nil
}

// ImportDataKey unseals an export bundle with privateKey and caches the
// contained data key. Returns the session id the key belongs to.
func (s *KeyStore) ImportDataKey(bundle string, privateKey *secret.Buffer) (string, error) {
	plaintext, err := sealed.Unseal(bundle, privateKey)
	if err != nil {
		return "", err
	}
	defer plaintext.Close()

	var record exportBundle
	if err := codec.Unmarshal(plaintext.Bytes(), &record); err != nil {
		return "", fmt.Errorf("keystore: decoding export bundle: %w", err)
	}
	if record.SessionID == "" || len(record.DataKey) != keySize {
		return "", fmt.Errorf("keystore: export bundle is malformed")
	}
	if err := s.cacheDataKey(record.SessionID, record.DataKey); err != nil {
		return "", err
	}
	return record.SessionID, nil
}
