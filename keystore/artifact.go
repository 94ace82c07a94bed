// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Artifact bodies (draft text, tool output snapshots) can be orders of
// magnitude larger than metadata records, so they are zstd-compressed
// before sealing. The envelope format is the same versioned secretbox
// as metadata; the compression is inside the plaintext, invisible on
// the wire.

// maxBodySize caps decompressed artifact bodies. A decompression bomb
// in a malicious update event must not exhaust memory.
const maxBodySize = 64 * 1024 * 1024

var bodyEncoder *zstd.Encoder
var bodyDecoder *zstd.Decoder

func init() {
	var err error
	bodyEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("keystore: zstd encoder initialization failed: " + err.Error())
	}
	bodyDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
	if err != nil {
		panic("keystore: zstd decoder initialization failed: " + err.Error())
	}
}

// EncryptBody compresses and seals an artifact body for entityID.
func (s *KeyStore) EncryptBody(entityID string, body []byte) (string, error) {
	compressed := bodyEncoder.EncodeAll(body, nil)
	return s.Encrypt(entityID, compressed)
}

// DecryptBody opens and decompresses an artifact body for entityID.
func (s *KeyStore) DecryptBody(entityID string, blob string) ([]byte, error) {
	compressed, err := s.Decrypt(entityID, blob)
	if err != nil {
		return nil, err
	}
	body, err := bodyDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decompressing body for %s: %w", entityID, err)
	}
	return body, nil
}
