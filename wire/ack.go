// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "encoding/json"

// WriteResult is the outcome tag of a metadata write acknowledgement.
type WriteResult string

// Metadata write outcomes. The string values are the server's exact
// protocol tags.
const (
	WriteResultSuccess         WriteResult = "success"
	WriteResultVersionMismatch WriteResult = "version-mismatch"
	WriteResultError           WriteResult = "error"
)

// MetadataWriteAck is the server's acknowledgement of an optimistic
// metadata write.
//
//   - success: Version is the newly assigned metadata version.
//   - version-mismatch: Version and Metadata carry the current server
//     state (ciphertext) so the client can rebase and retry.
//   - error: Message explains the rejection; no retry will help.
type MetadataWriteAck struct {
	Result   WriteResult `json:"result"`
	Version  int64       `json:"version,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// ParseMetadataWriteAck validates an ack payload. Returns nil when the
// payload is not an object, the result tag is unrecognized, or a tag's
// required companion fields are missing (a version-mismatch without
// the current metadata gives the client nothing to rebase onto).
func ParseMetadataWriteAck(raw []byte) *MetadataWriteAck {
	var ack MetadataWriteAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil
	}
	switch ack.Result {
	case WriteResultSuccess:
		if ack.Version <= 0 {
			return nil
		}
	case WriteResultVersionMismatch:
		if ack.Version <= 0 || ack.Metadata == "" {
			return nil
		}
	case WriteResultError:
		// Message may legitimately be empty.
	default:
		return nil
	}
	return &ack
}

// MetadataWrite is the outbound request body for an optimistic
// metadata write, sent on the update-metadata (sessions) or
// machine-update-metadata (machines) events.
type MetadataWrite struct {
	ID              string `json:"id"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Metadata        string `json:"metadata"`
}
