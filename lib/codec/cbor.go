// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for records the
// engine writes outside its own process: persisted local-state entries
// (pending settings, drafts, model-mode map) and sealed data-key export
// bundles. Deterministic encoding (RFC 8949 §4.2) means the same
// logical record always produces identical bytes, which keeps sealed
// bundles and change detection stable.
//
// Decoding ignores unknown fields, which is what gives the persistence
// layer its forward-compatible "drop unknown keys" behavior.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown map keys are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decode of
// payloads whose shape depends on a sibling field.
type RawMessage = cbor.RawMessage
