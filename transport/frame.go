// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "encoding/json"

// frameType discriminates socket frames.
const (
	frameEvent   = "event"   // server→client named event, no ack
	frameRequest = "request" // client→server, expects an ack with the same id
	frameAck     = "ack"     // server→client ack for a request
)

// frame is the JSON envelope for every message on the socket.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// parseFrame validates an inbound frame. Returns nil on malformed
// input; the connection survives garbage frames (a misbehaving proxy
// must not take down the sync engine).
func parseFrame(raw []byte) *frame {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	switch f.Type {
	case frameEvent:
		if f.Event == "" {
			return nil
		}
	case frameAck:
		if f.ID == "" {
			return nil
		}
	default:
		return nil
	}
	return &f
}
