// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"testing"
)

func TestMetadataPassthroughRoundTrip(t *testing.T) {
	raw := []byte(`{
		"path": "/home/user/project",
		"summary": "fix the flaky test",
		"readStateV1": {"sessionSeq": 12, "updatedAt": 1000},
		"futureField": {"nested": [1, 2, 3]},
		"anotherUnknown": "kept"
	}`)

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if metadata.Path != "/home/user/project" || metadata.Summary != "fix the flaky test" {
		t.Fatalf("typed fields not decoded: %+v", metadata)
	}
	if metadata.ReadState == nil || metadata.ReadState.SessionSeq != 12 {
		t.Fatalf("read state not decoded: %+v", metadata.ReadState)
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if string(got["futureField"]) != `{"nested":[1,2,3]}` && string(got["futureField"]) != `{"nested": [1, 2, 3]}` {
		t.Fatalf("unknown object field lost or altered: %s", got["futureField"])
	}
	if string(got["anotherUnknown"]) != `"kept"` {
		t.Fatalf("unknown string field lost: %s", got["anotherUnknown"])
	}
}

func TestMetadataEditPreservesUnknownFields(t *testing.T) {
	var metadata Metadata
	if err := json.Unmarshal([]byte(`{"summary":"before","extra":42}`), &metadata); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	edited := metadata.Clone()
	edited.Summary = "after"

	encoded, err := json.Marshal(edited)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if string(got["summary"]) != `"after"` {
		t.Fatalf("edit lost: %s", got["summary"])
	}
	if string(got["extra"]) != `42` {
		t.Fatalf("unknown field destroyed by edit: %s", got["extra"])
	}
}

func TestMetadataCloneIsIndependent(t *testing.T) {
	original := &Metadata{
		Summary:         "original",
		PendingMessages: []PendingMessage{{ID: "m1", Text: "hello"}},
		ReadState:       &ReadState{SessionSeq: 3},
		passthrough:     map[string]json.RawMessage{"k": json.RawMessage(`1`)},
	}

	clone := original.Clone()
	clone.Summary = "changed"
	clone.PendingMessages[0].Text = "changed"
	clone.ReadState.SessionSeq = 99
	clone.passthrough["k"] = json.RawMessage(`2`)

	if original.Summary != "original" {
		t.Fatal("clone shares summary")
	}
	if original.PendingMessages[0].Text != "hello" {
		t.Fatal("clone shares pending messages slice")
	}
	if original.ReadState.SessionSeq != 3 {
		t.Fatal("clone shares read state")
	}
	if string(original.passthrough["k"]) != `1` {
		t.Fatal("clone shares passthrough map")
	}
}

func TestMetadataCloneNil(t *testing.T) {
	var metadata *Metadata
	if metadata.Clone() != nil {
		t.Fatal("nil clone must stay nil")
	}
}
