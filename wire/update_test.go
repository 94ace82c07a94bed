// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "testing"

func TestParseUpdateEvent(t *testing.T) {
	event := ParseUpdateEvent([]byte(`{"id": "upd_1", "seq": 9, "createdAt": 1700000000000, "body": {"t": "message", "sid": "ses_1", "mid": "msg_1"}}`))
	if event == nil {
		t.Fatal("valid update rejected")
	}
	if event.Seq != 9 || event.ID != "upd_1" {
		t.Errorf("unexpected envelope: %+v", event)
	}

	for _, raw := range []string{``, `null`, `[]`, `{"seq": 1}`, `{"id": "upd_1"}`} {
		if got := ParseUpdateEvent([]byte(raw)); got != nil {
			t.Errorf("ParseUpdateEvent(%q) = %+v, want nil", raw, got)
		}
	}
}

func TestParseUpdateBodyRouting(t *testing.T) {
	body, ok := ParseUpdateBody([]byte(`{"t": "session-metadata", "sid": "ses_1", "version": 3, "metadata": "blob"}`))
	if !ok || body.Kind != UpdateKindSessionMetadata {
		t.Fatalf("routing failed: %+v ok=%v", body, ok)
	}

	// Unknown kinds are skipped, not errors.
	if _, ok := ParseUpdateBody([]byte(`{"t": "hologram"}`)); ok {
		t.Error("unknown kind accepted")
	}
	if _, ok := ParseUpdateBody([]byte(`"not an object"`)); ok {
		t.Error("non-object body accepted")
	}
}

func TestParseSessionMetadataUpdate(t *testing.T) {
	update := ParseSessionMetadataUpdate([]byte(`{"t": "session-metadata", "sid": "ses_1", "version": 3, "metadata": "blob"}`))
	if update == nil {
		t.Fatal("valid body rejected")
	}
	if update.SessionID != "ses_1" || update.Version != 3 || update.Metadata != "blob" {
		t.Errorf("unexpected fields: %+v", update)
	}

	bad := []string{
		`{"t": "session-metadata", "version": 3, "metadata": "blob"}`,
		`{"t": "session-metadata", "sid": "ses_1", "metadata": "blob"}`,
		`{"t": "session-metadata", "sid": "ses_1", "version": 3}`,
		`{"t": "machine-metadata", "machineId": "m1", "version": 3, "metadata": "blob"}`,
	}
	for _, raw := range bad {
		if got := ParseSessionMetadataUpdate([]byte(raw)); got != nil {
			t.Errorf("ParseSessionMetadataUpdate(%q) = %+v, want nil", raw, got)
		}
	}
}

func TestParseMachineMetadataUpdate(t *testing.T) {
	update := ParseMachineMetadataUpdate([]byte(`{"t": "machine-metadata", "machineId": "mac_1", "version": 7, "metadata": "blob"}`))
	if update == nil {
		t.Fatal("valid body rejected")
	}
	if update.MachineID != "mac_1" || update.Version != 7 {
		t.Errorf("unexpected fields: %+v", update)
	}
	if got := ParseMachineMetadataUpdate([]byte(`{"t": "machine-metadata", "version": 7, "metadata": "b"}`)); got != nil {
		t.Errorf("missing machineId accepted: %+v", got)
	}
}

func TestParseActivityEvent(t *testing.T) {
	event := ParseActivityEvent([]byte(`{"id": "ses_1", "active": true, "activeAt": 1700000000000, "thinking": true}`))
	if event == nil {
		t.Fatal("valid activity rejected")
	}
	if !event.Active || !event.Thinking || event.ActiveAt != 1700000000000 {
		t.Errorf("unexpected fields: %+v", event)
	}
	for _, raw := range []string{``, `{}`, `{"active": true}`, `[1]`} {
		if got := ParseActivityEvent([]byte(raw)); got != nil {
			t.Errorf("ParseActivityEvent(%q) = %+v, want nil", raw, got)
		}
	}
}

func TestParseMetadataWriteAck(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"success", `{"result": "success", "version": 4}`, true},
		{"success without version", `{"result": "success"}`, false},
		{"mismatch", `{"result": "version-mismatch", "version": 5, "metadata": "blob"}`, true},
		{"mismatch without metadata", `{"result": "version-mismatch", "version": 5}`, false},
		{"error", `{"result": "error", "message": "denied"}`, true},
		{"error without message", `{"result": "error"}`, true},
		{"unknown result", `{"result": "maybe"}`, false},
		{"not json", `programmable`, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := ParseMetadataWriteAck([]byte(test.raw))
			if (got != nil) != test.ok {
				t.Errorf("ParseMetadataWriteAck(%q) = %+v, want ok=%v", test.raw, got, test.ok)
			}
		})
	}
}
