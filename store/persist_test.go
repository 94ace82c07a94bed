// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"
)

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestSettingsDeltaIsEmpty(t *testing.T) {
	var nilDelta *SettingsDelta
	if !nilDelta.IsEmpty() {
		t.Fatal("nil delta must be empty")
	}
	if !(&SettingsDelta{}).IsEmpty() {
		t.Fatal("zero delta must be empty")
	}
	if (&SettingsDelta{AnalyticsOptOut: boolPtr(false)}).IsEmpty() {
		t.Fatal("an explicit false edit is still an edit")
	}
}

func TestSettingsDeltaApplyTo(t *testing.T) {
	base := Settings{Version: 3, ExperimentalFeatures: true}
	delta := &SettingsDelta{
		ExperimentalFeatures: boolPtr(false),
		InferenceOpenAIKey:   strPtr("sk-local"),
	}

	got := delta.ApplyTo(base)
	if got.ExperimentalFeatures {
		t.Fatal("explicit false edit not applied")
	}
	if got.InferenceOpenAIKey != "sk-local" {
		t.Fatalf("key edit not applied: %q", got.InferenceOpenAIKey)
	}
	if got.Version != 3 {
		t.Fatalf("version must pass through: %d", got.Version)
	}
	if base.ExperimentalFeatures != true {
		t.Fatal("ApplyTo mutated its input")
	}
}

func TestSettingsDeltaMerge(t *testing.T) {
	older := &SettingsDelta{
		InferenceOpenAIKey: strPtr("old-key"),
		AnalyticsOptOut:    boolPtr(true),
	}
	newer := &SettingsDelta{InferenceOpenAIKey: strPtr("new-key")}

	merged := older.Merge(newer)
	if *merged.InferenceOpenAIKey != "new-key" {
		t.Fatalf("newer edit must win: %q", *merged.InferenceOpenAIKey)
	}
	if merged.AnalyticsOptOut == nil || !*merged.AnalyticsOptOut {
		t.Fatal("untouched edit must survive merge")
	}
	if *older.InferenceOpenAIKey != "old-key" {
		t.Fatal("merge mutated its receiver")
	}
}

func TestSavePendingSettingsEmptyDeletesKey(t *testing.T) {
	kv := NewMemoryKV()
	p := NewPersistence(kv)

	if err := p.SavePendingSettings(&SettingsDelta{AnalyticsOptOut: boolPtr(true)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if kv.Len() != 1 {
		t.Fatalf("delta not stored: %d keys", kv.Len())
	}

	if err := p.SavePendingSettings(&SettingsDelta{}); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	if kv.Len() != 0 {
		t.Fatalf("empty delta must remove the key: %d keys remain", kv.Len())
	}
}

func TestLoadPendingSettingsNeverInventsEdits(t *testing.T) {
	kv := NewMemoryKV()
	p := NewPersistence(kv)

	delta, err := p.LoadPendingSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if delta != nil {
		t.Fatalf("missing key must load as nil, got %+v", delta)
	}

	if err := p.SavePendingSettings(&SettingsDelta{ExperimentalFeatures: boolPtr(true)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	delta, err = p.LoadPendingSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if delta == nil || delta.ExperimentalFeatures == nil || !*delta.ExperimentalFeatures {
		t.Fatalf("stored edit lost: %+v", delta)
	}
	if delta.AnalyticsOptOut != nil || delta.InferenceOpenAIKey != nil || delta.InferenceAnthropicKey != nil {
		t.Fatalf("load materialized edits the user never made: %+v", delta)
	}
}

func TestLoadPendingSettingsCorruptRecord(t *testing.T) {
	kv := NewMemoryKV()
	if err := kv.Set("pending-settings", []byte("not cbor at all")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	delta, err := NewPersistence(kv).LoadPendingSettings()
	if err != nil {
		t.Fatalf("corrupt record must not fail startup: %v", err)
	}
	if delta != nil {
		t.Fatalf("corrupt record must load as absent, got %+v", delta)
	}
}

func TestSessionModesRoundTrip(t *testing.T) {
	p := NewPersistence(NewMemoryKV())

	modes, err := p.LoadSessionModes()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(modes) != 0 {
		t.Fatalf("fresh store must load empty: %+v", modes)
	}

	if err := p.SaveSessionModes(map[string]string{"sess-1": "opus"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	modes, err = p.LoadSessionModes()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if modes["sess-1"] != "opus" {
		t.Fatalf("mode lost: %+v", modes)
	}
}

func TestDraftRoundTrip(t *testing.T) {
	kv := NewMemoryKV()
	p := NewPersistence(kv)

	draft := Draft{Directory: "/tmp/work", MachineID: "mach-1", Prompt: "start here"}
	if err := p.SaveDraft(draft); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := p.LoadDraft()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != draft {
		t.Fatalf("draft round trip mismatch: %+v", got)
	}

	if err := p.SaveDraft(Draft{}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if kv.Len() != 0 {
		t.Fatalf("zero draft must remove the key: %d keys remain", kv.Len())
	}
}
