// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package store

// Settings is the account-level settings record, synchronized through
// the same versioned-metadata channel as session metadata.
type Settings struct {
	Version int64

	InferenceOpenAIKey    string
	InferenceAnthropicKey string
	ExperimentalFeatures  bool
	AnalyticsOptOut       bool
}

// SettingsDelta is the set of not-yet-acknowledged local edits. Every
// field is a pointer: nil means "no local edit", which keeps the delta
// distinct from the schema default so loading a persisted delta never
// invents an edit the user did not make.
type SettingsDelta struct {
	InferenceOpenAIKey    *string `json:"inferenceOpenAIKey,omitempty" cbor:"inferenceOpenAIKey,omitempty"`
	InferenceAnthropicKey *string `json:"inferenceAnthropicKey,omitempty" cbor:"inferenceAnthropicKey,omitempty"`
	ExperimentalFeatures  *bool   `json:"experimentalFeatures,omitempty" cbor:"experimentalFeatures,omitempty"`
	AnalyticsOptOut       *bool   `json:"analyticsOptOut,omitempty" cbor:"analyticsOptOut,omitempty"`
}

// IsEmpty reports whether the delta carries no edits.
func (d *SettingsDelta) IsEmpty() bool {
	return d == nil ||
		(d.InferenceOpenAIKey == nil &&
			d.InferenceAnthropicKey == nil &&
			d.ExperimentalFeatures == nil &&
			d.AnalyticsOptOut == nil)
}

// ApplyTo returns settings with the delta's edits layered on top.
func (d *SettingsDelta) ApplyTo(settings Settings) Settings {
	if d == nil {
		return settings
	}
	if d.InferenceOpenAIKey != nil {
		settings.InferenceOpenAIKey = *d.InferenceOpenAIKey
	}
	if d.InferenceAnthropicKey != nil {
		settings.InferenceAnthropicKey = *d.InferenceAnthropicKey
	}
	if d.ExperimentalFeatures != nil {
		settings.ExperimentalFeatures = *d.ExperimentalFeatures
	}
	if d.AnalyticsOptOut != nil {
		settings.AnalyticsOptOut = *d.AnalyticsOptOut
	}
	return settings
}

// Merge layers other's edits on top of d, returning the combined
// delta. Neither input is modified.
func (d *SettingsDelta) Merge(other *SettingsDelta) *SettingsDelta {
	if d == nil {
		if other == nil {
			return nil
		}
		merged := *other
		return &merged
	}
	merged := *d
	if other != nil {
		if other.InferenceOpenAIKey != nil {
			merged.InferenceOpenAIKey = other.InferenceOpenAIKey
		}
		if other.InferenceAnthropicKey != nil {
			merged.InferenceAnthropicKey = other.InferenceAnthropicKey
		}
		if other.ExperimentalFeatures != nil {
			merged.ExperimentalFeatures = other.ExperimentalFeatures
		}
		if other.AnalyticsOptOut != nil {
			merged.AnalyticsOptOut = other.AnalyticsOptOut
		}
	}
	return &merged
}
