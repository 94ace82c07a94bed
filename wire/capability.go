// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "encoding/json"

// capabilityProtocolVersion is the only protocol version this client
// speaks. Responses carrying any other value parse to nil and the
// caller treats the daemon as not supporting capabilities at all.
const capabilityProtocolVersion = 1

// CapabilityID names an optional daemon feature. IDs are namespaced:
// "cli.*" for installed command-line tools, "tool.*" for agent tools,
// "dep.*" for language/runtime dependencies.
type CapabilityID string

// ChecklistID names a pre-agreed bundle of capability-detect requests
// published by the daemon in its describe response.
type ChecklistID string

// CapabilityDescriptor describes one optional feature a daemon offers.
type CapabilityDescriptor struct {
	ID          CapabilityID `json:"id"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
}

// DetectRequest asks a daemon to probe for one capability.
type DetectRequest struct {
	ID   CapabilityID   `json:"id"`
	Args map[string]any `json:"args,omitempty"`
}

// DescribeResult is the parsed form of a capabilities.describe
// response.
type DescribeResult struct {
	Capabilities []CapabilityDescriptor
	Checklists   map[ChecklistID][]DetectRequest
}

// ParseDescribeResponse validates a capabilities.describe payload:
// {"protocolVersion": 1, "capabilities": [...], "checklists": {...}}.
//
// Returns nil on structural mismatch (wrong protocol version, non-array
// capabilities, non-object checklists). Individually malformed
// capability or checklist entries are skipped, not fatal: one bad entry
// must not hide a daemon's remaining features. Callers treat nil as
// "daemon does not support capability negotiation", never as empty.
func ParseDescribeResponse(raw []byte) *DescribeResult {
	var envelope struct {
		ProtocolVersion int                          `json:"protocolVersion"`
		Capabilities    []json.RawMessage            `json:"capabilities"`
		Checklists      map[string][]json.RawMessage `json:"checklists"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if envelope.ProtocolVersion != capabilityProtocolVersion {
		return nil
	}

	result := &DescribeResult{
		Checklists: make(map[ChecklistID][]DetectRequest),
	}
	for _, entry := range envelope.Capabilities {
		var descriptor CapabilityDescriptor
		if err := json.Unmarshal(entry, &descriptor); err != nil || descriptor.ID == "" {
			continue
		}
		result.Capabilities = append(result.Capabilities, descriptor)
	}
	for name, entries := range envelope.Checklists {
		if name == "" {
			continue
		}
		var requests []DetectRequest
		for _, entry := range entries {
			var request DetectRequest
			if err := json.Unmarshal(entry, &request); err != nil || request.ID == "" {
				continue
			}
			requests = append(requests, request)
		}
		if len(requests) > 0 {
			result.Checklists[ChecklistID(name)] = requests
		}
	}
	return result
}

// DetectStatus tags the outcome of one capability probe.
type DetectStatus string

// Detect outcomes.
const (
	DetectStatusPresent DetectStatus = "present"
	DetectStatusMissing DetectStatus = "missing"
	DetectStatusError   DetectStatus = "error"
)

// DetectResult is the outcome of probing one capability.
type DetectResult struct {
	Status  DetectStatus `json:"status"`
	Version string       `json:"version,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// ParseDetectResponse validates a capabilities.detect payload:
// {"protocolVersion": 1, "results": {capabilityId: {...}}}.
//
// Returns nil on structural mismatch. Entries with an unrecognized
// status are skipped.
func ParseDetectResponse(raw []byte) map[CapabilityID]DetectResult {
	var envelope struct {
		ProtocolVersion int                        `json:"protocolVersion"`
		Results         map[string]json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if envelope.ProtocolVersion != capabilityProtocolVersion || envelope.Results == nil {
		return nil
	}

	results := make(map[CapabilityID]DetectResult, len(envelope.Results))
	for id, entry := range envelope.Results {
		if id == "" {
			continue
		}
		var result DetectResult
		if err := json.Unmarshal(entry, &result); err != nil {
			continue
		}
		switch result.Status {
		case DetectStatusPresent, DetectStatusMissing, DetectStatusError:
			results[CapabilityID(id)] = result
		}
	}
	return results
}

// InvokeResult is the outcome of a capability invocation.
type InvokeResult struct {
	OK           bool
	Result       json.RawMessage
	ErrorMessage string
	ErrorCode    string
	LogPath      string
}

// ParseInvokeResponse validates a capabilities.invoke payload:
// {"ok": true, "result": ...} or
// {"ok": false, "error": {"message": "...", "code"?: "..."}, "logPath"?: "..."}.
//
// Returns nil on structural mismatch, including a failure envelope
// whose error object is missing or has no message.
func ParseInvokeResponse(raw []byte) *InvokeResult {
	var envelope struct {
		OK      *bool           `json:"ok"`
		Result  json.RawMessage `json:"result"`
		LogPath string          `json:"logPath"`
		Error   *struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.OK == nil {
		return nil
	}
	if *envelope.OK {
		return &InvokeResult{OK: true, Result: envelope.Result, LogPath: envelope.LogPath}
	}
	if envelope.Error == nil || envelope.Error.Message == "" {
		return nil
	}
	return &InvokeResult{
		OK:           false,
		ErrorMessage: envelope.Error.Message,
		ErrorCode:    envelope.Error.Code,
		LogPath:      envelope.LogPath,
	}
}
