// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "encoding/json"

// SpawnOutcomeType tags the normalized result of a spawn-session RPC.
type SpawnOutcomeType string

// Spawn outcomes. Wire tags match the daemon protocol.
const (
	SpawnOutcomeSuccess           SpawnOutcomeType = "success"
	SpawnOutcomeDirectoryApproval SpawnOutcomeType = "requestToApproveDirectoryCreation"
	SpawnOutcomeError             SpawnOutcomeType = "error"
)

// SpawnErrorCode classifies spawn failures. Unrecognized codes from
// newer daemons normalize to SpawnErrorUnexpected so downstream logic
// never branches on untyped strings.
type SpawnErrorCode string

// Spawn failure codes.
const (
	SpawnErrorInvalidDirectory SpawnErrorCode = "INVALID_DIRECTORY"
	SpawnErrorPermissionDenied SpawnErrorCode = "PERMISSION_DENIED"
	SpawnErrorAlreadyRunning   SpawnErrorCode = "ALREADY_RUNNING"
	SpawnErrorNotAuthenticated SpawnErrorCode = "NOT_AUTHENTICATED"
	SpawnErrorUnexpected       SpawnErrorCode = "UNEXPECTED"
)

var knownSpawnErrorCodes = map[SpawnErrorCode]bool{
	SpawnErrorInvalidDirectory: true,
	SpawnErrorPermissionDenied: true,
	SpawnErrorAlreadyRunning:   true,
	SpawnErrorNotAuthenticated: true,
}

// SpawnOutcome is the normalized form of a daemon's free-form spawn
// response. Exactly one of the three outcome types, with the fields
// that outcome guarantees:
//
//   - success: SessionID may be empty (older daemons report it only
//     through the subsequent session update).
//   - requestToApproveDirectoryCreation: Directory is non-empty.
//   - error: Code is a member of the fixed enumeration; Message is
//     free text for display.
type SpawnOutcome struct {
	Type      SpawnOutcomeType
	SessionID string
	Directory string
	Code      SpawnErrorCode
	Message   string
}

// NormalizeSpawnResult maps any daemon spawn response onto a
// SpawnOutcome. Inputs that are not an object, carry an unknown type
// tag, or violate an outcome's required fields (an approval request
// with no directory) normalize to an UNEXPECTED error rather than
// rejecting, since a spawn has already had side effects by the time the
// response arrives, and the caller needs a typed answer either way.
func NormalizeSpawnResult(raw []byte) SpawnOutcome {
	unexpected := SpawnOutcome{
		Type:    SpawnOutcomeError,
		Code:    SpawnErrorUnexpected,
		Message: "unrecognized spawn response",
	}

	var response struct {
		Type      SpawnOutcomeType `json:"type"`
		SessionID string           `json:"sessionId"`
		Directory string           `json:"directory"`
		ErrorCode string           `json:"errorCode"`
		Message   string           `json:"message"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return unexpected
	}

	switch response.Type {
	case SpawnOutcomeSuccess:
		return SpawnOutcome{Type: SpawnOutcomeSuccess, SessionID: response.SessionID}
	case SpawnOutcomeDirectoryApproval:
		if response.Directory == "" {
			return unexpected
		}
		return SpawnOutcome{Type: SpawnOutcomeDirectoryApproval, Directory: response.Directory}
	case SpawnOutcomeError:
		code := SpawnErrorCode(response.ErrorCode)
		if !knownSpawnErrorCodes[code] {
			code = SpawnErrorUnexpected
		}
		message := response.Message
		if message == "" {
			message = "spawn failed"
		}
		return SpawnOutcome{Type: SpawnOutcomeError, Code: code, Message: message}
	default:
		return unexpected
	}
}

// SpawnOptions are the caller-side inputs to a spawn-session RPC.
type SpawnOptions struct {
	// Directory is the working directory for the agent process.
	Directory string

	// SessionID resumes an existing session instead of creating one.
	SessionID string

	// DataKeyBundle is the sealed per-session data key accompanying a
	// resume (data-key mode sessions only).
	DataKeyBundle string

	// ApprovedDirectoryCreation acknowledges a prior
	// requestToApproveDirectoryCreation outcome for Directory.
	ApprovedDirectoryCreation bool

	// Terminal selects a terminal mode for the spawned process. Nil
	// means the daemon's default; the key is then omitted from the
	// request entirely.
	Terminal *string
}

// BuildSpawnSessionParams assembles the spawn-session RPC parameter
// object. Optional keys are omitted, not sent as null: older daemons
// reject unknown-null parameters, and "terminal": null in particular
// is not equivalent to an absent terminal.
func BuildSpawnSessionParams(options SpawnOptions) map[string]any {
	params := map[string]any{
		"directory": options.Directory,
	}
	if options.SessionID != "" {
		params["sessionId"] = options.SessionID
	}
	if options.DataKeyBundle != "" {
		params["dataKey"] = options.DataKeyBundle
	}
	if options.ApprovedDirectoryCreation {
		params["approvedNewDirectoryCreation"] = true
	}
	if options.Terminal != nil {
		params["terminal"] = *options.Terminal
	}
	return params
}
