// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MethodNotAvailableCode is the structured error code modern daemons
// return when asked for an RPC method they do not implement.
const MethodNotAvailableCode = "METHOD_NOT_AVAILABLE"

// legacyMethodNotAvailableMessage is the literal error text pre-code
// daemons return for the same condition. Daemons in the field are
// never force-upgraded, so this string match is a permanent
// compatibility shim, not a transition aid. Both detection paths must
// stay; see IsMethodNotAvailable.
const legacyMethodNotAvailableMessage = "RPC method not available"

// RPCError is an application-level error returned by a daemon or agent
// in response to an RPC call. Distinct from transport errors: the call
// reached the peer and the peer answered with a failure envelope.
type RPCError struct {
	Code    string `json:"rpcErrorCode,omitempty"`
	Message string `json:"error"`
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc: %s", e.Message)
}

// ParseRPCResponse splits a raw RPC ack into a result payload or an
// *RPCError. The envelope is {"ok": true, "result": ...} on success and
// {"ok": false, "error": "...", "rpcErrorCode"?: "..."} on failure.
// A structurally invalid envelope returns an *RPCError with an empty
// code and a descriptive message, never a panic.
func ParseRPCResponse(raw []byte) (json.RawMessage, error) {
	var envelope struct {
		OK     *bool           `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
		Code   string          `json:"rpcErrorCode"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.OK == nil {
		return nil, &RPCError{Message: "malformed RPC response envelope"}
	}
	if !*envelope.OK {
		return nil, &RPCError{Code: envelope.Code, Message: envelope.Error}
	}
	return envelope.Result, nil
}

// IsMethodNotAvailable reports whether err means the peer does not
// implement the requested method. Two detection paths are honored for
// backward compatibility: the structured METHOD_NOT_AVAILABLE code and
// the legacy literal message "RPC method not available". Callers that
// treat a method as optional use this to degrade instead of failing.
func IsMethodNotAvailable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == MethodNotAvailableCode {
			return true
		}
		return rpcErr.Message == legacyMethodNotAvailableMessage
	}
	return err != nil && err.Error() == legacyMethodNotAvailableMessage
}
