// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the synchronization core: per-collection refresh
// scheduling, the optimistic encrypted-metadata updater, activity
// batching, socket-event routing into the local mirror, and the typed
// RPC surface against daemons and agents.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind classifies a refresh failure for retry policy and display.
type ErrorKind string

const (
	// KindAuth is a credential rejection. Not retryable: retrying
	// with the same token cannot succeed.
	KindAuth ErrorKind = "auth"

	// KindConfig is a local misconfiguration (bad URL, missing
	// credentials file). Not retryable without operator action.
	KindConfig ErrorKind = "config"

	// KindNetwork is a transport-level failure. Retryable.
	KindNetwork ErrorKind = "network"

	// KindServer is a 5xx or malformed server response. Retryable.
	KindServer ErrorKind = "server"

	// KindUnknown is everything else. Retryable, cautiously.
	KindUnknown ErrorKind = "unknown"
)

// SyncError is the structured failure record handed to status
// observers. It carries enough for a UI to render "retrying in 8s
// (3 failures)" without re-deriving anything.
type SyncError struct {
	Message       string
	Retryable     bool
	Kind          ErrorKind
	At            time.Time
	FailuresCount int
	NextRetryAt   time.Time
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed (%s): %s", e.Kind, e.Message)
}

// StatusError marks an error with an HTTP-like status code so
// classification can distinguish auth rejections from server faults.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
}

// ConfigError marks a local-configuration failure.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// Classify maps an arbitrary refresh error into the taxonomy. The
// zero case is KindUnknown with retry allowed.
func Classify(err error) (ErrorKind, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden:
			return KindAuth, false
		case statusErr.Code >= 500:
			return KindServer, true
		default:
			return KindUnknown, true
		}
	}
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return KindConfig, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork, true
	}
	return KindUnknown, true
}
