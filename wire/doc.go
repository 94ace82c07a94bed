// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the envelope types exchanged with the
// coordination server and its daemons, and the defensive parsers that
// validate them.
//
// Every payload that crosses the socket is untrusted JSON: servers are
// trusted for routing but not for shape, and daemons run arbitrary
// versions of independently-released software. Parsers here are total
// functions: for any input they return a typed value or nil, never a
// panic. Collection parsers skip individually malformed entries rather
// than rejecting the whole batch, so one misbehaving capability cannot
// hide the rest.
//
// Field names in these structs are part of the protocol contract with
// the server; they must match bit-exact and are never renamed.
package wire
