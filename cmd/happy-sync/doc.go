// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Happy-sync is an operator CLI for the Happy coordination service.
// It drives the same sync engine the apps embed: list the account's
// sessions, tail live updates from the event socket, archive a
// session, or delete one permanently.
package main
