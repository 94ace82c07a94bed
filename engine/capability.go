// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/slopus/happy-sync/wire"
)

const (
	describeTimeout = 2500 * time.Millisecond
	detectTimeout   = 2500 * time.Millisecond
	invokeTimeout   = 30000 * time.Millisecond
)

// SupportReason explains why a capability call reported unsupported.
type SupportReason string

const (
	// ReasonNotSupported means the peer does not implement the
	// capability protocol at all. Expected for older daemons, never
	// an error.
	ReasonNotSupported SupportReason = "not-supported"

	// ReasonError means the call failed or returned something the
	// client could not parse.
	ReasonError SupportReason = "error"
)

// CapabilitySupport is the degrade-gracefully result shape for
// optional-feature probes. Calls through Capabilities never propagate
// transport or parse errors; they normalize everything here.
type CapabilitySupport struct {
	Supported bool
	Reason    SupportReason
}

func supported() CapabilitySupport { return CapabilitySupport{Supported: true} }

func supportFromError(err error) CapabilitySupport {
	if wire.IsMethodNotAvailable(err) {
		return CapabilitySupport{Reason: ReasonNotSupported}
	}
	return CapabilitySupport{Reason: ReasonError}
}

// Capabilities negotiates optional daemon features. Daemons and the
// client version independently; every call here treats an absent or
// unintelligible peer as "feature unavailable", not as a failure.
type Capabilities struct {
	rpc    *RPCClient
	logger *slog.Logger
}

// NewCapabilities wraps an RPC client.
func NewCapabilities(rpc *RPCClient, logger *slog.Logger) *Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capabilities{rpc: rpc, logger: logger}
}

// Describe asks a daemon for its capability catalog and checklists.
func (c *Capabilities) Describe(ctx context.Context, machineID string) (*wire.DescribeResult, CapabilitySupport) {
	raw, err := c.rpc.MachineRPCTimeout(ctx, machineID, "capabilities.describe", struct{}{}, describeTimeout)
	if err != nil {
		return nil, supportFromError(err)
	}
	result := wire.ParseDescribeResponse(raw)
	if result == nil {
		c.logger.Warn("unparseable capability catalog", "machine", machineID)
		return nil, CapabilitySupport{Reason: ReasonError}
	}
	return result, supported()
}

// Detect runs a batch of capability-detect requests on a daemon.
func (c *Capabilities) Detect(ctx context.Context, machineID string, requests []wire.DetectRequest) (map[wire.CapabilityID]wire.DetectResult, CapabilitySupport) {
	params := map[string]any{"requests": requests}
	raw, err := c.rpc.MachineRPCTimeout(ctx, machineID, "capabilities.detect", params, detectTimeout)
	if err != nil {
		return nil, supportFromError(err)
	}
	results := wire.ParseDetectResponse(raw)
	if results == nil {
		c.logger.Warn("unparseable capability detect response", "machine", machineID)
		return nil, CapabilitySupport{Reason: ReasonError}
	}
	return results, supported()
}

// DetectChecklist resolves a named checklist through Describe and runs
// it. An unknown checklist id reports unsupported without a network
// round trip for the detect phase.
func (c *Capabilities) DetectChecklist(ctx context.Context, machineID string, checklist wire.ChecklistID) (map[wire.CapabilityID]wire.DetectResult, CapabilitySupport) {
	catalog, support := c.Describe(ctx, machineID)
	if !support.Supported {
		return nil, support
	}
	requests, ok := catalog.Checklists[checklist]
	if !ok {
		return nil, CapabilitySupport{Reason: ReasonNotSupported}
	}
	return c.Detect(ctx, machineID, requests)
}

// Invoke runs one capability on a daemon. The returned InvokeResult
// carries the peer's own ok/error envelope; support distinguishes
// "could not even ask" from an answered call.
func (c *Capabilities) Invoke(ctx context.Context, machineID string, capability wire.CapabilityID, args any) (*wire.InvokeResult, CapabilitySupport) {
	params := map[string]any{"capability": capability, "args": args}
	raw, err := c.rpc.MachineRPCTimeout(ctx, machineID, "capabilities.invoke", params, invokeTimeout)
	if err != nil {
		return nil, supportFromError(err)
	}
	result := wire.ParseInvokeResponse(raw)
	if result == nil {
		c.logger.Warn("unparseable capability invoke response", "machine", machineID, "capability", capability)
		return nil, CapabilitySupport{Reason: ReasonError}
	}
	return result, supported()
}
