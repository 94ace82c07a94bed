// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/slopus/happy-sync/keystore"
	"github.com/slopus/happy-sync/lib/clock"
	"github.com/slopus/happy-sync/transport"
	"github.com/slopus/happy-sync/wire"
)

const defaultRPCTimeout = 15 * time.Second

// RPCClient executes typed calls against daemons (machine-addressed)
// and agent processes (session-addressed) over the socket's
// request/ack primitive. Params and results are end-to-end encrypted
// with the target entity's key; the server routes blobs it cannot
// read.
type RPCClient struct {
	socket  transport.Socket
	keys    *keystore.KeyStore
	clk     clock.Clock
	logger  *slog.Logger
	timeout time.Duration
}

// NewRPCClient builds a client. A non-positive timeout selects the
// default; nil clock selects the real one.
func NewRPCClient(socket transport.Socket, keys *keystore.KeyStore, clk clock.Clock, logger *slog.Logger, timeout time.Duration) *RPCClient {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &RPCClient{socket: socket, keys: keys, clk: clk, logger: logger, timeout: timeout}
}

// MachineRPC calls a daemon method. The result is the decrypted
// response payload; a method the daemon does not implement surfaces as
// an error matched by wire.IsMethodNotAvailable.
func (c *RPCClient) MachineRPC(ctx context.Context, machineID, method string, params any) ([]byte, error) {
	return c.call(ctx, machineID, machineID+":"+method, params, c.timeout)
}

// SessionRPC calls a method on the agent process attached to a
// session. Inactive sessions have no agent attached; such calls fail
// with a method-not-available error.
func (c *RPCClient) SessionRPC(ctx context.Context, sessionID, method string, params any) ([]byte, error) {
	return c.call(ctx, sessionID, sessionID+":"+method, params, c.timeout)
}

// MachineRPCTimeout is MachineRPC with a per-call deadline, for
// capability probes with their own timing contracts.
func (c *RPCClient) MachineRPCTimeout(ctx context.Context, machineID, method string, params any, timeout time.Duration) ([]byte, error) {
	return c.call(ctx, machineID, machineID+":"+method, params, timeout)
}

type rpcCallBody struct {
	Method string `json:"method"`
	Params string `json:"params"`
}

func (c *RPCClient) call(ctx context.Context, entityID, target string, params any, timeout time.Duration) ([]byte, error) {
	plaintext, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding rpc params: %w", err)
	}
	blob, err := c.keys.Encrypt(entityID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting rpc params: %w", err)
	}
	body, err := json.Marshal(rpcCallBody{Method: target, Params: blob})
	if err != nil {
		return nil, fmt.Errorf("encoding rpc call: %w", err)
	}

	type outcome struct {
		ack []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ack, reqErr := c.socket.Request(ctx, "rpc-call", body)
		done <- outcome{ack: ack, err: reqErr}
	}()

	// Race the request against the local deadline. The losing branch
	// is abandoned, not cancelled; a late completion is ignored.
	var ack []byte
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.clk.After(timeout):
		return nil, fmt.Errorf("rpc %s: %w", target, context.DeadlineExceeded)
	case result := <-done:
		if result.err != nil {
			return nil, fmt.Errorf("rpc %s: %w", target, result.err)
		}
		ack = result.ack
	}

	result, err := wire.ParseRPCResponse(ack)
	if err != nil {
		return nil, err
	}
	return c.decryptResult(entityID, result)
}

// decryptResult unwraps the peer's encrypted result blob. A missing or
// null result (methods with no return value) decodes to nil.
func (c *RPCClient) decryptResult(entityID string, result json.RawMessage) ([]byte, error) {
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var blob string
	if err := json.Unmarshal(result, &blob); err != nil {
		return nil, fmt.Errorf("rpc result is not an encrypted blob: %w", err)
	}
	plaintext, err := c.keys.Decrypt(entityID, blob)
	if err != nil {
		return nil, fmt.Errorf("decrypting rpc result: %w", err)
	}
	return plaintext, nil
}
