// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "errors"

// ErrChannelClosed indicates the inbound stream ended or errored
// while calls were outstanding, or a call was issued after it did.
// Every call failed by a stream-level event wraps this sentinel, so
// callers can distinguish peer loss from a remote exception with
// errors.Is.
var ErrChannelClosed = errors.New("rpc: channel closed")

// RemoteError is a failure reported by the peer via an EXC frame. The
// message is the peer-supplied description text, surfaced verbatim.
type RemoteError struct {
	// Call is the name of the function whose call failed.
	Call string

	// Message is the peer's description of the failure.
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote exception in " + e.Call + ": " + e.Message
}
