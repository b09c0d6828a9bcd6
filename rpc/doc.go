// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the call protocol between the host and the
// sandboxed interpreter: the wire frame model, the FIFO pending-call
// registry, the exported function table, and the message pump that
// ties them to a pair of byte pipes.
//
// The protocol is deliberately minimal. A frame is a two-element CBOR
// array [code, payload] with code one of CALL, DATA, or EXC; frames
// are concatenated on the stream with no outer framing. There are no
// call identifiers: the peer must answer calls in the exact order it
// received them, and the registry matches responses to pending calls
// strictly first-in-first-out. This FIFO correlation is a binding
// protocol invariant — an out-of-order peer silently mismatches
// results, so the pump also serializes inbound call dispatch to give
// the peer the same guarantee in the other direction.
//
// One pump owns one pair of streams. Outgoing calls suspend the caller
// until the matching response arrives or the inbound stream closes;
// inbound CALL frames are dispatched to the exported function table
// and answered with exactly one DATA or EXC frame each.
package rpc
