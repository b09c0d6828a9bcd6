// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package enclave spawns a sandboxed interpreter process and drives
// the frame protocol over a pair of inherited pipes.
//
// The child process receives the host-to-sandbox stream as fd 3 and
// the sandbox-to-host stream as fd 4. [Launch] starts the process
// from a [sandbox.Plan], wires an rpc pump onto the pipes, and
// returns an [Enclave] handle for issuing calls. [Enclave.Shutdown]
// closes the to-sandbox stream so the child sees EOF and can exit on
// its own; a child that outlives the grace period is killed along
// with its process group.
//
// Lifecycle is a one-way state machine: Spawning, Running, Closing,
// Exited. Every transition happens under the enclave's mutex, and
// exit handling runs exactly once regardless of whether the child
// exited on request, on its own, or by force.
package enclave
