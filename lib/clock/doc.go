// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance time explicitly.
//
// The controller's forced-kill grace timer and the CPU throttle's
// duty-cycle ticker are the two time-driven behaviors in Enclave.
// Both must be testable without real waits: a shutdown test that
// sleeps through a one-second grace period is a flaky shutdown test.
package clock
