// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox translates launch options into spawn parameters for
// the sandboxed interpreter process. It is a pure planner: it builds
// a bubblewrap (bwrap) command line, an argument vector, and an
// environment, and performs no I/O itself.
//
// Two flavors are supported. The sandboxed flavor wraps a fixed
// interpreter invocation in bwrap with namespace isolation, a cleared
// environment, and explicitly declared read-only bind mounts — every
// host path the interpreter can see is listed in the plan. The
// unsandboxed flavor, for local development, spawns a named
// interpreter command directly with no mounts and no bwrap arguments.
//
// Either way the spawned process receives the two protocol pipes as
// file descriptors 3 (host to sandbox) and 4 (sandbox to host); the
// process controller attaches them, not this package.
//
// Profiles ([Profile], YAML) supply reusable mount and environment
// defaults. Controller-level toggles (recording, throttling,
// deterministic mode) arrive through an explicit [Config] value and
// are exported to the child as ENCLAVE_* environment variables —
// nothing in this package reads the host's ambient environment.
package sandbox
