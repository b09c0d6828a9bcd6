// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package record captures the raw protocol bytes of a sandbox session
// for later bit-exact replay.
//
// A [Session] implements the pump's recorder hook: every outbound
// frame buffer and every inbound chunk is appended, length-prefixed,
// to one of two per-session stream files. Streams are optionally
// compressed (lz4 for speed, zstd for ratio) and hashed with BLAKE3
// as they are written; closing the session writes a manifest with the
// digests so a replay can prove it is reading exactly the bytes the
// session carried.
//
// Recording failures are logged and swallowed — the recorder is an
// observer, and an observer must never disturb the session it
// observes. Once a stream write fails, the stream stops recording and
// the session's manifest is not written, so a partial record is never
// mistaken for a complete one.
//
// [Open] loads a recorded session; [Replay.Verify] re-hashes the
// streams against the manifest.
package record
