// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Enclave's standard CBOR encoding configuration.
//
// The RPC protocol between the host and the sandboxed interpreter is a
// sequence of CBOR data items concatenated on a byte stream with no
// outer framing. CBOR's self-describing encoding is what makes that
// work: the stream decoder derives item boundaries from the encoding
// itself, so bytes can arrive in arbitrary chunks and frames are
// reassembled incrementally.
//
// This package provides the shared encoding and decoding modes so that
// every Enclave package encodes identically. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical data
// always produces identical bytes, which the session recorder relies on
// for bit-exact replay.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the protocol pipes):
//
//	encoder := codec.NewEncoder(pipe)
//	decoder := codec.NewDecoder(pipe)
package codec
