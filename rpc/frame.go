// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/enclave/lib/codec"
)

// Code identifies the kind of a protocol frame. These values are
// protocol constants shared with the sandboxed interpreter runtime —
// changing them breaks the wire format.
type Code uint8

const (
	// CodeCall carries an array whose first element is a function
	// name and whose remaining elements are arguments. Used in both
	// directions: host-issued calls and interpreter-issued calls.
	CodeCall Code = 1

	// CodeData carries the success payload answering the oldest
	// outstanding call in the opposite direction.
	CodeData Code = 2

	// CodeExc carries a string describing a failure, answering the
	// oldest outstanding call in the opposite direction.
	CodeExc Code = 3
)

// String returns the human-readable name of a frame code.
func (c Code) String() string {
	switch c {
	case CodeCall:
		return "CALL"
	case CodeData:
		return "DATA"
	case CodeExc:
		return "EXC"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Frame is one decoded protocol unit. Payload is left raw so that
// only the component that consumes it pays for decoding.
type Frame struct {
	Code    Code
	Payload codec.RawMessage
}

// wireFrame is the on-stream shape of a frame: a two-element CBOR
// array [code, payload].
type wireFrame struct {
	_       struct{} `cbor:",toarray"`
	Code    Code
	Payload codec.RawMessage
}

// EncodeFrame encodes (code, payload) into a single frame buffer.
// The payload is marshaled first so that an unencodable value is
// reported before any bytes reach the stream. Exported so that peer
// implementations and replay tooling can produce wire-identical
// frames.
func EncodeFrame(code Code, payload any) ([]byte, error) {
	rawPayload, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", code, err)
	}
	raw, err := codec.Marshal(wireFrame{Code: code, Payload: rawPayload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", code, err)
	}
	return raw, nil
}

// SplitCall decodes a CALL payload into its function name and raw
// arguments. Exported for the same audience as EncodeFrame.
func SplitCall(payload codec.RawMessage) (string, []codec.RawMessage, error) {
	var elements []codec.RawMessage
	if err := codec.Unmarshal(payload, &elements); err != nil {
		return "", nil, fmt.Errorf("malformed call payload: %w", err)
	}
	if len(elements) == 0 {
		return "", nil, errors.New("malformed call payload: empty")
	}
	var name string
	if err := codec.Unmarshal(elements[0], &name); err != nil {
		return "", nil, fmt.Errorf("malformed call name: %w", err)
	}
	return name, elements[1:], nil
}

// FrameReader decodes frames from a byte stream. The underlying
// stream decoder buffers partial items, so bytes may arrive in
// arbitrary chunks; frame boundaries come from CBOR's self-describing
// encoding alone.
type FrameReader struct {
	decoder *codec.Decoder
}

// NewFrameReader returns a FrameReader consuming r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{decoder: codec.NewDecoder(r)}
}

// Next returns the next complete frame. It returns io.EOF when the
// stream ends cleanly between frames; a stream that ends inside a
// frame yields io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() (Frame, error) {
	var wire wireFrame
	if err := fr.decoder.Decode(&wire); err != nil {
		return Frame{}, err
	}
	return Frame{Code: wire.Code, Payload: wire.Payload}, nil
}
