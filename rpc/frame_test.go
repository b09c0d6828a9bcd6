// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/bureau-foundation/enclave/lib/codec"
)

func TestCodeString(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{CodeCall, "CALL"},
		{CodeData, "DATA"},
		{CodeExc, "EXC"},
		{Code(9), "unknown(9)"},
	}
	for _, tc := range cases {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("Code(%d).String() = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestFrameRoundtrip(t *testing.T) {
	raw, err := EncodeFrame(CodeCall, []any{"add", int64(2), int64(3)})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	reader := NewFrameReader(bytes.NewReader(raw))
	frame, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Code != CodeCall {
		t.Errorf("Code = %v, want CALL", frame.Code)
	}

	var payload []any
	if err := codec.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	want := []any{"add", int64(2), int64(3)}
	if !reflect.DeepEqual(payload, want) {
		t.Errorf("payload = %#v, want %#v", payload, want)
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("Next past end = %v, want io.EOF", err)
	}
}

// slowReader returns one byte per Read call, forcing the reader to
// reassemble every frame from single-byte fragments.
type slowReader struct {
	r io.Reader
}

func (s slowReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return s.r.Read(p)
}

func TestFrameReaderChunkedStream(t *testing.T) {
	var stream bytes.Buffer
	type spec struct {
		code    Code
		payload any
	}
	frames := []spec{
		{CodeCall, []any{"compute", map[string]any{"depth": int64(4)}}},
		{CodeData, "result"},
		{CodeExc, "ValueError: bad input"},
		{CodeData, []any{int64(1), []any{int64(2), []any{int64(3)}}}},
	}
	for _, f := range frames {
		raw, err := EncodeFrame(f.code, f.payload)
		if err != nil {
			t.Fatalf("EncodeFrame(%v): %v", f.code, err)
		}
		stream.Write(raw)
	}

	reader := NewFrameReader(slowReader{&stream})
	for i, want := range frames {
		frame, err := reader.Next()
		if err != nil {
			t.Fatalf("Next frame %d: %v", i, err)
		}
		if frame.Code != want.code {
			t.Errorf("frame %d code = %v, want %v", i, frame.Code, want.code)
		}
		var decoded any
		if err := codec.Unmarshal(frame.Payload, &decoded); err != nil {
			t.Fatalf("decoding frame %d payload: %v", i, err)
		}
		wantRaw, err := codec.Marshal(want.payload)
		if err != nil {
			t.Fatalf("re-encoding frame %d: %v", i, err)
		}
		if !bytes.Equal(frame.Payload, wantRaw) {
			t.Errorf("frame %d payload bytes differ", i)
		}
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("Next past end = %v, want io.EOF", err)
	}
}

func TestFrameReaderTruncatedFrame(t *testing.T) {
	raw, err := EncodeFrame(CodeData, "a longer payload that will be cut")
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	reader := NewFrameReader(bytes.NewReader(raw[:len(raw)-3]))
	if _, err := reader.Next(); err == nil || err == io.EOF {
		t.Errorf("Next on truncated frame = %v, want mid-frame error", err)
	}
}

func TestSplitCall(t *testing.T) {
	payload, err := codec.Marshal([]any{"render", "page", int64(7)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	name, args, err := SplitCall(payload)
	if err != nil {
		t.Fatalf("SplitCall: %v", err)
	}
	if name != "render" {
		t.Errorf("name = %q, want %q", name, "render")
	}
	if len(args) != 2 {
		t.Fatalf("len(args) = %d, want 2", len(args))
	}

	var page string
	if err := DecodeArgs(args[:1], &page); err == nil {
		if page != "page" {
			t.Errorf("first arg = %q, want %q", page, "page")
		}
	} else {
		t.Errorf("DecodeArgs: %v", err)
	}
}

func TestSplitCallMalformed(t *testing.T) {
	empty, err := codec.Marshal([]any{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, _, err := SplitCall(empty); err == nil {
		t.Error("SplitCall(empty array) succeeded, want error")
	}

	notArray, err := codec.Marshal("just a string")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, _, err := SplitCall(notArray); err == nil {
		t.Error("SplitCall(non-array) succeeded, want error")
	}

	numericName, err := codec.Marshal([]any{int64(42)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, _, err := SplitCall(numericName); err == nil {
		t.Error("SplitCall(numeric name) succeeded, want error")
	}
}
