// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"math"
	"reflect"
	"testing"
)

func TestRoundtripValues(t *testing.T) {
	// The protocol carries arbitrary interpreter values: scalars,
	// sequences, mappings, and nested combinations of all three.
	values := []any{
		true,
		false,
		nil,
		int64(0),
		int64(-1),
		int64(1 << 40),
		3.5,
		math.Inf(1),
		"hello",
		"",
		[]byte{0x00, 0xff, 0x7f},
		[]any{int64(1), "two", 3.0},
		map[string]any{"a": int64(1), "b": []any{true, nil}},
		[]any{map[string]any{"nested": []any{[]any{"deep"}}}},
	}

	for _, original := range values {
		data, err := Marshal(original)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", original, err)
		}

		var decoded any
		if err := Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal(%v): %v", original, err)
		}

		if !reflect.DeepEqual(decoded, original) {
			t.Errorf("roundtrip mismatch: got %#v, want %#v", decoded, original)
		}
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"zebra": 1, "apple": 2, "mango": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestDefaultMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if _, ok := decoded.(map[string]any); !ok {
		t.Errorf("any-typed map decoded as %T, want map[string]any", decoded)
	}
}

// oneByteReader delivers the underlying stream a single byte per Read
// call, forcing the decoder to reassemble every item from fragments.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestDecoderChunkedStream(t *testing.T) {
	items := []any{
		"first",
		[]any{int64(1), int64(2), int64(3)},
		map[string]any{"k": "v"},
		int64(42),
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, item := range items {
		if err := encoder.Encode(item); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(oneByteReader{&buffer})
	for i, want := range items {
		var got any
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode item %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("item %d = %#v, want %#v", i, got, want)
		}
	}

	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		t.Errorf("Decode past end = %v, want io.EOF", err)
	}
}
