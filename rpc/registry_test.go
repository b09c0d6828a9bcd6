// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/testutil"
)

func testRegistry(t *testing.T) *registry {
	t.Helper()
	return newRegistry(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	)
}

func mustMarshal(t *testing.T, v any) codec.RawMessage {
	t.Helper()
	raw, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal(%v): %v", v, err)
	}
	return raw
}

func TestRegistryResolvesInOrder(t *testing.T) {
	reg := testRegistry(t)

	first, err := reg.enqueue("first")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := reg.enqueue("second")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reg.resolveNext(CodeData, mustMarshal(t, "for-first"))
	reg.resolveNext(CodeData, mustMarshal(t, "for-second"))

	firstResult := testutil.RequireReceive(t, first.done, time.Second, "first call result")
	var got string
	if err := codec.Unmarshal(firstResult.value, &got); err != nil || got != "for-first" {
		t.Errorf("first call got %q (err %v), want %q", got, err, "for-first")
	}

	secondResult := testutil.RequireReceive(t, second.done, time.Second, "second call result")
	if err := codec.Unmarshal(secondResult.value, &got); err != nil || got != "for-second" {
		t.Errorf("second call got %q (err %v), want %q", got, err, "for-second")
	}
}

func TestRegistryExcResolvesAsRemoteError(t *testing.T) {
	reg := testRegistry(t)

	call, err := reg.enqueue("boom")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reg.resolveNext(CodeExc, mustMarshal(t, "ValueError: boom"))

	result := testutil.RequireReceive(t, call.done, time.Second, "call result")
	var remote *RemoteError
	if !errors.As(result.err, &remote) {
		t.Fatalf("error = %v, want *RemoteError", result.err)
	}
	if remote.Call != "boom" || remote.Message != "ValueError: boom" {
		t.Errorf("RemoteError = %+v", remote)
	}
}

func TestRegistryResolveNextEmptyIsNoop(t *testing.T) {
	reg := testRegistry(t)

	// A spurious response from a misbehaving peer must not crash.
	reg.resolveNext(CodeData, mustMarshal(t, "spurious"))

	call, err := reg.enqueue("after")
	if err != nil {
		t.Fatalf("enqueue after spurious frame: %v", err)
	}
	reg.resolveNext(CodeData, mustMarshal(t, "real"))

	result := testutil.RequireReceive(t, call.done, time.Second, "call result")
	if result.err != nil {
		t.Errorf("call failed: %v", result.err)
	}
}

func TestRegistryUnexpectedCodeKeepsCall(t *testing.T) {
	reg := testRegistry(t)

	call, err := reg.enqueue("steady")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A CALL code is not a response; the pending call must survive it.
	reg.resolveNext(CodeCall, mustMarshal(t, []any{"noise"}))
	if reg.outstanding() != 1 {
		t.Fatalf("outstanding = %d after non-response code, want 1", reg.outstanding())
	}

	reg.resolveNext(CodeData, mustMarshal(t, int64(1)))
	result := testutil.RequireReceive(t, call.done, time.Second, "call result")
	if result.err != nil {
		t.Errorf("call failed: %v", result.err)
	}
}

func TestRegistryDrainFailsAllAndClosesRegistry(t *testing.T) {
	reg := testRegistry(t)

	var calls []*pendingCall
	for i := 0; i < 5; i++ {
		call, err := reg.enqueue("pending")
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		calls = append(calls, call)
	}

	reg.drain(ErrChannelClosed)

	for i, call := range calls {
		result := testutil.RequireReceive(t, call.done, time.Second, "drained call %d", i)
		if !errors.Is(result.err, ErrChannelClosed) {
			t.Errorf("call %d error = %v, want ErrChannelClosed", i, result.err)
		}
	}

	if _, err := reg.enqueue("late"); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("enqueue after drain = %v, want ErrChannelClosed", err)
	}
	if reg.outstanding() != 0 {
		t.Errorf("outstanding = %d after drain, want 0", reg.outstanding())
	}

	// Second drain is a no-op, not a double-fire.
	reg.drain(errors.New("other"))
	if _, err := reg.enqueue("later"); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("first drain error should win, got %v", err)
	}
}
