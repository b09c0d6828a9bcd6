// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package enclave_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/enclave/enclave"
	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/testutil"
	"github.com/bureau-foundation/enclave/record"
	"github.com/bureau-foundation/enclave/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// launchHelper spawns a helper child and registers a cleanup that
// tears it down.
func launchHelper(t *testing.T, behavior string, opts enclave.Options) *enclave.Enclave {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	e, err := enclave.Launch(helperPlan(behavior), opts)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(ctx); err != nil {
			t.Errorf("cleanup shutdown: %v", err)
		}
	})
	return e
}

func TestCallRoundTrip(t *testing.T) {
	e := launchHelper(t, "peer", enclave.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sum int64
	if err := e.CallInto(ctx, &sum, "add", 2, 3); err != nil {
		t.Fatalf("add: %v", err)
	}
	if sum != 5 {
		t.Errorf("add(2, 3) = %d, want 5", sum)
	}

	_, err := e.Call(ctx, "boom")
	var remote *rpc.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("boom returned %v, want RemoteError", err)
	}
	if !strings.Contains(remote.Message, "boom") {
		t.Errorf("remote message %q does not contain %q", remote.Message, "boom")
	}

	// The channel stays usable after a remote exception.
	if err := e.CallInto(ctx, &sum, "add", 10, 20); err != nil {
		t.Fatalf("add after exception: %v", err)
	}
	if sum != 30 {
		t.Errorf("add(10, 20) = %d, want 30", sum)
	}
}

func TestSandboxCallsHost(t *testing.T) {
	exports := rpc.FunctionTable{
		"host_reverse": func(ctx context.Context, args []codec.RawMessage) (any, error) {
			var s string
			if err := rpc.DecodeArgs(args, &s); err != nil {
				return nil, err
			}
			runes := []rune(s)
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return string(runes), nil
		},
	}
	e := launchHelper(t, "peer", enclave.Options{Exports: exports})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reversed string
	if err := e.CallInto(ctx, &reversed, "reverse_via_host", "enclave"); err != nil {
		t.Fatalf("reverse_via_host: %v", err)
	}
	if reversed != "evalcne" {
		t.Errorf("reverse_via_host(enclave) = %q, want %q", reversed, "evalcne")
	}
}

func TestCleanShutdown(t *testing.T) {
	e, err := enclave.Launch(helperPlan("peer"), enclave.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if e.State() != enclave.StateRunning {
		t.Errorf("state after launch = %v, want %v", e.State(), enclave.StateRunning)
	}
	if e.Pid() == 0 {
		t.Error("Pid() returned 0 for a running child")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if e.State() != enclave.StateExited {
		t.Errorf("state after shutdown = %v, want %v", e.State(), enclave.StateExited)
	}

	event := testutil.RequireReceive(t, e.Events(), 5*time.Second, "exit event")
	if event.Kind != enclave.EventExited {
		t.Errorf("event kind = %v, want %v", event.Kind, enclave.EventExited)
	}
	if event.Err != nil {
		t.Errorf("clean shutdown reported exit error: %v", event.Err)
	}
	testutil.RequireClosed(t, e.Done(), 5*time.Second, "done channel")
}

func TestShutdownIdempotent(t *testing.T) {
	e, err := enclave.Launch(helperPlan("peer"), enclave.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Shutdown(ctx)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("shutdown %d: %v", i, err)
		}
	}

	// A further call after exit is still a no-op.
	if err := e.Shutdown(ctx); err != nil {
		t.Errorf("shutdown after exit: %v", err)
	}
}

func TestForcedKill(t *testing.T) {
	e, err := enclave.Launch(helperPlan("hang"), enclave.Options{
		Logger:      testLogger(),
		GracePeriod: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("shutdown finished in %v, before the grace period", elapsed)
	}

	event := testutil.RequireReceive(t, e.Events(), 5*time.Second, "exit event")
	if event.Kind != enclave.EventExited {
		t.Fatalf("event kind = %v, want %v", event.Kind, enclave.EventExited)
	}
	if event.Err == nil {
		t.Error("killed child reported a clean exit")
	}
}

func TestUnexpectedExit(t *testing.T) {
	e, err := enclave.Launch(helperPlan("exit"), enclave.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	event := testutil.RequireReceive(t, e.Events(), 5*time.Second, "exit event")
	if event.Kind != enclave.EventExited {
		t.Fatalf("event kind = %v, want %v", event.Kind, enclave.EventExited)
	}
	if event.Err == nil {
		t.Error("exit status 3 reported as clean")
	}

	// Calls issued after the channel collapsed fail immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.Call(ctx, "add", 1, 2); !errors.Is(err, rpc.ErrChannelClosed) {
		t.Errorf("call after exit: %v, want %v", err, rpc.ErrChannelClosed)
	}

	if err := e.Shutdown(ctx); err != nil {
		t.Errorf("shutdown after exit: %v", err)
	}
}

func TestSpawnFailure(t *testing.T) {
	plan := helperPlan("peer")
	plan.Path = "/nonexistent/interpreter"

	e, err := enclave.Launch(plan, enclave.Options{Logger: testLogger()})
	if err == nil {
		t.Fatal("Launch succeeded for a nonexistent executable")
	}
	if e == nil {
		t.Fatal("Launch returned a nil enclave alongside the error")
	}
	if e.State() != enclave.StateExited {
		t.Errorf("state = %v, want %v", e.State(), enclave.StateExited)
	}

	event := testutil.RequireReceive(t, e.Events(), 5*time.Second, "spawn failure event")
	if event.Kind != enclave.EventSpawnFailed {
		t.Errorf("event kind = %v, want %v", event.Kind, enclave.EventSpawnFailed)
	}
	if event.Err == nil {
		t.Error("spawn failure event carries no error")
	}
	testutil.RequireClosed(t, e.Done(), 5*time.Second, "done channel")
}

func TestSessionRecording(t *testing.T) {
	session, err := record.NewSession(t.TempDir(), record.SessionOptions{
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	e, err := enclave.Launch(helperPlan("peer"), enclave.Options{
		Logger:   testLogger(),
		Recorder: session,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var sum int64
	if err := e.CallInto(ctx, &sum, "add", 4, 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Exit handling closes the session, so the manifest exists and
	// both streams verify.
	replay, err := record.Open(session.Dir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := replay.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	outbound, err := replay.Outbound()
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	defer outbound.Close()
	raw, err := outbound.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	frame, err := rpc.NewFrameReader(bytes.NewReader(raw)).Next()
	if err != nil {
		t.Fatalf("decoding recorded frame: %v", err)
	}
	if frame.Code != rpc.CodeCall {
		t.Errorf("first recorded outbound frame is %s, want %s", frame.Code, rpc.CodeCall)
	}
	name, _, err := rpc.SplitCall(frame.Payload)
	if err != nil {
		t.Fatalf("decoding recorded call: %v", err)
	}
	if name != "add" {
		t.Errorf("recorded call name = %q, want %q", name, "add")
	}
}
