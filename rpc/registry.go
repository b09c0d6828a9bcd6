// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/codec"
)

// callResult is the outcome of one outgoing call: a raw success
// payload or an error, never both.
type callResult struct {
	value codec.RawMessage
	err   error
}

// pendingCall is one outstanding outgoing call. The done channel is
// buffered so resolution never blocks on an abandoned caller.
type pendingCall struct {
	name    string
	started time.Time
	done    chan callResult
}

// registry correlates outgoing calls with their responses. The
// protocol carries no call identifiers, so correlation is strictly
// first-in-first-out: the oldest pending call owns the next response
// frame. All mutation happens under one mutex — enqueue order must
// exactly match wire order, which the pump guarantees by holding its
// write lock across enqueue and write.
type registry struct {
	mu     sync.Mutex
	calls  []*pendingCall
	closed error // non-nil once drained; enqueue fails fast from then on

	logger *slog.Logger
	clk    clock.Clock
}

func newRegistry(logger *slog.Logger, clk clock.Clock) *registry {
	return &registry{logger: logger, clk: clk}
}

// enqueue appends a new pending call and returns it. Fails
// immediately if the registry has been drained: once the inbound
// stream is gone no response can ever arrive, and a blocked caller
// would hang forever.
func (r *registry) enqueue(name string) (*pendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return nil, fmt.Errorf("call %s: %w", name, r.closed)
	}

	call := &pendingCall{
		name:    name,
		started: r.clk.Now(),
		done:    make(chan callResult, 1),
	}
	r.calls = append(r.calls, call)
	return call, nil
}

// resolveNext removes the oldest pending call and resolves it from
// (code, payload): DATA fulfills, EXC fails with the payload text.
// A response with no pending call is logged and dropped — a
// misbehaving peer must not crash the controller.
func (r *registry) resolveNext(code Code, payload codec.RawMessage) {
	r.mu.Lock()
	if len(r.calls) == 0 {
		r.mu.Unlock()
		r.logger.Warn("response frame with no pending call", "code", code.String())
		return
	}
	call := r.calls[0]
	r.calls = r.calls[1:]
	r.mu.Unlock()

	elapsed := r.clk.Now().Sub(call.started)

	switch code {
	case CodeData:
		r.logger.Debug("call completed", "call", call.name, "elapsed", elapsed)
		call.done <- callResult{value: payload}
	case CodeExc:
		var message string
		if err := codec.Unmarshal(payload, &message); err != nil {
			// The peer answered with a non-string exception payload.
			// Preserve what failure information we can.
			message = fmt.Sprintf("undecodable exception payload (%v)", err)
		}
		r.logger.Debug("call failed remotely", "call", call.name, "elapsed", elapsed)
		call.done <- callResult{err: &RemoteError{Call: call.name, Message: message}}
	default:
		// Not a response code. Put the call back and drop the frame.
		r.mu.Lock()
		r.calls = append([]*pendingCall{call}, r.calls...)
		r.mu.Unlock()
		r.logger.Warn("ignoring frame with unexpected code", "code", code.String())
	}
}

// drain fails every outstanding call with err and closes the registry
// so later enqueues fail immediately. Safe to call more than once;
// the first error wins.
func (r *registry) drain(err error) {
	r.mu.Lock()
	if r.closed != nil {
		r.mu.Unlock()
		return
	}
	r.closed = err
	calls := r.calls
	r.calls = nil
	r.mu.Unlock()

	if len(calls) > 0 {
		r.logger.Info("failing outstanding calls", "count", len(calls), "reason", err)
	}
	for _, call := range calls {
		call.done <- callResult{err: fmt.Errorf("call %s: %w", call.name, err)}
	}
}

// outstanding reports the number of pending calls.
func (r *registry) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
