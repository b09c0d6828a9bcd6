// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/codec"
)

// Recorder observes the raw protocol bytes flowing through a pump,
// for later bit-exact replay. RecordOutbound receives each encoded
// outbound frame buffer before it is written; RecordInbound receives
// inbound bytes as they are read, in arrival chunks (frame boundaries
// are recoverable from the self-describing encoding). Implementations
// must not block for long: both run on the pump's hot paths.
type Recorder interface {
	RecordInbound(chunk []byte)
	RecordOutbound(frame []byte)
}

// PumpOptions configures a Pump. Writer and Reader are required.
type PumpOptions struct {
	// Writer is the to-sandbox stream. The pump takes no ownership:
	// the process controller closes it during shutdown.
	Writer io.Writer

	// Reader is the from-sandbox stream. The pump reads it until EOF
	// or error.
	Reader io.Reader

	// Exports is the table of host functions the peer may call. May
	// be nil or empty; every inbound call is then answered with EXC.
	Exports FunctionTable

	// Recorder, when non-nil, sees all raw protocol bytes.
	Recorder Recorder

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Clock defaults to the real clock. Only used for call timing
	// diagnostics.
	Clock clock.Clock
}

// Pump drives the frame protocol over one pair of streams: it
// serializes outgoing calls onto the writer, decodes the reader, and
// routes each inbound frame to the pending-call registry (DATA/EXC)
// or the exported function table (CALL).
//
// Inbound calls are dispatched one at a time, in arrival order, by a
// single dispatch goroutine. The protocol has no call identifiers, so
// responses must reach the peer in the order it issued the calls;
// running handlers concurrently would emit responses in completion
// order and silently mismatch results on the peer. A handler that
// wants internal concurrency is free to fan out and join before
// returning.
type Pump struct {
	writer   io.Writer
	exports  FunctionTable
	recorder Recorder
	logger   *slog.Logger
	clk      clock.Clock

	// writeMu serializes all frame writes. Call holds it across
	// registry enqueue and write so registry order matches wire
	// order exactly.
	writeMu  sync.Mutex
	registry *registry

	reader *FrameReader

	// inbound queues CALL frames for the dispatch goroutine. The
	// read loop blocks when it fills, which back-pressures a peer
	// flooding calls faster than handlers complete.
	inbound chan Frame

	// ctx is canceled at pump shutdown; handlers receive it.
	ctx       context.Context
	cancelCtx context.CancelFunc

	done    chan struct{}
	readErr error // set before done closes

	startOnce sync.Once
}

// NewPump constructs a pump. Call Start to begin processing.
func NewPump(opts PumpOptions) (*Pump, error) {
	if opts.Writer == nil || opts.Reader == nil {
		return nil, errors.New("rpc: pump requires both streams")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())

	reader := opts.Reader
	if opts.Recorder != nil {
		reader = io.TeeReader(reader, recordWriter{opts.Recorder})
	}

	return &Pump{
		writer:    opts.Writer,
		exports:   opts.Exports,
		recorder:  opts.Recorder,
		logger:    logger,
		clk:       clk,
		registry:  newRegistry(logger, clk),
		reader:    NewFrameReader(reader),
		inbound:   make(chan Frame, 64),
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}, nil
}

// recordWriter adapts a Recorder's inbound side to io.Writer for use
// with io.TeeReader.
type recordWriter struct {
	recorder Recorder
}

func (w recordWriter) Write(p []byte) (int, error) {
	w.recorder.RecordInbound(p)
	return len(p), nil
}

// Start launches the read and dispatch goroutines. Idempotent.
func (p *Pump) Start() {
	p.startOnce.Do(func() {
		go p.dispatchLoop()
		go p.readLoop()
	})
}

// Done is closed once the read loop has terminated and the registry
// has been drained. After Done, Err reports why.
func (p *Pump) Done() <-chan struct{} { return p.done }

// Err returns the reason the pump stopped: ErrChannelClosed for a
// clean peer EOF, or the underlying read error. Only valid after
// Done is closed.
func (p *Pump) Err() error { return p.readErr }

// Outstanding reports the number of calls awaiting responses.
func (p *Pump) Outstanding() int { return p.registry.outstanding() }

// Call issues (name, args...) to the peer and blocks until the
// matching response frame is consumed, the inbound stream closes, or
// ctx is done. On DATA it returns the raw payload; on EXC it returns
// a *RemoteError carrying the peer's description.
//
// When ctx is canceled the call is abandoned but stays in the
// registry: its eventual response must still be consumed in FIFO
// position or every later call would resolve against the wrong frame.
func (p *Pump) Call(ctx context.Context, name string, args ...any) (codec.RawMessage, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)

	raw, err := EncodeFrame(CodeCall, payload)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	p.writeMu.Lock()
	call, err := p.registry.enqueue(name)
	if err != nil {
		p.writeMu.Unlock()
		return nil, err
	}
	writeErr := p.writeLocked(raw)
	p.writeMu.Unlock()

	if writeErr != nil {
		// A write failure means peer loss, but the registry is
		// drained by the read side observing the paired close —
		// draining here too would race it. The call stays pending
		// and fails when the drain reaches it.
		p.logger.Error("writing call frame", "call", name, "error", writeErr)
	}

	select {
	case result := <-call.done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto issues a call and decodes the DATA payload into result.
// Pass a nil result to discard the payload.
func (p *Pump) CallInto(ctx context.Context, result any, name string, args ...any) error {
	payload, err := p.Call(ctx, name, args...)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := codec.Unmarshal(payload, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", name, err)
	}
	return nil
}

// writeLocked records and writes one encoded frame. Caller holds
// writeMu.
func (p *Pump) writeLocked(raw []byte) error {
	if p.recorder != nil {
		p.recorder.RecordOutbound(raw)
	}
	if _, err := p.writer.Write(raw); err != nil {
		return err
	}
	return nil
}

// readLoop consumes the inbound stream until it ends, routing each
// frame, then drains the registry so no caller is left hanging.
func (p *Pump) readLoop() {
	var readErr error
	for {
		frame, err := p.reader.Next()
		if err != nil {
			readErr = err
			break
		}
		if frame.Code == CodeCall {
			p.inbound <- frame
			continue
		}
		p.registry.resolveNext(frame.Code, frame.Payload)
	}

	switch {
	case errors.Is(readErr, io.EOF), errors.Is(readErr, os.ErrClosed), errors.Is(readErr, io.ErrClosedPipe):
		p.readErr = ErrChannelClosed
	default:
		p.readErr = fmt.Errorf("%w: %w", ErrChannelClosed, readErr)
		p.logger.Error("inbound stream failed", "error", readErr)
	}

	p.registry.drain(p.readErr)
	p.cancelCtx()
	close(p.inbound)
	close(p.done)
}

// dispatchLoop services queued inbound calls one at a time, in
// arrival order.
func (p *Pump) dispatchLoop() {
	for frame := range p.inbound {
		p.handleCall(frame)
	}
}

// handleCall invokes the named export and writes exactly one DATA or
// EXC response. Handler panics do not exist as a category here: a
// handler that panics takes the process down, same as any Go library
// callback. Response write failures are logged and swallowed — they
// must not disturb frame handling or process lifecycle.
func (p *Pump) handleCall(frame Frame) {
	name, args, err := SplitCall(frame.Payload)
	if err != nil {
		p.logger.Warn("malformed inbound call", "error", err)
		p.respond(CodeExc, err.Error())
		return
	}

	handler, ok := p.exports[name]
	if !ok {
		p.logger.Warn("inbound call to unknown function", "call", name)
		p.respond(CodeExc, fmt.Sprintf("unknown function: %s", name))
		return
	}

	started := p.clk.Now()
	value, err := handler(p.ctx, args)
	elapsed := p.clk.Now().Sub(started)
	if err != nil {
		p.logger.Debug("inbound call failed", "call", name, "elapsed", elapsed, "error", err)
		p.respond(CodeExc, err.Error())
		return
	}
	p.logger.Debug("inbound call completed", "call", name, "elapsed", elapsed)
	p.respond(CodeData, value)
}

// respond writes one response frame, logging and swallowing failures.
func (p *Pump) respond(code Code, payload any) {
	raw, err := EncodeFrame(code, payload)
	if err != nil {
		p.logger.Error("encoding response frame", "code", code.String(), "error", err)
		// The peer is owed a response in FIFO position. An
		// unencodable success value still yields an EXC so the
		// stream does not skew.
		if code == CodeData {
			p.respond(CodeExc, fmt.Sprintf("unencodable result: %v", err))
		}
		return
	}

	p.writeMu.Lock()
	writeErr := p.writeLocked(raw)
	p.writeMu.Unlock()
	if writeErr != nil {
		p.logger.Error("writing response frame", "code", code.String(), "error", writeErr)
	}
}

