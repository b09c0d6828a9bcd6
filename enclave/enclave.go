// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package enclave

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/enclave/lib/clock"
	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/rpc"
	"github.com/bureau-foundation/enclave/sandbox"
)

// State is the lifecycle phase of an enclave.
type State int

const (
	// StateSpawning means the child process has not started yet.
	StateSpawning State = iota
	// StateRunning means the child is up and the pump is live.
	StateRunning
	// StateClosing means shutdown began: the to-sandbox stream is
	// closed and the grace timer is armed.
	StateClosing
	// StateExited means the child is gone and all resources are
	// released.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind classifies lifecycle events.
type EventKind int

const (
	// EventSpawnFailed reports that the child process never started.
	EventSpawnFailed EventKind = iota + 1
	// EventExited reports that the child process exited. Err is nil
	// for a clean exit and carries the wait error otherwise.
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventSpawnFailed:
		return "spawn-failed"
	case EventExited:
		return "exited"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a lifecycle notification delivered on [Enclave.Events].
type Event struct {
	Kind EventKind
	Err  error
}

// Throttle limits the child's CPU time. Start is called with the
// child's pid once it is running; Stop is called exactly once during
// exit handling.
type Throttle interface {
	Start(pid int) error
	Stop()
}

// defaultGracePeriod is how long a shutdown waits between closing the
// to-sandbox stream and killing the process group.
const defaultGracePeriod = time.Second

// Options configures Launch. The zero value is usable.
type Options struct {
	// Exports is the table of host functions the sandbox may call.
	Exports rpc.FunctionTable

	// GracePeriod overrides the shutdown grace period. Zero means
	// the default of one second.
	GracePeriod time.Duration

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Clock defaults to the real clock. The grace timer and call
	// timing run on it.
	Clock clock.Clock

	// Recorder, when non-nil, captures the raw protocol streams. If
	// it also implements io.Closer it is closed during exit handling.
	Recorder rpc.Recorder

	// Throttle, when non-nil, is started against the child's pid.
	Throttle Throttle
}

// Enclave is a running sandboxed interpreter and its protocol pump.
type Enclave struct {
	logger   *slog.Logger
	clk      clock.Clock
	grace    time.Duration
	recorder rpc.Recorder
	throttle Throttle

	cmd  *exec.Cmd
	pump *rpc.Pump

	// toSandbox is the host's write end of the child's fd 3. Closing
	// it is the shutdown signal; closeToSandbox guards the close so
	// shutdown and exit handling can both request it.
	toSandbox      *os.File
	closeWriteOnce sync.Once

	// fromSandbox is the host's read end of the child's fd 4.
	fromSandbox *os.File

	outputWG sync.WaitGroup

	mu        sync.Mutex
	state     State
	killTimer *clock.Timer

	// events never carries more than one notification per enclave;
	// the buffer means emitters never block on an absent reader.
	events chan Event
	exited chan struct{}
}

// Launch starts the planned process with the protocol pipes as fd 3
// and fd 4 and begins pumping frames. On spawn failure the returned
// enclave is already exited and carries an EventSpawnFailed on its
// event channel, alongside the returned error.
func Launch(plan sandbox.Plan, opts Options) (*Enclave, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	e := &Enclave{
		logger:   logger,
		clk:      clk,
		grace:    grace,
		recorder: opts.Recorder,
		throttle: opts.Throttle,
		state:    StateSpawning,
		events:   make(chan Event, 4),
		exited:   make(chan struct{}),
	}

	// Two pipe pairs: the child reads its commands on fd 3 and
	// writes its frames on fd 4.
	childRead, hostWrite, err := os.Pipe()
	if err != nil {
		return e.failSpawn(fmt.Errorf("creating to-sandbox pipe: %w", err))
	}
	hostRead, childWrite, err := os.Pipe()
	if err != nil {
		childRead.Close()
		hostWrite.Close()
		return e.failSpawn(fmt.Errorf("creating from-sandbox pipe: %w", err))
	}

	command := exec.Command(plan.Path, plan.Args...)
	command.Env = plan.Env
	command.ExtraFiles = []*os.File{childRead, childWrite} // fd 3, fd 4
	// Own process group so shutdown can signal the child and any
	// processes it spawned in one Kill.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := command.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = command.StderrPipe()
		if err == nil {
			e.outputWG.Add(2)
			go e.forwardOutput("stdout", stdout)
			go e.forwardOutput("stderr", stderr)
		}
	}
	if err != nil {
		childRead.Close()
		hostWrite.Close()
		hostRead.Close()
		childWrite.Close()
		return e.failSpawn(fmt.Errorf("creating output pipes: %w", err))
	}

	pump, err := rpc.NewPump(rpc.PumpOptions{
		Writer:   hostWrite,
		Reader:   hostRead,
		Exports:  opts.Exports,
		Recorder: opts.Recorder,
		Logger:   logger,
		Clock:    clk,
	})
	if err != nil {
		childRead.Close()
		hostWrite.Close()
		hostRead.Close()
		childWrite.Close()
		return e.failSpawn(fmt.Errorf("creating pump: %w", err))
	}

	if err := command.Start(); err != nil {
		childRead.Close()
		hostWrite.Close()
		hostRead.Close()
		childWrite.Close()
		return e.failSpawn(fmt.Errorf("starting %q: %w", plan.Path, err))
	}

	// The child has its own copies of its pipe ends; close ours so
	// EOF propagates when either side hangs up.
	childRead.Close()
	childWrite.Close()

	e.cmd = command
	e.pump = pump
	e.toSandbox = hostWrite
	e.fromSandbox = hostRead

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	pump.Start()

	if e.throttle != nil {
		if err := e.throttle.Start(command.Process.Pid); err != nil {
			logger.Warn("throttle failed to start", "pid", command.Process.Pid, "error", err)
			e.throttle = nil
		}
	}

	logger.Info("sandbox started",
		"pid", command.Process.Pid,
		"path", plan.Path,
		"tag", plan.Tag,
	)

	go e.waitForExit()
	return e, nil
}

// failSpawn finalizes an enclave whose child never started.
func (e *Enclave) failSpawn(err error) (*Enclave, error) {
	e.mu.Lock()
	e.state = StateExited
	e.mu.Unlock()
	e.logger.Error("sandbox spawn failed", "error", err)
	e.events <- Event{Kind: EventSpawnFailed, Err: err}
	e.closeRecorder()
	close(e.exited)
	return e, err
}

// forwardOutput relays one of the child's output streams to the log,
// a line at a time.
func (e *Enclave) forwardOutput(stream string, r io.Reader) {
	defer e.outputWG.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e.logger.Info("sandbox output", "stream", stream, "line", scanner.Text())
	}
}

// waitForExit reaps the child and runs exit handling. Output
// forwarding must drain before Wait: Wait closes the pipes behind
// StdoutPipe and StderrPipe.
func (e *Enclave) waitForExit() {
	e.outputWG.Wait()
	waitErr := e.cmd.Wait()
	e.onProcessExit(waitErr)
}

// onProcessExit runs once, after the child is reaped. It releases the
// pipes, stops the throttle and grace timer, closes the recorder, and
// publishes the exit event.
func (e *Enclave) onProcessExit(waitErr error) {
	e.mu.Lock()
	if e.killTimer != nil {
		e.killTimer.Stop()
		e.killTimer = nil
	}
	e.state = StateExited
	e.mu.Unlock()

	// Closing both pipe ends forces the pump's read loop to finish
	// and drain pending calls if EOF has not already done it.
	e.closeToSandbox()
	e.fromSandbox.Close()
	<-e.pump.Done()

	if e.throttle != nil {
		e.throttle.Stop()
	}
	e.closeRecorder()

	if waitErr != nil {
		e.logger.Warn("sandbox exited", "error", waitErr)
	} else {
		e.logger.Info("sandbox exited")
	}
	e.events <- Event{Kind: EventExited, Err: waitErr}
	close(e.exited)
}

func (e *Enclave) closeToSandbox() {
	e.closeWriteOnce.Do(func() {
		e.toSandbox.Close()
	})
}

func (e *Enclave) closeRecorder() {
	closer, ok := e.recorder.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		e.logger.Warn("closing session recording", "error", err)
	}
}

// Shutdown asks the child to exit by closing the to-sandbox stream,
// then waits for it. If the child is still running when the grace
// period elapses, its process group is killed. Safe to call from
// multiple goroutines; every caller blocks until the child is gone or
// its context expires.
func (e *Enclave) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateExited:
		e.mu.Unlock()
		return nil
	case StateRunning, StateSpawning:
		e.state = StateClosing
		pid := e.cmd.Process.Pid
		e.killTimer = e.clk.AfterFunc(e.grace, func() {
			e.forceKill(pid)
		})
		e.mu.Unlock()
		e.logger.Info("shutting down sandbox", "pid", pid, "grace", e.grace)
		e.closeToSandbox()
	default: // StateClosing: another caller already started shutdown.
		e.mu.Unlock()
	}

	select {
	case <-e.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forceKill fires when the grace period elapses with the child still
// alive. Kills the whole process group.
func (e *Enclave) forceKill(pid int) {
	e.logger.Warn("grace period elapsed, killing process group", "pid", pid)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		e.logger.Error("killing process group", "pid", pid, "error", err)
	}
}

// Call invokes a function exported by the sandbox and returns its raw
// encoded result.
func (e *Enclave) Call(ctx context.Context, name string, args ...any) (codec.RawMessage, error) {
	return e.pump.Call(ctx, name, args...)
}

// CallInto invokes a function exported by the sandbox and decodes its
// result into result.
func (e *Enclave) CallInto(ctx context.Context, result any, name string, args ...any) error {
	return e.pump.CallInto(ctx, result, name, args...)
}

// State returns the current lifecycle phase.
func (e *Enclave) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pid returns the child's process id, or zero if it never started.
func (e *Enclave) Pid() int {
	if e.cmd == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// Events delivers lifecycle notifications. At most one event is ever
// published per enclave.
func (e *Enclave) Events() <-chan Event { return e.events }

// Done is closed once the child has exited and cleanup finished.
func (e *Enclave) Done() <-chan struct{} { return e.exited }
