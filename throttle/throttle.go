// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package throttle limits the sandboxed interpreter's CPU usage with
// a duty cycle: each period the process group is stopped with SIGSTOP
// and resumed with SIGCONT, so that it runs for roughly the requested
// fraction of wall time. This needs no cgroup or systemd cooperation,
// which keeps the controller runnable in unprivileged environments;
// the cost is coarser granularity than a cgroup CPU quota.
//
// The throttler is an attach/detach capability: the process
// controller starts it when the process reaches Running and stops it
// at Exited. A nil *Throttler is a valid no-op hook.
package throttle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/enclave/lib/clock"
)

// defaultPeriod is one full run+pause cycle. Short enough that the
// interpreter never pauses perceptibly long, long enough that signal
// overhead stays negligible.
const defaultPeriod = 100 * time.Millisecond

// Throttler duty-cycles SIGSTOP/SIGCONT on a process group.
type Throttler struct {
	fraction float64
	period   time.Duration
	clk      clock.Clock
	logger   *slog.Logger

	// signal is swapped out by tests to observe the signal sequence
	// without a real process.
	signal func(pid int, sig unix.Signal) error

	mu      sync.Mutex
	pid     int
	ticker  *clock.Ticker
	stopped chan struct{}
	done    chan struct{}
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithPeriod overrides the duty-cycle period.
func WithPeriod(period time.Duration) Option {
	return func(t *Throttler) { t.period = period }
}

// WithClock injects a clock (tests use a fake).
func WithClock(clk clock.Clock) Option {
	return func(t *Throttler) { t.clk = clk }
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Throttler) { t.logger = logger }
}

// withSignal injects the signal function. Test-only.
func withSignal(signal func(pid int, sig unix.Signal) error) Option {
	return func(t *Throttler) { t.signal = signal }
}

// New returns a throttler limiting a process group to the given
// fraction of CPU wall time. Fraction must be in (0, 1).
func New(fraction float64, options ...Option) (*Throttler, error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, fmt.Errorf("throttle fraction %v outside (0, 1)", fraction)
	}
	t := &Throttler{
		fraction: fraction,
		period:   defaultPeriod,
		clk:      clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		signal:   unix.Kill,
	}
	for _, option := range options {
		option(t)
	}
	return t, nil
}

// Start begins throttling the process group led by pid. The target
// must be a process group leader (the controller spawns the sandbox
// with Setpgid), so stops reach the whole interpreter process tree.
func (t *Throttler) Start(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		return fmt.Errorf("throttler already started for pid %d", t.pid)
	}

	t.pid = pid
	t.ticker = t.clk.NewTicker(t.period)
	t.stopped = make(chan struct{})
	t.done = make(chan struct{})

	pauseAfter := time.Duration(t.fraction * float64(t.period))
	go t.run(pid, t.ticker, pauseAfter, t.stopped, t.done)

	t.logger.Info("throttle attached", "pid", pid, "fraction", t.fraction, "period", t.period)
	return nil
}

// run pauses the group partway through each period and resumes it at
// the period boundary. Signal errors are logged, not fatal: the
// process may exit at any moment and the controller handles that.
func (t *Throttler) run(pid int, ticker *clock.Ticker, pauseAfter time.Duration, stopped, done chan struct{}) {
	defer close(done)

	for {
		pauseTimer := t.clk.AfterFunc(pauseAfter, func() {
			if err := t.signal(-pid, unix.SIGSTOP); err != nil {
				t.logger.Debug("SIGSTOP failed", "pid", pid, "error", err)
			}
		})

		select {
		case <-ticker.C:
			// Period boundary: resume for the next cycle's run share.
			if err := t.signal(-pid, unix.SIGCONT); err != nil {
				t.logger.Debug("SIGCONT failed", "pid", pid, "error", err)
			}
		case <-stopped:
			pauseTimer.Stop()
			// Leave the group running: a detached throttler must
			// never strand a stopped process.
			if err := t.signal(-pid, unix.SIGCONT); err != nil {
				t.logger.Debug("final SIGCONT failed", "pid", pid, "error", err)
			}
			return
		}
	}
}

// Stop detaches the throttler, resuming the process group. Idempotent
// and safe on a never-started throttler. Blocks until the duty-cycle
// goroutine has issued its final SIGCONT.
func (t *Throttler) Stop() {
	if t == nil {
		return
	}

	t.mu.Lock()
	ticker := t.ticker
	stopped := t.stopped
	done := t.done
	t.ticker = nil
	t.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stopped)
	<-done
	t.logger.Info("throttle detached", "pid", t.pid)
}
