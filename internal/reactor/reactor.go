// Package reactor wraps github.com/joeycumines/go-eventloop into the
// single-threaded reactor of spec.md §4.1: one Loop owning timer, signal,
// and descriptor-readiness sources, with a "worker queue" that lets a
// callback defer work to a later turn instead of recursing state-machine
// chains inside the callback that triggered them.
//
// The underlying Loop already provides exactly the ingress/timer/poller
// primitives needed (see its doc.go: "Task priority ordering within each
// tick: 1. Timer callbacks 2. Internal queue 3. External queue
// 4. Microtasks") — this package adds the init-specific idempotent
// "post once per turn" coalescing and OS signal plumbing named explicitly
// in spec.md §6 (SIGCHLD, SIGHUP, SIGTERM/INT/QUIT, SIGUSR1/2, SIGPWR,
// SIGSTOP/CONT, SIGALRM).
package reactor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/finit-go/finit/internal/logging"
)

// Loop is the finit reactor: a single goroutine driving one
// *eventloop.Loop, plus OS signal fan-in and deferred-work coalescing.
type Loop struct {
	raw *eventloop.Loop
	log *logging.Logger

	mu      sync.Mutex
	pending map[string]bool // coalescing keys with a post already in flight
}

// SignalHandler is invoked on the reactor goroutine when sig is delivered.
type SignalHandler func(sig os.Signal)

// New constructs a Loop. log must not be nil.
func New(log *logging.Logger) (*Loop, error) {
	raw, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &Loop{
		raw:     raw,
		log:     log,
		pending: make(map[string]bool),
	}, nil
}

// Run blocks, driving the loop until ctx is cancelled or Shutdown is called.
func (l *Loop) Run(ctx context.Context) error {
	return l.raw.Run(ctx)
}

// Shutdown requests the loop stop, waiting (bounded by ctx) for in-flight
// work to drain.
func (l *Loop) Shutdown(ctx context.Context) error {
	return l.raw.Shutdown(ctx)
}

// Close releases the loop's OS resources (wake pipe, poller fd). Call after
// Run returns.
func (l *Loop) Close() error {
	return l.raw.Close()
}

// Post schedules fn to run on the reactor goroutine; safe from any
// goroutine (signal handlers, FD callbacks, external callers), per the
// underlying Loop's documented thread-safety of Submit.
func (l *Loop) Post(fn func()) error {
	return l.raw.Submit(eventloop.Task{Runnable: fn})
}

// PostOnce defers fn to a later turn of the loop, coalescing repeated calls
// under the same key into a single pending invocation — the scheduling
// contract of spec.md §4.1: "a posted work item runs exactly once in a
// later iteration; re-posting while pending is idempotent." This is how a
// condition-store change schedules "sweep every service" without a burst of
// changes producing a burst of sweeps (spec.md §5 ordering guarantee (c)).
func (l *Loop) PostOnce(key string, fn func()) error {
	l.mu.Lock()
	if l.pending[key] {
		l.mu.Unlock()
		return nil
	}
	l.pending[key] = true
	l.mu.Unlock()

	return l.raw.SubmitInternal(eventloop.Task{Runnable: func() {
		l.mu.Lock()
		delete(l.pending, key)
		l.mu.Unlock()
		fn()
	}})
}

// ScheduleTimer arms a one-shot timer after delay, running fn on the
// reactor goroutine. Callers (internal/statemachine) are responsible for
// the "at most one outstanding timer per service" invariant; this package
// only provides the primitive.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) error {
	return l.raw.ScheduleTimer(delay, fn)
}

// RegisterFD registers fd for readiness callbacks (in this module: the
// pid-file inotify fd; the control socket and child reaping run on their own
// goroutines and reach the loop through Post).
func (l *Loop) RegisterFD(fd int, events eventloop.IOEvents, cb func(eventloop.IOEvents)) error {
	return l.raw.RegisterFD(fd, events, cb)
}

// UnregisterFD removes fd's readiness registration.
func (l *Loop) UnregisterFD(fd int) error {
	return l.raw.UnregisterFD(fd)
}

// WatchSignals starts forwarding the given OS signals to handler, invoked
// on the reactor goroutine via Post. Returns a stop function.
func (l *Loop) WatchSignals(handler SignalHandler, sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				sig := sig
				if err := l.Post(func() { handler(sig) }); err != nil {
					l.log.Warning().Err(err).Log("failed to post signal to reactor")
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
