// Package reactor implements the abstract single-goroutine event loop:
// a small set of long-lived OS threads, each driving one cooperative
// reactor, where cross-thread submissions are posted through the
// reactor's task queue. Transport primitives themselves (sockets,
// datagrams) live elsewhere; this package only owns the task queue and
// the SleepUntil helper. Timers are not handled here.
package reactor

import (
	"context"
	"time"
)

// Reactor runs submitted tasks strictly one at a time on a single
// goroutine, so state touched only inside tasks run by Run needs no
// mutex. Run does not service timers: the timers channel is created by
// New but never read. No package in this module constructs a Reactor;
// ltp.Engine, tcpcl.Session and ingress.Dispatcher do not use one.
type Reactor struct {
	tasks  chan func()
	timers chan timerRequest
}

type timerRequest struct {
	deadline time.Time
	fire     chan time.Time
}

// New returns a Reactor with the given task-queue depth. A depth of 0
// makes Submit synchronous with the next Run iteration.
func New(queueDepth int) *Reactor {
	return &Reactor{
		tasks:  make(chan func(), queueDepth),
		timers: make(chan timerRequest),
	}
}

// Submit posts fn to run on the reactor's goroutine. Safe to call from
// any goroutine; this is the only sanctioned way to mutate
// reactor-owned state from outside it.
func (r *Reactor) Submit(fn func()) {
	r.tasks <- fn
}

// TrySubmit posts fn without blocking, reporting false if the task
// queue is full.
func (r *Reactor) TrySubmit(fn func()) bool {
	select {
	case r.tasks <- fn:
		return true
	default:
		return false
	}
}

// Run drains submitted tasks until ctx is cancelled. Exactly one task
// runs at a time, in submission order, which is how the reactor model
// provides the "single-threaded per session" guarantee without a lock.
func (r *Reactor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.tasks:
			fn()
		}
	}
}

// SleepUntil blocks the calling goroutine (intended to be the reactor's
// own, invoked from within a submitted task only during tests/bring-up;
// production timer scheduling goes through internal/timerwheel.Manager
// and a single *time.Timer owned by the component, not through this
// helper) until deadline or ctx cancellation, reporting which occurred.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
