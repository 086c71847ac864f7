package api

// Cancelable is returned by Scheduler.Schedule and can be passed back to
// Cancel to abort a pending timer.
type Cancelable interface{}

// Scheduler abstracts one-shot timer scheduling, the second half of the
// completion-driven I/O facility the engine requires from its host (spec
// §5): "the ability to schedule a one-shot timer that fires a callback
// after a given delay." Concrete implementations live in package reactor.
type Scheduler interface {
	// Schedule runs fn once, after delay has elapsed.
	Schedule(delay int64, fn func()) Cancelable

	// Cancel aborts a previously scheduled callback. Safe to call after the
	// callback has already fired.
	Cancel(c Cancelable)

	// Now returns the current time in nanoseconds. reactor.Scheduler reads
	// the wall clock (time.Now().UnixNano()), which is not monotonic and can
	// move backwards if the system clock is stepped.
	Now() int64
}
