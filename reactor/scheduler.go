package reactor

import (
	"sync"
	"time"

	"github.com/trafficgen/tgen/api"
)

// timerHandle is the Cancelable returned by Scheduler.Schedule.
type timerHandle struct {
	mu       sync.Mutex
	canceled bool
	fn       func()
}

func (h *timerHandle) fire() {
	h.mu.Lock()
	canceled := h.canceled
	h.mu.Unlock()
	if !canceled {
		h.fn()
	}
}

func (h *timerHandle) cancel() {
	h.mu.Lock()
	h.canceled = true
	h.mu.Unlock()
}

// Scheduler implements api.Scheduler with the standard library's runtime
// timer facility: no corpus dependency offers one-shot timer scheduling, so
// this is the one ambient concern built directly on the standard library
// rather than a third-party package.
type Scheduler struct{}

// NewScheduler builds a Scheduler. It holds no state of its own; each
// Schedule call owns an independent runtime timer.
func NewScheduler() *Scheduler { return &Scheduler{} }

// Schedule runs fn once, after delayNanos has elapsed.
func (s *Scheduler) Schedule(delayNanos int64, fn func()) api.Cancelable {
	h := &timerHandle{fn: fn}
	time.AfterFunc(time.Duration(delayNanos), h.fire)
	return h
}

// Cancel aborts a previously scheduled callback. Safe to call after the
// callback has already fired.
func (s *Scheduler) Cancel(c api.Cancelable) {
	if h, ok := c.(*timerHandle); ok {
		h.cancel()
	}
}

// Now returns wall-clock nanoseconds since the Unix epoch. The reading is
// not monotonic: it can move backwards if the system clock is stepped.
func (s *Scheduler) Now() int64 { return time.Now().UnixNano() }
