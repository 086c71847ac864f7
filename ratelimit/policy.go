// Package ratelimit implements the quantum-based send pacing described in
// spec.md §4.4: a byte budget is granted per wall-clock quantum (default
// 100ms), and Send tasks that would exceed the current quantum's budget are
// delayed to a future quantum boundary instead.
package ratelimit

import (
	"sync"
	"time"

	"github.com/trafficgen/tgen/api"
)

// DefaultQuantum is the default pacing window.
const DefaultQuantum = 100 * time.Millisecond

// Policy decorates a Send IoTask with a delay so that aggregate throughput
// does not exceed a target byte rate.
type Policy interface {
	// UpdateOffset sets task.TimeOffsetMillis given the task's buffer size
	// and the current clock reading in nanoseconds (api.Scheduler.Now).
	UpdateOffset(task *api.IoTask, bufferSize int, nowNanos int64)
}

// NoThrottle is a zero-cost identity policy: it never delays a send.
type NoThrottle struct{}

func (NoThrottle) UpdateOffset(task *api.IoTask, bufferSize int, nowNanos int64) {
	task.TimeOffsetMillis = 0
}

// QuantumPolicy implements the stateful quantum accounting from spec §4.4.
type QuantumPolicy struct {
	mu sync.Mutex

	bytesPerQuantum int64
	quantumNanos    int64

	bytesSentThisQuantum int64
	quantumStart         int64 // nanos; 0 means "not yet initialized"
}

// NewQuantumPolicy builds a policy capping throughput at bytesPerSecond,
// enforced over windows of quantum (DefaultQuantum if zero).
func NewQuantumPolicy(bytesPerSecond int64, quantum time.Duration) *QuantumPolicy {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	bytesPerQuantum := bytesPerSecond * int64(quantum) / int64(time.Second)
	if bytesPerQuantum <= 0 {
		bytesPerQuantum = 1
	}
	return &QuantumPolicy{
		bytesPerQuantum: bytesPerQuantum,
		quantumNanos:    int64(quantum),
	}
}

// UpdateOffset is deterministic given identical (task, bufferSize, nowNanos,
// and policy state) inputs — the testable "RateLimit idempotence" property
// of spec §8.
func (p *QuantumPolicy) UpdateOffset(task *api.IoTask, bufferSize int, nowNanos int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := int64(bufferSize)

	if p.quantumStart == 0 {
		p.quantumStart = nowNanos
	}

	switch {
	case nowNanos < p.quantumStart:
		// Clock skew or reordering: the caller's clock reading is behind the
		// window we already committed to. Delay to that boundary rather than
		// trusting the stale reading, and account the bytes against it.
		task.TimeOffsetMillis = nsToMs(p.quantumStart - nowNanos)
		p.bytesSentThisQuantum += size
		return
	case nowNanos >= p.quantumStart+p.quantumNanos:
		// The wall clock has moved past our window; slide to the window that
		// actually contains now before deciding whether there is room.
		elapsed := (nowNanos - p.quantumStart) / p.quantumNanos
		p.quantumStart += elapsed * p.quantumNanos
		p.bytesSentThisQuantum = 0
	}

	if p.bytesSentThisQuantum+size <= p.bytesPerQuantum {
		task.TimeOffsetMillis = 0
		p.bytesSentThisQuantum += size
		return
	}

	// Quantum is full: find the earliest future quantum boundary that can
	// accommodate this send on its own, delay until then, and reset counters.
	next := p.quantumStart + p.quantumNanos
	for next <= nowNanos {
		next += p.quantumNanos
	}
	p.quantumStart = next
	p.bytesSentThisQuantum = size
	task.TimeOffsetMillis = nsToMs(next - nowNanos)
}

func nsToMs(ns int64) int64 {
	if ns <= 0 {
		return 0
	}
	return (ns + int64(time.Millisecond) - 1) / int64(time.Millisecond)
}
