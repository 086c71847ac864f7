// Author: momentics <momentics@gmail.com>
//
// Package stats collects the per-run and per-connection counters the
// engine reports through, plus an optional on-disk completion log.

package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// BrokerCounters mirrors the Broker's own population counters for reporting
// purposes; the Broker remains the source of truth, this is a read snapshot.
type BrokerCounters struct {
	TotalConnectionsRemaining int64
	PendingSockets            int64
	ActiveSockets             int64
	PendingLimit              int64
}

// Registry accumulates the aggregate counts a run reports on exit:
// successful completions, connection-level errors, and protocol-framing
// errors. All updates are atomic so SocketStates on different workers never
// contend on a lock for the common case of a counter bump.
type Registry struct {
	successfulCompletions int64
	connectionErrors      int64
	protocolErrors        int64

	mu      sync.RWMutex
	updated time.Time
	broker  BrokerCounters
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RecordSuccess increments the successful-completion count.
func (r *Registry) RecordSuccess() {
	atomic.AddInt64(&r.successfulCompletions, 1)
}

// RecordConnectionError increments the connection-error count (transport
// failures: refused, reset, aborted, timed out).
func (r *Registry) RecordConnectionError() {
	atomic.AddInt64(&r.connectionErrors, 1)
}

// RecordProtocolError increments the protocol-error count (framing
// contract violations: TooFewBytes, TooManyBytes, CorruptedBytes).
func (r *Registry) RecordProtocolError() {
	atomic.AddInt64(&r.protocolErrors, 1)
}

// SetBrokerCounters publishes the Broker's latest population snapshot.
func (r *Registry) SetBrokerCounters(c BrokerCounters) {
	r.mu.Lock()
	r.broker = c
	r.updated = time.Now()
	r.mu.Unlock()
}

// Snapshot is an immutable read of the Registry at a point in time.
type Snapshot struct {
	SuccessfulCompletions int64
	ConnectionErrors      int64
	ProtocolErrors        int64
	Broker                BrokerCounters
	Updated               time.Time
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		SuccessfulCompletions: atomic.LoadInt64(&r.successfulCompletions),
		ConnectionErrors:      atomic.LoadInt64(&r.connectionErrors),
		ProtocolErrors:        atomic.LoadInt64(&r.protocolErrors),
		Broker:                r.broker,
		Updated:               r.updated,
	}
}

// ExitCode is the total connection-plus-protocol error count, saturated to
// the platform int max so an overflowing count never wraps negative.
func (s Snapshot) ExitCode() int {
	const maxInt = int64(^uint(0) >> 1)
	total := s.ConnectionErrors + s.ProtocolErrors
	if total > maxInt {
		return int(maxInt)
	}
	return int(total)
}
