// Package protocol implements the protocol-phase state machine described
// in spec.md §4.2: the sequencing of connection-ID exchange, bulk transfer,
// completion handshake, and shutdown that is common to every IoPattern,
// independent of which pattern is driving bytes.
package protocol

import (
	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/connid"
)

type phase int

const (
	phaseInitialized phase = iota
	phaseConnectionID
	phaseMoreIo
	phaseCompletion
	phaseGraceful
	phaseHard
	phaseRequestFIN
	phaseCompletedTransfer
	phaseError
)

// State is the protocol-phase tracker. It holds no knowledge of which
// IoPattern is driving bytes, only how many bytes have been confirmed and
// are in flight against the configured transfer target.
type State struct {
	maxTransfer  int64
	confirmed    int64
	inflight     int64
	idealBacklog int64

	role     api.Role
	proto    api.Protocol
	shutdown api.ShutdownType

	phase  phase
	pended bool

	firstErr error
}

// New builds a fresh protocol state for a single connection's transfer.
// UDP skips the connection-ID and completion phases entirely, per spec §4.2.
func New(maxTransfer int64, role api.Role, proto api.Protocol, shutdown api.ShutdownType) *State {
	s := &State{
		maxTransfer: maxTransfer,
		role:        role,
		proto:       proto,
		shutdown:    shutdown,
		phase:       phaseInitialized,
	}
	if proto == api.ProtoUDP {
		s.phase = phaseMoreIo
	}
	return s
}

// Confirmed returns the number of bytes the transfer has confirmed so far.
func (s *State) Confirmed() int64 { return s.confirmed }

// Inflight returns the number of bytes currently posted but not yet confirmed.
func (s *State) Inflight() int64 { return s.inflight }

// MaxTransfer returns the configured transfer target.
func (s *State) MaxTransfer() int64 { return s.maxTransfer }

// RemainingBudget reports how many more bytes may be requested by a new
// MoreIo task without violating confirmed+inflight <= max_transfer.
func (s *State) RemainingBudget() int64 {
	remaining := s.maxTransfer - s.confirmed - s.inflight
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FirstError returns the first error observed, if any.
func (s *State) FirstError() error { return s.firstErr }

// Failed reports whether the state machine has transitioned to ErrorIoFailed.
func (s *State) Failed() bool { return s.phase == phaseError }

// Done reports whether the transfer reached CompletedTransfer.
func (s *State) Done() bool { return s.phase == phaseCompletedTransfer }

// NextTask returns the next protocol step to perform, per spec §4.2.
func (s *State) NextTask() api.ProtocolTask {
	if s.phase == phaseError || s.phase == phaseCompletedTransfer {
		return api.ProtocolNoIo
	}
	if s.pended {
		return api.ProtocolNoIo
	}

	switch s.phase {
	case phaseInitialized:
		s.pended = true
		if s.role == api.RoleServer {
			return api.ProtocolSendConnectionID
		}
		return api.ProtocolRecvConnectionID

	case phaseMoreIo:
		if s.confirmed+s.inflight >= s.maxTransfer {
			return api.ProtocolNoIo
		}
		return api.ProtocolMoreIo

	case phaseCompletion:
		s.pended = true
		if s.role == api.RoleServer {
			return api.ProtocolSendCompletion
		}
		return api.ProtocolRecvCompletion

	case phaseGraceful:
		s.pended = true
		return api.ProtocolGracefulShutdown

	case phaseHard:
		s.pended = true
		return api.ProtocolHardShutdown

	case phaseRequestFIN:
		s.pended = true
		return api.ProtocolRequestFIN

	default:
		api.Fatalf("protocol: unknown phase %d", s.phase)
		return api.ProtocolNoIo
	}
}

// NotifyTaskIssued accounts a just-issued task's bytes as in flight, if the
// task is marked to track toward the transfer total.
func (s *State) NotifyTaskIssued(task *api.IoTask) {
	if task.TrackIO {
		s.inflight += int64(task.Length)
	}
}

// CompleteTask validates a completed task against the protocol contract and
// advances the phase accordingly, per spec §4.2.
func (s *State) CompleteTask(protoTask api.ProtocolTask, task *api.IoTask, bytesTransferred int) api.ProtocolOutcome {
	switch protoTask {
	case api.ProtocolSendConnectionID, api.ProtocolRecvConnectionID:
		return s.completeFixedLength(protoTask, bytesTransferred, connid.IDSize, s.advanceFromConnectionID)

	case api.ProtocolMoreIo:
		return s.completeMoreIo(task, bytesTransferred)

	case api.ProtocolSendCompletion, api.ProtocolRecvCompletion:
		return s.completeFixedLength(protoTask, bytesTransferred, 4, s.advanceFromCompletion)

	case api.ProtocolGracefulShutdown:
		s.pended = false
		s.phase = phaseRequestFIN
		return api.OutcomeNoError

	case api.ProtocolHardShutdown:
		s.pended = false
		s.phase = phaseCompletedTransfer
		return api.OutcomeSuccessfullyCompleted

	case api.ProtocolRequestFIN:
		s.pended = false
		if bytesTransferred > 0 {
			return s.fail(api.OutcomeTooManyBytes)
		}
		s.phase = phaseCompletedTransfer
		return api.OutcomeSuccessfullyCompleted

	default:
		api.Fatalf("protocol: CompleteTask called with unexpected task %v", protoTask)
		return api.OutcomeIoFailed
	}
}

func (s *State) completeFixedLength(_ api.ProtocolTask, n, want int, advance func()) api.ProtocolOutcome {
	s.pended = false
	switch {
	case n < want:
		return s.fail(api.OutcomeTooFewBytes)
	case n > want:
		return s.fail(api.OutcomeTooManyBytes)
	default:
		advance()
		return api.OutcomeNoError
	}
}

func (s *State) advanceFromConnectionID() {
	s.phase = phaseMoreIo
}

func (s *State) advanceFromCompletion() {
	if s.role == api.RoleServer {
		s.phase = phaseRequestFIN
		return
	}
	if s.shutdown == api.ShutdownHard {
		s.phase = phaseHard
	} else {
		s.phase = phaseGraceful
	}
}

func (s *State) completeMoreIo(task *api.IoTask, n int) api.ProtocolOutcome {
	if task != nil && task.TrackIO {
		s.inflight -= int64(task.Length)
		if s.inflight < 0 {
			s.inflight = 0
		}
	}

	if n == 0 {
		if s.confirmed < s.maxTransfer {
			return s.fail(api.OutcomeTooFewBytes)
		}
		return api.OutcomeNoError
	}

	newConfirmed := s.confirmed + int64(n)
	if newConfirmed > s.maxTransfer {
		return s.fail(api.OutcomeTooManyBytes)
	}
	s.confirmed = newConfirmed

	if s.confirmed == s.maxTransfer {
		if s.proto == api.ProtoUDP {
			s.phase = phaseCompletedTransfer
			return api.OutcomeSuccessfullyCompleted
		}
		s.phase = phaseCompletion
	}
	return api.OutcomeNoError
}

func (s *State) fail(outcome api.ProtocolOutcome) api.ProtocolOutcome {
	s.phase = phaseError
	if s.firstErr == nil {
		s.firstErr = api.NewConnError(api.ErrProtocol, nil, outcome.String())
	}
	return outcome
}

// Fail forces a transition to ErrorIoFailed with the given outcome. Used by
// callers outside this package that detect a protocol violation the state
// machine itself cannot see — content verification failures, most notably,
// which surface as CorruptedBytes (spec.md's reserved-but-unemitted outcome).
func (s *State) Fail(outcome api.ProtocolOutcome) api.ProtocolOutcome {
	return s.fail(outcome)
}

// TransportErrorKind classifies a transport-level completion error for
// UpdateError's RequestFIN/RST carve-out.
type TransportErrorKind int

const (
	TransportErrorNone TransportErrorKind = iota
	TransportErrorTimeout
	TransportErrorReset
	TransportErrorAborted
	TransportErrorOther
)

// UpdateError reports a transport-level error into the state machine.
// Per spec §4.2: any non-zero error transitions to ErrorIoFailed, unless
// the connection is a server awaiting RequestFIN and the error is a
// timeout/reset/abort — the peer validly RST'd instead of sending a FIN.
func (s *State) UpdateError(kind TransportErrorKind) api.ProtocolOutcome {
	if kind == TransportErrorNone {
		return api.OutcomeNoError
	}
	if s.phase == phaseRequestFIN && s.role == api.RoleServer && isBenignFINError(kind) {
		s.pended = false
		s.phase = phaseCompletedTransfer
		return api.OutcomeSuccessfullyCompleted
	}
	s.phase = phaseError
	if s.firstErr == nil {
		s.firstErr = api.NewConnError(api.ErrTransport, nil, "transport error")
	}
	return api.OutcomeIoFailed
}

func isBenignFINError(kind TransportErrorKind) bool {
	switch kind {
	case TransportErrorTimeout, TransportErrorReset, TransportErrorAborted:
		return true
	default:
		return false
	}
}
