// Package engine implements the connection lifecycle state machine and the
// population/accept controllers that drive it, per spec.md §4.5-§4.7:
// SocketState, Broker, and AcceptEngine.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/internal/concurrency"
	"github.com/trafficgen/tgen/pattern"
)

// StateKind enumerates SocketState's lifecycle phases.
type StateKind int32

const (
	StateCreating StateKind = iota
	StateConnecting
	StateAccepting
	StateInitiatingIo
	StateClosing
	StateClosed
)

func (k StateKind) String() string {
	switch k {
	case StateCreating:
		return "creating"
	case StateConnecting:
		return "connecting"
	case StateAccepting:
		return "accepting"
	case StateInitiatingIo:
		return "initiating-io"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// bucket is the Broker's view of a SocketState's population membership,
// tracked independently of StateKind so that Broker.closing can validate
// its counters without reaching into SocketState's own lock.
type bucket int32

const (
	bucketPending bucket = iota
	bucketActive
	bucketDone
)

// StepFunc is one of the four collaborator injection points (spec §6):
// create_fn, connect_fn/accept_fn, and io_fn. Each must eventually call
// CompleteState exactly once on s.
type StepFunc func(s *SocketState)

// populationNotifier is the subset of Broker that SocketState needs,
// kept narrow so socket_test.go can exercise SocketState without a real
// Broker.
type populationNotifier interface {
	initiatingIO(s *SocketState)
	closing(s *SocketState, wasActive bool)
}

// SocketState drives one connection through
// Creating → {Connecting|Accepting} → InitiatingIo → Closing → Closed,
// per spec.md §4.5.
type SocketState struct {
	mu    sync.Mutex
	state StateKind
	code  int

	accept    bool // accept_fn vs connect_fn at the Creating→{Connecting|Accepting} step
	wasActive bool // true iff InitiatingIo was reached before Closing

	createFn  StepFunc
	connectFn StepFunc // connect_fn (client) or accept_fn (server), selected by accept
	ioFn      StepFunc
	closingFn StepFunc // optional

	newPattern func() pattern.Pattern
	ioPattern  pattern.Pattern

	exec   *concurrency.Executor
	broker populationNotifier

	conn api.AsyncConn

	bucket atomic.Int32
}

// Options configures a new SocketState. NewPattern and ClosingFn are optional.
type Options struct {
	Accept     bool
	CreateFn   StepFunc
	ConnectFn  StepFunc
	IoFn       StepFunc
	ClosingFn  StepFunc
	NewPattern func() pattern.Pattern
	Exec       *concurrency.Executor
	Broker     populationNotifier
}

// New builds a SocketState in StateCreating. Call Start to begin it.
func New(opts Options) *SocketState {
	if opts.CreateFn == nil || opts.ConnectFn == nil || opts.IoFn == nil {
		api.Fatalf("engine: SocketState requires create_fn, connect_fn/accept_fn, and io_fn")
	}
	s := &SocketState{
		state:      StateCreating,
		accept:     opts.Accept,
		createFn:   opts.CreateFn,
		connectFn:  opts.ConnectFn,
		ioFn:       opts.IoFn,
		closingFn:  opts.ClosingFn,
		newPattern: opts.NewPattern,
		exec:       opts.Exec,
		broker:     opts.Broker,
	}
	return s
}

// State returns the current lifecycle phase.
func (s *SocketState) State() StateKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TeardownCode returns the error code that drove the transition to Closing,
// zero if the connection completed successfully.
func (s *SocketState) TeardownCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Pattern returns the IoPattern constructed on entry to InitiatingIo, or nil
// if no NewPattern factory was configured (e.g. a test using fake steps).
func (s *SocketState) Pattern() pattern.Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioPattern
}

// SetConn attaches the transport connection a collaborator obtained
// (dialed or accepted), for io_fn/closing_fn to drive.
func (s *SocketState) SetConn(conn api.AsyncConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// Conn returns the attached transport connection, if any.
func (s *SocketState) Conn() api.AsyncConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Start schedules create_fn on a worker. Per spec §4.5, create_fn must
// eventually call CompleteState on s.
func (s *SocketState) Start() {
	s.schedule(s.createFn)
}

func (s *SocketState) schedule(fn StepFunc) {
	if s.exec != nil {
		if err := s.exec.Submit(func() { fn(s) }); err == nil {
			return
		}
	}
	// No executor, or the executor rejected the task (closed): run inline
	// rather than drop the step — a dropped step would leave the socket
	// stuck forever since nothing else will call CompleteState.
	fn(s)
}

// CompleteState advances the state machine. code == 0 advances to the next
// state; any other code short-circuits to Closing, preserving code as the
// teardown reason. Re-entry once Closing or Closed is ignored (idempotent),
// per spec.md §4.5.
func (s *SocketState) CompleteState(code int) {
	s.mu.Lock()

	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return
	}

	if code != 0 {
		s.code = code
		wasActive, closingFn, broker := s.enterClosingLocked()
		s.mu.Unlock()
		s.finishClosing(wasActive, closingFn, broker)
		return
	}

	switch s.state {
	case StateCreating:
		if s.accept {
			s.state = StateAccepting
		} else {
			s.state = StateConnecting
		}
		next := s.connectFn
		s.mu.Unlock()
		s.schedule(next)
		return

	case StateConnecting, StateAccepting:
		s.state = StateInitiatingIo
		s.wasActive = true
		if s.newPattern != nil {
			s.ioPattern = s.newPattern()
		}
		broker := s.broker
		next := s.ioFn
		s.mu.Unlock()
		if broker != nil {
			broker.initiatingIO(s)
		}
		s.schedule(next)
		return

	case StateInitiatingIo:
		// A successful io_fn has nothing further to negotiate; the transfer
		// is done and it is time to tear down.
		wasActive, closingFn, broker := s.enterClosingLocked()
		s.mu.Unlock()
		s.finishClosing(wasActive, closingFn, broker)
		return

	default:
		s.mu.Unlock()
		api.Fatalf("engine: CompleteState called from unexpected state %v", s.state)
	}
}

// enterClosingLocked must be called with s.mu held. It performs the
// in-state-machine half of the Closing-entry actions from spec §4.5,
// moving the socket into the observable Closing phase, and returns what
// the caller needs to finish the out-of-lock half (invoking closing_fn,
// notifying the Broker, and only then reaching Closed).
func (s *SocketState) enterClosingLocked() (wasActive bool, closingFn StepFunc, broker populationNotifier) {
	s.state = StateClosing
	return s.wasActive, s.closingFn, s.broker
}

// finishClosing performs the parts of Closing-entry that must happen
// without s.mu held, in spec §4.5 order: run closing_fn (which may call
// back into s), notify the Broker, then transition to Closed. All three
// run as one scheduled step so an observer never sees a window where
// closing_fn has not yet run but the socket already reads Closed.
func (s *SocketState) finishClosing(wasActive bool, closingFn StepFunc, broker populationNotifier) {
	s.schedule(func(sock *SocketState) {
		if closingFn != nil {
			closingFn(sock)
		}
		if broker != nil {
			broker.closing(sock, wasActive)
		}
		sock.mu.Lock()
		sock.state = StateClosed
		sock.mu.Unlock()
	})
}

// Err returns nil on success; otherwise an api.ErrTransport ConnError wrapped
// with the teardown code. Every nonzero code gets the same ErrTransport
// classification.
func (s *SocketState) Err() error {
	code := s.TeardownCode()
	if code == 0 {
		return nil
	}
	return errors.Wrapf(api.NewConnError(api.ErrTransport, nil, "connection failed"), "teardown code %d", code)
}
