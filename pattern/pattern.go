// Package pattern implements the concrete traffic shapes described in
// spec.md §4.3 — Push, Pull, PushPull, Duplex, and UDP MediaStream — each
// driving an IoPatternState to produce IoTasks and validate completions.
package pattern

import (
	"sync"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/connid"
	"github.com/trafficgen/tgen/protocol"
	"github.com/trafficgen/tgen/ratelimit"
)

// Kind selects which concrete IoPattern New builds.
type Kind int

const (
	Push Kind = iota
	Pull
	PushPull
	Duplex
	MediaStream
)

// DefaultIOBufferSize is the default scratch buffer size for bulk-transfer
// tasks, matching the teacher corpus's typical socket buffer sizing.
const DefaultIOBufferSize = 64 * 1024

// DefaultPushPullSplit is the default byte count after which PushPull flips
// direction (spec.md §4 SUPPLEMENTED FEATURES).
const DefaultPushPullSplit = 64 * 1024

// Options configures a Pattern. ConnID is the already-generated identifier
// for a server pattern (the client recovers its value from the wire during
// the connection-id phase).
type Options struct {
	Role         api.Role
	Protocol     api.Protocol
	MaxTransfer  int64
	Shutdown     api.ShutdownType
	IOBufferSize int
	ConnID       [connid.IDSize]byte

	RateLimit ratelimit.Policy
	Clock     api.Scheduler

	PushPullSplit int64

	SharedBuffer bool
	VerifyBuffer bool
	ConnIndex    int

	// MediaStream-only.
	BitsPerSecond        int
	FramesPerSecond      int
	StreamDurationMillis int64
}

// Pattern is the public IoPattern contract from spec.md §4.3.
type Pattern interface {
	// InitiateIo returns the next task to issue. A task with Action ==
	// ActionNone means there is nothing to do right now.
	InitiateIo() (*api.IoTask, error)
	// CompleteIo reports a completed (or failed) task back into the pattern.
	CompleteIo(task *api.IoTask, bytesTransferred int, errKind protocol.TransportErrorKind) api.IoStatus
	// LastError is the sticky first error observed, for reporting.
	LastError() error
}

// New builds the concrete Pattern for kind.
func New(kind Kind, opts Options) Pattern {
	if kind == MediaStream {
		return newMediaStream(opts)
	}

	c := newCore(opts)
	clientSide := opts.Role == api.RoleClient
	switch kind {
	case Push:
		// Push is client-only: the client sends, the server only receives.
		if clientSide {
			c.dir = pushOnly{}
		} else {
			c.dir = pullOnly{}
		}
	case Pull:
		// Pull is client-only: the client receives, the server only sends.
		if clientSide {
			c.dir = pullOnly{}
		} else {
			c.dir = pushOnly{}
		}
	case Duplex:
		c.dir = newDuplexBoth()
	case PushPull:
		c.dir = newPushPullSplit(opts.PushPullSplit, !clientSide)
	default:
		api.Fatalf("pattern: unknown kind %d", kind)
	}
	return c
}

// core implements the generic TCP bulk-transfer patterns (Push, Pull,
// PushPull, Duplex): all of them share the connection-id/completion/
// shutdown handshake and differ only in which direction(s) carry MoreIo
// tasks, captured by dir.
type core struct {
	mu sync.Mutex

	st    *protocol.State
	rate  ratelimit.Policy
	clock api.Scheduler
	dir   directionPolicy

	role     api.Role
	proto    api.Protocol
	ioBuf    int
	connID   [connid.IDSize]byte
	verifier *verifier
	verify   bool

	sharedSendBuf []byte
	sharedRecvBuf []byte

	pendingNonIo api.ProtocolTask
	lastErr      error
}

func newCore(opts Options) *core {
	ioBuf := opts.IOBufferSize
	if ioBuf <= 0 {
		ioBuf = DefaultIOBufferSize
	}
	rate := opts.RateLimit
	if rate == nil {
		rate = ratelimit.NoThrottle{}
	}
	c := &core{
		st:     protocol.New(opts.MaxTransfer, opts.Role, opts.Protocol, opts.Shutdown),
		rate:   rate,
		clock:  opts.Clock,
		role:   opts.Role,
		proto:  opts.Protocol,
		ioBuf:  ioBuf,
		connID: opts.ConnID,
		verify: opts.VerifyBuffer,
	}
	if opts.VerifyBuffer {
		c.verifier = newVerifier(opts.ConnIndex)
	}
	if opts.SharedBuffer {
		c.sharedSendBuf = make([]byte, ioBuf)
		c.sharedRecvBuf = make([]byte, ioBuf)
	}
	return c
}

// ConnID returns the connection identifier: the value this pattern was
// constructed with on the server side, or the value read off the wire
// during the connection-id phase on the client side.
func (c *core) ConnID() [connid.IDSize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *core) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *core) InitiateIo() (*api.IoTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	protoTask := c.st.NextTask()
	switch protoTask {
	case api.ProtocolNoIo:
		return &api.IoTask{Action: api.ActionNone}, nil

	case api.ProtocolSendConnectionID:
		c.pendingNonIo = protoTask
		task := &api.IoTask{Action: api.ActionSend, Buffer: c.connID[:], Length: connid.IDSize, BufferType: api.BufferTCPConnectionID}
		c.st.NotifyTaskIssued(task)
		return task, nil

	case api.ProtocolRecvConnectionID:
		c.pendingNonIo = protoTask
		task := &api.IoTask{Action: api.ActionRecv, Buffer: c.connID[:], Length: connid.IDSize, BufferType: api.BufferTCPConnectionID}
		c.st.NotifyTaskIssued(task)
		return task, nil

	case api.ProtocolMoreIo:
		task := c.buildMoreIoTask()
		if task.Action == api.ActionNone {
			return task, nil
		}
		c.st.NotifyTaskIssued(task)
		if task.Action == api.ActionSend {
			c.rate.UpdateOffset(task, task.Length, c.now())
		}
		return task, nil

	case api.ProtocolSendCompletion:
		c.pendingNonIo = protoTask
		var status [4]byte
		task := &api.IoTask{Action: api.ActionSend, Buffer: status[:], Length: 4, BufferType: api.BufferStatic}
		return task, nil

	case api.ProtocolRecvCompletion:
		c.pendingNonIo = protoTask
		var status [4]byte
		task := &api.IoTask{Action: api.ActionRecv, Buffer: status[:], Length: 4, BufferType: api.BufferStatic}
		return task, nil

	case api.ProtocolGracefulShutdown:
		c.pendingNonIo = protoTask
		return &api.IoTask{Action: api.ActionGracefulShutdown}, nil

	case api.ProtocolHardShutdown:
		c.pendingNonIo = protoTask
		return &api.IoTask{Action: api.ActionHardShutdown}, nil

	case api.ProtocolRequestFIN:
		c.pendingNonIo = protoTask
		buf := make([]byte, c.ioBuf)
		return &api.IoTask{Action: api.ActionRecv, Buffer: buf, Length: c.ioBuf, BufferType: api.BufferStatic}, nil

	default:
		api.Fatalf("pattern: unexpected protocol task %v", protoTask)
		return nil, nil
	}
}

// now returns the clock reading used for rate-limit accounting, or 0 when
// no Scheduler is configured (as in tests that omit one).
func (c *core) now() int64 {
	if c.clock != nil {
		return c.clock.Now()
	}
	return 0
}

func (c *core) buildMoreIoTask() *api.IoTask {
	remaining := c.st.RemainingBudget()
	if remaining <= 0 {
		return &api.IoTask{Action: api.ActionNone}
	}
	n := int64(c.ioBuf)
	if n > remaining {
		n = remaining
	}
	if limiter, ok := c.dir.(interface{ room() int }); ok {
		if room := int64(limiter.room()); room > 0 && room < n {
			n = room
		}
	}
	action := c.dir.next()
	c.dir.advance(int(n))

	var buf []byte
	if action == api.ActionSend {
		if c.sharedSendBuf != nil {
			buf = c.sharedSendBuf[:n]
		} else {
			buf = make([]byte, n)
		}
		if c.verify {
			c.verifier.Fill(buf)
		}
	} else {
		if c.sharedRecvBuf != nil {
			buf = c.sharedRecvBuf[:n]
		} else {
			buf = make([]byte, n)
		}
	}
	return &api.IoTask{Action: action, Buffer: buf, Length: int(n), BufferType: api.BufferTracked, TrackIO: true}
}

func (c *core) CompleteIo(task *api.IoTask, n int, errKind protocol.TransportErrorKind) api.IoStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	var outcome api.ProtocolOutcome
	if errKind != protocol.TransportErrorNone {
		outcome = c.st.UpdateError(errKind)
	} else {
		protoTask := api.ProtocolMoreIo
		if !task.TrackIO {
			protoTask = c.pendingNonIo
		}
		outcome = c.st.CompleteTask(protoTask, task, n)

		verifiable := outcome == api.OutcomeNoError || outcome == api.OutcomeSuccessfullyCompleted
		if verifiable && protoTask == api.ProtocolMoreIo && task.Action == api.ActionRecv && c.verify {
			if !c.verifier.Check(task.Bytes()) {
				outcome = c.st.Fail(api.OutcomeCorruptedBytes)
			}
		}
		if !task.TrackIO {
			c.pendingNonIo = api.ProtocolNoIo
		}
	}

	switch outcome {
	case api.OutcomeNoError:
		return api.IoContinue
	case api.OutcomeSuccessfullyCompleted:
		return api.IoCompleted
	default:
		if c.lastErr == nil {
			c.lastErr = api.NewConnError(api.ErrProtocol, nil, outcome.String())
		}
		return api.IoFailed
	}
}
