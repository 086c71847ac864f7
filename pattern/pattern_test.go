package pattern

import (
	"testing"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/connid"
	"github.com/trafficgen/tgen/protocol"
)

// wireEndpoint drives one side of a simulated TCP byte stream: it tracks at
// most one outstanding Recv task (a real transport would hold the posted
// buffer until bytes arrive) and resolves it as bytes become available on
// its inbound queue.
type wireEndpoint struct {
	pattern     Pattern
	outstanding *api.IoTask
	inbound     []byte
	writeClosed bool
	sentRST     bool
	done        bool
	status      api.IoStatus
}

func (e *wireEndpoint) finish(status api.IoStatus) {
	if status != api.IoContinue {
		e.done = true
		e.status = status
	}
}

// step advances one endpoint by one InitiateIo (or resolves its outstanding
// Recv), writing any sent bytes onto peer's inbound. An outstanding Recv
// resolves as a zero-byte completion (modeling the FIN or RST a real
// transport would deliver) once peer has either explicitly shut down its
// write side or terminated outright — the closure that produces the FIN a
// RequestFIN recv is waiting for happens at the transport/socket layer, not
// as an IoTask the pattern itself issues.
func (e *wireEndpoint) step(t *testing.T, peer *wireEndpoint) {
	t.Helper()
	if e.done {
		return
	}
	if e.outstanding == nil {
		task, err := e.pattern.InitiateIo()
		if err != nil {
			t.Fatalf("InitiateIo: %v", err)
		}
		switch task.Action {
		case api.ActionNone:
			return
		case api.ActionSend:
			peer.inbound = append(peer.inbound, task.Bytes()...)
			e.finish(e.pattern.CompleteIo(task, task.Length, protocol.TransportErrorNone))
		case api.ActionRecv:
			e.outstanding = task
		case api.ActionGracefulShutdown:
			e.writeClosed = true
			e.finish(e.pattern.CompleteIo(task, 0, protocol.TransportErrorNone))
		case api.ActionHardShutdown:
			e.sentRST = true
			e.finish(e.pattern.CompleteIo(task, 0, protocol.TransportErrorNone))
		}
		return
	}

	task := e.outstanding
	if len(e.inbound) > 0 {
		n := len(e.inbound)
		if n > len(task.Buffer) {
			n = len(task.Buffer)
		}
		copy(task.Buffer[:n], e.inbound[:n])
		e.inbound = e.inbound[n:]
		e.outstanding = nil
		e.finish(e.pattern.CompleteIo(task, n, protocol.TransportErrorNone))
		return
	}
	switch {
	case peer.sentRST:
		e.outstanding = nil
		e.finish(e.pattern.CompleteIo(task, 0, protocol.TransportErrorReset))
	case peer.writeClosed || peer.done:
		e.outstanding = nil
		e.finish(e.pattern.CompleteIo(task, 0, protocol.TransportErrorNone))
	}
}

// driveHandshake runs a server/client pair of patterns across a simulated
// TCP byte stream through connection-id exchange, bulk transfer, and the
// completion/shutdown handshake, without a real socket.
func driveHandshake(t *testing.T, server, client Pattern) (serverStatus, clientStatus api.IoStatus) {
	t.Helper()
	const maxSteps = 20000
	s := &wireEndpoint{pattern: server}
	c := &wireEndpoint{pattern: client}

	for i := 0; i < maxSteps && !(s.done && c.done); i++ {
		s.step(t, c)
		c.step(t, s)
	}
	return s.status, c.status
}

func TestPushHappyPathServerAndClientComplete(t *testing.T) {
	connID := [connid.IDSize]byte{1, 2, 3}
	// Push is client-only: the server side of a Push connection receives.
	server := New(Push, Options{Role: api.RoleServer, Protocol: api.ProtoTCP, MaxTransfer: 256, ConnID: connID})
	client := New(Push, Options{Role: api.RoleClient, Protocol: api.ProtoTCP, MaxTransfer: 256})

	serverStatus, clientStatus := driveHandshake(t, server, client)
	if serverStatus != api.IoCompleted {
		t.Fatalf("expected server IoCompleted, got %v (err=%v)", serverStatus, server.LastError())
	}
	if clientStatus != api.IoCompleted {
		t.Fatalf("expected client IoCompleted, got %v (err=%v)", clientStatus, client.LastError())
	}
}

func TestPushHardShutdownSkipsRequestFIN(t *testing.T) {
	server := New(Push, Options{Role: api.RoleServer, Protocol: api.ProtoTCP, MaxTransfer: 128, Shutdown: api.ShutdownHard})
	client := New(Push, Options{Role: api.RoleClient, Protocol: api.ProtoTCP, MaxTransfer: 128, Shutdown: api.ShutdownHard})

	_, clientStatus := driveHandshake(t, server, client)
	if clientStatus != api.IoCompleted {
		t.Fatalf("expected client IoCompleted under hard shutdown, got %v", clientStatus)
	}
}

func TestVerifyBufferDetectsCorruption(t *testing.T) {
	c := New(Push, Options{Role: api.RoleClient, Protocol: api.ProtoUDP, MaxTransfer: 64, VerifyBuffer: true, ConnIndex: 5}).(*core)

	task := &api.IoTask{Action: api.ActionRecv, Buffer: make([]byte, 64), Length: 64, TrackIO: true}
	// Corrupt the buffer relative to what the matching sender-side verifier
	// would have filled (any non-matching byte triggers CorruptedBytes).
	task.Buffer[0] = ^task.Buffer[0]

	status := c.CompleteIo(task, 64, protocol.TransportErrorNone)
	if status != api.IoFailed {
		t.Fatalf("expected IoFailed on corrupted content, got %v", status)
	}
	if c.LastError() == nil {
		t.Fatal("expected a sticky error after corruption")
	}
}

func TestVerifyBufferRoundTripsCleanly(t *testing.T) {
	// Pull is client-only: the server side of a Pull connection sends.
	sender := New(Pull, Options{Role: api.RoleServer, Protocol: api.ProtoUDP, MaxTransfer: 64, VerifyBuffer: true, ConnIndex: 9}).(*core)
	receiver := New(Pull, Options{Role: api.RoleClient, Protocol: api.ProtoUDP, MaxTransfer: 64, VerifyBuffer: true, ConnIndex: 9}).(*core)

	sendTask, err := sender.InitiateIo()
	if err != nil || sendTask.Action != api.ActionSend {
		t.Fatalf("unexpected send task: %+v err=%v", sendTask, err)
	}
	recvTask := &api.IoTask{Action: api.ActionRecv, Buffer: append([]byte(nil), sendTask.Bytes()...), Length: sendTask.Length, TrackIO: true}

	if status := receiver.CompleteIo(recvTask, recvTask.Length, protocol.TransportErrorNone); status == api.IoFailed {
		t.Fatalf("expected clean verification to succeed, got failed: %v", receiver.LastError())
	}
}

func TestDuplexAlternatesDirections(t *testing.T) {
	d := newDuplexBoth()
	first := d.next()
	second := d.next()
	if first == second {
		t.Fatalf("expected duplex to alternate directions, got %v then %v", first, second)
	}
}

func TestPushPullFlipsAfterSplit(t *testing.T) {
	p := newPushPullSplit(100, false)
	if got := p.next(); got != api.ActionSend {
		t.Fatalf("expected to start sending, got %v", got)
	}
	p.advance(100)
	if got := p.next(); got != api.ActionRecv {
		t.Fatalf("expected to flip to recv after exhausting the split, got %v", got)
	}
}

func TestConnectionIDWrongLengthFailsPattern(t *testing.T) {
	client := New(Push, Options{Role: api.RoleClient, Protocol: api.ProtoTCP, MaxTransfer: 16}).(*core)
	task, err := client.InitiateIo()
	if err != nil || task.BufferType != api.BufferTCPConnectionID {
		t.Fatalf("expected a connection-id recv task, got %+v err=%v", task, err)
	}
	status := client.CompleteIo(task, connid.IDSize-1, protocol.TransportErrorNone)
	if status != api.IoFailed {
		t.Fatalf("expected IoFailed for a short connection id, got %v", status)
	}
}

func TestInitiateIoReturnsNoneWhenDone(t *testing.T) {
	client := New(Push, Options{Role: api.RoleClient, Protocol: api.ProtoUDP, MaxTransfer: 4}).(*core)
	task := &api.IoTask{Action: api.ActionSend, Length: 4, TrackIO: true}
	client.st.NotifyTaskIssued(task)
	status := client.CompleteIo(task, 4, protocol.TransportErrorNone)
	if status != api.IoCompleted {
		t.Fatalf("expected UDP push of exactly max_transfer to complete, got %v", status)
	}
	next, err := client.InitiateIo()
	if err != nil {
		t.Fatalf("InitiateIo: %v", err)
	}
	if next.Action != api.ActionNone {
		t.Fatalf("expected ActionNone once complete, got %v", next.Action)
	}
}
