package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/pattern"
	"github.com/trafficgen/tgen/protocol"
)

// fakeConn is a minimal api.AsyncConn that completes every post synchronously.
type fakeConn struct {
	sendFail bool
}

func (c *fakeConn) PostSend(buf []byte, done api.CompletionFunc) {
	if c.sendFail {
		done(0, 4)
		return
	}
	done(len(buf), 0)
}
func (c *fakeConn) PostRecv(buf []byte, done api.CompletionFunc) { done(len(buf), 0) }
func (c *fakeConn) Shutdown(graceful bool) error                 { return nil }
func (c *fakeConn) Close() error                                 { return nil }
func (c *fakeConn) LocalAddr() string                            { return "local" }
func (c *fakeConn) RemoteAddr() string                            { return "remote" }

// scriptedPattern issues a fixed sequence of tasks, one per InitiateIo call,
// and reports a fixed sequence of statuses, one per CompleteIo call.
type scriptedPattern struct {
	mu        sync.Mutex
	tasks     []*api.IoTask
	taskIdx   int
	statuses  []api.IoStatus
	statusIdx int
	completes int32
}

func (p *scriptedPattern) InitiateIo() (*api.IoTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tasks[p.taskIdx]
	if p.taskIdx < len(p.tasks)-1 {
		p.taskIdx++
	}
	return t, nil
}

func (p *scriptedPattern) CompleteIo(task *api.IoTask, n int, errKind protocol.TransportErrorKind) api.IoStatus {
	atomic.AddInt32(&p.completes, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.statuses[p.statusIdx]
	if p.statusIdx < len(p.statuses)-1 {
		p.statusIdx++
	}
	return s
}

func (p *scriptedPattern) LastError() error { return nil }

var _ pattern.Pattern = (*scriptedPattern)(nil)

func TestDriveIoCompletesOnSingleSend(t *testing.T) {
	p := &scriptedPattern{
		tasks:    []*api.IoTask{{Action: api.ActionSend, Buffer: []byte("hi"), Length: 2}},
		statuses: []api.IoStatus{api.IoCompleted},
	}
	done := make(chan int, 1)
	s := New(Options{
		CreateFn:  func(s *SocketState) { s.CompleteState(0) },
		ConnectFn: func(s *SocketState) { s.CompleteState(0) },
		IoFn:      NewIoFn(nil),
	})
	s.SetConn(&fakeConn{})
	s.newPattern = func() pattern.Pattern { return p }
	s.closingFn = func(s *SocketState) { done <- s.TeardownCode() }

	s.Start()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected a clean teardown, got code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drive loop never completed")
	}
}

func TestDriveIoFailsOnPatternFailure(t *testing.T) {
	p := &scriptedPattern{
		tasks:    []*api.IoTask{{Action: api.ActionRecv, Buffer: make([]byte, 4), Length: 4}},
		statuses: []api.IoStatus{api.IoFailed},
	}
	done := make(chan int, 1)
	s := New(Options{
		CreateFn:  func(s *SocketState) { s.CompleteState(0) },
		ConnectFn: func(s *SocketState) { s.CompleteState(0) },
		IoFn:      NewIoFn(nil),
	})
	s.SetConn(&fakeConn{})
	s.newPattern = func() pattern.Pattern { return p }
	s.closingFn = func(s *SocketState) { done <- s.TeardownCode() }

	s.Start()

	select {
	case code := <-done:
		if code == 0 {
			t.Fatal("expected a nonzero teardown code")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drive loop never completed")
	}
}

func TestDriveIoRetriesOnActionNone(t *testing.T) {
	p := &scriptedPattern{
		tasks: []*api.IoTask{
			{Action: api.ActionNone},
			{Action: api.ActionSend, Buffer: []byte("x"), Length: 1},
		},
		statuses: []api.IoStatus{api.IoCompleted},
	}
	done := make(chan int, 1)
	s := New(Options{
		CreateFn:  func(s *SocketState) { s.CompleteState(0) },
		ConnectFn: func(s *SocketState) { s.CompleteState(0) },
		IoFn:      NewIoFn(nil),
	})
	s.SetConn(&fakeConn{})
	s.newPattern = func() pattern.Pattern { return p }
	s.closingFn = func(s *SocketState) { done <- s.TeardownCode() }

	s.Start()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected a clean teardown, got code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drive loop never completed")
	}
}
