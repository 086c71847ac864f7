package engine

import (
	"net"
	"sync"

	"github.com/eapache/queue"

	"github.com/trafficgen/tgen/api"
)

// AcceptResult is a completed accept, or a shutdown/error outcome delivered
// to a waiting consumer.
type AcceptResult struct {
	Conn       net.Conn
	LocalAddr  string
	RemoteAddr string
	Err        error
}

// AcceptEngine maintains, per listen address, a listening socket with a
// bounded number of pre-posted accepts, feeding one shared ready/consumer
// hand-off across every address it was given, per spec.md §4.7.
type AcceptEngine struct {
	mu sync.Mutex

	lns            []net.Listener
	pendingAccepts int
	outstanding    int

	ready     *queue.Queue // *AcceptResult, accepted but not yet claimed
	consumers *queue.Queue // chan AcceptResult, waiting on a future accept

	closed bool
}

// NewAcceptEngine starts pendingAccepts concurrent accept operations on
// each of lns, all feeding the same ready/consumer queues. pendingAccepts
// <= 0 uses DefaultPendingAccepts.
func NewAcceptEngine(lns []net.Listener, pendingAccepts int) *AcceptEngine {
	if pendingAccepts <= 0 {
		pendingAccepts = DefaultPendingAccepts
	}
	e := &AcceptEngine{
		lns:            lns,
		pendingAccepts: pendingAccepts,
		ready:          queue.New(),
		consumers:      queue.New(),
	}
	for _, ln := range lns {
		for i := 0; i < pendingAccepts; i++ {
			e.postAccept(ln)
		}
	}
	return e
}

// postAccept arms one more accept on ln.
func (e *AcceptEngine) postAccept(ln net.Listener) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.outstanding++
	e.mu.Unlock()

	go func() {
		conn, err := ln.Accept()
		e.onAcceptComplete(ln, conn, err)
	}()
}

// onAcceptComplete classifies a finished accept on ln: if a consumer is
// already waiting, hand off immediately and re-arm one accept on the same
// listener; otherwise park the accepted socket in the ready queue without
// re-arming (spec.md §4.7).
func (e *AcceptEngine) onAcceptComplete(ln net.Listener, conn net.Conn, err error) {
	e.mu.Lock()
	e.outstanding--

	if err != nil {
		e.mu.Unlock()
		return
	}

	result := &AcceptResult{
		Conn:       conn,
		LocalAddr:  conn.LocalAddr().String(),
		RemoteAddr: conn.RemoteAddr().String(),
	}

	if e.consumers.Length() > 0 {
		ch := e.consumers.Remove().(chan AcceptResult)
		e.mu.Unlock()
		ch <- *result
		e.postAccept(ln)
		return
	}

	e.ready.Add(result)
	e.mu.Unlock()
}

// Accept returns the next accepted socket: synchronously if one is already
// ready, or by parking the caller as a consumer until the next accept
// callback completes it. done, if non-nil, aborts the wait (the caller is
// responsible for the returned AcceptResult being delivered-but-discarded
// in that race; AcceptEngine does not reclaim a dropped consumer channel).
func (e *AcceptEngine) Accept(done <-chan struct{}) (*AcceptResult, error) {
	e.mu.Lock()
	if e.ready.Length() > 0 {
		r := e.ready.Remove().(*AcceptResult)
		e.mu.Unlock()
		return r, nil
	}
	if e.closed {
		e.mu.Unlock()
		return nil, api.NewConnError(api.ErrTransport, nil, "accept engine shut down")
	}
	ch := make(chan AcceptResult, 1)
	e.consumers.Add(ch)
	e.mu.Unlock()

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return &r, nil
	case <-done:
		return nil, api.NewConnError(api.ErrTransport, nil, "accept canceled")
	}
}

// Shutdown drains both queues, failing pending consumers with a
// connection-aborted error, and closes every listen address. It returns
// the first error encountered while closing, if any.
func (e *AcceptEngine) Shutdown() error {
	e.mu.Lock()
	e.closed = true
	for e.consumers.Length() > 0 {
		ch := e.consumers.Remove().(chan AcceptResult)
		ch <- AcceptResult{Err: api.NewConnError(api.ErrTransport, nil, "accept engine shutting down")}
	}
	for e.ready.Length() > 0 {
		r := e.ready.Remove().(*AcceptResult)
		_ = r.Conn.Close()
	}
	e.mu.Unlock()

	var firstErr error
	for _, ln := range e.lns {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
