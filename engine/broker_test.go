package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/trafficgen/tgen/api"
)

// fakeScheduler runs Schedule synchronously on a background goroutine after
// a real delay, sufficient for Broker tests that need ticks to actually
// fire without pulling in a production reactor.
type fakeScheduler struct {
	canceled atomic.Bool
}

func (f *fakeScheduler) Schedule(delayNanos int64, fn func()) api.Cancelable {
	timer := time.AfterFunc(time.Duration(delayNanos), func() {
		if !f.canceled.Load() {
			fn()
		}
	})
	return timer
}

func (f *fakeScheduler) Cancel(c api.Cancelable) {
	if t, ok := c.(*time.Timer); ok {
		t.Stop()
	}
}

func (f *fakeScheduler) Now() int64 { return time.Now().UnixNano() }

// instantSocket builds a SocketState whose three steps all succeed
// immediately, wired to broker so Broker's counters see real transitions.
func instantSocket(broker *Broker) *SocketState {
	return New(Options{
		Broker:    broker,
		CreateFn:  func(s *SocketState) { s.CompleteState(0) },
		ConnectFn: func(s *SocketState) { s.CompleteState(0) },
		IoFn:      func(s *SocketState) { s.CompleteState(0) },
	})
}

func TestBrokerDrainsFiniteTotalConnections(t *testing.T) {
	sched := &fakeScheduler{}
	var b *Broker
	b = NewBroker(BrokerConfig{
		TotalConnections: 5,
		PendingLimit:     2,
		TickInterval:     5 * time.Millisecond,
	}, nil, sched, func() *SocketState { return instantSocket(b) })

	b.Start()

	if !b.Wait(2 * time.Second) {
		t.Fatal("expected the broker to signal done before the timeout")
	}
	if got := b.PendingSockets(); got != 0 {
		t.Fatalf("expected 0 pending sockets once drained, got %d", got)
	}
	if got := b.ActiveSockets(); got != 0 {
		t.Fatalf("expected 0 active sockets once drained, got %d", got)
	}
}

func TestBrokerWaitTimesOutWithoutScheduler(t *testing.T) {
	var b *Broker
	b = NewBroker(BrokerConfig{
		TotalConnections: 1 << 30,
		PendingLimit:     1,
	}, nil, nil, func() *SocketState { return instantSocket(b) })

	b.Start() // no scheduler: one fill happens, but the tick never fires again

	if b.Wait(20 * time.Millisecond) {
		t.Fatal("expected Wait to time out with no scheduler driving ticks")
	}
}

func TestBrokerRequestShutdownWakesWait(t *testing.T) {
	var b *Broker
	b = NewBroker(BrokerConfig{
		TotalConnections: 1 << 30,
		PendingLimit:     1,
	}, nil, nil, func() *SocketState { return instantSocket(b) })

	b.Start()
	b.RequestShutdown()

	if !b.Wait(time.Second) {
		t.Fatal("expected RequestShutdown to wake a pending Wait")
	}
}

func TestBrokerCounterUnderflowIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on double closing() notification")
		}
	}()

	var b *Broker
	b = NewBroker(BrokerConfig{TotalConnections: 1, PendingLimit: 1}, nil, nil, func() *SocketState { return instantSocket(b) })
	s := instantSocket(b)
	s.bucket.Store(int32(bucketDone))
	b.closing(s, false) // already done, not pending: must panic
}
