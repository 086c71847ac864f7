package engine

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/internal/concurrency"
	"github.com/trafficgen/tgen/internal/logging"
	"github.com/trafficgen/tgen/stats"
)

// DefaultTickInterval is the Broker's periodic population-refill cadence
// (spec.md §4.6).
const DefaultTickInterval = 333 * time.Millisecond

// DefaultPendingAccepts is AcceptEngine's default pre-posted accept count
// (spec.md §4.7).
const DefaultPendingAccepts = 100

// BrokerConfig configures a Broker's population policy (spec.md §4.6).
type BrokerConfig struct {
	TotalConnections        int64 // total_connections_remaining; <0 means unbounded
	PendingLimit            int
	ConnectionThrottleLimit int
	ConnectionLimit         int64 // pending+active cap, clients only
	AcceptMode              bool
	TickInterval            time.Duration
	Stats                   *stats.Registry  // optional; nil disables reporting
	Logger                  *logging.Logger  // optional; nil disables tick summaries
}

// Broker owns the population of SocketStates, per spec.md §4.6.
type Broker struct {
	mu sync.Mutex

	cfg       BrokerConfig
	remaining int64 // -1 means unbounded

	pendingCount int
	activeCount  int64
	tracked      *queue.Queue // *SocketState, population-wide, drained by tick's reap

	exec      *concurrency.Executor
	scheduler api.Scheduler
	tickTimer api.Cancelable

	newSocket func() *SocketState

	shutdownRequested bool
	interrupt         chan struct{}
	interruptClosed   bool
	done              chan struct{}
	doneClosed        bool
}

// NewBroker builds a Broker. newSocket constructs one fresh SocketState ready
// to Start; the Broker calls it whenever the population needs topping up.
func NewBroker(cfg BrokerConfig, exec *concurrency.Executor, scheduler api.Scheduler, newSocket func() *SocketState) *Broker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	remaining := int64(-1)
	if cfg.TotalConnections >= 0 {
		remaining = cfg.TotalConnections
	}
	return &Broker{
		cfg:       cfg,
		remaining: remaining,
		tracked:   queue.New(),
		exec:      exec,
		scheduler: scheduler,
		newSocket: newSocket,
		done:      make(chan struct{}),
		interrupt: make(chan struct{}),
	}
}

// publishStatsLocked pushes a population snapshot to the optional Registry.
// Must be called with b.mu held.
func (b *Broker) publishStatsLocked() {
	if b.cfg.Stats == nil {
		return
	}
	b.cfg.Stats.SetBrokerCounters(stats.BrokerCounters{
		TotalConnectionsRemaining: b.remaining,
		PendingSockets:            int64(b.pendingCount),
		ActiveSockets:             b.activeCount,
		PendingLimit:              int64(b.cfg.PendingLimit),
	})
}

// PendingSockets returns the number of SocketStates not yet past
// Connecting/Accepting.
func (b *Broker) PendingSockets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingCount
}

// ActiveSockets returns the number of SocketStates in InitiatingIo or later
// (not yet Closed).
func (b *Broker) ActiveSockets() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeCount
}

// Start creates up to PendingLimit SocketStates (further capped by the
// client throttle) and starts each, then begins the periodic tick.
func (b *Broker) Start() {
	b.mu.Lock()
	created := b.fillLocked()
	b.publishStatsLocked()
	b.mu.Unlock()

	for _, s := range created {
		s.Start()
	}
	b.scheduleTick()
}

func (b *Broker) scheduleTick() {
	if b.scheduler == nil {
		return
	}
	b.tickTimer = b.scheduler.Schedule(b.cfg.TickInterval.Nanoseconds(), b.tick)
}

// tick is the periodic population refill, per spec.md §4.6. It tries the
// broker lock and skips this round on contention rather than stalling an
// I/O callback that is itself inside a SocketState transition.
func (b *Broker) tick() {
	if !b.mu.TryLock() {
		b.scheduleTick()
		return
	}

	b.reapLocked()

	if b.cfg.Logger != nil {
		b.cfg.Logger.Debugf("tick: pending=%d active=%d remaining=%d", b.pendingCount, b.activeCount, b.remaining)
	}

	stopCreating := b.shutdownRequested || b.remaining == 0
	drained := b.pendingCount == 0 && b.activeCount == 0
	if stopCreating && drained {
		b.mu.Unlock()
		b.signalDone()
		return
	}
	var created []*SocketState
	if !stopCreating {
		created = b.fillLocked()
	}
	b.publishStatsLocked()
	b.mu.Unlock()

	for _, s := range created {
		s.Start()
	}
	b.scheduleTick()
}

// reapLocked drops any tracked SocketState that has reached Closed.
func (b *Broker) reapLocked() {
	n := b.tracked.Length()
	for i := 0; i < n; i++ {
		s := b.tracked.Remove().(*SocketState)
		if s.bucket.Load() != int32(bucketDone) {
			b.tracked.Add(s)
		}
	}
}

// fillLocked creates new SocketStates up to the configured limits and
// returns them unstarted: SocketState.Start schedules create_fn, which may
// run synchronously all the way through a full lifecycle (and back into
// Broker.initiatingIO/closing) when no Executor is configured, so callers
// must invoke Start on the returned sockets only after releasing b.mu.
func (b *Broker) fillLocked() []*SocketState {
	var created []*SocketState
	limit := b.cfg.PendingLimit
	for b.pendingCount < limit {
		if b.remaining == 0 {
			break
		}
		if !b.cfg.AcceptMode {
			if b.cfg.ConnectionLimit > 0 && int64(b.pendingCount)+b.activeCount >= b.cfg.ConnectionLimit {
				break
			}
			if b.cfg.ConnectionThrottleLimit > 0 && b.pendingCount >= b.cfg.ConnectionThrottleLimit {
				break
			}
		}
		s := b.newSocket()
		s.bucket.Store(int32(bucketPending))
		b.tracked.Add(s)
		b.pendingCount++
		if b.remaining > 0 {
			b.remaining--
		}
		created = append(created, s)
	}
	return created
}

// initiatingIO records that s has advanced from pending to active. Called
// by SocketState.CompleteState under no SocketState lock.
func (b *Broker) initiatingIO(s *SocketState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.bucket.Swap(int32(bucketActive)) != int32(bucketPending) {
		api.Fatalf("engine: broker notified initiating_io for a socket that was not pending")
	}
	b.pendingCount--
	if b.pendingCount < 0 {
		api.Fatalf("engine: broker pending counter underflow")
	}
	b.activeCount++
}

// closing records that s has reached Closing from either the pending or
// active bucket. Called by SocketState.CompleteState under no SocketState lock.
func (b *Broker) closing(s *SocketState, wasActive bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := int32(bucketPending)
	if wasActive {
		want = int32(bucketActive)
	}
	if s.bucket.Swap(int32(bucketDone)) != want {
		api.Fatalf("engine: broker notified closing for a socket in the wrong bucket")
	}
	if wasActive {
		b.activeCount--
		if b.activeCount < 0 {
			api.Fatalf("engine: broker active counter underflow")
		}
	} else {
		b.pendingCount--
		if b.pendingCount < 0 {
			api.Fatalf("engine: broker pending counter underflow")
		}
	}
	code := s.TeardownCode()
	if b.cfg.Stats != nil {
		if code == 0 {
			b.cfg.Stats.RecordSuccess()
		} else {
			b.cfg.Stats.RecordConnectionError()
		}
	}
	if b.cfg.Logger != nil && code != 0 {
		b.cfg.Logger.Warnf("connection closed with teardown code %d", code)
	}
	b.publishStatsLocked()
}

// RequestShutdown sets the process-wide shutdown flag: the Broker stops
// creating new sockets but lets in-flight ones complete (spec.md §5). It
// also wakes any Wait call immediately, per the "operator-interrupt" half
// of wait(timeout)'s contract.
func (b *Broker) RequestShutdown() {
	b.mu.Lock()
	b.shutdownRequested = true
	if !b.interruptClosed {
		b.interruptClosed = true
		close(b.interrupt)
	}
	b.mu.Unlock()
}

func (b *Broker) signalDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.doneClosed {
		b.doneClosed = true
		close(b.done)
	}
	if b.tickTimer != nil && b.scheduler != nil {
		b.scheduler.Cancel(b.tickTimer)
	}
}

// Wait blocks until the population has drained (done-signal) or an operator
// interrupt is requested, or timeout elapses. Returns true on done-signal or
// operator-interrupt; false on timeout, per spec.md §4.6.
func (b *Broker) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-b.done:
		case <-b.interrupt:
		}
		return true
	}
	select {
	case <-b.done:
		return true
	case <-b.interrupt:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done returns the channel that closes once the population has drained.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}
