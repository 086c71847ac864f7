package engine

import (
	"time"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/pattern"
	"github.com/trafficgen/tgen/protocol"
)

// teardownIoFailed is the nonzero CompleteState code a drive loop reports
// whenever the IoPattern declares the transfer failed, whether the cause was
// a transport error fed through CompleteIo or a protocol/content-verification
// violation; the two causes are not told apart in the code. Its value stays
// clear of the small codes create_fn/connect_fn collaborators report.
const teardownIoFailed = 1000

// NewIoFn builds the io_fn collaborator (spec.md §4.5, §6): it drives s's
// attached Pattern against its attached AsyncConn, posting one task at a
// time and feeding each completion back into the pattern, until the
// pattern reports the transfer complete or failed. scheduler paces retries
// when the pattern has nothing to do right now (Action == ActionNone) and
// honors a task's requested TimeOffsetMillis.
func NewIoFn(scheduler api.Scheduler) StepFunc {
	return func(s *SocketState) {
		driveNext(s, scheduler)
	}
}

func driveNext(s *SocketState, scheduler api.Scheduler) {
	conn := s.Conn()
	p := s.Pattern()
	if conn == nil || p == nil {
		api.Fatalf("engine: io_fn invoked without a Conn/Pattern attached")
	}

	task, err := p.InitiateIo()
	if err != nil {
		s.CompleteState(teardownIoFailed)
		return
	}

	switch task.Action {
	case api.ActionNone:
		retryAfter(scheduler, 1, func() { driveNext(s, scheduler) })
		return

	case api.ActionSend:
		retryAfter(scheduler, task.TimeOffsetMillis, func() {
			conn.PostSend(task.Bytes(), func(n int, code int) {
				onIoComplete(s, scheduler, conn, p, task, n, code)
			})
		})

	case api.ActionRecv:
		conn.PostRecv(task.Bytes(), func(n int, code int) {
			onIoComplete(s, scheduler, conn, p, task, n, code)
		})

	case api.ActionGracefulShutdown:
		shutdownErr := conn.Shutdown(true)
		onShutdownComplete(s, scheduler, conn, p, task, shutdownErr)

	case api.ActionHardShutdown:
		shutdownErr := conn.Shutdown(false)
		onShutdownComplete(s, scheduler, conn, p, task, shutdownErr)

	default:
		api.Fatalf("engine: pattern issued unknown action %v", task.Action)
	}
}

func onIoComplete(s *SocketState, scheduler api.Scheduler, conn api.AsyncConn, p pattern.Pattern, task *api.IoTask, n int, code int) {
	status := p.CompleteIo(task, n, protocol.TransportErrorKind(code))
	switch status {
	case api.IoContinue:
		driveNext(s, scheduler)
	case api.IoCompleted:
		s.CompleteState(0)
	case api.IoFailed:
		s.CompleteState(teardownIoFailed)
	}
}

func onShutdownComplete(s *SocketState, scheduler api.Scheduler, conn api.AsyncConn, p pattern.Pattern, task *api.IoTask, shutdownErr error) {
	kind := protocol.TransportErrorNone
	if shutdownErr != nil {
		kind = protocol.TransportErrorAborted
	}
	status := p.CompleteIo(task, 0, kind)
	switch status {
	case api.IoContinue:
		driveNext(s, scheduler)
	case api.IoCompleted:
		s.CompleteState(0)
	case api.IoFailed:
		s.CompleteState(teardownIoFailed)
	}
}

// retryAfter runs fn immediately if delayMillis <= 0 or scheduler is nil,
// otherwise schedules it through scheduler.
func retryAfter(scheduler api.Scheduler, delayMillis int64, fn func()) {
	if delayMillis <= 0 || scheduler == nil {
		fn()
		return
	}
	scheduler.Schedule(delayMillis*int64(time.Millisecond), fn)
}
