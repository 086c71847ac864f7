package pattern

import (
	"sync"
	"time"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/internal/ring"
	"github.com/trafficgen/tgen/mediastream"
	"github.com/trafficgen/tgen/protocol"
)

// jitterWindow bounds how many recent interarrival deviations udpStream
// keeps for diagnostics; older samples are evicted as new ones arrive.
const jitterWindow = 64

// udpStreamStats reports the client-side jitter and loss accounting a
// MediaStream pattern accumulates as it receives datagrams.
type udpStreamStats struct {
	FramesReceived uint64
	FramesLost     uint64
	JitterNanos    int64 // running average of |interarrival - expected interval|
	JitterSamples  int   // recent deviations currently buffered, capped at jitterWindow
}

// udpStream drives UDP streaming per spec.md §4.3: the server sends
// datagrams at a fixed bytes/frame, frames/sec cadence; the client receives
// them and tracks sequence loss and jitter.
type udpStream struct {
	mu sync.Mutex

	role  api.Role
	clock api.Scheduler
	st    *protocol.State

	bytesPerFrame   int
	frameIntervalNs int64
	qpf             uint64

	startedAt    int64
	startSent    bool
	startWaiting bool
	seq          uint64

	// pendingSizes holds the still-unsent datagram payload sizes for the
	// frame currently being emitted, per mediastream.PlanPayloadSizes —
	// a frame whose bytesPerFrame exceeds mediastream.MaxPayload is split
	// across several datagrams instead of one oversize send. frameStart
	// marks the first of those datagrams, the only one that carries the
	// frame-cadence delay; frameIndex paces frames rather than datagrams.
	pendingSizes []int
	frameStart   bool
	frameIndex   uint64

	stats       udpStreamStats
	haveLastSeq   bool
	lastSeq       uint64
	lastRecvAt    int64
	jitterSamples *ring.Buffer[int64]

	lastErr error
}

func newMediaStream(opts Options) *udpStream {
	bytesPerFrame := mediastream.BytesPerFrame(opts.BitsPerSecond, opts.FramesPerSecond)
	if bytesPerFrame <= 0 {
		bytesPerFrame = mediastream.MaxPayload
	}
	frames := int64(opts.FramesPerSecond) * opts.StreamDurationMillis / 1000
	if frames <= 0 {
		frames = 1
	}
	maxTransfer := frames * int64(bytesPerFrame)

	var frameIntervalNs int64
	if opts.FramesPerSecond > 0 {
		frameIntervalNs = int64(time.Second) / int64(opts.FramesPerSecond)
	}

	return &udpStream{
		role:            opts.Role,
		clock:           opts.Clock,
		st:              protocol.New(maxTransfer, opts.Role, api.ProtoUDP, opts.Shutdown),
		bytesPerFrame:   bytesPerFrame,
		frameIntervalNs: frameIntervalNs,
		qpf:             uint64(time.Second),
		startWaiting:    opts.Role == api.RoleClient,
		jitterSamples:   ring.New[int64](jitterWindow),
	}
}

func (m *udpStream) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *udpStream) now() int64 {
	if m.clock != nil {
		return m.clock.Now()
	}
	return 0
}

func (m *udpStream) InitiateIo() (*api.IoTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role == api.RoleServer && !m.startSent {
		m.startSent = true
		return &api.IoTask{Action: api.ActionSend, Buffer: []byte(mediastream.StartMessage), Length: len(mediastream.StartMessage)}, nil
	}
	if m.role == api.RoleClient && m.startWaiting {
		buf := make([]byte, mediastream.MaxDatagram)
		return &api.IoTask{Action: api.ActionRecv, Buffer: buf, Length: len(buf)}, nil
	}

	protoTask := m.st.NextTask()
	switch protoTask {
	case api.ProtocolNoIo:
		return &api.IoTask{Action: api.ActionNone}, nil

	case api.ProtocolMoreIo:
		if m.role == api.RoleServer {
			task := m.buildSendFrame()
			if task.Action != api.ActionNone {
				m.st.NotifyTaskIssued(task)
			}
			return task, nil
		}
		buf := make([]byte, mediastream.MaxDatagram)
		task := &api.IoTask{Action: api.ActionRecv, Buffer: buf, Length: len(buf), BufferType: api.BufferMediaStreamData, TrackIO: true}
		m.st.NotifyTaskIssued(task)
		return task, nil

	default:
		// UDP MediaStream has no connection-id or completion phase; only
		// NoIo/MoreIo can be reached once streaming has started.
		return &api.IoTask{Action: api.ActionNone}, nil
	}
}

func (m *udpStream) buildSendFrame() *api.IoTask {
	if len(m.pendingSizes) == 0 {
		remaining := m.st.RemainingBudget()
		if remaining <= 0 {
			return &api.IoTask{Action: api.ActionNone}
		}
		frameLen := m.bytesPerFrame
		if int64(frameLen) > remaining {
			frameLen = int(remaining)
		}
		sizes := mediastream.PlanPayloadSizes(frameLen, mediastream.MaxPayload)
		if len(sizes) == 0 {
			return &api.IoTask{Action: api.ActionNone}
		}
		m.pendingSizes = sizes
		m.frameStart = true
		m.frameIndex++
	}

	payloadLen := m.pendingSizes[0]
	m.pendingSizes = m.pendingSizes[1:]

	if m.startedAt == 0 {
		m.startedAt = m.now()
	}
	now := m.now()
	qpc := uint64(now)

	payload := make([]byte, payloadLen)
	raw, err := mediastream.EncodeData(m.seq, qpc, m.qpf, payload, nil)
	if err != nil {
		// PlanPayloadSizes only ever hands back chunks <= MaxPayload, so
		// this would mean the planner and EncodeData's limit disagree.
		m.lastErr = err
		m.pendingSizes = nil
		return &api.IoTask{Action: api.ActionNone}
	}
	m.seq++

	task := &api.IoTask{Action: api.ActionSend, Buffer: raw, Length: len(raw), BufferType: api.BufferMediaStreamData, TrackIO: true}

	if m.frameStart {
		m.frameStart = false
		next := m.startedAt + int64(m.frameIndex)*m.frameIntervalNs
		if d := next - now; d > 0 {
			task.TimeOffsetMillis = (d + int64(time.Millisecond) - 1) / int64(time.Millisecond)
		}
	}
	return task
}

func (m *udpStream) CompleteIo(task *api.IoTask, n int, errKind protocol.TransportErrorKind) api.IoStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if errKind != protocol.TransportErrorNone {
		outcome := m.st.UpdateError(errKind)
		return m.translate(outcome)
	}

	if m.role == api.RoleServer && task.Action == api.ActionSend && !task.TrackIO {
		return api.IoContinue // START datagram ack; nothing to validate.
	}
	if m.role == api.RoleClient && m.startWaiting {
		m.startWaiting = false
		if !mediastream.IsStart(task.Bytes()[:n]) {
			m.lastErr = api.NewConnError(api.ErrProtocol, nil, "mediastream: expected START control datagram")
			return api.IoFailed
		}
		return api.IoContinue
	}

	if task.Action == api.ActionRecv {
		frame, err := mediastream.DecodeData(task.Bytes()[:n])
		if err != nil {
			m.lastErr = err
			outcome := m.st.Fail(api.OutcomeCorruptedBytes)
			return m.translate(outcome)
		}
		m.trackArrival(frame)
		payloadLen := len(frame.Payload)
		outcome := m.st.CompleteTask(api.ProtocolMoreIo, task, payloadLen)
		return m.translate(outcome)
	}

	// Send completion: the datagram's payload bytes count toward the total.
	payloadLen := n - mediastream.HeaderLen
	if payloadLen < 0 {
		payloadLen = 0
	}
	outcome := m.st.CompleteTask(api.ProtocolMoreIo, task, payloadLen)
	return m.translate(outcome)
}

func (m *udpStream) trackArrival(frame *mediastream.DataFrame) {
	now := m.now()
	if m.haveLastSeq {
		if frame.Sequence > m.lastSeq+1 {
			m.stats.FramesLost += frame.Sequence - m.lastSeq - 1
		}
		gap := now - m.lastRecvAt
		idealGap := m.frameIntervalNs * int64(frame.Sequence-m.lastSeq)
		d := gap - idealGap
		if d < 0 {
			d = -d
		}
		// Exponential moving average, matching typical RTP-style jitter estimators.
		m.stats.JitterNanos += (d - m.stats.JitterNanos) / 16
		if !m.jitterSamples.Enqueue(d) {
			m.jitterSamples.Dequeue()
			m.jitterSamples.Enqueue(d)
		}
	}
	m.lastSeq = frame.Sequence
	m.haveLastSeq = true
	m.lastRecvAt = now
	m.stats.FramesReceived++
}

func (m *udpStream) translate(outcome api.ProtocolOutcome) api.IoStatus {
	switch outcome {
	case api.OutcomeNoError:
		return api.IoContinue
	case api.OutcomeSuccessfullyCompleted:
		return api.IoCompleted
	default:
		if m.lastErr == nil {
			m.lastErr = api.NewConnError(api.ErrProtocol, nil, outcome.String())
		}
		return api.IoFailed
	}
}

// Stats returns a snapshot of jitter/loss accounting, for the stats package.
func (m *udpStream) Stats() udpStreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.JitterSamples = m.jitterSamples.Len()
	return out
}
