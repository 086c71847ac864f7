package api

// ProtocolTask is what IoPatternState.NextTask returns: the next protocol
// step a pattern should translate into a concrete IoTask.
type ProtocolTask int

const (
	ProtocolNoIo ProtocolTask = iota
	ProtocolSendConnectionID
	ProtocolRecvConnectionID
	ProtocolMoreIo
	ProtocolSendCompletion
	ProtocolRecvCompletion
	ProtocolGracefulShutdown
	ProtocolHardShutdown
	ProtocolRequestFIN
)

func (t ProtocolTask) String() string {
	switch t {
	case ProtocolNoIo:
		return "no-io"
	case ProtocolSendConnectionID:
		return "send-connection-id"
	case ProtocolRecvConnectionID:
		return "recv-connection-id"
	case ProtocolMoreIo:
		return "more-io"
	case ProtocolSendCompletion:
		return "send-completion"
	case ProtocolRecvCompletion:
		return "recv-completion"
	case ProtocolGracefulShutdown:
		return "graceful-shutdown"
	case ProtocolHardShutdown:
		return "hard-shutdown"
	case ProtocolRequestFIN:
		return "request-fin"
	default:
		return "unknown"
	}
}

// ProtocolOutcome is the result of validating a completed task against the
// protocol contract (spec §4.2).
type ProtocolOutcome int

const (
	OutcomeNoError ProtocolOutcome = iota
	OutcomeTooManyBytes
	OutcomeTooFewBytes
	OutcomeCorruptedBytes
	OutcomeIoFailed
	OutcomeSuccessfullyCompleted
)

func (o ProtocolOutcome) String() string {
	switch o {
	case OutcomeNoError:
		return "no-error"
	case OutcomeTooManyBytes:
		return "too-many-bytes"
	case OutcomeTooFewBytes:
		return "too-few-bytes"
	case OutcomeCorruptedBytes:
		return "corrupted-bytes"
	case OutcomeIoFailed:
		return "io-failed"
	case OutcomeSuccessfullyCompleted:
		return "successfully-completed"
	default:
		return "unknown"
	}
}

// IoStatus is what IoPattern.CompleteIo returns to its caller.
type IoStatus int

const (
	IoContinue IoStatus = iota
	IoCompleted
	IoFailed
)

func (s IoStatus) String() string {
	switch s {
	case IoContinue:
		return "continue"
	case IoCompleted:
		return "completed"
	case IoFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ShutdownType selects the client-side teardown policy once the transfer
// completes (spec §6 completion protocol).
type ShutdownType int

const (
	ShutdownGraceful ShutdownType = iota
	ShutdownHard
)

// Role distinguishes the server (connection-ID generator, completion
// sender) side of the IoPatternState machine from the client side.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Protocol selects the transport the pattern drives.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
)
