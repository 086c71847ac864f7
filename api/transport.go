package api

// CompletionFunc is invoked when a posted Send/Recv finishes, carrying the
// byte count actually transferred and an error code. Zero means success;
// a nonzero code follows protocol.TransportErrorKind's numbering
// (timeout=1, reset=2, aborted/closed=3, other=4; a peer's FIN is a
// zero-byte completion with code 0) so engine's io_fn can
// recover a transport-error kind with a plain conversion, without this
// package depending on protocol. This is the "completion callback" half of
// the host's I/O facility (spec §5); concrete posting happens through
// AsyncConn.
type CompletionFunc func(bytesTransferred int, errCode int)

// AsyncConn is the narrow interface the engine requires from any transport:
// the ability to post an async read/write that later invokes a completion
// callback. Implementations in package transport wrap net.Conn/net.PacketConn;
// other completion mechanisms (io_uring, IOCP) can satisfy the same
// interface without the engine knowing the difference.
type AsyncConn interface {
	// PostSend issues buf as a send, invoking done when it completes.
	PostSend(buf []byte, done CompletionFunc)
	// PostRecv issues a receive into buf, invoking done when it completes.
	PostRecv(buf []byte, done CompletionFunc)
	// Shutdown half-closes (graceful) or forcibly resets (hard) the connection.
	Shutdown(graceful bool) error
	// Close releases the underlying descriptor.
	Close() error
	// LocalAddr and RemoteAddr mirror net.Conn for reporting.
	LocalAddr() string
	RemoteAddr() string
}
