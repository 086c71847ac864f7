// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/trafficgen/tgen/api"
)

// TCPConn adapts a net.Conn to api.AsyncConn. Each PostSend/PostRecv spawns a
// goroutine that makes the blocking net.Conn call and reports the result
// through the completion callback; the underlying net package already
// multiplexes the fd through the runtime's own epoll-based netpoller, so no
// second readiness layer sits in front of it here.
type TCPConn struct {
	conn net.Conn
}

// NewTCPConn wraps an already-connected or already-accepted net.Conn.
func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{conn: conn}
}

func (c *TCPConn) PostSend(buf []byte, done api.CompletionFunc) {
	go func() {
		n, err := c.conn.Write(buf)
		done(n, errCode(err))
	}()
}

func (c *TCPConn) PostRecv(buf []byte, done api.CompletionFunc) {
	go func() {
		n, err := c.conn.Read(buf)
		done(n, errCode(err))
	}()
}

func (c *TCPConn) Shutdown(graceful bool) error {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		if graceful {
			return tc.CloseWrite()
		}
		tc.SetLinger(0)
		return tc.Close()
	}
	return c.conn.Close()
}

func (c *TCPConn) Close() error { return c.conn.Close() }

func (c *TCPConn) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *TCPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// UDPConn adapts a connected net.Conn over UDP (i.e. the result of
// net.DialUDP, or a per-peer connected socket on the server side) to
// api.AsyncConn. MediaStream framing relies on every Write/Read being
// exactly one datagram, which net.UDPConn already preserves.
type UDPConn struct {
	conn *net.UDPConn
}

// NewUDPConn wraps a connected *net.UDPConn.
func NewUDPConn(conn *net.UDPConn) *UDPConn {
	return &UDPConn{conn: conn}
}

func (c *UDPConn) PostSend(buf []byte, done api.CompletionFunc) {
	go func() {
		n, err := c.conn.Write(buf)
		done(n, errCode(err))
	}()
}

func (c *UDPConn) PostRecv(buf []byte, done api.CompletionFunc) {
	go func() {
		n, err := c.conn.Read(buf)
		done(n, errCode(err))
	}()
}

// Shutdown has no half-close equivalent over UDP; both graceful and hard
// teardown just close the socket.
func (c *UDPConn) Shutdown(graceful bool) error {
	_ = graceful
	return c.conn.Close()
}

func (c *UDPConn) Close() error { return c.conn.Close() }

func (c *UDPConn) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *UDPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// errCode classifies a net.Conn error into the completion-callback's error
// code, using the same numbering as protocol.TransportErrorKind (none=0,
// timeout=1, reset=2, aborted/closed=3, other=4) so the engine's io_fn can
// recover a transport-error kind with a plain int conversion instead of
// this package depending on protocol. io.EOF is the peer's FIN, which the
// protocol expects as a zero-byte completion, so it maps to 0.
func errCode(err error) int {
	if err == nil || errors.Is(err, io.EOF) {
		return 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 1
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return 2
	}
	if errors.Is(err, net.ErrClosed) {
		return 3
	}
	return 4
}

// dialTimeout bounds how long DialTCP waits before the connect_fn that
// called it gives up and reports a transport error. DialUDP does not use it.
const dialTimeout = 10 * time.Second

// DialTCP opens an outbound TCP connection, wrapping it as api.AsyncConn.
func DialTCP(addr string) (*TCPConn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn), nil
}

// DialUDP opens a connected UDP socket, wrapping it as api.AsyncConn.
func DialUDP(addr string) (*UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return NewUDPConn(conn), nil
}

// ListenTCP opens a TCP listener for accept-mode roles.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ListenUDP opens a UDP socket for accept-mode roles. Unlike TCP, a UDP
// "listener" is a single PacketConn that must be demultiplexed by peer
// address at a higher layer (see UDPListener).
func ListenUDP(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", laddr)
}

// peerConn is a demultiplexed view of one UDP peer behind a shared socket:
// sends go straight out via WriteToUDP, recvs are fed by UDPListener's single
// reader goroutine through an unbounded-enough buffered channel.
type peerConn struct {
	shared *net.UDPConn
	peer   *net.UDPAddr
	local  net.Addr
	inbox  chan []byte
	closed chan struct{}
}

func (c *peerConn) PostSend(buf []byte, done api.CompletionFunc) {
	go func() {
		n, err := c.shared.WriteToUDP(buf, c.peer)
		done(n, errCode(err))
	}()
}

func (c *peerConn) PostRecv(buf []byte, done api.CompletionFunc) {
	go func() {
		select {
		case datagram, ok := <-c.inbox:
			if !ok {
				done(0, 3)
				return
			}
			n := copy(buf, datagram)
			done(n, 0)
		case <-c.closed:
			done(0, 3)
		}
	}()
}

func (c *peerConn) Shutdown(graceful bool) error { _ = graceful; return nil }
func (c *peerConn) Close() error                 { return nil }
func (c *peerConn) LocalAddr() string            { return c.local.String() }
func (c *peerConn) RemoteAddr() string           { return c.peer.String() }

// UDPListener demultiplexes one shared UDP socket into per-peer api.AsyncConn
// values, mirroring AcceptEngine's hand-off-or-park policy but keyed on
// remote address instead of a new file descriptor, since UDP never hands out
// one.
type UDPListener struct {
	conn  *net.UDPConn
	mu    sync.Mutex
	peers map[string]*peerConn
	ready chan *peerConn
	done  chan struct{}
}

// NewUDPListener starts demultiplexing conn in a background goroutine.
func NewUDPListener(conn *net.UDPConn) *UDPListener {
	l := &UDPListener{
		conn:  conn,
		peers: make(map[string]*peerConn),
		ready: make(chan *peerConn, 64),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *UDPListener) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.mu.Lock()
			for _, p := range l.peers {
				close(p.closed)
			}
			l.mu.Unlock()
			close(l.done)
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		key := raddr.String()
		l.mu.Lock()
		p, ok := l.peers[key]
		if !ok {
			p = &peerConn{
				shared: l.conn,
				peer:   raddr,
				local:  l.conn.LocalAddr(),
				inbox:  make(chan []byte, 64),
				closed: make(chan struct{}),
			}
			l.peers[key] = p
		}
		l.mu.Unlock()

		if !ok {
			select {
			case l.ready <- p:
			default:
			}
		}

		select {
		case p.inbox <- datagram:
		default:
			// peer's recv side is behind; drop rather than block the shared reader.
		}
	}
}

// Accept returns the next peer to have sent its first datagram, or false if
// the listener has been closed.
func (l *UDPListener) Accept() (api.AsyncConn, bool) {
	select {
	case p := <-l.ready:
		return p, true
	case <-l.done:
		return nil, false
	}
}

func (l *UDPListener) Close() error {
	return l.conn.Close()
}
