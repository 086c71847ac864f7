package reactor

import (
	"net"
	"testing"
	"time"
)

func TestReactorFiresOnReadable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server := <-serverConnCh
	defer server.Close()

	r, err := NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer r.Close()

	tcpServer, ok := server.(*net.TCPConn)
	if !ok {
		t.Fatal("expected a *net.TCPConn")
	}
	rawConn, err := tcpServer.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}

	fired := make(chan FDEventType, 1)
	var fd uintptr
	if err := rawConn.Control(func(f uintptr) { fd = f }); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if err := r.Register(fd, EventRead, func(_ uintptr, ev FDEventType) { fired <- ev }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer r.Unregister(fd)

	go func() {
		for i := 0; i < 20; i++ {
			if err := r.Poll(50); err != nil {
				return
			}
			select {
			case <-fired:
				return
			default:
			}
		}
	}()

	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-fired:
		if ev&EventRead == 0 {
			t.Fatalf("expected EventRead, got %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reactor never reported the socket readable")
	}
}
