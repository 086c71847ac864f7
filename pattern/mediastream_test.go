package pattern

import (
	"testing"

	"github.com/trafficgen/tgen/api"
	"github.com/trafficgen/tgen/mediastream"
	"github.com/trafficgen/tgen/protocol"
)

func TestMediaStreamServerSendsStartThenFrames(t *testing.T) {
	server := New(MediaStream, Options{
		Role: api.RoleServer, Protocol: api.ProtoUDP,
		BitsPerSecond: 8_000_000, FramesPerSecond: 100, StreamDurationMillis: 100,
	})

	task, err := server.InitiateIo()
	if err != nil {
		t.Fatalf("InitiateIo: %v", err)
	}
	if string(task.Bytes()) != mediastream.StartMessage {
		t.Fatalf("expected START datagram first, got %q", task.Bytes())
	}
	if status := server.CompleteIo(task, task.Length, protocol.TransportErrorNone); status != api.IoContinue {
		t.Fatalf("expected IoContinue after START, got %v", status)
	}

	task, err = server.InitiateIo()
	if err != nil {
		t.Fatalf("InitiateIo: %v", err)
	}
	if task.Action != api.ActionSend || task.BufferType != api.BufferMediaStreamData {
		t.Fatalf("expected a MediaStream data send, got %+v", task)
	}
	frame, err := mediastream.DecodeData(task.Bytes())
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if frame.Sequence != 0 {
		t.Fatalf("expected first frame sequence 0, got %d", frame.Sequence)
	}
}

func TestMediaStreamClientTracksFrameLoss(t *testing.T) {
	client := New(MediaStream, Options{
		Role: api.RoleClient, Protocol: api.ProtoUDP,
		BitsPerSecond: 8_000_000, FramesPerSecond: 100, StreamDurationMillis: 1000,
	})

	startTask, err := client.InitiateIo()
	if err != nil {
		t.Fatalf("InitiateIo: %v", err)
	}
	copy(startTask.Buffer, mediastream.StartMessage)
	if status := client.CompleteIo(startTask, len(mediastream.StartMessage), protocol.TransportErrorNone); status != api.IoContinue {
		t.Fatalf("expected IoContinue after START, got %v", status)
	}

	us := client.(*udpStream)
	payload := make([]byte, us.bytesPerFrame)

	deliver := func(seq uint64) {
		task, err := client.InitiateIo()
		if err != nil {
			t.Fatalf("InitiateIo: %v", err)
		}
		raw, err := mediastream.EncodeData(seq, 0, 1, payload, nil)
		if err != nil {
			t.Fatalf("EncodeData: %v", err)
		}
		copy(task.Buffer, raw)
		client.CompleteIo(task, len(raw), protocol.TransportErrorNone)
	}

	deliver(0)
	deliver(1)
	deliver(3) // sequence 2 dropped in transit

	if got := us.Stats().FramesLost; got != 1 {
		t.Fatalf("expected 1 lost frame, got %d", got)
	}
	if got := us.Stats().FramesReceived; got != 3 {
		t.Fatalf("expected 3 frames received, got %d", got)
	}
}

func TestMediaStreamClientRejectsMissingStart(t *testing.T) {
	client := New(MediaStream, Options{
		Role: api.RoleClient, Protocol: api.ProtoUDP,
		BitsPerSecond: 8_000_000, FramesPerSecond: 100, StreamDurationMillis: 100,
	})

	task, err := client.InitiateIo()
	if err != nil {
		t.Fatalf("InitiateIo: %v", err)
	}
	copy(task.Buffer, "nope")
	status := client.CompleteIo(task, 4, protocol.TransportErrorNone)
	if status != api.IoFailed {
		t.Fatalf("expected IoFailed for a missing START datagram, got %v", status)
	}
}

func TestMediaStreamTransferCompletesAtDuration(t *testing.T) {
	server := New(MediaStream, Options{
		Role: api.RoleServer, Protocol: api.ProtoUDP,
		BitsPerSecond: 800_000, FramesPerSecond: 10, StreamDurationMillis: 100,
	})

	startTask, _ := server.InitiateIo()
	server.CompleteIo(startTask, startTask.Length, protocol.TransportErrorNone)

	var lastStatus api.IoStatus
	for i := 0; i < 10; i++ {
		task, err := server.InitiateIo()
		if err != nil {
			t.Fatalf("InitiateIo: %v", err)
		}
		if task.Action == api.ActionNone {
			break
		}
		lastStatus = server.CompleteIo(task, task.Length, protocol.TransportErrorNone)
	}
	if lastStatus != api.IoCompleted {
		t.Fatalf("expected the stream to reach IoCompleted after its one planned frame, got %v", lastStatus)
	}
}
