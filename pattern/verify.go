package pattern

import (
	"sync"

	"github.com/smallnest/ringbuffer"
)

// verifier generates and checks a deterministic, per-connection byte stream
// backed by a smallnest/ringbuffer.RingBuffer used as a cyclic generator: a
// byte is read off the ring and immediately written back, so the same 256
// bytes repeat indefinitely. Two verifiers constructed with the same
// connIndex produce identical streams, letting the send side fill buffers
// and the receive side check them without sharing state.
type verifier struct {
	mu  sync.Mutex
	gen *ringbuffer.RingBuffer
}

func newVerifier(connIndex int) *verifier {
	seed := make([]byte, 256)
	for i := range seed {
		seed[i] = byte(i + connIndex)
	}
	gen := ringbuffer.New(len(seed))
	gen.Write(seed)
	return &verifier{gen: gen}
}

// Fill writes the next len(buf) bytes of the deterministic stream into buf.
func (v *verifier) Fill(buf []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range buf {
		b, _ := v.gen.ReadByte()
		buf[i] = b
		_ = v.gen.WriteByte(b)
	}
}

// Check advances the same deterministic stream and reports whether buf
// matches it byte for byte.
func (v *verifier) Check(buf []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	ok := true
	for i := range buf {
		b, _ := v.gen.ReadByte()
		_ = v.gen.WriteByte(b)
		if buf[i] != b {
			ok = false
		}
	}
	return ok
}
