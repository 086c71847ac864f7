package connid

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
)

// seq disambiguates identities drawn within the same nanosecond when uuid's
// entropy source is under contention at startup of a large connection burst.
var seq uint64

// NewIdentity draws a fresh 32-byte connection identifier: two independent
// UUIDv4 values (32 bytes, 244 of their bits drawn from OS-backed entropy,
// the rest fixed version/variant bits) folded with a monotonic
// counter so that even a degraded entropy source cannot repeat an identity
// within a single process lifetime.
func NewIdentity() [IDSize]byte {
	var out [IDSize]byte
	u1 := uuid.New()
	u2 := uuid.New()
	copy(out[0:16], u1[:])
	copy(out[16:32], u2[:])

	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], atomic.AddUint64(&seq, 1))
	for i := 0; i < 8; i++ {
		out[24+i] ^= ctr[i]
	}
	return out
}
