// Package connid implements the connection-ID slot pool described in
// spec.md §4.1: a pre-reserved, address-stable byte arena sized for the
// maximum concurrent connection count, with slots handed out and returned
// through a mutex-protected free list.
//
// Address stability matters because some transports register buffer
// regions for zero-copy I/O; growing the backing array would invalidate
// those registrations. The arena is therefore allocated once, at full
// reservation size, in New — "committing in chunks" only controls how much
// of that arena is added to the free list at a time, not when memory is
// allocated.
package connid

import (
	"sync"

	"github.com/pkg/errors"
)

// IDSize is the fixed width of a connection identifier in bytes.
const IDSize = 32

// DefaultServerReservation is the default maximum concurrent connections a
// server-side pool reserves address space for.
const DefaultServerReservation = 1_000_000

// DefaultChunkSize is the default number of slots committed to the free
// list per growth step.
const DefaultChunkSize = 2_500

// ErrOutOfResource is returned by Checkout when the pool's reservation is
// fully committed and exhausted.
var ErrOutOfResource = errors.New("connid: pool exhausted")

// Slot is a checked-out 32-byte region. It is a thin handle; the bytes it
// addresses live in the pool's arena for the pool's entire lifetime.
type Slot struct {
	pool *Pool
	idx  int
}

// Bytes returns the 32-byte region this slot addresses. The returned slice
// aliases the pool's arena and is stable for the pool's lifetime.
func (s Slot) Bytes() []byte {
	return s.pool.region[s.idx*IDSize : s.idx*IDSize+IDSize]
}

// Pool is a fixed-address, chunk-committed arena of connection-ID slots.
type Pool struct {
	mu        sync.Mutex
	region    []byte // allocated once at New time, len == maxSlots*IDSize
	maxSlots  int
	chunkSize int
	committed int // slots ever added to the free list
	free      []int
}

// New reserves address space for maxSlots connection IDs and commits them
// to the free list chunkSize at a time, lazily, as Checkout demands them.
// Clients pass maxSlots == chunkSize (the exact, known connection_limit) to
// commit the whole pool up front; servers pass DefaultServerReservation and
// DefaultChunkSize to commit lazily.
func New(maxSlots, chunkSize int) *Pool {
	if maxSlots <= 0 {
		maxSlots = DefaultServerReservation
	}
	if chunkSize <= 0 || chunkSize > maxSlots {
		chunkSize = maxSlots
	}
	return &Pool{
		region:    make([]byte, maxSlots*IDSize),
		maxSlots:  maxSlots,
		chunkSize: chunkSize,
	}
}

// Checkout returns a free slot, growing the committed region by one chunk
// first if the free list is empty and the reservation is not exhausted.
func (p *Pool) Checkout() (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if p.committed >= p.maxSlots {
			return Slot{}, ErrOutOfResource
		}
		grow := p.chunkSize
		if p.committed+grow > p.maxSlots {
			grow = p.maxSlots - p.committed
		}
		for i := 0; i < grow; i++ {
			p.free = append(p.free, p.committed+i)
		}
		p.committed += grow
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return Slot{pool: p, idx: idx}, nil
}

// Checkin returns a slot to the free list. Never fails.
func (p *Pool) Checkin(s Slot) {
	if s.pool != p {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, s.idx)
	p.mu.Unlock()
}

// Write copies exactly IDSize bytes into the slot's region.
func (p *Pool) Write(s Slot, id [IDSize]byte) {
	copy(s.Bytes(), id[:])
}

// Read copies the slot's region out as a fixed array.
func (p *Pool) Read(s Slot) [IDSize]byte {
	var out [IDSize]byte
	copy(out[:], s.Bytes())
	return out
}

// Committed reports how many slots have ever been added to the free list,
// for diagnostics.
func (p *Pool) Committed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}
