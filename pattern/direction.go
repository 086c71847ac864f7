package pattern

import (
	"github.com/smallnest/ringbuffer"
	"github.com/trafficgen/tgen/api"
)

// directionPolicy decides, for a bulk-transfer IoTask, which action to issue
// next. Push and Pull are trivially constant; PushPull and Duplex carry the
// state needed to alternate or overlap directions.
type directionPolicy interface {
	next() api.Action
	// advance records that a task of n bytes in the returned direction is
	// about to be issued, for policies that need to track progress toward a
	// direction switch.
	advance(n int)
}

type pushOnly struct{}

func (pushOnly) next() api.Action { return api.ActionSend }
func (pushOnly) advance(int)      {}

type pullOnly struct{}

func (pullOnly) next() api.Action { return api.ActionRecv }
func (pullOnly) advance(int)      {}

// duplexBoth alternates Send/Recv on successive calls, starting with Send.
// The engine's io driver keeps one task outstanding per connection, so the
// two directions take turns; they do not overlap.
type duplexBoth struct {
	sendNext bool
}

func newDuplexBoth() *duplexBoth { return &duplexBoth{sendNext: true} }

func (d *duplexBoth) next() api.Action {
	if d.sendNext {
		d.sendNext = false
		return api.ActionSend
	}
	d.sendNext = true
	return api.ActionRecv
}

func (d *duplexBoth) advance(int) {}

// pushPullSplit is half-duplex: all bulk IO goes one direction until split
// bytes have been requested in that direction, then it flips. The window
// ring buffer is used purely as a fill-level counter — Write advances it,
// and a full ring means the current leg's quota is spent. mirror flips the
// reported action so that a connection's two ends (each running their own
// pushPullSplit) stay in complementary directions: while the client sends,
// the server receives, and vice versa.
type pushPullSplit struct {
	window  *ringbuffer.RingBuffer
	sending bool
	mirror  bool
}

func newPushPullSplit(split int64, mirror bool) *pushPullSplit {
	if split <= 0 {
		split = DefaultPushPullSplit
	}
	return &pushPullSplit{
		window:  ringbuffer.New(int(split)),
		sending: true,
		mirror:  mirror,
	}
}

func (p *pushPullSplit) next() api.Action {
	if p.window.Free() == 0 {
		p.sending = !p.sending
		p.window.Reset()
	}
	sending := p.sending
	if p.mirror {
		sending = !sending
	}
	if sending {
		return api.ActionSend
	}
	return api.ActionRecv
}

// room reports how many more bytes may be requested in the current leg
// before the direction must flip.
func (p *pushPullSplit) room() int {
	return p.window.Free()
}

func (p *pushPullSplit) advance(n int) {
	if n <= 0 {
		return
	}
	_, _ = p.window.Write(make([]byte, n))
}
