// Package interrupt provides the single-slot signal used to wake a
// connection loop out of an idle wait.
package interrupt

import "github.com/nhle/verimail/internal/model"

// Info describes why a loop was woken.
type Info struct {
	// ProbeNetwork asks the loop to retry network operations now,
	// ignoring any backoff.
	ProbeNetwork bool

	// MsgID, when non-zero, names a message whose outbound job became
	// ready and should be picked first.
	MsgID model.MsgID
}

// Channel is a single-slot interrupt channel. Sends never block: when
// the slot is occupied the new value is dropped, since the pending
// value already guarantees the receiver wakes up.
type Channel struct {
	ch chan Info
}

// NewChannel returns an empty interrupt channel.
func NewChannel() *Channel {
	return &Channel{ch: make(chan Info, 1)}
}

// Send delivers info without blocking. It reports whether the value was
// queued.
func (c *Channel) Send(info Info) bool {
	select {
	case c.ch <- info:
		return true
	default:
		return false
	}
}

// C returns the receive side.
func (c *Channel) C() <-chan Info {
	return c.ch
}

// Drain discards a pending value, if any.
func (c *Channel) Drain() {
	select {
	case <-c.ch:
	default:
	}
}
