package scheduler

import (
	"sync"

	"github.com/nhle/verimail/internal/interrupt"
)

// connState is the caller-side handle of one connection loop. It owns
// the stop signal, the shutdown acknowledgment and the idle interrupt
// channel; the loop side receives them through connHandlers.
type connState struct {
	name     string
	stopCh   chan struct{}
	ackCh    chan struct{}
	idle     *interrupt.Channel
	stopOnce sync.Once
}

// connHandlers is the loop-side view of a connState.
type connHandlers struct {
	name string
	stop <-chan struct{}
	ack  chan<- struct{}
	idle *interrupt.Channel
}

func newConnState(name string) *connState {
	return &connState{
		name:   name,
		stopCh: make(chan struct{}, 1),
		ackCh:  make(chan struct{}, 1),
		idle:   interrupt.NewChannel(),
	}
}

// interrupt wakes the loop's idle wait without blocking.
func (c *connState) interrupt(info interrupt.Info) {
	c.idle.Send(info)
}

// stop signals the loop to exit and blocks until it acknowledged.
// Repeated calls return immediately.
func (c *connState) stop() {
	c.stopOnce.Do(func() {
		c.stopCh <- struct{}{}
		<-c.ackCh
	})
}

func (c *connState) handlers() connHandlers {
	return connHandlers{
		name: c.name,
		stop: c.stopCh,
		ack:  c.ackCh,
		idle: c.idle,
	}
}
