// Package events delivers engine notifications to an observer.
package events

import (
	"fmt"

	"github.com/nhle/verimail/internal/model"
)

// Kind identifies an event.
type Kind int

const (
	MsgsChanged Kind = iota + 1
	ChatModified
	ContactsChanged
	SecurejoinInviterProgress
	SecurejoinJoinerProgress
	Info
	Warning
)

func (k Kind) String() string {
	switch k {
	case MsgsChanged:
		return "msgs-changed"
	case ChatModified:
		return "chat-modified"
	case ContactsChanged:
		return "contacts-changed"
	case SecurejoinInviterProgress:
		return "securejoin-inviter-progress"
	case SecurejoinJoinerProgress:
		return "securejoin-joiner-progress"
	case Info:
		return "info"
	case Warning:
		return "warning"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one notification. Which fields are set depends on Kind.
type Event struct {
	Kind      Kind
	ChatID    model.ChatID
	MsgID     model.MsgID
	ContactID model.ContactID
	Progress  int
	Text      string
}

// Sink receives events.
type Sink interface {
	Emit(ev Event)
}

// Emitter is a Sink backed by a buffered channel. Emit never blocks;
// events are dropped when the buffer is full.
type Emitter struct {
	ch chan Event
}

// NewEmitter returns an Emitter buffering up to size events.
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = 1
	}
	return &Emitter{ch: make(chan Event, size)}
}

// Emit queues ev.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
	}
}

// C returns the receive side.
func (e *Emitter) C() <-chan Event {
	return e.ch
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}
