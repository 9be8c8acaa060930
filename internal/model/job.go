package model

import (
	"fmt"
	"time"
)

// Thread selects which connection loop executes a job.
type Thread int

const (
	ThreadIMAP Thread = 100
	ThreadSMTP Thread = 5000
)

func (t Thread) String() string {
	switch t {
	case ThreadIMAP:
		return "imap"
	case ThreadSMTP:
		return "smtp"
	default:
		return fmt.Sprintf("thread(%d)", int(t))
	}
}

// Action is the kind of work a job performs. The thread is derived
// from the action's range.
type Action int

const (
	ActionMarkseenMsgOnIMAP Action = 130
	ActionDeleteMsgOnIMAP   Action = 110
	ActionSendMsgToSMTP     Action = 5901
)

// Thread returns the loop responsible for the action.
func (a Action) Thread() Thread {
	if a >= Action(ThreadSMTP) {
		return ThreadSMTP
	}
	return ThreadIMAP
}

func (a Action) String() string {
	switch a {
	case ActionMarkseenMsgOnIMAP:
		return "markseen-msg-on-imap"
	case ActionDeleteMsgOnIMAP:
		return "delete-msg-on-imap"
	case ActionSendMsgToSMTP:
		return "send-msg-to-smtp"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Job is a durable unit of work executed by a connection loop.
type Job struct {
	ID        int64
	Action    Action
	ForeignID uint32
	Params    Params
	Tries     int
	AddedAt   time.Time
	DesiredAt time.Time
}

func (j *Job) String() string {
	return fmt.Sprintf("#%d %s foreign=%d tries=%d", j.ID, j.Action, j.ForeignID, j.Tries)
}

// TokenNamespace scopes handshake tokens.
type TokenNamespace int

const (
	TokenInviteNumber TokenNamespace = 100
	TokenAuth         TokenNamespace = 110
)
