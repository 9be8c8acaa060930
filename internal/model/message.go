package model

import (
	"strconv"
	"time"
)

// Param is the key of a message parameter.
type Param string

const (
	ParamCmd            Param = "S"
	ParamArg            Param = "E"
	ParamArg2           Param = "F"
	ParamArg3           Param = "G"
	ParamArg4           Param = "H"
	ParamForcePlaintext Param = "u"
	ParamGuaranteeE2ee  Param = "c"
	ParamGroupID        Param = "g"
)

// SystemMessage classifies hidden or informational messages.
type SystemMessage int

const (
	SystemMessageUnknown            SystemMessage = 0
	SystemMessageMemberAddedToGroup SystemMessage = 4
	SystemMessageSecurejoinMessage  SystemMessage = 7
)

// ForcePlaintext values for ParamForcePlaintext.
const (
	ForcePlaintextAddAutocryptHeader = 1
	ForcePlaintextNoAutocryptHeader  = 2
)

// MessageState is the delivery state of a message.
type MessageState int

const (
	StateUndefined    MessageState = 0
	StateInFresh      MessageState = 10
	StateInSeen       MessageState = 16
	StateOutPending   MessageState = 20
	StateOutFailed    MessageState = 24
	StateOutDelivered MessageState = 26
)

// Params holds string-keyed message parameters.
type Params map[Param]string

// Get returns the value for key, or "" when unset.
func (p Params) Get(key Param) string {
	return p[key]
}

// Set stores value under key. The map must be non-nil.
func (p Params) Set(key Param, value string) {
	p[key] = value
}

// SetInt stores an integer value under key.
func (p Params) SetInt(key Param, value int) {
	p[key] = strconv.Itoa(value)
}

// Int returns the integer value for key, or 0 when unset or malformed.
func (p Params) Int(key Param) int {
	n, err := strconv.Atoi(p[key])
	if err != nil {
		return 0
	}
	return n
}

// Remove deletes key.
func (p Params) Remove(key Param) {
	delete(p, key)
}

// Cmd returns the system message classification.
func (p Params) Cmd() SystemMessage {
	return SystemMessage(p.Int(ParamCmd))
}

// SetCmd sets the system message classification.
func (p Params) SetCmd(cmd SystemMessage) {
	p.SetInt(ParamCmd, int(cmd))
}

// Message is a chat message, either incoming or outgoing.
type Message struct {
	ID        MsgID
	ChatID    ChatID
	FromID    ContactID
	ToID      ContactID
	Text      string
	Hidden    bool
	State     MessageState
	Params    Params
	RFC724MID string
	// ServerFolder and ServerUID locate an incoming message on IMAP.
	ServerFolder string
	ServerUID    uint32
	Timestamp    time.Time
}

// NewMessage returns an empty text message with initialized params.
func NewMessage(text string) *Message {
	return &Message{
		Text:   text,
		Params: make(Params),
	}
}
