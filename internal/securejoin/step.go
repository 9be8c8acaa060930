package securejoin

import "fmt"

// Variant selects between joining a contact and joining a group.
type Variant int

const (
	VerifyContact Variant = iota + 1
	VerifyGroup
)

func (v Variant) prefix() string {
	if v == VerifyGroup {
		return "vg"
	}
	return "vc"
}

// Kind is the position of a message within the handshake.
type Kind int

const (
	// KindRequest opens the handshake (joiner to inviter).
	KindRequest Kind = iota + 1
	// KindAuthRequired asks the joiner to authenticate (inviter to joiner).
	KindAuthRequired
	// KindRequestWithAuth carries the auth secret and the joiner's
	// fingerprint (joiner to inviter).
	KindRequestWithAuth
	// KindContactConfirm confirms the verification; for groups this is
	// the member-added message (inviter to joiner).
	KindContactConfirm
	// KindContactConfirmReceived acknowledges the confirmation (joiner
	// to inviter).
	KindContactConfirmReceived
)

// Step is a handshake message type. The zero Step is invalid.
type Step struct {
	Variant Variant
	Kind    Kind
}

var stepNames = map[Step]string{
	{VerifyContact, KindRequest}:                "vc-request",
	{VerifyContact, KindAuthRequired}:           "vc-auth-required",
	{VerifyContact, KindRequestWithAuth}:        "vc-request-with-auth",
	{VerifyContact, KindContactConfirm}:         "vc-contact-confirm",
	{VerifyContact, KindContactConfirmReceived}: "vc-contact-confirm-received",
	{VerifyGroup, KindRequest}:                  "vg-request",
	{VerifyGroup, KindAuthRequired}:             "vg-auth-required",
	{VerifyGroup, KindRequestWithAuth}:          "vg-request-with-auth",
	{VerifyGroup, KindContactConfirm}:           "vg-member-added",
	{VerifyGroup, KindContactConfirmReceived}:   "vg-member-added-received",
}

var stepsByName = func() map[string]Step {
	m := make(map[string]Step, len(stepNames))
	for step, name := range stepNames {
		m[name] = step
	}
	return m
}()

// ParseStep decodes a Secure-Join header value. It reports false for
// values that are not a known step.
func ParseStep(s string) (Step, bool) {
	step, ok := stepsByName[s]
	return step, ok
}

// String returns the wire name of the step.
func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d,%d)", int(s.Variant), int(s.Kind))
}

// IsGroup reports whether the step belongs to a group join.
func (s Step) IsGroup() bool { return s.Variant == VerifyGroup }

// with returns the step of the same variant with kind k.
func (s Step) with(k Kind) Step { return Step{Variant: s.Variant, Kind: k} }

// Outcome tells the ingestion pipeline what to do with a handshake
// message after it was handled.
type Outcome int

const (
	// Done means the message is fully handled and can be deleted.
	Done Outcome = iota + 1
	// Ignore means the message is stored hidden but not deleted. Other
	// devices of the same account may still need it.
	Ignore
	// Propagate means the message continues through normal ingestion.
	Propagate
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Ignore:
		return "ignore"
	case Propagate:
		return "propagate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Progress is a handshake progress value: 0 is failure, 1000 success,
// anything between is intermediate.
type Progress int

const (
	ProgressFailed  Progress = 0
	ProgressSuccess Progress = 1000
)

// NewProgress returns v as a Progress. It panics when v is outside
// 0..1000.
func NewProgress(v int) Progress {
	if v < 0 || v > 1000 {
		panic(fmt.Sprintf("securejoin: progress %d out of range 0..1000", v))
	}
	return Progress(v)
}
