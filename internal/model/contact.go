package model

// Origin records how a contact became known. Higher values win when a
// contact is seen again through a different path.
type Origin int

const (
	OriginUnknown             Origin = 0
	OriginIncomingUnknownFrom Origin = 0x10
	OriginIncomingUnknownTo   Origin = 0x40
	OriginUnhandledQrScan     Origin = 0x80
	OriginIncomingReplyTo     Origin = 0x100
	OriginOutgoingTo          Origin = 0x800
	OriginSecurejoinInvited   Origin = 0x1000000
	OriginSecurejoinJoined    Origin = 0x2000000
	OriginManuallyCreated     Origin = 0x4000000
)

// Blocked describes whether a chat or contact is blocked.
type Blocked int

const (
	BlockedNot      Blocked = 0
	BlockedManually Blocked = 1
	BlockedDeaddrop Blocked = 2
)

// VerifiedStatus is the trust level of a contact's key.
type VerifiedStatus int

const (
	Unverified       VerifiedStatus = 0
	Verified         VerifiedStatus = 1
	BidirectVerified VerifiedStatus = 2
)

// Contact is a known address.
type Contact struct {
	ID      ContactID `db:"id"`
	Name    string    `db:"name"`
	Addr    string    `db:"addr"`
	Origin  Origin    `db:"origin"`
	Blocked bool      `db:"blocked"`
}
