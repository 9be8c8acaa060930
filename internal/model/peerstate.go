package model

import (
	"strings"
	"time"
)

// EncryptPreference is the Autocrypt prefer-encrypt setting of a peer.
type EncryptPreference int

const (
	EncryptNoPreference EncryptPreference = 0
	EncryptMutual       EncryptPreference = 1
	EncryptReset        EncryptPreference = 20
)

// PeerstateKeyType selects which of a peer's keys an operation refers to.
type PeerstateKeyType int

const (
	KeyTypeGossip PeerstateKeyType = iota
	KeyTypePublic
)

// Peerstate is the cryptographic state known about one peer address.
type Peerstate struct {
	Addr                   string
	LastSeen               time.Time
	LastSeenAutocrypt      time.Time
	PreferEncrypt          EncryptPreference
	PublicKey              []byte
	PublicKeyFingerprint   string
	GossipKey              []byte
	GossipKeyFingerprint   string
	GossipTimestamp        time.Time
	VerifiedKey            []byte
	VerifiedKeyFingerprint string
}

// SetVerified marks the key of the given type as verified if its
// fingerprint equals fingerprint. It reports whether anything changed.
// Only BidirectVerified is recorded; lower levels are rejected.
func (p *Peerstate) SetVerified(keyType PeerstateKeyType, fingerprint string, status VerifiedStatus) bool {
	if status != BidirectVerified {
		return false
	}
	fingerprint = NormalizeFingerprint(fingerprint)
	if fingerprint == "" {
		return false
	}

	switch keyType {
	case KeyTypePublic:
		if p.PublicKeyFingerprint != "" && p.PublicKeyFingerprint == fingerprint {
			p.VerifiedKey = p.PublicKey
			p.VerifiedKeyFingerprint = p.PublicKeyFingerprint
			return true
		}
	case KeyTypeGossip:
		if p.GossipKeyFingerprint != "" && p.GossipKeyFingerprint == fingerprint {
			p.VerifiedKey = p.GossipKey
			p.VerifiedKeyFingerprint = p.GossipKeyFingerprint
			return true
		}
	}
	return false
}

// VerifiedStatus returns how far the peer's key has been verified.
func (p *Peerstate) VerifiedStatus() VerifiedStatus {
	if p.VerifiedKeyFingerprint != "" {
		return BidirectVerified
	}
	return Unverified
}

// NormalizeFingerprint uppercases a fingerprint and strips everything
// that is not a hex digit, so "ab cd:EF" becomes "ABCDEF".
func NormalizeFingerprint(fp string) string {
	var b strings.Builder
	b.Grow(len(fp))
	for _, r := range strings.ToUpper(fp) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
