package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abcdef0123", "ABCDEF0123"},
		{"AB CD:ef 12", "ABCDEF12"},
		{"xyz", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeFingerprint(tt.in), tt.in)
	}
}

func TestPeerstateSetVerified(t *testing.T) {
	ps := &Peerstate{
		Addr:                 "bob@example.net",
		PublicKey:            []byte("pub"),
		PublicKeyFingerprint: "AABB",
		GossipKey:            []byte("gossip"),
		GossipKeyFingerprint: "CCDD",
	}

	assert.False(t, ps.SetVerified(KeyTypePublic, "CCDD", BidirectVerified), "fingerprint of another key")
	assert.False(t, ps.SetVerified(KeyTypePublic, "AABB", Verified), "only bidirectional verification is recorded")
	assert.Equal(t, Unverified, ps.VerifiedStatus())

	assert.True(t, ps.SetVerified(KeyTypePublic, "aa bb", BidirectVerified))
	assert.Equal(t, BidirectVerified, ps.VerifiedStatus())
	assert.Equal(t, []byte("pub"), ps.VerifiedKey)

	assert.True(t, ps.SetVerified(KeyTypeGossip, "CCDD", BidirectVerified))
	assert.Equal(t, "CCDD", ps.VerifiedKeyFingerprint)
}
