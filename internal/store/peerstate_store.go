package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/verimail/internal/model"
)

const peerstateColumns = `addr, last_seen, last_seen_autocrypt, prefer_encrypted,
	public_key, public_key_fingerprint, gossip_timestamp, gossip_key,
	gossip_key_fingerprint, verified_key, verified_key_fingerprint`

// GetPeerstateByAddr loads the peerstate of an address, ignoring case.
func (s *SQLiteStore) GetPeerstateByAddr(ctx context.Context, addr string) (*model.Peerstate, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+peerstateColumns+" FROM acpeerstates WHERE addr = ?", strings.TrimSpace(addr),
	)
	ps, err := scanPeerstate(row)
	if err != nil {
		return nil, notFound(err, "getting peerstate %s", addr)
	}
	return ps, nil
}

// GetPeerstateByFingerprint loads the peerstate owning a key with the
// given fingerprint, matching public, gossip or verified keys.
func (s *SQLiteStore) GetPeerstateByFingerprint(ctx context.Context, fingerprint string) (*model.Peerstate, error) {
	fp := model.NormalizeFingerprint(fingerprint)
	if fp == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+peerstateColumns+` FROM acpeerstates
		WHERE public_key_fingerprint = ? OR gossip_key_fingerprint = ? OR verified_key_fingerprint = ?
		ORDER BY public_key_fingerprint = ? DESC LIMIT 1`,
		fp, fp, fp, fp,
	)
	ps, err := scanPeerstate(row)
	if err != nil {
		return nil, notFound(err, "getting peerstate by fingerprint %s", fp)
	}
	return ps, nil
}

// SavePeerstate inserts or replaces the peerstate keyed by address.
func (s *SQLiteStore) SavePeerstate(ctx context.Context, ps *model.Peerstate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acpeerstates (`+peerstateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET
			last_seen = excluded.last_seen,
			last_seen_autocrypt = excluded.last_seen_autocrypt,
			prefer_encrypted = excluded.prefer_encrypted,
			public_key = excluded.public_key,
			public_key_fingerprint = excluded.public_key_fingerprint,
			gossip_timestamp = excluded.gossip_timestamp,
			gossip_key = excluded.gossip_key,
			gossip_key_fingerprint = excluded.gossip_key_fingerprint,
			verified_key = excluded.verified_key,
			verified_key_fingerprint = excluded.verified_key_fingerprint`,
		strings.TrimSpace(ps.Addr), toUnix(ps.LastSeen), toUnix(ps.LastSeenAutocrypt), int(ps.PreferEncrypt),
		ps.PublicKey, model.NormalizeFingerprint(ps.PublicKeyFingerprint),
		toUnix(ps.GossipTimestamp), ps.GossipKey, model.NormalizeFingerprint(ps.GossipKeyFingerprint),
		ps.VerifiedKey, model.NormalizeFingerprint(ps.VerifiedKeyFingerprint),
	)
	if err != nil {
		return fmt.Errorf("saving peerstate %s: %w", ps.Addr, err)
	}
	return nil
}

func scanPeerstate(row rowScanner) (*model.Peerstate, error) {
	var (
		ps                               model.Peerstate
		lastSeen, lastSeenAC, gossipTime int64
		prefer                           int
	)
	err := row.Scan(
		&ps.Addr, &lastSeen, &lastSeenAC, &prefer,
		&ps.PublicKey, &ps.PublicKeyFingerprint, &gossipTime, &ps.GossipKey,
		&ps.GossipKeyFingerprint, &ps.VerifiedKey, &ps.VerifiedKeyFingerprint,
	)
	if err != nil {
		return nil, err
	}
	ps.LastSeen = fromUnix(lastSeen)
	ps.LastSeenAutocrypt = fromUnix(lastSeenAC)
	ps.GossipTimestamp = fromUnix(gossipTime)
	ps.PreferEncrypt = model.EncryptPreference(prefer)
	return &ps, nil
}
