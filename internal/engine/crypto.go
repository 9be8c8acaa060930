package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/openpgp"

	"github.com/nhle/verimail/internal/account"
	"github.com/nhle/verimail/internal/e2ee"
	"github.com/nhle/verimail/internal/mailmsg"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
)

// peerKeys returns the parsed keys of ps, most trusted first.
func peerKeys(ps *model.Peerstate) []*openpgp.Entity {
	var out []*openpgp.Entity
	seen := make(map[string]bool)
	for _, data := range [][]byte{ps.VerifiedKey, ps.PublicKey, ps.GossipKey} {
		if len(data) == 0 {
			continue
		}
		e, err := e2ee.ParsePublicKey(data)
		if err != nil {
			continue
		}
		fp := e2ee.Fingerprint(e)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, e)
	}
	return out
}

// decrypter opens mail addressed to this account and checks signatures
// against the keys known for the sender.
type decrypter struct {
	e      *Engine
	sender string
}

func (d decrypter) Decrypt(ctx context.Context, armored []byte) ([]byte, map[string]bool, error) {
	self, err := d.e.keys.SelfEntity(ctx)
	if err != nil {
		return nil, nil, err
	}
	keyring := openpgp.EntityList{self}
	if ps, err := d.e.store.GetPeerstateByAddr(ctx, d.sender); err == nil {
		keyring = append(keyring, peerKeys(ps)...)
	}

	out, err := e2ee.DecryptAndVerify(armored, keyring)
	if err != nil {
		return nil, nil, err
	}
	return out.Plaintext, out.Signers, nil
}

// encrypter encrypts to a fixed set of recipient keys plus the self key
// and signs with the self key.
type encrypter struct {
	self       *openpgp.Entity
	recipients []*openpgp.Entity
}

func (x encrypter) Encrypt(_ context.Context, plain []byte) ([]byte, error) {
	return e2ee.EncryptAndSign(plain, append([]*openpgp.Entity{x.self}, x.recipients...), x.self)
}

// recipientKeys returns one key per address: the verified key when
// verified is set, the Autocrypt or gossip key otherwise. It reports
// false when any address has no such key.
func (e *Engine) recipientKeys(ctx context.Context, addrs []string, verified bool) ([]*openpgp.Entity, bool, error) {
	keys := make([]*openpgp.Entity, 0, len(addrs))
	for _, addr := range addrs {
		ps, err := e.store.GetPeerstateByAddr(ctx, addr)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		candidates := [][]byte{ps.PublicKey, ps.GossipKey}
		if verified {
			candidates = [][]byte{ps.VerifiedKey}
		}
		var key *openpgp.Entity
		for _, data := range candidates {
			if len(data) == 0 {
				continue
			}
			if key, err = e2ee.ParsePublicKey(data); err == nil {
				break
			}
		}
		if key == nil {
			return nil, false, nil
		}
		keys = append(keys, key)
	}
	return keys, true, nil
}

// autocryptHeader returns the Autocrypt header announcing the self key.
func (e *Engine) autocryptHeader(ctx context.Context, addr string) (string, error) {
	pub, err := e.keys.SelfPublicKey(ctx)
	if err != nil {
		return "", err
	}
	return e2ee.Autocrypt{Addr: addr, PreferEncrypt: model.EncryptMutual, KeyData: pub}.String(), nil
}

// applyAutocrypt records the key announced in the Autocrypt header of
// a message from addr. When the key replaces a verified one, the chat
// with the peer gets a notice.
func (e *Engine) applyAutocrypt(ctx context.Context, addr string, msg *mailmsg.Parsed) error {
	value, ok := msg.Get(mailmsg.HeaderAutocrypt)
	if !ok {
		return nil
	}
	log := e.log.WithFields(logrus.Fields{"function": "applyAutocrypt", "addr": addr})

	ac, err := e2ee.ParseAutocrypt(value)
	if err != nil {
		return err
	}
	if !account.AddrEqual(ac.Addr, addr) {
		log.WithField("autocrypt_addr", ac.Addr).Warn("Autocrypt address does not match sender")
		return nil
	}
	key, err := e2ee.ParsePublicKey(ac.KeyData)
	if err != nil {
		return err
	}
	fp := e2ee.Fingerprint(key)

	ps, err := e.store.GetPeerstateByAddr(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		ps, err = &model.Peerstate{Addr: addr}, nil
	}
	if err != nil {
		return fmt.Errorf("loading peerstate of %s: %w", addr, err)
	}

	degraded := ps.VerifiedKeyFingerprint != "" &&
		ps.PublicKeyFingerprint == ps.VerifiedKeyFingerprint &&
		fp != ps.VerifiedKeyFingerprint

	seen := msg.Date
	if seen.IsZero() || seen.After(time.Now()) {
		seen = time.Now()
	}
	if seen.Before(ps.LastSeenAutocrypt) {
		log.Debug("Ignoring older Autocrypt header")
		return nil
	}
	ps.PublicKey = ac.KeyData
	ps.PublicKeyFingerprint = fp
	ps.PreferEncrypt = ac.PreferEncrypt
	ps.LastSeen = seen
	ps.LastSeenAutocrypt = seen
	if err := e.store.SavePeerstate(ctx, ps); err != nil {
		return fmt.Errorf("saving peerstate of %s: %w", addr, err)
	}

	if degraded {
		log.WithField("fingerprint", fp).Warn("Verified key replaced")
		if err := e.sj.HandleDegrade(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}
