// Package e2ee wraps the OpenPGP primitives used for end-to-end
// encryption: the self keypair, fingerprints, encrypt+sign and
// decrypt+verify.
package e2ee

import (
	"bytes"
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/nhle/verimail/internal/store"
)

// DefaultRSABits is the size of generated keys.
const DefaultRSABits = 2048

// pgpConfig returns the algorithms used for generated keys and outgoing
// messages. They end up as the preferences in the key self-signature.
func pgpConfig(bits int) *packet.Config {
	return &packet.Config{
		DefaultHash:   crypto.SHA256,
		DefaultCipher: packet.CipherAES128,
		RSABits:       bits,
	}
}

// KeyStore persists the armored self keypair.
type KeyStore interface {
	GetSelfKey(ctx context.Context, addr string) ([]byte, error)
	SaveSelfKey(ctx context.Context, addr string, armoredPrivate []byte) error
}

// AddrSource returns the configured self address.
type AddrSource interface {
	ConfiguredAddr(ctx context.Context) (string, error)
	DisplayName(ctx context.Context) (string, error)
}

// Keys loads, and on first use generates, the self keypair.
type Keys struct {
	store   KeyStore
	account AddrSource
	bits    int

	mu     sync.Mutex
	addr   string
	entity *openpgp.Entity
}

// NewKeys returns a key manager. bits <= 0 selects DefaultRSABits.
func NewKeys(ks KeyStore, account AddrSource, bits int) *Keys {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	return &Keys{store: ks, account: account, bits: bits}
}

// SelfEntity returns the self keypair, generating and storing it when
// the configured address has none yet.
func (k *Keys) SelfEntity(ctx context.Context) (*openpgp.Entity, error) {
	addr, err := k.account.ConfiguredAddr(ctx)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.entity != nil && strings.EqualFold(k.addr, addr) {
		return k.entity, nil
	}

	armored, err := k.store.GetSelfKey(ctx, addr)
	switch {
	case err == nil:
		e, err := readArmoredPrivate(armored)
		if err != nil {
			return nil, fmt.Errorf("reading self key for %s: %w", addr, err)
		}
		k.addr, k.entity = addr, e
		return e, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading self key: %w", err)
	}

	name, err := k.account.DisplayName(ctx)
	if err != nil {
		return nil, err
	}
	// User ids may not contain these characters.
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune("()<>\x00", r) {
			return -1
		}
		return r
	}, name)
	e, err := openpgp.NewEntity(name, "", addr, pgpConfig(k.bits))
	if err != nil {
		return nil, fmt.Errorf("generating key for %s: %w", addr, err)
	}
	armored, err = armorPrivate(e)
	if err != nil {
		return nil, err
	}
	if err := k.store.SaveSelfKey(ctx, addr, armored); err != nil {
		return nil, fmt.Errorf("saving self key: %w", err)
	}
	k.addr, k.entity = addr, e
	return e, nil
}

// EnsureSecretKey makes sure a self keypair exists.
func (k *Keys) EnsureSecretKey(ctx context.Context) error {
	_, err := k.SelfEntity(ctx)
	return err
}

// SelfFingerprint returns the fingerprint of the self key.
func (k *Keys) SelfFingerprint(ctx context.Context) (string, error) {
	e, err := k.SelfEntity(ctx)
	if err != nil {
		return "", err
	}
	return Fingerprint(e), nil
}

// SelfPublicKey returns the binary serialized public self key.
func (k *Keys) SelfPublicKey(ctx context.Context) ([]byte, error) {
	e, err := k.SelfEntity(ctx)
	if err != nil {
		return nil, err
	}
	return SerializePublic(e)
}

// Fingerprint returns the uppercase hex v4 fingerprint of e's primary key.
func Fingerprint(e *openpgp.Entity) string {
	fp := e.PrimaryKey.Fingerprint
	return strings.ToUpper(hex.EncodeToString(fp[:]))
}

// SerializePublic returns the binary transferable public key of e.
func SerializePublic(e *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serializing public key: %w", err)
	}
	return buf.Bytes(), nil
}

// ParsePublicKey reads a binary transferable public key.
func ParsePublicKey(data []byte) (*openpgp.Entity, error) {
	list, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(list) == 0 {
		return nil, errors.New("parsing public key: empty key ring")
	}
	return list[0], nil
}

func armorPrivate(e *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		return nil, fmt.Errorf("armoring private key: %w", err)
	}
	if err := e.SerializePrivate(w, nil); err != nil {
		return nil, fmt.Errorf("serializing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("armoring private key: %w", err)
	}
	return buf.Bytes(), nil
}

func readArmoredPrivate(data []byte) (*openpgp.Entity, error) {
	list, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 || list[0].PrivateKey == nil {
		return nil, errors.New("no private key in key ring")
	}
	return list[0], nil
}
