package e2ee

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	// Keys without hash preferences only offer RIPEMD160.
	_ "golang.org/x/crypto/ripemd160"
)

// ErrNoRecipients is returned when encrypting to nobody.
var ErrNoRecipients = errors.New("no recipient keys")

// Decrypted is the result of DecryptAndVerify.
type Decrypted struct {
	Plaintext []byte

	// Signers holds the primary key fingerprints of valid signatures.
	Signers map[string]bool
}

// EncryptAndSign encrypts plaintext to recipients, signs it with signer
// and returns an ASCII-armored PGP message.
func EncryptAndSign(plaintext []byte, recipients []*openpgp.Entity, signer *openpgp.Entity) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("armoring message: %w", err)
	}
	w, err := openpgp.Encrypt(aw, recipients, signer, &openpgp.FileHints{IsBinary: true}, pgpConfig(0))
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("armoring message: %w", err)
	}
	return buf.Bytes(), nil
}

// DecryptAndVerify decrypts an armored PGP message with the private keys
// in keyring and checks its signature against the public keys there.
// An unsigned or badly signed message decrypts with no signers.
func DecryptAndVerify(armored []byte, keyring openpgp.EntityList) (*Decrypted, error) {
	block, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("decoding armor: %w", err)
	}
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting message: %w", err)
	}
	if !md.IsEncrypted {
		return nil, errors.New("decrypting message: not encrypted")
	}

	// The signature is only checked once the body is fully read.
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted body: %w", err)
	}

	out := &Decrypted{Plaintext: plain, Signers: make(map[string]bool)}
	if md.IsSigned && md.SignedBy != nil && md.SignatureError == nil && md.SignedBy.Entity != nil {
		out.Signers[Fingerprint(md.SignedBy.Entity)] = true
	}
	return out, nil
}
