package mailmsg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Decrypter decrypts an armored PGP payload and returns the plaintext
// and the fingerprints of valid signatures.
type Decrypter interface {
	Decrypt(ctx context.Context, armored []byte) ([]byte, map[string]bool, error)
}

// Parsed is an incoming message with its headers and text body. For an
// encrypted message the headers of the encrypted part take precedence
// and protected headers of the outer part are ignored.
type Parsed struct {
	From       *mail.Address
	To         []*mail.Address
	MessageID  string
	Subject    string
	Date       time.Time
	Text       string
	DecryptErr error

	headers    map[string]string
	encrypted  bool
	signatures map[string]bool
}

// Get returns the first value of the named header.
func (p *Parsed) Get(name string) (string, bool) {
	v, ok := p.headers[textproto.CanonicalMIMEHeaderKey(name)]
	return v, ok
}

// WasEncrypted reports whether the message arrived encrypted and was
// decrypted successfully.
func (p *Parsed) WasEncrypted() bool { return p.encrypted }

// Signed reports whether at least one valid signature was found.
func (p *Parsed) Signed() bool { return len(p.signatures) > 0 }

// SignedBy reports whether a valid signature from fingerprint was found.
func (p *Parsed) SignedBy(fingerprint string) bool {
	return p.signatures[fingerprint]
}

// Signatures returns the fingerprints of valid signatures.
func (p *Parsed) Signatures() []string {
	out := make([]string, 0, len(p.signatures))
	for fp := range p.signatures {
		out = append(out, fp)
	}
	return out
}

// Parse reads an RFC 5322 message. PGP/MIME messages are decrypted
// with dec when it is non-nil; a decryption failure is recorded in
// DecryptErr and the outer message is returned.
func Parse(ctx context.Context, raw []byte, dec Decrypter) (*Parsed, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	mh := mail.Header{Header: e.Header}
	p := &Parsed{
		headers:    make(map[string]string),
		signatures: make(map[string]bool),
	}
	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		p.From = from[0]
	}
	p.To, _ = mh.AddressList("To")
	p.MessageID, _ = mh.MessageID()
	p.Subject, _ = mh.Subject()
	p.Date, _ = mh.Date()

	ct, params, _ := e.Header.ContentType()
	if ct == "multipart/encrypted" && params["protocol"] == "application/pgp-encrypted" && dec != nil {
		inner, signers, err := decryptPart(ctx, e, dec)
		if err != nil {
			p.DecryptErr = err
			collectHeaders(p.headers, e.Header, true)
			return p, nil
		}
		p.encrypted = true
		p.signatures = signers

		// Inner headers first so they win over outer ones.
		collectHeaders(p.headers, inner.Header, false)
		collectHeaders(p.headers, e.Header, true)
		if subj, err := inner.Header.Text("Subject"); err == nil && subj != "" {
			p.Subject = subj
		}
		p.Text, err = textBody(inner)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	collectHeaders(p.headers, e.Header, false)
	// A fingerprint is only trusted from inside an encrypted part.
	delete(p.headers, textproto.CanonicalMIMEHeaderKey(HeaderSecureJoinFingerprint))
	p.Text, err = textBody(e)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// collectHeaders adds the first value of every field not yet present.
func collectHeaders(dst map[string]string, h message.Header, skipProtected bool) {
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, ok := dst[key]; ok {
			continue
		}
		if skipProtected && isProtected(key) {
			continue
		}
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		dst[key] = strings.TrimSpace(v)
	}
}

func decryptPart(ctx context.Context, e *message.Entity, dec Decrypter) (*message.Entity, map[string]bool, error) {
	mr := e.MultipartReader()
	if mr == nil {
		return nil, nil, errors.New("encrypted message is not multipart")
	}

	var payload []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading encrypted part: %w", err)
		}
		ct, _, _ := part.Header.ContentType()
		if ct != "application/octet-stream" {
			continue
		}
		payload, err = io.ReadAll(part.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("reading encrypted payload: %w", err)
		}
		break
	}
	if len(payload) == 0 {
		return nil, nil, errors.New("encrypted message has no payload")
	}

	plain, signers, err := dec.Decrypt(ctx, payload)
	if err != nil {
		return nil, nil, err
	}
	inner, err := message.Read(bytes.NewReader(plain))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, nil, fmt.Errorf("reading decrypted message: %w", err)
	}
	return inner, signers, nil
}

// textBody returns the first text/plain body of e.
func textBody(e *message.Entity) (string, error) {
	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			if err != nil {
				return "", fmt.Errorf("reading part: %w", err)
			}
			text, err := textBody(part)
			if err != nil {
				return "", err
			}
			if text != "" {
				return text, nil
			}
		}
	}

	ct, _, _ := e.Header.ContentType()
	if ct != "" && ct != "text/plain" {
		return "", nil
	}
	body, err := io.ReadAll(e.Body)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	return strings.TrimRight(string(body), "\r\n"), nil
}
