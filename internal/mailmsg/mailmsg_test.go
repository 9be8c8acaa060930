package mailmsg

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCrypt base64-encodes instead of encrypting.
type fakeCrypt struct {
	signers map[string]bool
	fail    bool
}

func (f fakeCrypt) Encrypt(_ context.Context, plain []byte) ([]byte, error) {
	return []byte("-----BEGIN FAKE-----\r\n" + base64.StdEncoding.EncodeToString(plain) + "\r\n-----END FAKE-----\r\n"), nil
}

func (f fakeCrypt) Decrypt(_ context.Context, armored []byte) ([]byte, map[string]bool, error) {
	if f.fail {
		return nil, nil, errors.New("no key")
	}
	lines := strings.Split(strings.TrimSpace(string(armored)), "\n")
	body := strings.TrimSpace(lines[1])
	plain, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, nil, err
	}
	return plain, f.signers, nil
}

func testOutgoing() Outgoing {
	return Outgoing{
		From:      mail.Address{Name: "Bob", Address: "bob@example.net"},
		To:        []mail.Address{{Address: "alice@example.org"}},
		Subject:   "Secure-Join: vc-request-with-auth",
		MessageID: "abc123@example.net",
		Headers: []Header{
			{Key: HeaderSecureJoin, Value: "vc-request-with-auth"},
			{Key: HeaderSecureJoinAuth, Value: "s3cret"},
			{Key: HeaderSecureJoinFingerprint, Value: "ABCDEF"},
		},
		Autocrypt: "addr=bob@example.net; keydata=AAAA",
		Text:      "Secure-Join: vc-request-with-auth",
	}
}

func TestRenderParsePlaintext(t *testing.T) {
	ctx := context.Background()
	raw, err := Render(ctx, testOutgoing(), nil)
	require.NoError(t, err)

	p, err := Parse(ctx, raw, nil)
	require.NoError(t, err)
	assert.False(t, p.WasEncrypted())
	assert.False(t, p.Signed())
	require.NotNil(t, p.From)
	assert.Equal(t, "bob@example.net", p.From.Address)
	assert.Equal(t, "abc123@example.net", p.MessageID)
	assert.Equal(t, "Secure-Join: vc-request-with-auth", p.Text)

	step, ok := p.Get("secure-join")
	assert.True(t, ok)
	assert.Equal(t, "vc-request-with-auth", step)

	auth, ok := p.Get(HeaderSecureJoinAuth)
	assert.True(t, ok)
	assert.Equal(t, "s3cret", auth)

	_, ok = p.Get(HeaderSecureJoinFingerprint)
	assert.False(t, ok, "fingerprint must not be taken from plaintext")

	ac, ok := p.Get(HeaderAutocrypt)
	assert.True(t, ok)
	assert.Contains(t, ac, "addr=bob@example.net")
}

func TestRenderParseEncrypted(t *testing.T) {
	ctx := context.Background()
	crypt := fakeCrypt{signers: map[string]bool{"ABCDEF": true}}

	raw, err := Render(ctx, testOutgoing(), crypt)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")
	assert.Contains(t, string(raw), "multipart/encrypted")

	p, err := Parse(ctx, raw, crypt)
	require.NoError(t, err)
	require.NoError(t, p.DecryptErr)
	assert.True(t, p.WasEncrypted())
	assert.True(t, p.Signed())
	assert.True(t, p.SignedBy("ABCDEF"))
	assert.False(t, p.SignedBy("123456"))
	assert.Equal(t, "Secure-Join: vc-request-with-auth", p.Subject)
	assert.Equal(t, "Secure-Join: vc-request-with-auth", p.Text)

	auth, ok := p.Get(HeaderSecureJoinAuth)
	assert.True(t, ok)
	assert.Equal(t, "s3cret", auth)
}

func TestEncryptedIgnoresOuterProtectedHeaders(t *testing.T) {
	ctx := context.Background()
	crypt := fakeCrypt{signers: map[string]bool{"ABCDEF": true}}

	out := testOutgoing()
	out.Headers = nil
	raw, err := Render(ctx, out, crypt)
	require.NoError(t, err)

	// Inject a handshake header into the unencrypted outer part.
	raw = append([]byte("Secure-Join: vc-contact-confirm\r\n"), raw...)

	p, err := Parse(ctx, raw, crypt)
	require.NoError(t, err)
	assert.True(t, p.WasEncrypted())
	_, ok := p.Get(HeaderSecureJoin)
	assert.False(t, ok)
}

func TestDecryptFailureKeepsOuter(t *testing.T) {
	ctx := context.Background()
	raw, err := Render(ctx, testOutgoing(), fakeCrypt{})
	require.NoError(t, err)

	p, err := Parse(ctx, raw, fakeCrypt{fail: true})
	require.NoError(t, err)
	assert.Error(t, p.DecryptErr)
	assert.False(t, p.WasEncrypted())
	_, ok := p.Get(HeaderSecureJoin)
	assert.False(t, ok)
	assert.Equal(t, "bob@example.net", p.From.Address)
}

func TestParseMultipartAlternative(t *testing.T) {
	raw := strings.Join([]string{
		"From: carol@example.com",
		"To: alice@example.org",
		"Subject: hi",
		"Message-ID: <m1@example.com>",
		"Content-Type: multipart/alternative; boundary=XYZ",
		"",
		"--XYZ",
		"Content-Type: text/html",
		"",
		"<p>hello</p>",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"hello",
		"--XYZ--",
		"",
	}, "\r\n")

	p, err := Parse(context.Background(), bytes.NewBufferString(raw).Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "m1@example.com", p.MessageID)
	assert.Equal(t, "hi", p.Subject)
}
