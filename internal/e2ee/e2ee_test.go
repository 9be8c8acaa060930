package e2ee

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/nhle/verimail/internal/account"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/tests/testutil"
)

const testBits = 1024

func newTestKeys(t *testing.T, addr string) *Keys {
	t.Helper()
	s := testutil.NewTestStore(t)
	acc := account.New(s)
	require.NoError(t, acc.Configure(context.Background(), addr, ""))
	return NewKeys(s, acc, testBits)
}

func TestSelfKeyIsStable(t *testing.T) {
	s := testutil.NewTestStore(t)
	acc := account.New(s)
	ctx := context.Background()
	require.NoError(t, acc.Configure(ctx, "alice@example.org", "Alice"))

	fp, err := NewKeys(s, acc, testBits).SelfFingerprint(ctx)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9A-F]{40}$`, fp)

	// A fresh manager loads the stored key instead of generating one.
	again, err := NewKeys(s, acc, testBits).SelfFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, fp, again)
}

func TestSelfKeyRequiresAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := NewKeys(s, account.New(s), testBits).SelfEntity(context.Background())
	assert.ErrorIs(t, err, account.ErrNotConfigured)
}

func TestEncryptDecryptVerify(t *testing.T) {
	ctx := context.Background()
	alice, err := newTestKeys(t, "alice@example.org").SelfEntity(ctx)
	require.NoError(t, err)
	bob, err := newTestKeys(t, "bob@example.org").SelfEntity(ctx)
	require.NoError(t, err)

	alicePub, err := SerializePublic(alice)
	require.NoError(t, err)
	alicePubEntity, err := ParsePublicKey(alicePub)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(alice), Fingerprint(alicePubEntity))

	bobPub, err := SerializePublic(bob)
	require.NoError(t, err)
	bobPubEntity, err := ParsePublicKey(bobPub)
	require.NoError(t, err)

	armored, err := EncryptAndSign([]byte("hello bob"), []*openpgp.Entity{bobPubEntity}, alice)
	require.NoError(t, err)
	assert.Contains(t, string(armored), "BEGIN PGP MESSAGE")

	dec, err := DecryptAndVerify(armored, openpgp.EntityList{bob, alicePubEntity})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(dec.Plaintext))
	assert.True(t, dec.Signers[Fingerprint(alice)])

	// Without the sender's public key the signature cannot be checked.
	dec, err = DecryptAndVerify(armored, openpgp.EntityList{bob})
	require.NoError(t, err)
	assert.Empty(t, dec.Signers)

	_, err = DecryptAndVerify(armored, openpgp.EntityList{alicePubEntity})
	assert.Error(t, err)

	_, err = EncryptAndSign([]byte("x"), nil, alice)
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestAutocryptHeader(t *testing.T) {
	key := make([]byte, 200)
	for i := range key {
		key[i] = byte(i)
	}
	h := Autocrypt{Addr: "alice@example.org", PreferEncrypt: model.EncryptMutual, KeyData: key}

	parsed, err := ParseAutocrypt(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, *parsed)

	tests := []struct {
		name  string
		value string
	}{
		{name: "missing addr", value: "keydata=AAAA"},
		{name: "missing keydata", value: "addr=a@b.c"},
		{name: "unknown critical", value: "addr=a@b.c; color=red; keydata=AAAA"},
		{name: "bad base64", value: "addr=a@b.c; keydata=!!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAutocrypt(tt.value)
			assert.Error(t, err)
		})
	}

	parsed, err = ParseAutocrypt("addr=a@b.c; _ignored=1; keydata=AAAA")
	require.NoError(t, err)
	assert.Equal(t, model.EncryptNoPreference, parsed.PreferEncrypt)
}

func TestEncryptToPeerKeys(t *testing.T) {
	ctx := context.Background()
	alice, err := newTestKeys(t, "alice@example.org").SelfEntity(ctx)
	require.NoError(t, err)
	bob, err := newTestKeys(t, "bob@example.org").SelfEntity(ctx)
	require.NoError(t, err)
	for _, id := range bob.Identities {
		assert.NotEmpty(t, id.SelfSignature.PreferredHash)
	}

	// A key without algorithm preferences, as some other clients produce.
	carol, err := openpgp.NewEntity("Carol", "", "carol@example.org", &packet.Config{RSABits: testBits})
	require.NoError(t, err)

	tests := []struct {
		name string
		peer *openpgp.Entity
	}{
		{name: "own key", peer: bob},
		{name: "no preferences", peer: carol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := SerializePublic(tt.peer)
			require.NoError(t, err)
			h := Autocrypt{Addr: "peer@example.org", KeyData: pub}
			parsed, err := ParseAutocrypt(h.String())
			require.NoError(t, err)
			peer, err := ParsePublicKey(parsed.KeyData)
			require.NoError(t, err)

			armored, err := EncryptAndSign([]byte("hi"), []*openpgp.Entity{peer}, alice)
			require.NoError(t, err)

			dec, err := DecryptAndVerify(armored, openpgp.EntityList{tt.peer, alice})
			require.NoError(t, err)
			assert.Equal(t, "hi", string(dec.Plaintext))
			assert.True(t, dec.Signers[Fingerprint(alice)])
		})
	}
}
