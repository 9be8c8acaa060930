package contact_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/verimail/internal/account"
	"github.com/nhle/verimail/internal/contact"
	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
	"github.com/nhle/verimail/tests/testutil"
)

func newService(t *testing.T) (*contact.Service, *store.SQLiteStore, *events.Emitter) {
	t.Helper()
	s := testutil.NewTestStore(t)
	acc := account.New(s)
	require.NoError(t, acc.Configure(context.Background(), "alice@example.org", "Alice"))
	em := events.NewEmitter(16)
	return contact.NewService(s, acc, em, nil), s, em
}

func TestAddOrLookup(t *testing.T) {
	svc, _, em := newService(t)
	ctx := context.Background()

	id, created, err := svc.AddOrLookup(ctx, "", "bob@example.net", model.OriginIncomingUnknownFrom)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, id.IsSpecial())
	assert.Equal(t, events.ContactsChanged, (<-em.C()).Kind)

	again, created, err := svc.AddOrLookup(ctx, "Bob", "BOB@example.net", model.OriginUnhandledQrScan)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	c, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Bob", c.Name)
	assert.Equal(t, model.OriginUnhandledQrScan, c.Origin)

	// A lower origin never downgrades.
	_, _, err = svc.AddOrLookup(ctx, "", "bob@example.net", model.OriginIncomingUnknownFrom)
	require.NoError(t, err)
	c, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OriginUnhandledQrScan, c.Origin)

	self, _, err := svc.AddOrLookup(ctx, "", "Alice@Example.org", model.OriginOutgoingTo)
	require.NoError(t, err)
	assert.Equal(t, model.ContactIDSelf, self)

	_, _, err = svc.AddOrLookup(ctx, "", "not-an-address", model.OriginOutgoingTo)
	assert.Error(t, err)
}

func TestScaleupOrigin(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	id, _, err := svc.AddOrLookup(ctx, "", "bob@example.net", model.OriginUnhandledQrScan)
	require.NoError(t, err)

	require.NoError(t, svc.ScaleupOrigin(ctx, id, model.OriginSecurejoinJoined))
	require.NoError(t, svc.ScaleupOrigin(ctx, id, model.OriginIncomingReplyTo))

	c, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OriginSecurejoinJoined, c.Origin)
}

func TestIsVerified(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	status, err := svc.IsVerified(ctx, model.ContactIDSelf)
	require.NoError(t, err)
	assert.Equal(t, model.BidirectVerified, status)

	id, _, err := svc.AddOrLookup(ctx, "", "bob@example.net", model.OriginIncomingUnknownFrom)
	require.NoError(t, err)

	status, err = svc.IsVerified(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Unverified, status, "no peerstate yet")

	ps := &model.Peerstate{
		Addr:                 "bob@example.net",
		PublicKey:            []byte("key-1"),
		PublicKeyFingerprint: "AAAA1111",
	}
	require.NoError(t, s.SavePeerstate(ctx, ps))

	status, err = svc.IsVerified(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Unverified, status)

	require.True(t, ps.SetVerified(model.KeyTypePublic, "aaaa 1111", model.BidirectVerified))
	require.NoError(t, s.SavePeerstate(ctx, ps))

	status, err = svc.IsVerified(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.BidirectVerified, status)

	// A new key without re-verification drops the status.
	ps.PublicKey = []byte("key-2")
	ps.PublicKeyFingerprint = "BBBB2222"
	require.NoError(t, s.SavePeerstate(ctx, ps))

	status, err = svc.IsVerified(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Unverified, status)
}
