package securejoin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/mailmsg"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/securejoin"
)

func TestSetupContact(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")

	chatID, err := join(t, bob, getQR(t, alice, 0), 5*time.Second)
	require.NoError(t, err)

	aliceContact := bob.contactOf(t, alice)
	expected, err := bob.chats.CreateByContactID(context.Background(), aliceContact)
	require.NoError(t, err)
	assert.Equal(t, expected, chatID)

	assert.Equal(t, 3, net.sentBy(bob), "request, request-with-auth, contact-confirm-received")
	assert.Equal(t, model.BidirectVerified, bob.verified(t, alice))

	net.waitOutcome(t, alice, "vc-contact-confirm-received")
	assert.Equal(t, model.BidirectVerified, alice.verified(t, bob))

	assert.Equal(t, securejoin.Done, net.waitOutcome(t, alice, "vc-request").outcome)
	assert.Equal(t, securejoin.Done, net.waitOutcome(t, bob, "vc-auth-required").outcome)
	assert.Equal(t, securejoin.Ignore, net.waitOutcome(t, alice, "vc-request-with-auth").outcome)
	assert.Equal(t, securejoin.Ignore, net.waitOutcome(t, bob, "vc-contact-confirm").outcome)

	c, err := alice.store.GetContactByAddr(context.Background(), bob.addr)
	require.NoError(t, err)
	assert.Equal(t, model.OriginSecurejoinInvited, c.Origin)
	c, err = bob.store.GetContactByAddr(context.Background(), alice.addr)
	require.NoError(t, err)
	assert.Equal(t, model.OriginSecurejoinJoined, c.Origin)

	assert.Equal(t, []int{400, 1000}, bob.progress(events.SecurejoinJoinerProgress))
	assert.Equal(t, []int{300, 600, 1000}, alice.progress(events.SecurejoinInviterProgress))
	assert.Zero(t, bob.sj.PendingJoins())
}

func TestSetupContactShortcut(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")
	ctx := context.Background()

	// Bob already knows Alice's key from earlier mail, and Alice knows his.
	require.NoError(t, bob.store.SavePeerstate(ctx, &model.Peerstate{
		Addr:                 alice.addr,
		PublicKey:            []byte("key of " + alice.addr),
		PublicKeyFingerprint: alice.fp,
	}))
	require.NoError(t, alice.store.SavePeerstate(ctx, &model.Peerstate{
		Addr:                 bob.addr,
		PublicKey:            []byte("key of " + bob.addr),
		PublicKeyFingerprint: bob.fp,
	}))
	_, _, err := alice.contacts.AddOrLookup(ctx, "", bob.addr, model.OriginIncomingUnknownFrom)
	require.NoError(t, err)
	_, _, err = bob.contacts.AddOrLookup(ctx, "", alice.addr, model.OriginIncomingUnknownFrom)
	require.NoError(t, err)

	_, err = join(t, bob, getQR(t, alice, 0), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, net.sentBy(bob), "request-with-auth, contact-confirm-received")
	assert.Empty(t, net.outcomes(alice, "vc-request"))
	assert.Equal(t, model.BidirectVerified, bob.verified(t, alice))
}

func TestBadAuthIsIgnored(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")

	net.setTamper(func(step string, m *fakeMessage) {
		if step == "vc-request-with-auth" {
			m.set(mailmsg.HeaderSecureJoinAuth, "not-the-secret")
		}
	})

	_, err := join(t, bob, getQR(t, alice, 0), 300*time.Millisecond)
	require.ErrorIs(t, err, securejoin.ErrJoinAborted)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := net.waitOutcome(t, alice, "vc-request-with-auth")
	assert.Equal(t, securejoin.Ignore, got.outcome)
	assert.NoError(t, got.err)
	assert.Equal(t, model.Unverified, alice.verified(t, bob))

	chatID, _, err := alice.chats.CreateOrLookupByContactID(context.Background(), alice.contactOf(t, bob), model.BlockedNot)
	require.NoError(t, err)
	msgs, err := alice.store.GetChatMsgs(context.Background(), chatID)
	require.NoError(t, err)
	var notices []string
	for _, m := range msgs {
		if m.FromID == model.ContactIDInfo {
			notices = append(notices, m.Text)
		}
	}
	assert.Equal(t, []string{"Cannot verify bob@example.net."}, notices)
	assert.Zero(t, bob.sj.PendingJoins())
}

func TestUnencryptedConfirmDoesNotVerify(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")

	net.setTamper(func(step string, m *fakeMessage) {
		if step == "vc-contact-confirm" {
			m.encrypted = false
			m.signers = map[string]bool{}
		}
	})

	start := time.Now()
	_, err := join(t, bob, getQR(t, alice, 0), 5*time.Second)
	require.ErrorIs(t, err, securejoin.ErrJoinAborted)
	assert.Less(t, time.Since(start), 4*time.Second, "failure must end the join")

	assert.Equal(t, model.Unverified, bob.verified(t, alice))
	assert.Equal(t, securejoin.Ignore, net.waitOutcome(t, bob, "vc-contact-confirm").outcome)
	assert.Equal(t, []int{400, 0}, bob.progress(events.SecurejoinJoinerProgress))
}

func TestWrongSignerFailsAuthRequired(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")

	net.setTamper(func(step string, m *fakeMessage) {
		if step == "vc-auth-required" {
			m.signers = map[string]bool{"0000000000000000000000000000000000000000": true}
		}
	})

	_, err := join(t, bob, getQR(t, alice, 0), 5*time.Second)
	require.ErrorIs(t, err, securejoin.ErrJoinAborted)
	assert.Equal(t, 1, net.sentBy(bob))
}

func TestConcurrentJoins(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	carol := net.addPeer(t, "Carol", "carol@example.com")
	bob := net.addPeer(t, "Bob", "bob@example.net")

	qrs := []string{getQR(t, alice, 0), getQR(t, carol, 0)}

	var wg sync.WaitGroup
	ids := make([]model.ChatID, len(qrs))
	errs := make([]error, len(qrs))
	for i, qr := range qrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ids[i], errs[i] = bob.sj.Join(ctx, qr)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, model.BidirectVerified, bob.verified(t, alice))
	assert.Equal(t, model.BidirectVerified, bob.verified(t, carol))
}

func TestConcurrentJoinsWithOneInviter(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")
	ctx := context.Background()

	group, err := alice.chats.CreateGroup(ctx, "Secret Club", true)
	require.NoError(t, err)
	g, err := alice.chats.Get(ctx, group)
	require.NoError(t, err)

	qrs := []string{getQR(t, alice, 0), getQR(t, alice, group)}

	var wg sync.WaitGroup
	ids := make([]model.ChatID, len(qrs))
	errs := make([]error, len(qrs))
	for i, qr := range qrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = join(t, bob, qr, 5*time.Second)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0], "contact join")
	require.NoError(t, errs[1], "group join")

	contactChat, err := bob.chats.CreateByContactID(ctx, bob.contactOf(t, alice))
	require.NoError(t, err)
	assert.Equal(t, contactChat, ids[0])
	bg, err := bob.chats.GetByGrpID(ctx, g.GrpID)
	require.NoError(t, err)
	assert.Equal(t, bg.ID, ids[1])

	assert.Equal(t, model.BidirectVerified, bob.verified(t, alice))
	assert.Zero(t, bob.sj.PendingJoins())
}

func TestStrayConfirmIsIgnored(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")
	ctx := context.Background()

	m := newFakeMessage()
	m.set(mailmsg.HeaderSecureJoin, "vc-contact-confirm")
	m.encrypted = true
	m.signers[alice.fp] = true

	outcome, err := bob.receive(ctx, alice, m)
	require.NoError(t, err)
	assert.Equal(t, securejoin.Ignore, outcome)
	assert.Equal(t, model.Unverified, bob.verified(t, alice))

	m.set(mailmsg.HeaderSecureJoin, "vg-member-added")
	outcome, err = bob.receive(ctx, alice, m)
	require.NoError(t, err)
	assert.Equal(t, securejoin.Propagate, outcome)

	m.set(mailmsg.HeaderSecureJoin, "vc-bogus")
	outcome, err = bob.receive(ctx, alice, m)
	require.NoError(t, err)
	assert.Equal(t, securejoin.Ignore, outcome)
}

func TestHandshakeErrors(t *testing.T) {
	net := newNetwork(t)
	bob := net.addPeer(t, "Bob", "bob@example.net")
	ctx := context.Background()

	m := newFakeMessage()
	m.set(mailmsg.HeaderSecureJoin, "vc-request")
	_, err := bob.sj.HandleHandshake(ctx, m, model.ContactIDDevice)
	assert.ErrorIs(t, err, securejoin.ErrSpecialContactID)

	_, err = bob.sj.HandleHandshake(ctx, newFakeMessage(), 42)
	assert.ErrorIs(t, err, securejoin.ErrNotSecureJoinMsg)

	var noChat *securejoin.NoChatError
	_, err = bob.sj.HandleHandshake(ctx, m, 4242)
	assert.ErrorAs(t, err, &noChat)
	assert.Equal(t, model.ContactID(4242), noChat.ContactID)
}

func TestJoinGroup(t *testing.T) {
	net := newNetwork(t)
	alice := net.addPeer(t, "Alice", "alice@example.org")
	bob := net.addPeer(t, "Bob", "bob@example.net")
	ctx := context.Background()

	group, err := alice.chats.CreateGroup(ctx, "Secret Club", true)
	require.NoError(t, err)
	g, err := alice.chats.Get(ctx, group)
	require.NoError(t, err)

	joined, err := join(t, bob, getQR(t, alice, group), 5*time.Second)
	require.NoError(t, err)

	bg, err := bob.chats.GetByGrpID(ctx, g.GrpID)
	require.NoError(t, err)
	assert.Equal(t, bg.ID, joined)
	assert.Equal(t, "Secret Club", bg.Name)
	assert.True(t, bg.IsVerified())

	members, err := alice.chats.Contacts(ctx, group)
	require.NoError(t, err)
	assert.Contains(t, members, alice.contactOf(t, bob))

	assert.Equal(t, securejoin.Propagate, net.waitOutcome(t, bob, "vg-member-added").outcome)
	got := net.waitOutcome(t, alice, "vg-member-added-received")
	assert.NoError(t, got.err)
	assert.Equal(t, securejoin.Ignore, got.outcome)
	assert.Equal(t, []int{300, 600, 800, 1000}, alice.progress(events.SecurejoinInviterProgress))
	assert.Equal(t, []int{400, 1000}, bob.progress(events.SecurejoinJoinerProgress))
}

func TestJoinRejectsNonInvitation(t *testing.T) {
	net := newNetwork(t)
	bob := net.addPeer(t, "Bob", "bob@example.net")

	_, err := join(t, bob, "OPENPGP4FPR:"+bob.fp, time.Second)
	assert.ErrorIs(t, err, securejoin.ErrNotInvitation)

	_, err = join(t, bob, "https://example.org", time.Second)
	assert.Error(t, err)
}

func TestNewProgressPanicsOutOfRange(t *testing.T) {
	assert.Equal(t, securejoin.Progress(400), securejoin.NewProgress(400))
	assert.Panics(t, func() { securejoin.NewProgress(-1) })
	assert.Panics(t, func() { securejoin.NewProgress(1001) })
}

func TestObserveOnOtherDevice(t *testing.T) {
	tests := []struct {
		name         string
		step         string
		encrypted    bool
		signedBySelf bool
		signedByPeer bool
		fingerprint  bool
		want         securejoin.Outcome
		wantVerified model.VerifiedStatus
	}{
		{
			name:         "not encrypted",
			step:         "vc-contact-confirm",
			signedBySelf: true,
			fingerprint:  true,
			want:         securejoin.Ignore,
			wantVerified: model.Unverified,
		},
		{
			name:         "signed by the peer",
			step:         "vc-contact-confirm",
			encrypted:    true,
			signedByPeer: true,
			fingerprint:  true,
			want:         securejoin.Ignore,
			wantVerified: model.Unverified,
		},
		{
			name:         "no fingerprint",
			step:         "vc-contact-confirm-received",
			encrypted:    true,
			signedBySelf: true,
			want:         securejoin.Ignore,
			wantVerified: model.Unverified,
		},
		{
			name:         "contact confirm from other device",
			step:         "vc-contact-confirm",
			encrypted:    true,
			signedBySelf: true,
			fingerprint:  true,
			want:         securejoin.Ignore,
			wantVerified: model.BidirectVerified,
		},
		{
			name:         "confirm received from other device",
			step:         "vc-contact-confirm-received",
			encrypted:    true,
			signedBySelf: true,
			fingerprint:  true,
			want:         securejoin.Ignore,
			wantVerified: model.BidirectVerified,
		},
		{
			name:         "member added from other device",
			step:         "vg-member-added",
			encrypted:    true,
			signedBySelf: true,
			fingerprint:  true,
			want:         securejoin.Propagate,
			wantVerified: model.BidirectVerified,
		},
		{
			name:         "earlier steps are not observed",
			step:         "vc-request-with-auth",
			encrypted:    true,
			signedBySelf: true,
			fingerprint:  true,
			want:         securejoin.Ignore,
			wantVerified: model.Unverified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := newNetwork(t)
			alice := net.addPeer(t, "Alice", "alice@example.org")
			bob := net.addPeer(t, "Bob", "bob@example.net")
			ctx := context.Background()

			require.NoError(t, bob.store.SavePeerstate(ctx, &model.Peerstate{
				Addr:                 alice.addr,
				PublicKey:            []byte("key of " + alice.addr),
				PublicKeyFingerprint: alice.fp,
			}))
			aliceID, _, err := bob.contacts.AddOrLookup(ctx, "", alice.addr, model.OriginIncomingUnknownFrom)
			require.NoError(t, err)

			m := newFakeMessage()
			m.set(mailmsg.HeaderSecureJoin, tt.step)
			m.encrypted = tt.encrypted
			if tt.signedBySelf {
				m.signers[bob.fp] = true
			}
			if tt.signedByPeer {
				m.signers[alice.fp] = true
			}
			if tt.fingerprint {
				m.set(mailmsg.HeaderSecureJoinFingerprint, alice.fp)
			}

			outcome, err := bob.sj.ObserveOnOtherDevice(ctx, m, aliceID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, tt.wantVerified, bob.verified(t, alice))
		})
	}
}

func TestObserveOnOtherDeviceErrors(t *testing.T) {
	net := newNetwork(t)
	bob := net.addPeer(t, "Bob", "bob@example.net")
	ctx := context.Background()

	m := newFakeMessage()
	m.set(mailmsg.HeaderSecureJoin, "vc-contact-confirm")
	_, err := bob.sj.ObserveOnOtherDevice(ctx, m, model.ContactIDSelf)
	assert.ErrorIs(t, err, securejoin.ErrSpecialContactID)

	_, err = bob.sj.ObserveOnOtherDevice(ctx, newFakeMessage(), 42)
	assert.ErrorIs(t, err, securejoin.ErrNotSecureJoinMsg)
}
