package securejoin_test

import (
	"context"
	"errors"
	"maps"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nhle/verimail/internal/account"
	"github.com/nhle/verimail/internal/chat"
	"github.com/nhle/verimail/internal/contact"
	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/mailmsg"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/securejoin"
	"github.com/nhle/verimail/internal/store"
	"github.com/nhle/verimail/internal/token"
	"github.com/nhle/verimail/tests/testutil"
)

// fakeMessage is a received message as the handshake sees it.
type fakeMessage struct {
	headers   map[string]string
	encrypted bool
	signers   map[string]bool
}

func newFakeMessage() *fakeMessage {
	return &fakeMessage{headers: make(map[string]string), signers: make(map[string]bool)}
}

func (m *fakeMessage) set(key, value string) {
	m.headers[textproto.CanonicalMIMEHeaderKey(key)] = value
}

func (m *fakeMessage) Get(name string) (string, bool) {
	v, ok := m.headers[textproto.CanonicalMIMEHeaderKey(name)]
	return v, ok
}

func (m *fakeMessage) WasEncrypted() bool      { return m.encrypted }
func (m *fakeMessage) Signed() bool            { return len(m.signers) > 0 }
func (m *fakeMessage) SignedBy(fp string) bool { return m.signers[fp] }

func (m *fakeMessage) clone() *fakeMessage {
	return &fakeMessage{headers: maps.Clone(m.headers), encrypted: m.encrypted, signers: maps.Clone(m.signers)}
}

type fakeKeys struct{ fp string }

func (k fakeKeys) EnsureSecretKey(context.Context) error { return nil }

func (k fakeKeys) SelfFingerprint(context.Context) (string, error) { return k.fp, nil }

// outbox captures the jobs queued by chat.SendMsg and hands them to the
// network.
type outbox struct {
	peer *peer
	net  *network
}

func (o outbox) Add(_ context.Context, action model.Action, foreignID uint32, _ model.Params, _ time.Duration) (int64, error) {
	if action != model.ActionSendMsgToSMTP {
		return 0, nil
	}
	o.net.enqueue(o.peer, model.MsgID(foreignID))
	return 1, nil
}

type peer struct {
	addr     string
	fp       string
	store    *store.SQLiteStore
	contacts *contact.Service
	chats    *chat.Service
	sj       *securejoin.Service
	events   *events.Emitter
}

// contactOf returns the id other has as a contact of p.
func (p *peer) contactOf(t *testing.T, other *peer) model.ContactID {
	t.Helper()
	c, err := p.store.GetContactByAddr(context.Background(), other.addr)
	require.NoError(t, err)
	return c.ID
}

func (p *peer) verified(t *testing.T, other *peer) model.VerifiedStatus {
	t.Helper()
	status, err := p.contacts.IsVerified(context.Background(), p.contactOf(t, other))
	require.NoError(t, err)
	return status
}

func (p *peer) progress(kind events.Kind) []int {
	var out []int
	for {
		select {
		case ev := <-p.events.C():
			if ev.Kind == kind {
				out = append(out, ev.Progress)
			}
		default:
			return out
		}
	}
}

type envelope struct {
	from  *peer
	msgID model.MsgID
}

type delivery struct {
	to      string
	step    string
	outcome securejoin.Outcome
	err     error
}

// network delivers handshake messages between peers in the order they
// were sent. Encryption is simulated: messages that require it arrive
// encrypted and signed by the sender's fingerprint.
type network struct {
	t     *testing.T
	queue chan envelope
	peers map[string]*peer

	mu         sync.Mutex
	sent       map[string]int
	deliveries []delivery
	tamper     func(step string, m *fakeMessage)
}

func newNetwork(t *testing.T) *network {
	n := &network{
		t:     t,
		queue: make(chan envelope, 256),
		peers: make(map[string]*peer),
		sent:  make(map[string]int),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func (n *network) addPeer(t *testing.T, name, addr string) *peer {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acc := account.New(s)
	require.NoError(t, acc.Configure(ctx, addr, name))

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	p := &peer{
		addr:   addr,
		fp:     strings.Repeat(strings.ToUpper(name[:1])+"1", 20),
		store:  s,
		events: events.NewEmitter(256),
	}
	p.contacts = contact.NewService(s, acc, p.events, log)
	p.chats = chat.NewService(chat.Options{
		Backend:  s,
		Verifier: p.contacts,
		Account:  acc,
		Jobs:     outbox{peer: p, net: n},
		Events:   p.events,
		Log:      log,
	})
	p.sj = securejoin.New(securejoin.Options{
		Chats:             p.chats,
		Contacts:          p.contacts,
		Tokens:            token.NewStore(s),
		Peerstates:        s,
		Keys:              fakeKeys{fp: p.fp},
		Account:           acc,
		Events:            p.events,
		Log:               log,
		GroupPollInterval: 5 * time.Millisecond,
		GroupWait:         2 * time.Second,
	})
	n.peers[addr] = p
	return p
}

func (n *network) enqueue(from *peer, id model.MsgID) {
	n.mu.Lock()
	n.sent[from.addr]++
	n.mu.Unlock()
	n.queue <- envelope{from: from, msgID: id}
}

func (n *network) sentBy(p *peer) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[p.addr]
}

func (n *network) setTamper(f func(step string, m *fakeMessage)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tamper = f
}

func (n *network) outcomes(to *peer, step string) []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []delivery
	for _, d := range n.deliveries {
		if d.to == to.addr && d.step == step {
			out = append(out, d)
		}
	}
	return out
}

func (n *network) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-n.queue:
			n.deliver(ctx, env)
		}
	}
}

func (n *network) deliver(ctx context.Context, env envelope) {
	from := env.from
	m, err := from.store.GetMsg(ctx, env.msgID)
	if err != nil {
		n.t.Errorf("loading sent message: %v", err)
		return
	}
	c, err := from.store.GetChat(ctx, m.ChatID)
	if err != nil {
		n.t.Errorf("loading chat: %v", err)
		return
	}

	fm := newFakeMessage()
	for _, h := range securejoin.HandshakeHeaders(m) {
		fm.set(h.Key, h.Value)
	}
	if m.Params.Cmd() == model.SystemMessageMemberAddedToGroup {
		fm.set(mailmsg.HeaderChatGroupMemberAdded, m.Params.Get(model.ParamArg))
	}
	if c.IsGroup() {
		fm.set(mailmsg.HeaderChatGroupID, c.GrpID)
		fm.set(mailmsg.HeaderChatGroupName, c.Name)
		if c.IsVerified() {
			fm.set(mailmsg.HeaderChatVerified, "1")
		}
	}
	if m.Params.Int(model.ParamGuaranteeE2ee) == 1 {
		fm.encrypted = true
		fm.signers[from.fp] = true
	}
	step, _ := fm.Get(mailmsg.HeaderSecureJoin)

	members, err := from.store.GetChatContacts(ctx, c.ID)
	if err != nil {
		n.t.Errorf("loading members: %v", err)
		return
	}
	for _, id := range members {
		if id == model.ContactIDSelf {
			continue
		}
		rcpt, err := from.store.GetContact(ctx, id)
		if err != nil {
			n.t.Errorf("loading recipient: %v", err)
			return
		}
		to, ok := n.peers[rcpt.Addr]
		if !ok {
			continue
		}
		msg := fm.clone()
		n.mu.Lock()
		tamper := n.tamper
		n.mu.Unlock()
		if tamper != nil {
			tamper(step, msg)
		}
		outcome, err := to.receive(ctx, from, msg)
		n.mu.Lock()
		n.deliveries = append(n.deliveries, delivery{to: to.addr, step: step, outcome: outcome, err: err})
		n.mu.Unlock()
	}
}

// receive runs the parts of ingestion the handshake depends on: the
// Autocrypt peerstate update, contact lookup, the handshake itself and
// group creation for propagated member-added messages.
func (p *peer) receive(ctx context.Context, from *peer, m *fakeMessage) (securejoin.Outcome, error) {
	ps, err := p.store.GetPeerstateByAddr(ctx, from.addr)
	if errors.Is(err, store.ErrNotFound) {
		ps, err = &model.Peerstate{Addr: from.addr}, nil
	}
	if err != nil {
		return 0, err
	}
	ps.PublicKey = []byte("key of " + from.addr)
	ps.PublicKeyFingerprint = from.fp
	if err := p.store.SavePeerstate(ctx, ps); err != nil {
		return 0, err
	}

	contactID, _, err := p.contacts.AddOrLookup(ctx, "", from.addr, model.OriginIncomingUnknownFrom)
	if err != nil {
		return 0, err
	}
	if _, ok := m.Get(mailmsg.HeaderSecureJoin); !ok {
		return securejoin.Propagate, nil
	}
	outcome, err := p.sj.HandleHandshake(ctx, m, contactID)
	if err != nil {
		return outcome, err
	}
	if outcome == securejoin.Propagate {
		if grpid, ok := m.Get(mailmsg.HeaderChatGroupID); ok {
			name, _ := m.Get(mailmsg.HeaderChatGroupName)
			_, verified := m.Get(mailmsg.HeaderChatVerified)
			groupID, _, err := p.chats.LookupOrCreateGroup(ctx, grpid, name, verified)
			if err != nil {
				return outcome, err
			}
			if _, err := p.chats.AddMember(ctx, groupID, contactID); err != nil {
				return outcome, err
			}
		}
	}
	return outcome, nil
}

// join runs Join with a deadline.
func join(t *testing.T, p *peer, qr string, timeout time.Duration) (model.ChatID, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.sj.Join(ctx, qr)
}

func getQR(t *testing.T, p *peer, group model.ChatID) string {
	t.Helper()
	qr, err := p.sj.GetQR(context.Background(), group)
	require.NoError(t, err)
	return qr
}

// waitOutcome waits for the first delivery of step to p. Join may return
// before the network has recorded the handshake result.
func (n *network) waitOutcome(t *testing.T, to *peer, step string) delivery {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.outcomes(to, step)) > 0
	}, 2*time.Second, 5*time.Millisecond, "no delivery of %s to %s", step, to.addr)
	return n.outcomes(to, step)[0]
}
