// Package securejoin implements the setup-contact and verified-group
// handshakes that let two peers verify each other's keys out of band.
package securejoin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
)

// DefaultGroupPollInterval is how often Join looks for a joined group
// that ingestion has not created yet.
const DefaultGroupPollInterval = 50 * time.Millisecond

// DefaultGroupWait bounds how long Join waits for that group.
const DefaultGroupWait = 30 * time.Second

// Message is a parsed incoming message as seen by the handshake.
type Message interface {
	Get(name string) (string, bool)
	WasEncrypted() bool
	Signed() bool
	SignedBy(fingerprint string) bool
}

// Chats is the chat surface used by the handshake.
type Chats interface {
	CreateByContactID(ctx context.Context, contactID model.ContactID) (model.ChatID, error)
	CreateOrLookupByContactID(ctx context.Context, contactID model.ContactID, createBlocked model.Blocked) (model.ChatID, model.Blocked, error)
	Unblock(ctx context.Context, id model.ChatID) error
	Get(ctx context.Context, id model.ChatID) (*model.Chat, error)
	Contacts(ctx context.Context, id model.ChatID) ([]model.ContactID, error)
	GetByGrpID(ctx context.Context, grpid string) (*model.Chat, error)
	AddContactToChat(ctx context.Context, chatID model.ChatID, contactID model.ContactID, fromHandshake bool) (bool, error)
	AddInfoMsg(ctx context.Context, chatID model.ChatID, text string) (model.MsgID, error)
	SendMsg(ctx context.Context, chatID model.ChatID, msg *model.Message) (model.MsgID, error)
}

// Contacts is the contact surface used by the handshake.
type Contacts interface {
	Get(ctx context.Context, id model.ContactID) (*model.Contact, error)
	AddOrLookup(ctx context.Context, name, addr string, origin model.Origin) (model.ContactID, bool, error)
	ScaleupOrigin(ctx context.Context, id model.ContactID, origin model.Origin) error
	IsVerified(ctx context.Context, id model.ContactID) (model.VerifiedStatus, error)
}

// Tokens issues and checks handshake secrets.
type Tokens interface {
	LookupOrNew(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID) (string, error)
	Exists(ctx context.Context, ns model.TokenNamespace, tok string) (bool, error)
}

// Peerstates is the trust store.
type Peerstates interface {
	GetPeerstateByAddr(ctx context.Context, addr string) (*model.Peerstate, error)
	GetPeerstateByFingerprint(ctx context.Context, fingerprint string) (*model.Peerstate, error)
	SavePeerstate(ctx context.Context, ps *model.Peerstate) error
}

// Keys gives access to the local key.
type Keys interface {
	EnsureSecretKey(ctx context.Context) error
	SelfFingerprint(ctx context.Context) (string, error)
}

// Account identifies the local account.
type Account interface {
	ConfiguredAddr(ctx context.Context) (string, error)
	DisplayName(ctx context.Context) (string, error)
	IsSelfAddr(ctx context.Context, addr string) (bool, error)
}

// Options configures a Service.
type Options struct {
	Chats      Chats
	Contacts   Contacts
	Tokens     Tokens
	Peerstates Peerstates
	Keys       Keys
	Account    Account
	Events     events.Sink
	Log        logrus.FieldLogger

	GroupPollInterval time.Duration
	GroupWait         time.Duration
}

// Service runs both sides of the handshake.
type Service struct {
	chats    Chats
	contacts Contacts
	tokens   Tokens
	peers    Peerstates
	keys     Keys
	account  Account
	events   events.Sink
	log      logrus.FieldLogger

	pollInterval time.Duration
	groupWait    time.Duration

	sessions *registry
}

// New creates a Service.
func New(opts Options) *Service {
	s := &Service{
		chats:        opts.Chats,
		contacts:     opts.Contacts,
		tokens:       opts.Tokens,
		peers:        opts.Peerstates,
		keys:         opts.Keys,
		account:      opts.Account,
		events:       opts.Events,
		log:          opts.Log,
		pollInterval: opts.GroupPollInterval,
		groupWait:    opts.GroupWait,
		sessions:     newRegistry(),
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultGroupPollInterval
	}
	if s.groupWait <= 0 {
		s.groupWait = DefaultGroupWait
	}
	return s
}

// Join scans an invitation and runs the joiner side of the handshake.
// It blocks until the handshake succeeds, fails or ctx is done. On
// success it returns the 1:1 chat with the inviter, or the joined group
// once ingestion has created it. Failures return ErrJoinAborted or the
// context error.
func (s *Service) Join(ctx context.Context, qr string) (model.ChatID, error) {
	log := s.log.WithFields(logrus.Fields{"function": "Join"})

	inv, err := s.CheckQR(ctx, qr)
	if err != nil {
		return 0, err
	}
	if !inv.IsInvitation() {
		return 0, ErrNotInvitation
	}
	if inv.ContactID == model.ContactIDSelf {
		return 0, fmt.Errorf("joining: QR code is our own invitation")
	}

	chatID, err := s.chats.CreateByContactID(ctx, inv.ContactID)
	if err != nil {
		return 0, &NoChatError{ContactID: inv.ContactID, Err: err}
	}

	step := Step{Variant: inv.variant()}
	shortcut := s.fingerprintEqualsSender(ctx, inv.Fingerprint, chatID)
	expects := ExpectAuthRequired
	if shortcut {
		expects = ExpectContactConfirm
	}

	sess := newSession(inv, chatID, expects)
	if prev := s.sessions.add(sess); prev != nil && prev.finish(StatusFailed) {
		log.WithField("session", prev.id).Info("Previous join of the same invitation replaced")
	}
	defer s.sessions.remove(sess)

	log = log.WithFields(logrus.Fields{
		"session":    sess.id,
		"contact_id": inv.ContactID,
		"chat_id":    chatID,
		"group":      inv.IsGroup(),
	})

	var grpid string
	if inv.IsGroup() {
		grpid = inv.GrpID
	}

	if shortcut {
		// We already have the inviter's key and it matches: skip to the
		// authenticated request.
		log.Info("Taking protocol shortcut")
		fp, err := s.keys.SelfFingerprint(ctx)
		if err != nil {
			sess.finish(StatusFailed)
			return 0, fmt.Errorf("joining: %w", err)
		}
		s.joinerProgress(inv.ContactID, NewProgress(400))
		err = s.sendHandshakeMsg(ctx, chatID, step.with(KindRequestWithAuth), inv.Auth, fp, grpid)
		if err != nil {
			sess.finish(StatusFailed)
			return 0, err
		}
	} else {
		err = s.sendHandshakeMsg(ctx, chatID, step.with(KindRequest), inv.InviteNumber, "", "")
		if err != nil {
			sess.finish(StatusFailed)
			return 0, err
		}
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		if sess.finish(StatusFailed) {
			s.joinerProgress(inv.ContactID, ProgressFailed)
		}
	}

	if sess.result() != StatusSuccess {
		log.Info("Join aborted")
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrJoinAborted, err)
		}
		return 0, ErrJoinAborted
	}
	if !inv.IsGroup() {
		return chatID, nil
	}
	return s.waitForGroup(ctx, inv.GrpID)
}

// waitForGroup polls for the group created by ingestion of the
// member-added message that completed the join.
func (s *Service) waitForGroup(ctx context.Context, grpid string) (model.ChatID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.groupWait)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		c, err := s.chats.GetByGrpID(ctx, grpid)
		if err == nil {
			return c.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, &ChatNotFoundError{GrpID: grpid}
		case <-ticker.C:
		}
	}
}

// PendingJoins returns the number of joins waiting for the inviter.
func (s *Service) PendingJoins() int {
	return s.sessions.len()
}

func (s *Service) joinerProgress(contactID model.ContactID, p Progress) {
	s.events.Emit(events.Event{Kind: events.SecurejoinJoinerProgress, ContactID: contactID, Progress: int(p)})
}

func (s *Service) inviterProgress(contactID model.ContactID, p Progress) {
	s.events.Emit(events.Event{Kind: events.SecurejoinInviterProgress, ContactID: contactID, Progress: int(p)})
}

func (s *Service) sendHandshakeMsg(ctx context.Context, chatID model.ChatID, step Step, param2, fingerprint, grpid string) error {
	msg := newHandshakeMsg(step, param2, fingerprint, grpid)
	if _, err := s.chats.SendMsg(ctx, chatID, msg); err != nil {
		return &SendError{Step: step, Err: err}
	}
	return nil
}
