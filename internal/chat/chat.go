// Package chat creates chats, manages group membership and queues
// outgoing messages for delivery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/account"
	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
	"github.com/nhle/verimail/internal/token"
)

// Backend is the subset of store.Store used for chats.
type Backend interface {
	CreateChat(ctx context.Context, c model.Chat) (model.ChatID, error)
	GetChat(ctx context.Context, id model.ChatID) (*model.Chat, error)
	GetChatByGrpID(ctx context.Context, grpid string) (*model.Chat, error)
	GetSingleChatByContact(ctx context.Context, contactID model.ContactID) (*model.Chat, error)
	SetChatBlocked(ctx context.Context, id model.ChatID, blocked model.Blocked) error
	AddChatContact(ctx context.Context, chatID model.ChatID, contactID model.ContactID) (bool, error)
	GetChatContacts(ctx context.Context, chatID model.ChatID) ([]model.ContactID, error)
	GetContact(ctx context.Context, id model.ContactID) (*model.Contact, error)
	CreateMsg(ctx context.Context, m *model.Message) (model.MsgID, error)
}

// Verifier answers whether a contact is verified.
type Verifier interface {
	IsVerified(ctx context.Context, id model.ContactID) (model.VerifiedStatus, error)
}

// Account supplies the local address.
type Account interface {
	ConfiguredAddr(ctx context.Context) (string, error)
}

// JobAdder enqueues background jobs.
type JobAdder interface {
	Add(ctx context.Context, action model.Action, foreignID uint32, params model.Params, delay time.Duration) (int64, error)
}

// SMTPNotifier wakes the outbound loop.
type SMTPNotifier interface {
	InterruptSMTP(info interrupt.Info)
}

// Options configures a Service.
type Options struct {
	Backend  Backend
	Verifier Verifier
	Account  Account
	Jobs     JobAdder

	// Notify is optional; without it queued messages wait for the next
	// time the outbound loop looks for work.
	Notify SMTPNotifier

	Events events.Sink
	Log    logrus.FieldLogger
}

// Service implements chat operations.
type Service struct {
	backend  Backend
	verifier Verifier
	account  Account
	jobs     JobAdder
	notify   SMTPNotifier
	events   events.Sink
	log      logrus.FieldLogger
}

// NewService creates a chat service.
func NewService(opts Options) *Service {
	s := &Service{
		backend:  opts.Backend,
		verifier: opts.Verifier,
		account:  opts.Account,
		jobs:     opts.Jobs,
		notify:   opts.Notify,
		events:   opts.Events,
		log:      opts.Log,
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// SetNotifier installs the outbound loop notifier after construction.
func (s *Service) SetNotifier(n SMTPNotifier) {
	s.notify = n
}

// Get loads a chat.
func (s *Service) Get(ctx context.Context, id model.ChatID) (*model.Chat, error) {
	return s.backend.GetChat(ctx, id)
}

// Contacts returns the members of a chat.
func (s *Service) Contacts(ctx context.Context, id model.ChatID) ([]model.ContactID, error) {
	return s.backend.GetChatContacts(ctx, id)
}

// GetByGrpID returns the group chat with the given group id, or an error
// wrapping store.ErrNotFound.
func (s *Service) GetByGrpID(ctx context.Context, grpid string) (*model.Chat, error) {
	return s.backend.GetChatByGrpID(ctx, grpid)
}

// CreateOrLookupByContactID returns the 1:1 chat with contactID, creating
// it with the given blocked state when missing. The returned Blocked is
// the chat's current state.
func (s *Service) CreateOrLookupByContactID(
	ctx context.Context,
	contactID model.ContactID,
	createBlocked model.Blocked,
) (model.ChatID, model.Blocked, error) {
	existing, err := s.backend.GetSingleChatByContact(ctx, contactID)
	if err == nil {
		return existing.ID, existing.Blocked, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, 0, err
	}

	if contactID != model.ContactIDSelf && contactID.IsSpecial() {
		return 0, 0, fmt.Errorf("creating chat: contact %d is special", contactID)
	}
	c, err := s.backend.GetContact(ctx, contactID)
	if err != nil {
		return 0, 0, fmt.Errorf("creating chat for contact %d: %w", contactID, err)
	}
	name := c.Name
	if name == "" {
		name = c.Addr
	}

	id, err := s.backend.CreateChat(ctx, model.Chat{
		Type:    model.ChatTypeSingle,
		Name:    name,
		Blocked: createBlocked,
	})
	if err != nil {
		return 0, 0, err
	}
	if _, err := s.backend.AddChatContact(ctx, id, contactID); err != nil {
		return 0, 0, err
	}
	s.log.WithFields(logrus.Fields{
		"function":   "CreateOrLookupByContactID",
		"chat_id":    id,
		"contact_id": contactID,
	}).Debug("Chat created")
	return id, createBlocked, nil
}

// CreateByContactID returns the unblocked 1:1 chat with contactID.
func (s *Service) CreateByContactID(ctx context.Context, contactID model.ContactID) (model.ChatID, error) {
	id, blocked, err := s.CreateOrLookupByContactID(ctx, contactID, model.BlockedNot)
	if err != nil {
		return 0, err
	}
	if blocked != model.BlockedNot {
		if err := s.Unblock(ctx, id); err != nil {
			return 0, err
		}
	}
	s.events.Emit(events.Event{Kind: events.MsgsChanged, ChatID: id})
	return id, nil
}

// Unblock clears the blocked state of a chat.
func (s *Service) Unblock(ctx context.Context, id model.ChatID) error {
	if err := s.backend.SetChatBlocked(ctx, id, model.BlockedNot); err != nil {
		return err
	}
	s.events.Emit(events.Event{Kind: events.ChatModified, ChatID: id})
	return nil
}

// CreateGroup creates a new group with a fresh group id and the local
// account as its only member.
func (s *Service) CreateGroup(ctx context.Context, name string, verified bool) (model.ChatID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("creating group: empty name")
	}
	id, _, err := s.LookupOrCreateGroup(ctx, token.NewID(), name, verified)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LookupOrCreateGroup returns the group with grpid, creating it with the
// local account as member when missing. It reports whether the group
// was created.
func (s *Service) LookupOrCreateGroup(ctx context.Context, grpid, name string, verified bool) (model.ChatID, bool, error) {
	if grpid == "" {
		return 0, false, fmt.Errorf("creating group: empty group id")
	}
	existing, err := s.backend.GetChatByGrpID(ctx, grpid)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, false, err
	}

	typ := model.ChatTypeGroup
	if verified {
		typ = model.ChatTypeVerifiedGroup
	}
	id, err := s.backend.CreateChat(ctx, model.Chat{Type: typ, Name: name, GrpID: grpid})
	if err != nil {
		return 0, false, err
	}
	if _, err := s.backend.AddChatContact(ctx, id, model.ContactIDSelf); err != nil {
		return 0, false, err
	}
	s.events.Emit(events.Event{Kind: events.ChatModified, ChatID: id})
	return id, true, nil
}

// AddMember adds a contact to a group without announcing it. It is used
// when applying a member list received from a peer.
func (s *Service) AddMember(ctx context.Context, chatID model.ChatID, contactID model.ContactID) (bool, error) {
	return s.backend.AddChatContact(ctx, chatID, contactID)
}

// AddContactToChat adds a member to a group and announces it to the
// group with a member-added message. When fromHandshake is set the
// announcement is sent even if the contact already is a member and it
// marks the message as completing a verified-group join. It reports
// whether the contact is a member afterwards.
func (s *Service) AddContactToChat(
	ctx context.Context,
	chatID model.ChatID,
	contactID model.ContactID,
	fromHandshake bool,
) (bool, error) {
	log := s.log.WithFields(logrus.Fields{
		"function":   "AddContactToChat",
		"chat_id":    chatID,
		"contact_id": contactID,
	})

	if chatID.IsSpecial() {
		return false, fmt.Errorf("cannot add members to special chat %d", chatID)
	}
	c, err := s.backend.GetChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if !c.IsGroup() {
		return false, fmt.Errorf("chat %d is not a group", chatID)
	}
	if contactID.IsSpecial() {
		return false, fmt.Errorf("invalid contact %d for adding to group", contactID)
	}
	contact, err := s.backend.GetContact(ctx, contactID)
	if err != nil {
		return false, err
	}

	members, err := s.backend.GetChatContacts(ctx, chatID)
	if err != nil {
		return false, err
	}
	if !slices.Contains(members, model.ContactIDSelf) {
		return false, fmt.Errorf("cannot add contact to group %d: self not in group", chatID)
	}

	if selfAddr, err := s.account.ConfiguredAddr(ctx); err == nil && account.AddrEqual(selfAddr, contact.Addr) {
		log.Warn("Invalid attempt to add self address to group")
		return false, nil
	}

	if slices.Contains(members, contactID) {
		if !fromHandshake {
			return true, nil
		}
	} else {
		if c.IsVerified() {
			status, err := s.verifier.IsVerified(ctx, contactID)
			if err != nil {
				return false, err
			}
			if status != model.BidirectVerified {
				log.Error("Only bidirectionally verified contacts can be added to verified groups")
				return false, nil
			}
		}
		if _, err := s.backend.AddChatContact(ctx, chatID, contactID); err != nil {
			return false, err
		}
	}

	msg := model.NewMessage(fmt.Sprintf("Member %s added.", contact.Addr))
	msg.Params.SetCmd(model.SystemMessageMemberAddedToGroup)
	msg.Params.Set(model.ParamArg, contact.Addr)
	if fromHandshake {
		msg.Params.SetInt(model.ParamArg2, 1)
	}
	if _, err := s.SendMsg(ctx, chatID, msg); err != nil {
		return false, err
	}
	s.events.Emit(events.Event{Kind: events.ChatModified, ChatID: chatID})
	return true, nil
}

// AddInfoMsg stores a local informational message in a chat.
func (s *Service) AddInfoMsg(ctx context.Context, chatID model.ChatID, text string) (model.MsgID, error) {
	msg := model.NewMessage(text)
	msg.ChatID = chatID
	msg.FromID = model.ContactIDInfo
	msg.ToID = model.ContactIDInfo
	msg.State = model.StateInSeen
	msg.RFC724MID = token.NewID() + "@device"

	id, err := s.backend.CreateMsg(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("adding info message to chat %d: %w", chatID, err)
	}
	s.events.Emit(events.Event{Kind: events.MsgsChanged, ChatID: chatID, MsgID: id})
	return id, nil
}

// SendMsg stores msg as outgoing in chatID and queues it for delivery.
// Messages in verified groups always require end-to-end encryption.
func (s *Service) SendMsg(ctx context.Context, chatID model.ChatID, msg *model.Message) (model.MsgID, error) {
	if chatID.IsSpecial() {
		return 0, fmt.Errorf("cannot send to special chat %d", chatID)
	}
	c, err := s.backend.GetChat(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("sending message: %w", err)
	}
	from, err := s.account.ConfiguredAddr(ctx)
	if err != nil {
		return 0, fmt.Errorf("sending message: %w", err)
	}

	if msg.Params == nil {
		msg.Params = make(model.Params)
	}
	msg.ChatID = chatID
	msg.FromID = model.ContactIDSelf
	msg.State = model.StateOutPending
	msg.Timestamp = time.Time{}
	if c.Type == model.ChatTypeSingle {
		members, err := s.backend.GetChatContacts(ctx, chatID)
		if err != nil {
			return 0, err
		}
		if len(members) > 0 {
			msg.ToID = members[0]
		}
	}
	if c.IsVerified() {
		msg.Params.SetInt(model.ParamGuaranteeE2ee, 1)
	}
	msg.RFC724MID = newMessageID(c.GrpID, from)

	id, err := s.backend.CreateMsg(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("sending message: %w", err)
	}
	if _, err := s.jobs.Add(ctx, model.ActionSendMsgToSMTP, uint32(id), nil, 0); err != nil {
		return 0, fmt.Errorf("queueing message %d: %w", id, err)
	}
	if s.notify != nil {
		s.notify.InterruptSMTP(interrupt.Info{MsgID: id})
	}
	if !msg.Hidden {
		s.events.Emit(events.Event{Kind: events.MsgsChanged, ChatID: chatID, MsgID: id})
	}
	return id, nil
}

// newMessageID builds an RFC 724 Message-ID without angle brackets.
// Group messages embed the group id so peers can recover the group.
func newMessageID(grpid, fromAddr string) string {
	domain := "localhost"
	if at := strings.LastIndexByte(fromAddr, '@'); at >= 0 && at < len(fromAddr)-1 {
		domain = fromAddr[at+1:]
	}
	if grpid != "" {
		return fmt.Sprintf("Gr.%s.%s@%s", grpid, token.NewID()[:11], domain)
	}
	return fmt.Sprintf("Mr.%s.%s@%s", token.NewID()[:11], token.NewID()[:11], domain)
}
