package securejoin

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/model"
)

// encryptedAndSigned reports whether msg was encrypted and carries a
// valid signature by the key with the expected fingerprint.
func (s *Service) encryptedAndSigned(msg Message, expectedFingerprint string) bool {
	log := s.log.WithFields(logrus.Fields{"function": "encryptedAndSigned"})
	switch {
	case !msg.WasEncrypted():
		log.Warn("Message not encrypted")
		return false
	case !msg.Signed():
		log.Warn("Message not signed")
		return false
	case expectedFingerprint == "":
		log.Warn("No fingerprint to check the signature against")
		return false
	case !msg.SignedBy(model.NormalizeFingerprint(expectedFingerprint)):
		log.Warn("Message does not match expected fingerprint")
		return false
	}
	return true
}

// fingerprintEqualsSender reports whether the only member of a 1:1 chat
// uses the key with the given fingerprint.
func (s *Service) fingerprintEqualsSender(ctx context.Context, fingerprint string, contactChatID model.ChatID) bool {
	members, err := s.chats.Contacts(ctx, contactChatID)
	if err != nil || len(members) != 1 {
		return false
	}
	c, err := s.contacts.Get(ctx, members[0])
	if err != nil {
		return false
	}
	ps, err := s.peers.GetPeerstateByAddr(ctx, c.Addr)
	if err != nil {
		return false
	}
	fp := model.NormalizeFingerprint(fingerprint)
	return fp != "" && ps.PublicKeyFingerprint == fp
}

// markPeerAsVerified records the key with fingerprint as bidirectionally
// verified.
func (s *Service) markPeerAsVerified(ctx context.Context, fingerprint string) error {
	ps, err := s.peers.GetPeerstateByFingerprint(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("marking %s verified: %w", fingerprint, err)
	}
	if !ps.SetVerified(model.KeyTypePublic, fingerprint, model.BidirectVerified) {
		return fmt.Errorf("marking %s verified: not the current key of %s", fingerprint, ps.Addr)
	}
	ps.PreferEncrypt = model.EncryptMutual
	if err := s.peers.SavePeerstate(ctx, ps); err != nil {
		return fmt.Errorf("marking %s verified: %w", fingerprint, err)
	}
	return nil
}

// chatContact returns the single member of a 1:1 chat, or zero.
func (s *Service) chatContact(ctx context.Context, chatID model.ChatID) model.ContactID {
	members, err := s.chats.Contacts(ctx, chatID)
	if err != nil || len(members) != 1 {
		return 0
	}
	return members[0]
}

func (s *Service) chatContactAddr(ctx context.Context, chatID model.ChatID) string {
	id := s.chatContact(ctx, chatID)
	if id == 0 {
		return "?"
	}
	c, err := s.contacts.Get(ctx, id)
	if err != nil {
		return "?"
	}
	return c.Addr
}

func (s *Service) secureConnectionEstablished(ctx context.Context, contactChatID model.ChatID) {
	addr := s.chatContactAddr(ctx, contactChatID)
	if _, err := s.chats.AddInfoMsg(ctx, contactChatID, fmt.Sprintf("%s verified.", addr)); err != nil {
		s.log.WithError(err).Error("Failed to add info message")
	}
	s.events.Emit(events.Event{Kind: events.ChatModified, ChatID: contactChatID})
}

func (s *Service) couldNotEstablishSecureConnection(ctx context.Context, contactChatID model.ChatID, details string) {
	text := fmt.Sprintf("Cannot verify %s.", s.chatContactAddr(ctx, contactChatID))
	if _, err := s.chats.AddInfoMsg(ctx, contactChatID, text); err != nil {
		s.log.WithError(err).Error("Failed to add info message")
	}
	s.log.WithFields(logrus.Fields{
		"function": "couldNotEstablishSecureConnection",
		"chat_id":  contactChatID,
		"details":  details,
	}).Warn(text)
}

// HandleDegrade posts a notice into the 1:1 chat with addr after the
// peer's key changed away from the one that was verified.
func (s *Service) HandleDegrade(ctx context.Context, addr string) error {
	id, _, err := s.contacts.AddOrLookup(ctx, "", addr, model.OriginUnknown)
	if err != nil {
		return err
	}
	if id.IsSpecial() {
		return nil
	}
	chatID, _, err := s.chats.CreateOrLookupByContactID(ctx, id, model.BlockedDeaddrop)
	if err != nil {
		return &NoChatError{ContactID: id, Err: err}
	}
	if _, err := s.chats.AddInfoMsg(ctx, chatID, fmt.Sprintf("Changed setup for %s.", addr)); err != nil {
		return err
	}
	s.events.Emit(events.Event{Kind: events.ChatModified, ChatID: chatID})
	return nil
}
