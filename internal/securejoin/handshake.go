package securejoin

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/mailmsg"
	"github.com/nhle/verimail/internal/model"
)

// HandleHandshake processes an incoming handshake message from
// contactID. The message is not stored yet; the returned Outcome tells
// the caller what to do with it. Protocol failures are not errors: they
// yield Ignore and leave a notice in the chat with the peer.
func (s *Service) HandleHandshake(ctx context.Context, msg Message, contactID model.ContactID) (Outcome, error) {
	if contactID.IsSpecial() {
		return 0, ErrSpecialContactID
	}
	step, name, present, ok := readStep(msg)
	if !present {
		return 0, ErrNotSecureJoinMsg
	}

	log := s.log.WithFields(logrus.Fields{
		"function":   "HandleHandshake",
		"step":       name,
		"contact_id": contactID,
	})
	log.Info("Secure-join message received")

	contactChatID, err := s.contactChat(ctx, contactID)
	if err != nil {
		return 0, err
	}
	if !ok {
		log.Warn("Invalid step")
		return Ignore, nil
	}

	h := handshake{Service: s, log: log, msg: msg, step: step, contactID: contactID, chatID: contactChatID}
	switch step.Kind {
	case KindRequest:
		return h.request(ctx)
	case KindAuthRequired:
		return h.authRequired(ctx)
	case KindRequestWithAuth:
		return h.requestWithAuth(ctx)
	case KindContactConfirm:
		return h.contactConfirm(ctx)
	case KindContactConfirmReceived:
		return h.contactConfirmReceived(ctx)
	default:
		log.Warn("Invalid step")
		return Ignore, nil
	}
}

// ObserveOnOtherDevice processes a handshake message sent by another
// device of the same account. contactID is the peer the message was
// sent to. Seeing the confirmation steps means the other device already
// verified the peer, so this device marks it verified too.
func (s *Service) ObserveOnOtherDevice(ctx context.Context, msg Message, contactID model.ContactID) (Outcome, error) {
	if contactID.IsSpecial() {
		return 0, ErrSpecialContactID
	}
	step, name, present, ok := readStep(msg)
	if !present {
		return 0, ErrNotSecureJoinMsg
	}

	log := s.log.WithFields(logrus.Fields{
		"function":   "ObserveOnOtherDevice",
		"step":       name,
		"contact_id": contactID,
	})
	log.Info("Observing secure-join message")

	contactChatID, err := s.contactChat(ctx, contactID)
	if err != nil {
		return 0, err
	}
	if !ok || (step.Kind != KindContactConfirm && step.Kind != KindContactConfirmReceived) {
		return Ignore, nil
	}

	selfFP, err := s.keys.SelfFingerprint(ctx)
	if err != nil {
		log.WithError(err).Warn("Cannot read own fingerprint")
	}
	if !s.encryptedAndSigned(msg, selfFP) {
		s.couldNotEstablishSecureConnection(ctx, contactChatID, "Message not encrypted correctly.")
		return Ignore, nil
	}
	fp, ok := msg.Get(mailmsg.HeaderSecureJoinFingerprint)
	if !ok || fp == "" {
		s.couldNotEstablishSecureConnection(ctx, contactChatID,
			"Fingerprint not provided, please update all your devices.")
		return Ignore, nil
	}
	if err := s.markPeerAsVerified(ctx, fp); err != nil {
		s.couldNotEstablishSecureConnection(ctx, contactChatID, "Fingerprint mismatch on observing "+name+".")
		return Ignore, nil
	}
	if step == (Step{VerifyGroup, KindContactConfirm}) {
		return Propagate, nil
	}
	return Ignore, nil
}

// contactChat returns the unblocked 1:1 chat with contactID.
func (s *Service) contactChat(ctx context.Context, contactID model.ContactID) (model.ChatID, error) {
	chatID, blocked, err := s.chats.CreateOrLookupByContactID(ctx, contactID, model.BlockedNot)
	if err != nil {
		return 0, &NoChatError{ContactID: contactID, Err: err}
	}
	if blocked != model.BlockedNot {
		if err := s.chats.Unblock(ctx, chatID); err != nil {
			return 0, &NoChatError{ContactID: contactID, Err: err}
		}
	}
	return chatID, nil
}

// handshake is one incoming handshake message being handled.
type handshake struct {
	*Service
	log       logrus.FieldLogger
	msg       Message
	step      Step
	contactID model.ContactID
	chatID    model.ChatID
}

// request runs on the inviter: the joiner scanned our QR code.
func (h handshake) request(ctx context.Context) (Outcome, error) {
	inviteNumber, ok := h.msg.Get(mailmsg.HeaderSecureJoinInvitenumber)
	if !ok || inviteNumber == "" {
		h.log.Warn("Secure-join denied (invitenumber missing)")
		return Ignore, nil
	}
	valid, err := h.tokens.Exists(ctx, model.TokenInviteNumber, inviteNumber)
	if err != nil {
		return 0, err
	}
	if !valid {
		h.log.Warn("Secure-join denied (bad invitenumber)")
		return Ignore, nil
	}
	h.log.Info("Secure-join requested")

	h.inviterProgress(h.contactID, NewProgress(300))
	if err := h.sendHandshakeMsg(ctx, h.chatID, h.step.with(KindAuthRequired), "", "", ""); err != nil {
		return 0, err
	}
	return Done, nil
}

// authRequired runs on the joiner: the inviter answered our request and
// its key must match the fingerprint from the QR code.
func (h handshake) authRequired(ctx context.Context) (Outcome, error) {
	// Auth-required does not name the group, so it goes to the oldest
	// join of its variant that waits for it.
	sess := h.sessions.awaiting(h.contactID, h.step.Variant, ExpectAuthRequired)
	if sess == nil {
		h.log.Warn("Auth-required message out of sync")
		return Ignore, nil
	}
	inv := sess.invite

	if !h.encryptedAndSigned(h.msg, inv.Fingerprint) {
		details := "Not encrypted."
		if h.msg.WasEncrypted() {
			details = "No valid signature."
		}
		h.fail(ctx, sess, details)
		return Ignore, nil
	}
	if !h.fingerprintEqualsSender(ctx, inv.Fingerprint, h.chatID) {
		h.fail(ctx, sess, "Fingerprint mismatch on joiner-side.")
		return Ignore, nil
	}
	h.log.Info("Fingerprint verified")

	ownFP, err := h.keys.SelfFingerprint(ctx)
	if err != nil {
		h.fail(ctx, sess, "Own key unavailable.")
		return Ignore, nil
	}
	if !sess.advance(ExpectAuthRequired, ExpectContactConfirm) {
		h.log.Info("Auth-required already handled")
		return Ignore, nil
	}
	h.joinerProgress(h.contactID, NewProgress(400))

	var grpid string
	if h.step.IsGroup() {
		grpid = inv.GrpID
	}
	err = h.sendHandshakeMsg(ctx, h.chatID, h.step.with(KindRequestWithAuth), inv.Auth, ownFP, grpid)
	if err != nil {
		if sess.finish(StatusFailed) {
			h.joinerProgress(h.contactID, ProgressFailed)
		}
		return 0, err
	}
	return Done, nil
}

// requestWithAuth runs on the inviter: the joiner proves it scanned the
// QR code and tells us its fingerprint.
func (h handshake) requestWithAuth(ctx context.Context) (Outcome, error) {
	fp, ok := h.msg.Get(mailmsg.HeaderSecureJoinFingerprint)
	if !ok || fp == "" {
		h.couldNotEstablishSecureConnection(ctx, h.chatID, "Fingerprint not provided.")
		return Ignore, nil
	}
	if !h.encryptedAndSigned(h.msg, fp) {
		h.couldNotEstablishSecureConnection(ctx, h.chatID, "Auth not encrypted.")
		return Ignore, nil
	}
	if !h.fingerprintEqualsSender(ctx, fp, h.chatID) {
		h.couldNotEstablishSecureConnection(ctx, h.chatID, "Fingerprint mismatch on inviter-side.")
		return Ignore, nil
	}
	h.log.Info("Fingerprint verified")

	auth, ok := h.msg.Get(mailmsg.HeaderSecureJoinAuth)
	if !ok || auth == "" {
		h.couldNotEstablishSecureConnection(ctx, h.chatID, "Auth not provided.")
		return Ignore, nil
	}
	valid, err := h.tokens.Exists(ctx, model.TokenAuth, auth)
	if err != nil {
		return 0, err
	}
	if !valid {
		h.couldNotEstablishSecureConnection(ctx, h.chatID, "Auth invalid.")
		return Ignore, nil
	}
	if err := h.markPeerAsVerified(ctx, fp); err != nil {
		h.couldNotEstablishSecureConnection(ctx, h.chatID, "Fingerprint mismatch on inviter-side.")
		return Ignore, nil
	}
	if err := h.contacts.ScaleupOrigin(ctx, h.contactID, model.OriginSecurejoinInvited); err != nil {
		h.log.WithError(err).Warn("Failed to scale up contact origin")
	}
	h.log.Info("Auth verified")

	h.secureConnectionEstablished(ctx, h.chatID)
	h.events.Emit(events.Event{Kind: events.ContactsChanged, ContactID: h.contactID})
	h.inviterProgress(h.contactID, NewProgress(600))

	if h.step.IsGroup() {
		// The member-added message doubles as the confirmation step.
		grpid, ok := h.msg.Get(mailmsg.HeaderSecureJoinGroup)
		if !ok || grpid == "" {
			h.log.Warn("Missing Secure-Join-Group header")
			return Ignore, nil
		}
		group, err := h.chats.GetByGrpID(ctx, grpid)
		if err != nil {
			h.log.WithError(err).WithField("grpid", grpid).Error("Chat not found")
			return 0, &ChatNotFoundError{GrpID: grpid}
		}
		if _, err := h.chats.AddContactToChat(ctx, group.ID, h.contactID, true); err != nil {
			h.log.WithError(err).Error("Failed to add contact")
		}
	} else {
		err := h.sendHandshakeMsg(ctx, h.chatID, h.step.with(KindContactConfirm), "", fp, "")
		if err != nil {
			return 0, err
		}
		h.inviterProgress(h.contactID, ProgressSuccess)
	}
	// Not Done: other devices need the Autocrypt key of this message.
	return Ignore, nil
}

// contactConfirm runs on the joiner: the inviter verified us.
func (h handshake) contactConfirm(ctx context.Context) (Outcome, error) {
	abort := Ignore
	if h.step.IsGroup() {
		abort = Propagate
	}

	sess := h.confirmSession()
	if sess == nil || !sess.expecting(ExpectContactConfirm) {
		h.log.Info("Message belongs to a different handshake")
		return abort, nil
	}
	inv := sess.invite

	expectEncrypted := true
	if h.step.IsGroup() {
		// Only a verified group demands an encrypted member-added message.
		// The group is normally created by ingestion of this very message,
		// after this handler returns, so this lookup usually fails.
		// TODO: look up the Chat-Verified header instead of the stored chat.
		group, err := h.chats.GetByGrpID(ctx, inv.GrpID)
		expectEncrypted = err == nil && group.IsVerified()
	}
	if expectEncrypted && !h.encryptedAndSigned(h.msg, inv.Fingerprint) {
		h.fail(ctx, sess, "Contact confirm message not encrypted.")
		return abort, nil
	}

	if h.step.IsGroup() {
		added, _ := h.msg.Get(mailmsg.HeaderChatGroupMemberAdded)
		self, err := h.account.IsSelfAddr(ctx, added)
		if err != nil {
			return 0, ErrNoSelfAddr
		}
		if !self {
			// Verify anyway so the group can be created with the inviter.
			if err := h.markPeerAsVerified(ctx, inv.Fingerprint); err == nil {
				h.scaleupJoined(ctx)
			}
			h.log.Info("Message belongs to a different handshake")
			return abort, nil
		}
	}

	if !sess.advance(ExpectContactConfirm, ExpectNone) {
		h.log.Info("Confirmation already handled")
		return abort, nil
	}
	if err := h.markPeerAsVerified(ctx, inv.Fingerprint); err != nil {
		h.fail(ctx, sess, "Fingerprint mismatch on joiner-side.")
		return abort, nil
	}
	h.scaleupJoined(ctx)
	h.secureConnectionEstablished(ctx, h.chatID)

	var grpid string
	if h.step.IsGroup() {
		grpid = inv.GrpID
	}
	err := h.sendHandshakeMsg(ctx, h.chatID, h.step.with(KindContactConfirmReceived), "", inv.Fingerprint, grpid)
	if err != nil {
		if sess.finish(StatusFailed) {
			h.joinerProgress(h.contactID, ProgressFailed)
		}
		return 0, err
	}

	if sess.finish(StatusSuccess) {
		h.joinerProgress(h.contactID, ProgressSuccess)
	}
	if h.step.IsGroup() {
		return Propagate, nil
	}
	// Not Done: other devices need this message to observe the handshake.
	return Ignore, nil
}

// confirmSession returns the join a confirmation belongs to. Member-added
// messages name their group; a contact confirmation goes to the contact
// join with the sender.
func (h handshake) confirmSession() *session {
	if !h.step.IsGroup() {
		return h.sessions.get(h.contactID, "")
	}
	grpid, _ := h.msg.Get(mailmsg.HeaderChatGroupID)
	if grpid == "" {
		grpid, _ = h.msg.Get(mailmsg.HeaderSecureJoinGroup)
	}
	if grpid == "" {
		return h.sessions.awaiting(h.contactID, VerifyGroup, ExpectContactConfirm)
	}
	return h.sessions.get(h.contactID, grpid)
}

// contactConfirmReceived runs on the inviter: the joiner acknowledged.
func (h handshake) contactConfirmReceived(ctx context.Context) (Outcome, error) {
	status, err := h.contacts.IsVerified(ctx, h.contactID)
	if err != nil || status == model.Unverified {
		h.log.Warn("Confirmation from unverified contact")
		return Ignore, nil
	}
	if h.step.IsGroup() {
		h.inviterProgress(h.contactID, NewProgress(800))
		h.inviterProgress(h.contactID, ProgressSuccess)
		grpid, _ := h.msg.Get(mailmsg.HeaderSecureJoinGroup)
		if _, err := h.chats.GetByGrpID(ctx, grpid); err != nil {
			h.log.WithError(err).Warn("Failed to look up chat from grpid")
			return 0, &ChatNotFoundError{GrpID: grpid}
		}
	}
	return Ignore, nil
}

func (h handshake) scaleupJoined(ctx context.Context) {
	if err := h.contacts.ScaleupOrigin(ctx, h.contactID, model.OriginSecurejoinJoined); err != nil {
		h.log.WithError(err).Warn("Failed to scale up contact origin")
	}
	h.events.Emit(events.Event{Kind: events.ContactsChanged})
}

// fail aborts the joiner session and leaves a notice in the chat.
func (h handshake) fail(ctx context.Context, sess *session, details string) {
	h.couldNotEstablishSecureConnection(ctx, h.chatID, details)
	if sess.finish(StatusFailed) {
		h.joinerProgress(h.contactID, ProgressFailed)
	}
}
