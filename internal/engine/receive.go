package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/mailmsg"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/securejoin"
)

// Receive ingests one fetched message. Handshake messages are passed to
// the secure-join protocol first; its outcome decides whether the
// message is trashed and deleted from the server (Done), kept hidden
// (Ignore) or ingested normally (Propagate).
func (e *Engine) Receive(ctx context.Context, folder string, uid uint32, raw []byte) error {
	e.receiveMu.Lock()
	defer e.receiveMu.Unlock()

	log := e.log.WithFields(logrus.Fields{"function": "Receive", "folder": folder, "uid": uid})

	outer, err := mailmsg.Parse(ctx, raw, nil)
	if err != nil {
		return fmt.Errorf("parsing %s/%d: %w", folder, uid, err)
	}
	if outer.From == nil {
		log.Warn("Message without sender, skipping")
		return nil
	}
	if outer.MessageID != "" {
		known, err := e.store.MsgExistsByRFC724MID(ctx, outer.MessageID)
		if err != nil {
			return err
		}
		if known {
			log.WithField("message_id", outer.MessageID).Debug("Message already known")
			return nil
		}
	}

	fromAddr := outer.From.Address
	fromSelf, err := e.account.IsSelfAddr(ctx, fromAddr)
	if err != nil {
		return err
	}
	if !fromSelf {
		if err := e.applyAutocrypt(ctx, fromAddr, outer); err != nil {
			log.WithError(err).Warn("Failed to apply Autocrypt header")
		}
	}

	parsed, err := mailmsg.Parse(ctx, raw, decrypter{e: e, sender: fromAddr})
	if err != nil {
		return fmt.Errorf("parsing %s/%d: %w", folder, uid, err)
	}
	if parsed.DecryptErr != nil {
		log.WithError(parsed.DecryptErr).Warn("Failed to decrypt message")
	}

	fromID := model.ContactIDSelf
	peerID := model.ContactIDSelf
	if fromSelf {
		if len(parsed.To) > 0 {
			peerID, _, err = e.contacts.AddOrLookup(ctx, parsed.To[0].Name, parsed.To[0].Address, model.OriginOutgoingTo)
		}
	} else {
		fromID, _, err = e.contacts.AddOrLookup(ctx, outer.From.Name, fromAddr, model.OriginIncomingUnknownFrom)
		peerID = fromID
	}
	if err != nil {
		return err
	}

	outcome := securejoin.Propagate
	if step, ok := parsed.Get(mailmsg.HeaderSecureJoin); ok {
		if fromSelf {
			outcome, err = e.sj.ObserveOnOtherDevice(ctx, parsed, peerID)
		} else {
			outcome, err = e.sj.HandleHandshake(ctx, parsed, fromID)
		}
		if err != nil {
			log.WithError(err).WithField("step", step).Warn("Handshake message failed")
			outcome = securejoin.Ignore
		}
		log.WithFields(logrus.Fields{"step": step, "outcome": outcome.String()}).Debug("Handshake message handled")
	}

	msg := &model.Message{
		RFC724MID:    outer.MessageID,
		FromID:       fromID,
		ToID:         model.ContactIDSelf,
		Text:         parsed.Text,
		State:        model.StateInFresh,
		Params:       make(model.Params),
		ServerFolder: folder,
		ServerUID:    uid,
		Timestamp:    parsed.Date,
	}
	if fromSelf {
		msg.ToID = peerID
		msg.State = model.StateOutDelivered
	}
	if cmd := systemMessageOf(parsed); cmd != model.SystemMessageUnknown {
		msg.Params.SetCmd(cmd)
	}

	switch outcome {
	case securejoin.Done:
		msg.ChatID = model.ChatIDTrash
		msg.Hidden = true
		id, err := e.store.CreateMsg(ctx, msg)
		if err != nil {
			return err
		}
		return e.queueIMAPJob(ctx, model.ActionDeleteMsgOnIMAP, id)

	case securejoin.Ignore:
		msg.Hidden = true
		msg.State = model.StateInSeen
		msg.ChatID = e.peerChat(ctx, log, peerID)
		id, err := e.store.CreateMsg(ctx, msg)
		if err != nil {
			return err
		}
		return e.queueIMAPJob(ctx, model.ActionMarkseenMsgOnIMAP, id)
	}

	chatID, err := e.assignChat(ctx, log, parsed, fromID, peerID)
	if err != nil {
		return err
	}
	msg.ChatID = chatID
	id, err := e.store.CreateMsg(ctx, msg)
	if err != nil {
		return err
	}
	e.events.Emit(events.Event{Kind: events.MsgsChanged, ChatID: chatID, MsgID: id})
	log.WithFields(logrus.Fields{"chat_id": chatID, "msg_id": id}).Info("Message received")
	return nil
}

func systemMessageOf(p *mailmsg.Parsed) model.SystemMessage {
	if _, ok := p.Get(mailmsg.HeaderChatGroupMemberAdded); ok {
		return model.SystemMessageMemberAddedToGroup
	}
	if _, ok := p.Get(mailmsg.HeaderSecureJoin); ok {
		return model.SystemMessageSecurejoinMessage
	}
	return model.SystemMessageUnknown
}

// queueIMAPJob queues a job for the inbox loop and wakes it.
func (e *Engine) queueIMAPJob(ctx context.Context, action model.Action, id model.MsgID) error {
	if _, err := e.jobs.Add(ctx, action, uint32(id), nil, 0); err != nil {
		return err
	}
	e.sched.InterruptInbox(interrupt.Info{})
	return nil
}

// peerChat returns the 1:1 chat with contactID, or the trash chat when
// there is none.
func (e *Engine) peerChat(ctx context.Context, log logrus.FieldLogger, contactID model.ContactID) model.ChatID {
	if contactID.IsSpecial() {
		return model.ChatIDTrash
	}
	chatID, _, err := e.chats.CreateOrLookupByContactID(ctx, contactID, model.BlockedDeaddrop)
	if err != nil {
		log.WithError(err).Warn("No chat for hidden message")
		return model.ChatIDTrash
	}
	return chatID
}

// assignChat picks the chat of a normally ingested message. Messages
// carrying a group id create or extend the group.
func (e *Engine) assignChat(
	ctx context.Context,
	log logrus.FieldLogger,
	p *mailmsg.Parsed,
	fromID, peerID model.ContactID,
) (model.ChatID, error) {
	grpid, ok := p.Get(mailmsg.HeaderChatGroupID)
	if !ok || grpid == "" {
		if peerID.IsSpecial() {
			return model.ChatIDTrash, nil
		}
		chatID, _, err := e.chats.CreateOrLookupByContactID(ctx, peerID, model.BlockedDeaddrop)
		return chatID, err
	}

	name, _ := p.Get(mailmsg.HeaderChatGroupName)
	_, verified := p.Get(mailmsg.HeaderChatVerified)

	if verified && fromID != model.ContactIDSelf {
		if !p.WasEncrypted() {
			log.WithField("grpid", grpid).Warn("Unencrypted message for verified group")
			return e.peerChat(ctx, log, fromID), nil
		}
		status, err := e.contacts.IsVerified(ctx, fromID)
		if err != nil {
			return 0, err
		}
		if status != model.BidirectVerified {
			log.WithFields(logrus.Fields{"grpid": grpid, "contact_id": fromID}).
				Warn("Verified group message from unverified sender")
			return e.peerChat(ctx, log, fromID), nil
		}
	}

	chatID, created, err := e.chats.LookupOrCreateGroup(ctx, grpid, name, verified)
	if err != nil {
		return 0, err
	}
	if created {
		log.WithFields(logrus.Fields{"grpid": grpid, "chat_id": chatID}).Info("Group created")
	}

	members := []model.ContactID{fromID}
	for _, to := range p.To {
		id, _, err := e.contacts.AddOrLookup(ctx, to.Name, to.Address, model.OriginIncomingUnknownTo)
		if err != nil {
			log.WithError(err).WithField("addr", to.Address).Warn("Skipping group member")
			continue
		}
		members = append(members, id)
	}
	if added, ok := p.Get(mailmsg.HeaderChatGroupMemberAdded); ok && added != "" {
		id, _, err := e.contacts.AddOrLookup(ctx, "", added, model.OriginIncomingUnknownTo)
		if err == nil {
			members = append(members, id)
		}
	}

	changed := false
	for _, id := range members {
		if id == model.ContactIDSelf {
			continue
		}
		ok, err := e.chats.AddMember(ctx, chatID, id)
		if err != nil {
			return 0, err
		}
		changed = changed || ok
	}
	if changed {
		e.events.Emit(events.Event{Kind: events.ChatModified, ChatID: chatID})
	}
	return chatID, nil
}

// receiveTimeout bounds the ingestion of a single message.
const receiveTimeout = 2 * time.Minute

// receiver adapts Receive for connections that must not block their
// loop forever on one message.
type receiver struct{ e *Engine }

func (r receiver) Receive(ctx context.Context, folder string, uid uint32, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()
	err := r.e.Receive(ctx, folder, uid, raw)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("receiving %s/%d took too long: %w", folder, uid, err)
	}
	return err
}
