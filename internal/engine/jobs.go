package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/job"
	"github.com/nhle/verimail/internal/mailmsg"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/securejoin"
	"github.com/nhle/verimail/internal/store"
)

const subjectTextLen = 32

// errE2eeUnavailable marks a message that must be encrypted to peers
// without a usable key.
var errE2eeUnavailable = errors.New("end-to-end encryption unavailable")

// sendMsgToSMTP renders the message named by the job and submits it.
func (e *Engine) sendMsgToSMTP(ctx context.Context, conn job.Connection, j *model.Job) job.Status {
	log := e.log.WithFields(logrus.Fields{"function": "sendMsgToSMTP", "msg_id": j.ForeignID})

	msg, err := e.store.GetMsg(ctx, model.MsgID(j.ForeignID))
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Message vanished before sending")
		return job.Finished
	}
	if err != nil {
		log.WithError(err).Error("Loading message")
		return job.RetryLater
	}

	from, to, raw, err := e.renderMsg(ctx, msg)
	switch {
	case errors.Is(err, errE2eeUnavailable):
		log.WithError(err).Warn("Cannot send message")
		e.failMsg(ctx, log, msg)
		return job.Finished
	case err != nil:
		log.WithError(err).Error("Rendering message")
		return job.RetryLater
	case len(to) == 0:
		log.Info("No recipients, nothing to send")
		return job.Finished
	}

	if conn.SMTP == nil {
		log.Error("No SMTP connection")
		return job.RetryLater
	}
	if err := conn.SMTP.Send(ctx, from, to, raw); err != nil {
		log.WithError(err).Warn("Sending message failed")
		return job.RetryLater
	}

	if err := e.store.UpdateMsgState(ctx, msg.ID, model.StateOutDelivered); err != nil {
		log.WithError(err).Error("Updating message state")
	}
	if !msg.Hidden {
		e.events.Emit(events.Event{Kind: events.MsgsChanged, ChatID: msg.ChatID, MsgID: msg.ID})
	}
	log.WithField("recipients", len(to)).Info("Message sent")
	return job.Finished
}

func (e *Engine) failMsg(ctx context.Context, log logrus.FieldLogger, msg *model.Message) {
	if err := e.store.UpdateMsgState(ctx, msg.ID, model.StateOutFailed); err != nil {
		log.WithError(err).Error("Updating message state")
	}
	e.events.Emit(events.Event{Kind: events.MsgsChanged, ChatID: msg.ChatID, MsgID: msg.ID})
}

// renderMsg builds the wire form of an outgoing message and returns the
// envelope sender and recipients.
func (e *Engine) renderMsg(ctx context.Context, msg *model.Message) (string, []string, []byte, error) {
	c, err := e.store.GetChat(ctx, msg.ChatID)
	if err != nil {
		return "", nil, nil, err
	}
	fromAddr, err := e.account.ConfiguredAddr(ctx)
	if err != nil {
		return "", nil, nil, err
	}
	fromName, err := e.account.DisplayName(ctx)
	if err != nil {
		return "", nil, nil, err
	}

	members, err := e.store.GetChatContacts(ctx, msg.ChatID)
	if err != nil {
		return "", nil, nil, err
	}
	var (
		toAddrs []string
		toList  []mail.Address
	)
	for _, id := range members {
		if id == model.ContactIDSelf {
			continue
		}
		ct, err := e.store.GetContact(ctx, id)
		if err != nil {
			return "", nil, nil, err
		}
		toAddrs = append(toAddrs, ct.Addr)
		toList = append(toList, mail.Address{Name: ct.Name, Address: ct.Addr})
	}
	if len(toAddrs) == 0 {
		return fromAddr, nil, nil, nil
	}

	out := mailmsg.Outgoing{
		From:      mail.Address{Name: fromName, Address: fromAddr},
		To:        toList,
		Subject:   subjectFor(c, msg),
		MessageID: msg.RFC724MID,
		Date:      msg.Timestamp,
		Headers:   securejoin.HandshakeHeaders(msg),
		Text:      msg.Text,
	}
	if c.IsGroup() {
		out.Headers = append(out.Headers,
			mailmsg.Header{Key: mailmsg.HeaderChatGroupID, Value: c.GrpID},
			mailmsg.Header{Key: mailmsg.HeaderChatGroupName, Value: c.Name},
		)
		if c.IsVerified() {
			out.Headers = append(out.Headers, mailmsg.Header{Key: mailmsg.HeaderChatVerified, Value: "1"})
		}
	}
	if msg.Params.Cmd() == model.SystemMessageMemberAddedToGroup {
		out.Headers = append(out.Headers, mailmsg.Header{
			Key:   mailmsg.HeaderChatGroupMemberAdded,
			Value: msg.Params.Get(model.ParamArg),
		})
	}

	force := msg.Params.Int(model.ParamForcePlaintext)
	if force != model.ForcePlaintextNoAutocryptHeader {
		if out.Autocrypt, err = e.autocryptHeader(ctx, fromAddr); err != nil {
			return "", nil, nil, err
		}
	}

	guarantee := msg.Params.Int(model.ParamGuaranteeE2ee) == 1
	var enc mailmsg.Encrypter
	if force == 0 {
		keys, ok, err := e.recipientKeys(ctx, toAddrs, c.IsVerified())
		if err != nil {
			return "", nil, nil, err
		}
		switch {
		case ok:
			self, err := e.keys.SelfEntity(ctx)
			if err != nil {
				return "", nil, nil, err
			}
			enc = encrypter{self: self, recipients: keys}
		case guarantee:
			return "", nil, nil, fmt.Errorf("message %d: %w", msg.ID, errE2eeUnavailable)
		}
	}

	raw, err := mailmsg.Render(ctx, out, enc)
	if err != nil {
		return "", nil, nil, err
	}
	return fromAddr, toAddrs, raw, nil
}

// subjectFor returns "Chat: " followed by the start of the text, or the
// group name for group messages.
func subjectFor(c *model.Chat, msg *model.Message) string {
	if c.IsGroup() {
		return "Chat: " + c.Name
	}
	text := strings.Join(strings.Fields(msg.Text), " ")
	if utf8.RuneCountInString(text) > subjectTextLen {
		text = string([]rune(text)[:subjectTextLen]) + "..."
	}
	return "Chat: " + text
}

// markseenMsgOnIMAP flags an ingested message as seen on the server.
func (e *Engine) markseenMsgOnIMAP(ctx context.Context, conn job.Connection, j *model.Job) job.Status {
	return e.imapJob(ctx, conn, j, "markseenMsgOnIMAP", job.IMAPConn.SetSeen)
}

// deleteMsgOnIMAP removes an ingested message from the server.
func (e *Engine) deleteMsgOnIMAP(ctx context.Context, conn job.Connection, j *model.Job) job.Status {
	return e.imapJob(ctx, conn, j, "deleteMsgOnIMAP", job.IMAPConn.Delete)
}

func (e *Engine) imapJob(
	ctx context.Context,
	conn job.Connection,
	j *model.Job,
	name string,
	op func(c job.IMAPConn, ctx context.Context, folder string, uid uint32) error,
) job.Status {
	log := e.log.WithFields(logrus.Fields{"function": name, "msg_id": j.ForeignID})

	msg, err := e.store.GetMsg(ctx, model.MsgID(j.ForeignID))
	if errors.Is(err, store.ErrNotFound) {
		return job.Finished
	}
	if err != nil {
		log.WithError(err).Error("Loading message")
		return job.RetryLater
	}
	if msg.ServerFolder == "" || msg.ServerUID == 0 {
		log.Debug("Message has no server location")
		return job.Finished
	}
	if conn.IMAP == nil {
		log.Error("No IMAP connection")
		return job.RetryLater
	}
	if err := op(conn.IMAP, ctx, msg.ServerFolder, msg.ServerUID); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"folder": msg.ServerFolder,
			"uid":    msg.ServerUID,
		}).Warn("IMAP job failed")
		return job.RetryLater
	}
	return job.Finished
}
