package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/verimail/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for contacts, chats, messages,
// peerstates, handshake tokens, the self key and the job queue.
type Store interface {
	// === Raw config ===

	GetRawConfig(ctx context.Context, key string) (string, bool, error)
	SetRawConfig(ctx context.Context, key, value string) error

	// === Contacts ===

	CreateContact(ctx context.Context, c model.Contact) (model.ContactID, error)
	UpdateContact(ctx context.Context, c model.Contact) error
	GetContact(ctx context.Context, id model.ContactID) (*model.Contact, error)
	GetContactByAddr(ctx context.Context, addr string) (*model.Contact, error)

	// === Chats ===

	CreateChat(ctx context.Context, c model.Chat) (model.ChatID, error)
	GetChat(ctx context.Context, id model.ChatID) (*model.Chat, error)
	GetChatByGrpID(ctx context.Context, grpid string) (*model.Chat, error)
	GetSingleChatByContact(ctx context.Context, contactID model.ContactID) (*model.Chat, error)
	SetChatBlocked(ctx context.Context, id model.ChatID, blocked model.Blocked) error
	AddChatContact(ctx context.Context, chatID model.ChatID, contactID model.ContactID) (bool, error)
	GetChatContacts(ctx context.Context, chatID model.ChatID) ([]model.ContactID, error)

	// === Messages ===

	CreateMsg(ctx context.Context, m *model.Message) (model.MsgID, error)
	GetMsg(ctx context.Context, id model.MsgID) (*model.Message, error)
	GetChatMsgs(ctx context.Context, chatID model.ChatID) ([]model.Message, error)
	UpdateMsgState(ctx context.Context, id model.MsgID, state model.MessageState) error
	UpdateMsgRFC724MID(ctx context.Context, id model.MsgID, mid string) error
	MsgExistsByRFC724MID(ctx context.Context, mid string) (bool, error)

	// === Tokens ===

	GetToken(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID) (string, error)
	SaveToken(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID, token string) error
	TokenExists(ctx context.Context, ns model.TokenNamespace, token string) (bool, error)

	// === Peerstates ===

	GetPeerstateByAddr(ctx context.Context, addr string) (*model.Peerstate, error)
	GetPeerstateByFingerprint(ctx context.Context, fingerprint string) (*model.Peerstate, error)
	SavePeerstate(ctx context.Context, ps *model.Peerstate) error

	// === Self key ===

	GetSelfKey(ctx context.Context, addr string) ([]byte, error)
	SaveSelfKey(ctx context.Context, addr string, armoredPrivate []byte) error

	// === Jobs ===

	AddJob(ctx context.Context, j model.Job) (int64, error)
	GetNextJob(ctx context.Context, thread model.Thread, now time.Time, ignoreBackoff bool) (*model.Job, error)
	GetJobForMsg(ctx context.Context, thread model.Thread, msgID model.MsgID) (*model.Job, error)
	UpdateJob(ctx context.Context, j model.Job) error
	DeleteJob(ctx context.Context, id int64) error
	CountJobs(ctx context.Context, thread model.Thread) (int, error)
}
