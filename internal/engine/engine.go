// Package engine wires the store, the chat and contact services, the
// secure-join protocol, the job queue and the scheduler into one
// account context.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/account"
	"github.com/nhle/verimail/internal/chat"
	"github.com/nhle/verimail/internal/contact"
	"github.com/nhle/verimail/internal/e2ee"
	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/imap"
	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/job"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/scheduler"
	"github.com/nhle/verimail/internal/securejoin"
	"github.com/nhle/verimail/internal/smtp"
	"github.com/nhle/verimail/internal/store"
	"github.com/nhle/verimail/internal/token"
)

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 1024

// Options configures an Engine.
type Options struct {
	Config *model.AppConfig
	Store  *store.SQLiteStore
	Log    logrus.FieldLogger

	// KeyBits is the RSA size of a generated self key. Zero selects
	// e2ee.DefaultRSABits.
	KeyBits int

	// NewInbound and NewOutbound replace the IMAP and SMTP connections.
	// They receive the engine so inbound connections can hand fetched
	// mail to Receive.
	NewInbound  func(e *Engine, name string) scheduler.InboundConn
	NewOutbound func(e *Engine) scheduler.OutboundConn

	// FakeIdleInterval overrides Config.Scheduler.FakeIdleSec.
	FakeIdleInterval time.Duration
}

// Engine is one configured account with its background IO.
type Engine struct {
	cfg   *model.AppConfig
	store *store.SQLiteStore
	log   logrus.FieldLogger

	events   *events.Emitter
	account  *account.Account
	keys     *e2ee.Keys
	contacts *contact.Service
	chats    *chat.Service
	jobs     *job.Queue
	sched    *scheduler.Scheduler
	sj       *securejoin.Service

	// receiveMu serializes ingestion across the inbound loops.
	receiveMu sync.Mutex

	ioMu sync.Mutex
}

// New builds an engine over an open store. The account address and
// watched folders from the configuration are written to the store.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, fmt.Errorf("engine: config and store are required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := &Engine{
		cfg:    opts.Config,
		store:  opts.Store,
		log:    log,
		events: events.NewEmitter(DefaultEventBuffer),
	}
	e.account = account.New(opts.Store)
	if err := e.configureAccount(ctx); err != nil {
		return nil, err
	}

	e.keys = e2ee.NewKeys(opts.Store, e.account, opts.KeyBits)
	e.contacts = contact.NewService(opts.Store, e.account, e.events, log)
	e.jobs = job.NewQueue(opts.Store, log)
	e.chats = chat.NewService(chat.Options{
		Backend:  opts.Store,
		Verifier: e.contacts,
		Account:  e.account,
		Jobs:     e.jobs,
		Events:   e.events,
		Log:      log,
	})

	newInbound := opts.NewInbound
	if newInbound == nil {
		newInbound = defaultInbound
	}
	newOutbound := opts.NewOutbound
	if newOutbound == nil {
		newOutbound = defaultOutbound
	}
	fakeIdle := opts.FakeIdleInterval
	if fakeIdle <= 0 {
		fakeIdle = time.Duration(opts.Config.Scheduler.FakeIdleSec) * time.Second
	}
	e.sched = scheduler.New(scheduler.Options{
		Log:              log,
		Config:           opts.Store,
		Jobs:             e.jobs,
		NewInbound:       func(name string) scheduler.InboundConn { return newInbound(e, name) },
		NewOutbound:      func() scheduler.OutboundConn { return newOutbound(e) },
		FakeIdleInterval: fakeIdle,
		MaxJobBurst:      opts.Config.Scheduler.MaxJobBurst,
	})
	e.chats.SetNotifier(e.sched)

	e.sj = securejoin.New(securejoin.Options{
		Chats:      e.chats,
		Contacts:   e.contacts,
		Tokens:     token.NewStore(opts.Store),
		Peerstates: opts.Store,
		Keys:       e.keys,
		Account:    e.account,
		Events:     e.events,
		Log:        log,
	})

	e.jobs.Register(model.ActionSendMsgToSMTP, e.sendMsgToSMTP)
	e.jobs.Register(model.ActionMarkseenMsgOnIMAP, e.markseenMsgOnIMAP)
	e.jobs.Register(model.ActionDeleteMsgOnIMAP, e.deleteMsgOnIMAP)
	return e, nil
}

func (e *Engine) configureAccount(ctx context.Context) error {
	cfg := e.cfg
	if cfg.Account.Addr != "" {
		current, err := e.account.ConfiguredAddr(ctx)
		name, _ := e.account.DisplayName(ctx)
		if err != nil || !account.AddrEqual(current, cfg.Account.Addr) || name != cfg.Account.DisplayName {
			if err := e.account.Configure(ctx, cfg.Account.Addr, cfg.Account.DisplayName); err != nil {
				return err
			}
		}
	}

	folders := []struct {
		key, name string
		watch     bool
	}{
		{scheduler.KeyInboxFolder, cfg.Folders.Inbox, true},
		{scheduler.KeyMvboxFolder, cfg.Folders.Mvbox, cfg.Folders.WatchMvbox},
		{scheduler.KeySentboxFolder, cfg.Folders.Sentbox, cfg.Folders.WatchSentbox},
	}
	for _, f := range folders {
		name := f.name
		if !f.watch {
			name = ""
		}
		if err := e.store.SetRawConfig(ctx, f.key, name); err != nil {
			return fmt.Errorf("configuring folders: %w", err)
		}
	}
	return nil
}

func defaultInbound(e *Engine, name string) scheduler.InboundConn {
	c := e.cfg.IMAP
	return imap.NewConn(name, imap.Config{
		Host:        c.Host,
		Port:        c.Port,
		Security:    c.Security,
		Username:    c.Username,
		Password:    c.Password,
		IdleTimeout: time.Duration(e.cfg.Scheduler.IdleTimeoutSec) * time.Second,
	}, e.store, receiver{e}, e.log)
}

func defaultOutbound(e *Engine) scheduler.OutboundConn {
	c := e.cfg.SMTP
	return smtp.NewConn(smtp.Config{
		Host:     c.Host,
		Port:     c.Port,
		Security: c.Security,
		Username: c.Username,
		Password: c.Password,
	}, e.log)
}

// Events returns the channel events are delivered on. Events are
// dropped when nobody drains it.
func (e *Engine) Events() <-chan events.Event { return e.events.C() }

// Chats returns the chat service.
func (e *Engine) Chats() *chat.Service { return e.chats }

// Contacts returns the contact service.
func (e *Engine) Contacts() *contact.Service { return e.contacts }

// SelfFingerprint returns the fingerprint of the account key,
// generating the key on first use.
func (e *Engine) SelfFingerprint(ctx context.Context) (string, error) {
	return e.keys.SelfFingerprint(ctx)
}

// StartIO starts the connection loops. It is a no-op when they already
// run.
func (e *Engine) StartIO(ctx context.Context) error {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	if e.sched.IsRunning() {
		e.log.WithField("function", "StartIO").Info("IO already running")
		return nil
	}
	if _, err := e.account.ConfiguredAddr(ctx); err != nil {
		return err
	}
	if err := e.keys.EnsureSecretKey(ctx); err != nil {
		return err
	}
	return e.sched.Start(ctx)
}

// StopIO stops the connection loops. It is a no-op when they are not
// running.
func (e *Engine) StopIO() {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	if !e.sched.IsRunning() {
		return
	}
	e.sched.Stop(e.sched.PreStop())
}

// IsIORunning reports whether the connection loops run.
func (e *Engine) IsIORunning() bool { return e.sched.IsRunning() }

// MaybeNetwork tells every loop that the network may be back.
func (e *Engine) MaybeNetwork() { e.sched.MaybeNetwork() }

// InterruptInbox wakes the inbox loop.
func (e *Engine) InterruptInbox(info interrupt.Info) { e.sched.InterruptInbox(info) }

// InterruptMvbox wakes the mvbox loop.
func (e *Engine) InterruptMvbox(info interrupt.Info) { e.sched.InterruptMvbox(info) }

// InterruptSentbox wakes the sentbox loop.
func (e *Engine) InterruptSentbox(info interrupt.Info) { e.sched.InterruptSentbox(info) }

// InterruptSMTP wakes the outbound loop.
func (e *Engine) InterruptSMTP(info interrupt.Info) { e.sched.InterruptSMTP(info) }

// GetSecurejoinQR returns an invitation to verify this account, or to
// join the given group when groupChatID is non-zero.
func (e *Engine) GetSecurejoinQR(ctx context.Context, groupChatID model.ChatID) (string, error) {
	return e.sj.GetQR(ctx, groupChatID)
}

// JoinSecurejoin runs the joiner side of the protocol for qr and
// returns the verified chat. IO must be running for the handshake to
// make progress.
func (e *Engine) JoinSecurejoin(ctx context.Context, qr string) (model.ChatID, error) {
	return e.sj.Join(ctx, qr)
}

// Close stops IO. The store stays open and belongs to the caller.
func (e *Engine) Close() error {
	e.StopIO()
	return nil
}
