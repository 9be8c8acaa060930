// Package imap implements the inbound connection the scheduler loops
// own: it fetches new mail from one folder at a time, waits for more
// with IDLE and executes the flag changes requested by IMAP jobs.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/model"
)

// DefaultIdleTimeout re-issues IDLE well before the 29 minute limit
// servers are allowed to enforce.
const DefaultIdleTimeout = 23 * time.Minute

// DefaultDialTimeout bounds connection setup.
const DefaultDialTimeout = 30 * time.Second

// mailboxKeyPrefix prefixes the raw config key holding the UID
// bookkeeping of a folder.
const mailboxKeyPrefix = "imap.mailbox."

var errNotConnected = errors.New("imap: not connected")

// AuthError indicates that the server rejected the credentials.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("imap auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Config holds the server settings of a connection.
type Config struct {
	Host     string
	Port     string
	Security model.Security
	Username string
	Password string

	// IdleTimeout bounds one IDLE command. Zero selects DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// UIDStore persists the per-folder UID bookkeeping.
type UIDStore interface {
	GetRawConfig(ctx context.Context, key string) (string, bool, error)
	SetRawConfig(ctx context.Context, key, value string) error
}

// Ingester receives each newly fetched message.
type Ingester interface {
	Receive(ctx context.Context, folder string, uid uint32, raw []byte) error
}

// Conn is one IMAP connection. It is used by a single loop goroutine;
// only TriggerReconnect may be called concurrently.
type Conn struct {
	name   string
	cfg    Config
	uids   UIDStore
	ingest Ingester
	log    logrus.FieldLogger

	client    *imapclient.Client
	selected  string
	reconnect atomic.Bool
	exists    chan struct{}
	lastErr   error
}

// NewConn returns an unconnected connection. name identifies the
// owning loop in logs.
func NewConn(name string, cfg Config, uids UIDStore, ingest Ingester, log logrus.FieldLogger) *Conn {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Conn{
		name:   name,
		cfg:    cfg,
		uids:   uids,
		ingest: ingest,
		log:    log.WithField("conn", name),
		exists: make(chan struct{}, 1),
	}
}

// Connect checks the configuration and tries to log in. Only a missing
// host or port is an error. A failure to reach the server or to log in
// is not returned: it is logged, kept in LastError and retried by the
// next Fetch, so a loop keeps running while the network is down and
// never ends because of a failed initial connect.
func (c *Conn) Connect(ctx context.Context) error {
	if c.cfg.Host == "" || c.cfg.Port == "" {
		return errors.New("imap: host and port are required")
	}
	if err := c.ensure(ctx); err != nil {
		c.log.WithError(err).Warn("Initial IMAP connect failed")
	}
	return nil
}

// LastError returns the error of the most recent connection attempt.
func (c *Conn) LastError() error { return c.lastErr }

// ensure (re)connects when there is no client, the server closed the
// connection, or a reconnect was requested.
func (c *Conn) ensure(ctx context.Context) error {
	if c.client != nil && !c.reconnect.Load() && !c.closed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.disconnect()
	c.reconnect.Store(false)

	client, err := c.dial(ctx)
	c.lastErr = err
	if err != nil {
		return err
	}
	c.client = client
	c.log.WithField("host", c.cfg.Host).Info("IMAP connected")
	return nil
}

func (c *Conn) dial(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: c.cfg.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					c.signalExists()
				}
			},
		},
	}

	dialer := &net.Dialer{Timeout: DefaultDialTimeout}
	var conn net.Conn
	var err error

	switch c.cfg.Security {
	case model.SecurityStartTLS, model.SecurityPlain:
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	default:
		tlsConfig := opts.TLSConfig.Clone()
		tlsConfig.NextProtos = []string{"imap"}
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	// Greeting, STARTTLS and LOGIN wait on the server.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var client *imapclient.Client
	if c.cfg.Security == model.SecurityStartTLS {
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			return nil, interrupted(ctx, fmt.Errorf("IMAP STARTTLS with %s: %w", addr, err))
		}
	} else {
		client = imapclient.New(conn, opts)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, interrupted(ctx, err)
		}
		return nil, &AuthError{
			Username: c.cfg.Username,
			Message:  fmt.Sprintf("authentication failed: %v", err),
		}
	}
	if !stop() {
		_ = client.Close()
		return nil, ctx.Err()
	}
	return client, nil
}

// abortOnDone closes the current client once ctx is done, so a command
// waiting on a silent server fails. Call the returned func when the
// commands have returned.
func (c *Conn) abortOnDone(ctx context.Context) func() bool {
	client := c.client
	return context.AfterFunc(ctx, func() {
		c.log.Debug("Closing IMAP connection on cancellation")
		_ = client.Close()
	})
}

// interrupted attaches the context error to err when the connection was
// closed because ctx is done.
func interrupted(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (c *Conn) closed() bool {
	select {
	case <-c.client.Closed():
		return true
	default:
		return false
	}
}

func (c *Conn) disconnect() {
	if c.client == nil {
		return
	}
	if !c.closed() {
		if err := c.client.Logout().Wait(); err != nil {
			c.log.WithError(err).Debug("IMAP logout")
		}
	}
	_ = c.client.Close()
	c.client = nil
	c.selected = ""
}

func (c *Conn) signalExists() {
	select {
	case c.exists <- struct{}{}:
	default:
	}
}

func (c *Conn) drainExists() {
	select {
	case <-c.exists:
	default:
	}
}

// TriggerReconnect makes the next operation start from a fresh
// connection.
func (c *Conn) TriggerReconnect() {
	c.reconnect.Store(true)
}

// Close logs out.
func (c *Conn) Close() error {
	c.disconnect()
	return nil
}

// CanIdle reports whether the connected server supports IDLE.
func (c *Conn) CanIdle() bool {
	if c.client == nil || c.reconnect.Load() {
		return false
	}
	return c.client.Caps().Has(goimap.CapIdle)
}

func (c *Conn) selectFolder(folder string) (*goimap.SelectData, error) {
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		c.selected = ""
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}
	c.selected = folder
	return data, nil
}

// Fetch hands every message that arrived in folder since the last
// fetch to the ingester.
func (c *Conn) Fetch(ctx context.Context, folder string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	log := c.log.WithFields(logrus.Fields{"function": "Fetch", "folder": folder})
	defer c.abortOnDone(ctx)()

	data, err := c.selectFolder(folder)
	if err != nil {
		return interrupted(ctx, err)
	}

	key := mailboxKeyPrefix + folder
	state, err := c.loadState(ctx, key)
	if err != nil {
		return err
	}
	if state.validity != data.UIDValidity {
		// Unknown or reset folder: start after the newest message.
		state = mailboxState{validity: data.UIDValidity}
		if data.UIDNext > 0 {
			state.lastUID = uint32(data.UIDNext) - 1
		}
		log.WithFields(logrus.Fields{
			"uid_validity": state.validity,
			"last_uid":     state.lastUID,
		}).Info("Starting UID bookkeeping")
		return c.saveState(ctx, key, state)
	}
	if data.NumMessages == 0 || (data.UIDNext > 0 && uint32(data.UIDNext)-1 <= state.lastUID) {
		return nil
	}

	section := &goimap.FetchItemBodySection{Peek: true}
	uidSet := goimap.UIDSet{goimap.UIDRange{Start: goimap.UID(state.lastUID + 1)}}
	fetchCmd := c.client.Fetch(uidSet, &goimap.FetchOptions{
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{section},
	})
	msgs, err := fetchCmd.Collect()
	if err != nil {
		return interrupted(ctx, fmt.Errorf("fetching %s: %w", folder, err))
	}

	for _, buf := range msgs {
		uid := uint32(buf.UID)
		// "n:*" always matches the newest message, even below n.
		if uid <= state.lastUID {
			continue
		}
		raw := buf.FindBodySection(section)
		if raw == nil {
			log.WithField("uid", uid).Warn("Message without body")
		} else if err := c.ingest.Receive(ctx, folder, uid, raw); err != nil {
			log.WithError(err).WithField("uid", uid).Error("Failed to receive message")
		}
		state.lastUID = uid
		if err := c.saveState(ctx, key, state); err != nil {
			return err
		}
	}
	return nil
}

// Idle waits on folder until the server reports new mail, an interrupt
// arrives on wake, ctx is done or IdleTimeout elapses.
func (c *Conn) Idle(ctx context.Context, folder string, wake <-chan interrupt.Info) (interrupt.Info, error) {
	if c.client == nil {
		return interrupt.Info{}, errNotConnected
	}
	defer c.abortOnDone(ctx)()

	if c.selected != folder {
		if _, err := c.selectFolder(folder); err != nil {
			return interrupt.Info{}, interrupted(ctx, err)
		}
	}
	c.drainExists()

	cmd, err := c.client.Idle()
	if err != nil {
		return interrupt.Info{}, fmt.Errorf("starting idle on %s: %w", folder, err)
	}

	timer := time.NewTimer(c.cfg.IdleTimeout)
	defer timer.Stop()

	var info interrupt.Info
	select {
	case <-ctx.Done():
	case info = <-wake:
	case <-c.exists:
		c.log.WithField("folder", folder).Debug("New mail while idling")
	case <-timer.C:
	case <-c.client.Closed():
		return info, fmt.Errorf("idle on %s: connection closed", folder)
	}

	if err := cmd.Close(); err != nil {
		return info, interrupted(ctx, fmt.Errorf("ending idle on %s: %w", folder, err))
	}
	return info, nil
}

// SetSeen adds the \Seen flag to the message.
func (c *Conn) SetSeen(ctx context.Context, folder string, uid uint32) error {
	return c.store(ctx, folder, uid, goimap.FlagSeen)
}

// Delete flags the message \Deleted and expunges the folder.
func (c *Conn) Delete(ctx context.Context, folder string, uid uint32) error {
	if err := c.store(ctx, folder, uid, goimap.FlagDeleted); err != nil {
		return err
	}
	defer c.abortOnDone(ctx)()
	if err := c.client.Expunge().Close(); err != nil {
		return interrupted(ctx, fmt.Errorf("expunging %s: %w", folder, err))
	}
	return nil
}

func (c *Conn) store(ctx context.Context, folder string, uid uint32, flag goimap.Flag) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	defer c.abortOnDone(ctx)()

	if c.selected != folder {
		if _, err := c.selectFolder(folder); err != nil {
			return interrupted(ctx, err)
		}
	}

	storeCmd := c.client.Store(goimap.UIDSetNum(goimap.UID(uid)), &goimap.StoreFlags{
		Op:     goimap.StoreFlagsAdd,
		Silent: true,
		Flags:  []goimap.Flag{flag},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return interrupted(ctx, fmt.Errorf("storing %s on %s/%d: %w", flag, folder, uid, err))
	}
	return nil
}

// mailboxState is the UID bookkeeping of one folder.
type mailboxState struct {
	validity uint32
	lastUID  uint32
}

func (m mailboxState) String() string {
	return fmt.Sprintf("%d:%d", m.validity, m.lastUID)
}

func parseMailboxState(s string) (mailboxState, error) {
	v, u, ok := strings.Cut(s, ":")
	if !ok {
		return mailboxState{}, fmt.Errorf("malformed mailbox state %q", s)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return mailboxState{}, fmt.Errorf("malformed uid validity %q: %w", v, err)
	}
	last, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return mailboxState{}, fmt.Errorf("malformed last uid %q: %w", u, err)
	}
	return mailboxState{validity: uint32(validity), lastUID: uint32(last)}, nil
}

func (c *Conn) loadState(ctx context.Context, key string) (mailboxState, error) {
	raw, ok, err := c.uids.GetRawConfig(ctx, key)
	if err != nil {
		return mailboxState{}, fmt.Errorf("loading %s: %w", key, err)
	}
	if !ok {
		return mailboxState{}, nil
	}
	state, err := parseMailboxState(raw)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Resetting mailbox state")
		return mailboxState{}, nil
	}
	return state, nil
}

func (c *Conn) saveState(ctx context.Context, key string, state mailboxState) error {
	if err := c.uids.SetRawConfig(ctx, key, state.String()); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}
