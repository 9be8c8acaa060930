// Package smtp implements the outbound connection used by the SMTP
// loop.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/model"
)

// DefaultDialTimeout bounds connection setup.
const DefaultDialTimeout = 30 * time.Second

// Config holds the SMTP server settings.
type Config struct {
	Host     string
	Port     string
	Security model.Security

	// Username and Password are used for PLAIN auth. An empty username
	// skips authentication.
	Username string
	Password string

	DialTimeout time.Duration
}

// Conn is an SMTP connection that is kept open between sends and
// re-established after any error.
type Conn struct {
	cfg Config
	log logrus.FieldLogger

	client *smtp.Client
	conn   net.Conn
}

// NewConn returns an unconnected connection.
func NewConn(cfg Config, log logrus.FieldLogger) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Conn{cfg: cfg, log: log.WithField("conn", "smtp")}
}

// Send delivers body to every recipient in to.
func (c *Conn) Send(ctx context.Context, from string, to []string, body []byte) error {
	if len(to) == 0 {
		return errors.New("smtp: no recipients")
	}
	if err := c.ensure(ctx); err != nil {
		return err
	}
	stop := c.abortOnDone(ctx)
	err := c.transaction(from, to, body)
	aborted := !stop()
	if err != nil {
		c.drop()
		return interrupted(ctx, err)
	}
	if aborted {
		// The mail went out but the connection now has an expired deadline.
		c.drop()
	}
	c.log.WithFields(logrus.Fields{
		"function":   "Send",
		"recipients": len(to),
		"bytes":      len(body),
	}).Debug("Mail sent")
	return nil
}

func (c *Conn) ensure(ctx context.Context) error {
	if c.client != nil {
		stop := c.abortOnDone(ctx)
		err := c.client.Noop()
		if stop() && err == nil {
			return nil
		}
		c.drop()
	}
	client, conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.client, c.conn = client, conn
	return nil
}

// abortOnDone expires the connection deadline once ctx is done, which
// fails a read or write blocked on a silent server. net/smtp takes no
// context. Call the returned func when the commands have returned; it
// reports false if the deadline was expired.
func (c *Conn) abortOnDone(ctx context.Context) func() bool {
	conn := c.conn
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}

// interrupted attaches the context error to err when the connection was
// aborted because ctx is done.
func interrupted(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (c *Conn) dial(ctx context.Context) (*smtp.Client, net.Conn, error) {
	if c.cfg.Host == "" || c.cfg.Port == "" {
		return nil, nil, errors.New("smtp: host and port are required")
	}
	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)
	tlsConfig := &tls.Config{ServerName: c.cfg.Host}
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	var conn net.Conn
	var err error

	if c.cfg.Security == model.SecurityTLS || c.cfg.Security == "" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial to %s: %w", addr, err)
	}

	// Greeting, STARTTLS and AUTH wait on the server.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, nil, interrupted(ctx, fmt.Errorf("creating SMTP client: %w", err))
	}

	if c.cfg.Security == model.SecurityStartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, nil, interrupted(ctx, fmt.Errorf("SMTP STARTTLS: %w", err))
		}
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, nil, interrupted(ctx, fmt.Errorf("SMTP auth: %w", err))
		}
	}
	if !stop() {
		client.Close()
		return nil, nil, ctx.Err()
	}
	return client, conn, nil
}

// transaction sends one message over the connected client.
func (c *Conn) transaction(from string, to []string, body []byte) error {
	if err := c.client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	writer, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write(body); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return nil
}

func (c *Conn) drop() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
		c.conn = nil
	}
}

// Close ends the session with QUIT.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Quit()
	c.drop()
	return err
}
