package mailmsg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Encrypter encrypts a serialized MIME entity and returns an armored
// PGP message.
type Encrypter interface {
	Encrypt(ctx context.Context, plain []byte) ([]byte, error)
}

// Outgoing describes a message to render.
type Outgoing struct {
	From      mail.Address
	To        []mail.Address
	Subject   string
	MessageID string
	Date      time.Time

	// Headers are placed into the encrypted part when encrypting.
	Headers []Header

	// Autocrypt is the outer Autocrypt header value, if any.
	Autocrypt string

	Text string
}

// encryptedSubject replaces the outer subject of encrypted messages.
const encryptedSubject = "..."

// Render serializes out. With a nil enc the message is sent in the
// clear; otherwise it becomes a PGP/MIME message.
func Render(ctx context.Context, out Outgoing, enc Encrypter) ([]byte, error) {
	var h mail.Header
	h.SetAddressList("From", []*mail.Address{&out.From})
	to := make([]*mail.Address, len(out.To))
	for i := range out.To {
		to[i] = &out.To[i]
	}
	h.SetAddressList("To", to)
	date := out.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if out.MessageID != "" {
		h.SetMessageID(out.MessageID)
	}
	h.Set(HeaderChatVersion, "1.0")
	if out.Autocrypt != "" {
		h.Set(HeaderAutocrypt, out.Autocrypt)
	}

	if enc == nil {
		h.SetSubject(out.Subject)
		for _, hdr := range out.Headers {
			h.Set(hdr.Key, hdr.Value)
		}
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")

		var buf bytes.Buffer
		if err := writeEntity(&buf, h.Header, out.Text); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	var inner message.Header
	inner.SetContentType("text/plain", map[string]string{"charset": "utf-8", "protected-headers": "v1"})
	inner.Set("Content-Transfer-Encoding", "quoted-printable")
	inner.SetText("Subject", out.Subject)
	for _, hdr := range out.Headers {
		inner.Set(hdr.Key, hdr.Value)
	}
	var plain bytes.Buffer
	if err := writeEntity(&plain, inner, out.Text); err != nil {
		return nil, err
	}
	armored, err := enc.Encrypt(ctx, plain.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}

	h.SetSubject(encryptedSubject)
	h.SetContentType("multipart/encrypted", map[string]string{"protocol": "application/pgp-encrypted"})

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	var control message.Header
	control.SetContentType("application/pgp-encrypted", nil)
	control.Set("Content-Description", "PGP/MIME version identification")
	if err := writePart(mw, control, []byte("Version: 1\r\n")); err != nil {
		return nil, err
	}

	var payload message.Header
	payload.SetContentType("application/octet-stream", map[string]string{"name": "encrypted.asc"})
	payload.SetContentDisposition("inline", map[string]string{"filename": "encrypted.asc"})
	payload.Set("Content-Description", "OpenPGP encrypted message")
	if err := writePart(mw, payload, armored); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntity(w io.Writer, h message.Header, text string) error {
	mw, err := message.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(mw, text); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing message writer: %w", err)
	}
	return nil
}

func writePart(mw *message.Writer, h message.Header, body []byte) error {
	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating part: %w", err)
	}
	if _, err := pw.Write(body); err != nil {
		return fmt.Errorf("writing part: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("closing part: %w", err)
	}
	return nil
}
