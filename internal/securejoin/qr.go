package securejoin

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/model"
)

const qrScheme = "OPENPGP4FPR:"

// Invite is a decoded OPENPGP4FPR QR code.
type Invite struct {
	Fingerprint  string
	Addr         string
	Name         string
	InviteNumber string
	Auth         string
	GrpID        string
	GroupName    string

	// ContactID is set by CheckQR to the contact created for Addr.
	ContactID model.ContactID
}

// IsGroup reports whether the invite is for joining a group.
func (inv *Invite) IsGroup() bool { return inv.GrpID != "" }

// IsInvitation reports whether the invite carries everything needed to
// run a handshake.
func (inv *Invite) IsInvitation() bool {
	return inv.Addr != "" && inv.InviteNumber != "" && inv.Auth != ""
}

func (inv *Invite) variant() Variant {
	if inv.IsGroup() {
		return VerifyGroup
	}
	return VerifyContact
}

// String encodes the invite. Contact invites use the a, n, i and s
// parameters; group invites use a, g, x, i and s.
func (inv *Invite) String() string {
	addr := percentEncode(inv.Addr, true)
	if inv.IsGroup() {
		return fmt.Sprintf("%s%s#a=%s&g=%s&x=%s&i=%s&s=%s",
			qrScheme, inv.Fingerprint, addr, percentEncode(inv.GroupName, false),
			inv.GrpID, inv.InviteNumber, inv.Auth)
	}
	return fmt.Sprintf("%s%s#a=%s&n=%s&i=%s&s=%s",
		qrScheme, inv.Fingerprint, addr, percentEncode(inv.Name, true),
		inv.InviteNumber, inv.Auth)
}

// ParseQR decodes an OPENPGP4FPR QR code. The fragment is optional; a
// bare fingerprint decodes to an invite that is not an invitation.
func ParseQR(text string) (*Invite, error) {
	text = strings.TrimSpace(text)
	if len(text) < len(qrScheme) || !strings.EqualFold(text[:len(qrScheme)], qrScheme) {
		return nil, fmt.Errorf("parsing QR code: missing %s prefix", qrScheme)
	}
	payload := text[len(qrScheme):]

	fp, fragment, _ := strings.Cut(payload, "#")
	inv := &Invite{Fingerprint: model.NormalizeFingerprint(fp)}
	if len(inv.Fingerprint) != 40 {
		return nil, fmt.Errorf("parsing QR code: bad fingerprint %q", fp)
	}

	for _, pair := range strings.Split(fragment, "&") {
		if pair == "" {
			continue
		}
		key, raw, _ := strings.Cut(pair, "=")
		value, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing QR code parameter %s: %w", key, err)
		}
		switch key {
		case "a":
			inv.Addr = strings.TrimSpace(value)
		case "n":
			inv.Name = value
		case "i":
			inv.InviteNumber = value
		case "s":
			inv.Auth = value
		case "x":
			inv.GrpID = value
		case "g":
			inv.GroupName = value
		}
	}

	if inv.Addr != "" && !strings.Contains(inv.Addr, "@") {
		return nil, fmt.Errorf("parsing QR code: bad address %q", inv.Addr)
	}
	if inv.GrpID != "" && inv.GroupName == "" {
		return nil, fmt.Errorf("parsing QR code: group %s without name", inv.GrpID)
	}
	return inv, nil
}

// percentEncode escapes every byte that is not an ASCII letter or digit.
// keepDot leaves '.' unescaped, which keeps addresses readable.
func percentEncode(s string, keepDot bool) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.' && keepDot:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// GetQR returns the invitation QR code for the local account. A zero
// groupChatID invites to a verified contact; otherwise the invite joins
// that group. The secrets are generated on first use and reused after.
func (s *Service) GetQR(ctx context.Context, groupChatID model.ChatID) (string, error) {
	log := s.log.WithFields(logrus.Fields{
		"function": "GetQR",
		"chat_id":  groupChatID,
	})

	if err := s.keys.EnsureSecretKey(ctx); err != nil {
		log.WithError(err).Warn("Cannot ensure secret key")
	}

	inviteNumber, err := s.tokens.LookupOrNew(ctx, model.TokenInviteNumber, groupChatID)
	if err != nil {
		return "", err
	}
	auth, err := s.tokens.LookupOrNew(ctx, model.TokenAuth, groupChatID)
	if err != nil {
		return "", err
	}

	addr, err := s.account.ConfiguredAddr(ctx)
	if err != nil {
		log.WithError(err).Error("Not configured, cannot generate QR code")
		return "", fmt.Errorf("generating QR code: %w", err)
	}
	name, err := s.account.DisplayName(ctx)
	if err != nil {
		return "", err
	}
	fp, err := s.keys.SelfFingerprint(ctx)
	if err != nil {
		return "", fmt.Errorf("generating QR code: %w", err)
	}

	inv := &Invite{
		Fingerprint:  fp,
		Addr:         addr,
		Name:         name,
		InviteNumber: inviteNumber,
		Auth:         auth,
	}
	if !groupChatID.IsUnset() {
		c, err := s.chats.Get(ctx, groupChatID)
		if err != nil {
			log.WithError(err).Error("Cannot get QR code for chat")
			return "", fmt.Errorf("generating QR code for chat %d: %w", groupChatID, err)
		}
		if !c.IsGroup() || c.GrpID == "" {
			return "", fmt.Errorf("generating QR code: chat %d is not a group", groupChatID)
		}
		inv.GrpID = c.GrpID
		inv.GroupName = c.Name
	}

	log.Info("Generated secure-join QR code")
	return inv.String(), nil
}

// CheckQR decodes a QR code and records the inviter as a contact.
func (s *Service) CheckQR(ctx context.Context, text string) (*Invite, error) {
	inv, err := ParseQR(text)
	if err != nil {
		return nil, err
	}
	if inv.Addr == "" {
		return inv, nil
	}
	id, _, err := s.contacts.AddOrLookup(ctx, inv.Name, inv.Addr, model.OriginUnhandledQrScan)
	if err != nil {
		return nil, fmt.Errorf("adding inviter from QR code: %w", err)
	}
	inv.ContactID = id
	return inv, nil
}
