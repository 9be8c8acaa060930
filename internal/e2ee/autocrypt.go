package e2ee

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nhle/verimail/internal/model"
)

// AutocryptHeaderName is the header carrying a sender's key.
const AutocryptHeaderName = "Autocrypt"

// Autocrypt is a parsed Autocrypt header.
type Autocrypt struct {
	Addr          string
	PreferEncrypt model.EncryptPreference
	KeyData       []byte
}

// String renders the header value, folding keydata into 76-column lines.
func (a Autocrypt) String() string {
	var b strings.Builder
	b.WriteString("addr=")
	b.WriteString(a.Addr)
	b.WriteString("; ")
	if a.PreferEncrypt == model.EncryptMutual {
		b.WriteString("prefer-encrypt=mutual; ")
	}
	b.WriteString("keydata=")
	enc := base64.StdEncoding.EncodeToString(a.KeyData)
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString(" ")
		enc = enc[76:]
	}
	b.WriteString(enc)
	return b.String()
}

// ParseAutocrypt parses an Autocrypt header value. Unknown critical
// attributes make the header invalid.
func ParseAutocrypt(value string) (*Autocrypt, error) {
	var (
		a       Autocrypt
		keydata string
	)
	for _, attr := range strings.Split(value, ";") {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			return nil, fmt.Errorf("autocrypt: malformed attribute %q", attr)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		switch k {
		case "addr":
			a.Addr = strings.TrimSpace(v)
		case "prefer-encrypt":
			if strings.TrimSpace(v) == "mutual" {
				a.PreferEncrypt = model.EncryptMutual
			}
		case "keydata":
			keydata = v
		default:
			if !strings.HasPrefix(k, "_") {
				return nil, fmt.Errorf("autocrypt: unknown critical attribute %q", k)
			}
		}
	}
	if a.Addr == "" {
		return nil, errors.New("autocrypt: missing addr")
	}

	keydata = strings.Join(strings.Fields(keydata), "")
	data, err := base64.StdEncoding.DecodeString(keydata)
	if err != nil {
		return nil, fmt.Errorf("autocrypt: decoding keydata: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("autocrypt: missing keydata")
	}
	a.KeyData = data
	return &a, nil
}
