package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/verimail/internal/model"
)

const serviceName = "verimail"

// Keyring keys of the mail server passwords.
const (
	KeyIMAPPassword = "imap-password"
	KeySMTPPassword = "smtp-password"
)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/verimail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("verimail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       "verimail " + key,
		Description: "mail server password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// IsNotFound reports whether err means the keyring has no such key.
func IsNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound)
}

// FillPasswords sets the IMAP and SMTP passwords missing from cfg from
// get, which is normally Get. Keys absent from the keyring are skipped.
// An SMTP password falls back to the IMAP one.
func FillPasswords(cfg *model.AppConfig, get func(key string) (string, error)) error {
	fill := func(dst *string, key string) error {
		if *dst != "" {
			return nil
		}
		v, err := get(key)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}

	if err := fill(&cfg.IMAP.Password, KeyIMAPPassword); err != nil {
		return err
	}
	if err := fill(&cfg.SMTP.Password, KeySMTPPassword); err != nil {
		return err
	}
	if cfg.SMTP.Password == "" {
		cfg.SMTP.Password = cfg.IMAP.Password
	}
	return nil
}
