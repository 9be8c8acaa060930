// Package account reads and writes the runtime identity of the
// configured account from the store's raw config table.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Raw config keys.
const (
	KeyConfiguredAddr = "configured_addr"
	KeyDisplayName    = "displayname"
)

// ErrNotConfigured is returned when no address has been configured.
var ErrNotConfigured = errors.New("account not configured")

// RawConfig is the key-value config surface of the store.
type RawConfig interface {
	GetRawConfig(ctx context.Context, key string) (string, bool, error)
	SetRawConfig(ctx context.Context, key, value string) error
}

// Account exposes the configured identity.
type Account struct {
	cfg RawConfig
}

// New returns an Account over cfg.
func New(cfg RawConfig) *Account {
	return &Account{cfg: cfg}
}

// Configure stores the account address and display name.
func (a *Account) Configure(ctx context.Context, addr, displayName string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("configuring account: empty address")
	}
	if err := a.cfg.SetRawConfig(ctx, KeyConfiguredAddr, addr); err != nil {
		return err
	}
	return a.cfg.SetRawConfig(ctx, KeyDisplayName, displayName)
}

// ConfiguredAddr returns the account address or ErrNotConfigured.
func (a *Account) ConfiguredAddr(ctx context.Context) (string, error) {
	addr, ok, err := a.cfg.GetRawConfig(ctx, KeyConfiguredAddr)
	if err != nil {
		return "", fmt.Errorf("reading configured address: %w", err)
	}
	if !ok || addr == "" {
		return "", ErrNotConfigured
	}
	return addr, nil
}

// DisplayName returns the configured display name, possibly empty.
func (a *Account) DisplayName(ctx context.Context) (string, error) {
	name, _, err := a.cfg.GetRawConfig(ctx, KeyDisplayName)
	if err != nil {
		return "", fmt.Errorf("reading display name: %w", err)
	}
	return name, nil
}

// IsSelfAddr reports whether addr is the configured address, ignoring case.
func (a *Account) IsSelfAddr(ctx context.Context, addr string) (bool, error) {
	self, err := a.ConfiguredAddr(ctx)
	if err != nil {
		return false, err
	}
	return AddrEqual(self, addr), nil
}

// AddrEqual compares two addresses case-insensitively.
func AddrEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
