package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INBOX", cfg.Folders.Inbox)
	assert.Equal(t, 20, cfg.Scheduler.MaxJobBurst)
	assert.Equal(t, SecurityTLS, cfg.IMAP.Security)
}

func TestLoadConfigFillsUsernames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
account:
  addr: alice@example.org
  display_name: Alice
imap:
  host: imap.example.org
smtp:
  host: smtp.example.org
  port: "587"
  security: starttls
scheduler:
  fake_idle_sec: 5
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.org", cfg.IMAP.Username)
	assert.Equal(t, "alice@example.org", cfg.SMTP.Username)
	assert.Equal(t, "993", cfg.IMAP.Port)
	assert.Equal(t, "587", cfg.SMTP.Port)
	assert.Equal(t, SecurityStartTLS, cfg.SMTP.Security)
	assert.Equal(t, 5, cfg.Scheduler.FakeIdleSec)
	assert.Equal(t, 23*60, cfg.Scheduler.IdleTimeoutSec)
}

func TestSaveConfigOmitsPasswords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := defaultAppConfig()
	cfg.Account.Addr = "bob@example.net"
	cfg.IMAP.Password = "secret"

	require.NoError(t, SaveConfig(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
	assert.Equal(t, "secret", cfg.IMAP.Password, "caller's config must not be modified")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.net", loaded.Account.Addr)
}
