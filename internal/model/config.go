package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Security selects how a mail server connection is secured.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"

	// SecurityPlain sends credentials unencrypted. net/smtp only allows
	// it towards localhost.
	SecurityPlain Security = "plain"
)

// AccountConfig identifies the local account.
type AccountConfig struct {
	// Addr is the email address of this account.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// DisplayName is shown to peers and embedded in invitations.
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
}

// ServerConfig holds the settings for one IMAP or SMTP server.
type ServerConfig struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     string   `mapstructure:"port" yaml:"port"`
	Security Security `mapstructure:"security" yaml:"security"`

	// Username defaults to the account address when empty.
	Username string `mapstructure:"username" yaml:"username"`

	// Password is optional; when empty the keyring is consulted.
	Password string `mapstructure:"password" yaml:"password"`
}

// FoldersConfig names the watched mailboxes.
type FoldersConfig struct {
	Inbox   string `mapstructure:"inbox" yaml:"inbox"`
	Mvbox   string `mapstructure:"mvbox" yaml:"mvbox"`
	Sentbox string `mapstructure:"sentbox" yaml:"sentbox"`

	// WatchMvbox and WatchSentbox enable the secondary loops' folders.
	WatchMvbox   bool `mapstructure:"watch_mvbox" yaml:"watch_mvbox"`
	WatchSentbox bool `mapstructure:"watch_sentbox" yaml:"watch_sentbox"`
}

// SchedulerConfig tunes the connection loops.
type SchedulerConfig struct {
	// FakeIdleSec is the poll interval used when IDLE is unavailable.
	FakeIdleSec int `mapstructure:"fake_idle_sec" yaml:"fake_idle_sec"`

	// IdleTimeoutSec bounds one IDLE command before it is re-issued.
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`

	// MaxJobBurst is the number of consecutive inbox jobs before a fetch
	// is forced.
	MaxJobBurst int `mapstructure:"max_job_burst" yaml:"max_job_burst"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Account   AccountConfig   `mapstructure:"account" yaml:"account"`
	IMAP      ServerConfig    `mapstructure:"imap" yaml:"imap"`
	SMTP      ServerConfig    `mapstructure:"smtp" yaml:"smtp"`
	Folders   FoldersConfig   `mapstructure:"folders" yaml:"folders"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/verimail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "verimail", "config.yaml")
}

// defaultDatabasePath returns ~/.local/share/verimail/verimail.db.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "verimail.db"
	}
	return filepath.Join(home, ".local", "share", "verimail", "verimail.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		IMAP: ServerConfig{Port: "993", Security: SecurityTLS},
		SMTP: ServerConfig{Port: "465", Security: SecurityTLS},
		Folders: FoldersConfig{
			Inbox:   "INBOX",
			Mvbox:   "Chats",
			Sentbox: "Sent",
		},
		Scheduler: SchedulerConfig{
			FakeIdleSec:    60,
			IdleTimeoutSec: 23 * 60,
			MaxJobBurst:    20,
		},
		Database: DatabaseConfig{Path: defaultDatabasePath()},
		Log:      LogConfig{Level: "info"},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	def := defaultAppConfig()
	v.SetDefault("imap.port", def.IMAP.Port)
	v.SetDefault("imap.security", string(def.IMAP.Security))
	v.SetDefault("smtp.port", def.SMTP.Port)
	v.SetDefault("smtp.security", string(def.SMTP.Security))
	v.SetDefault("folders.inbox", def.Folders.Inbox)
	v.SetDefault("folders.mvbox", def.Folders.Mvbox)
	v.SetDefault("folders.sentbox", def.Folders.Sentbox)
	v.SetDefault("scheduler.fake_idle_sec", def.Scheduler.FakeIdleSec)
	v.SetDefault("scheduler.idle_timeout_sec", def.Scheduler.IdleTimeoutSec)
	v.SetDefault("scheduler.max_job_burst", def.Scheduler.MaxJobBurst)
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("log.level", def.Log.Level)

	v.SetEnvPrefix("verimail")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.IMAP.Username == "" {
		cfg.IMAP.Username = cfg.Account.Addr
	}
	if cfg.SMTP.Username == "" {
		cfg.SMTP.Username = cfg.Account.Addr
	}
	if cfg.Scheduler.MaxJobBurst <= 0 {
		cfg.Scheduler.MaxJobBurst = def.Scheduler.MaxJobBurst
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. Passwords are never written.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	imapCfg, smtpCfg := cfg.IMAP, cfg.SMTP
	imapCfg.Password, smtpCfg.Password = "", ""

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("account", cfg.Account)
	v.Set("imap", imapCfg)
	v.Set("smtp", smtpCfg)
	v.Set("folders", cfg.Folders)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("database", cfg.Database)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
