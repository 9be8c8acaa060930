package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nhle/verimail/internal/credential"
	"github.com/nhle/verimail/internal/engine"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "verimail",
	Short: "Chat over email with verified end-to-end encryption",
	Long: `verimail turns an ordinary IMAP/SMTP account into a chat client.
Contacts and groups are verified out-of-band by scanning a secure-join
invitation, after which all messages are end-to-end encrypted.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", model.DefaultConfigPath(), "Path to the configuration file")
}

// loadConfig reads the configuration, fills passwords from the keyring
// and configures the standard logger.
func loadConfig() (*model.AppConfig, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := credential.FillPasswords(cfg, credential.Get); err != nil {
		logrus.WithError(err).Warn("Keyring unavailable, using configured passwords only")
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Log.Level, err)
	}
	logrus.SetLevel(level)
	if cfg.Log.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return cfg, nil
}

// openEngine loads the configuration and opens the account. The
// returned function closes the engine and its store.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Account.Addr == "" {
		return nil, nil, fmt.Errorf("account.addr is not set in %s", configPath)
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	e, err := engine.New(ctx, engine.Options{
		Config: cfg,
		Store:  st,
		Log:    logrus.StandardLogger(),
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := e.Close(); err != nil {
			logrus.WithError(err).Warn("Closing engine")
		}
		if err := st.Close(); err != nil {
			logrus.WithError(err).Warn("Closing store")
		}
	}
	return e, closeFn, nil
}
