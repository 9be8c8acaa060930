package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/verimail/internal/credential"
)

var passwordCmd = &cobra.Command{
	Use:   "password <imap|smtp>",
	Short: "Store a mail server password in the system keyring",
	Long: `Read a password from standard input and store it in the system
keyring. Passwords in the keyring are used when the configuration file
does not set one. The SMTP password falls back to the IMAP one.

Examples:
  echo 'secret' | verimail password imap`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"imap", "smtp"},
	RunE:      runPassword,
}

func init() {
	rootCmd.AddCommand(passwordCmd)
}

func runPassword(cmd *cobra.Command, args []string) error {
	var key string
	switch args[0] {
	case "imap":
		key = credential.KeyIMAPPassword
	case "smtp":
		key = credential.KeySMTPPassword
	default:
		return fmt.Errorf("unknown server %q, want imap or smtp", args[0])
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		return fmt.Errorf("empty password")
	}
	if err := credential.Set(key, password); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Stored %s password\n", args[0])
	return nil
}
