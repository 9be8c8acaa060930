package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var joinTimeout time.Duration

var joinCmd = &cobra.Command{
	Use:   "join <invitation>",
	Short: "Verify a contact or join a group from an invitation",
	Long: `Run the joiner side of the secure-join handshake for an invitation
printed by "verimail qr". The command connects to the mail servers and
waits until the inviter answered.

Examples:
  verimail join 'OPENPGP4FPR:...'
  verimail join --timeout 10m 'OPENPGP4FPR:...'`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().DurationVarP(&joinTimeout, "timeout", "t", 5*time.Minute, "How long to wait for the inviter")
}

func runJoin(cmd *cobra.Command, args []string) error {
	e, closeFn, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), joinTimeout)
	defer cancel()

	if err := e.StartIO(ctx); err != nil {
		return err
	}
	defer e.StopIO()

	chatID, err := e.JoinSecurejoin(ctx, args[0])
	if err != nil {
		return fmt.Errorf("joining: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Verified, chat id %d\n", chatID)
	return nil
}
