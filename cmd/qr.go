package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/verimail/internal/model"
)

var (
	qrGroupID  int
	qrNewGroup string
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Print a secure-join invitation",
	Long: `Print an invitation that lets a peer verify this account, or join a
verified group when --group or --new-group is given. The peer passes the
printed text to "verimail join" while "verimail run" is active here.

Examples:
  verimail qr
  verimail qr --new-group "Team"
  verimail qr --group 12`,
	Args: cobra.NoArgs,
	RunE: runQR,
}

func init() {
	rootCmd.AddCommand(qrCmd)

	qrCmd.Flags().IntVarP(&qrGroupID, "group", "g", 0, "Chat id of an existing group to invite to")
	qrCmd.Flags().StringVar(&qrNewGroup, "new-group", "", "Create a verified group with this name and invite to it")
	qrCmd.MarkFlagsMutuallyExclusive("group", "new-group")
}

func runQR(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	chatID := model.ChatID(qrGroupID)
	if qrNewGroup != "" {
		if chatID, err = e.Chats().CreateGroup(ctx, qrNewGroup, true); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Created group %q with chat id %d\n", qrNewGroup, chatID)
	}

	qr, err := e.GetSecurejoinQR(ctx, chatID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), qr)
	return nil
}
