package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nhle/verimail/internal/events"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the mail servers and process messages",
	Long: `Start the IMAP and SMTP loops and keep them running until interrupted.
Incoming handshake messages are answered while this runs.

Examples:
  verimail run
  verimail run --config ./alice.yaml`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	go logEvents(e.Events())

	if err := e.StartIO(ctx); err != nil {
		return err
	}
	logrus.Info("Running, press Ctrl+C to stop")

	// Wait for interrupt signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logrus.Info("Shutting down...")
	e.StopIO()
	return nil
}

func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		logrus.WithFields(logrus.Fields{
			"event":      ev.Kind.String(),
			"chat_id":    ev.ChatID,
			"msg_id":     ev.MsgID,
			"contact_id": ev.ContactID,
			"progress":   ev.Progress,
		}).Debug(ev.Text)
	}
}
