package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var PublishCmd = &cobra.Command{
	Use:   "publish <channel> <message>...",
	Short: "Publish messages to a channel",
	Long: `Publish one or more messages to a channel. Blank messages are skipped.

Usage
	herald publish news.sport "kick off" "half time"
`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		p, log, err := connect(ctx, cmd)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck
		defer func() {
			err = multierr.Append(err, p.Close())
		}()

		writes, err := p.Publish(args[0], args[1:]...)
		if err != nil {
			return err
		}

		for _, w := range writes {
			err = multierr.Append(err, w.Wait(ctx))
		}

		log.Info("Published", zap.String("channel", args[0]), zap.Int("messages", len(writes)), zap.Error(err))

		return err
	},
}
