package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/herald/client"
	"github.com/luma/herald/internal/stats"
)

var patternFlag bool

func init() {
	SubscribeCmd.Flags().BoolVar(&patternFlag, "pattern", false, "Treat the targets as glob patterns")
}

var SubscribeCmd = &cobra.Command{
	Use:   "subscribe <channel>...",
	Short: "Print the messages published to channels",
	Long: `Subscribe to one or more channels, or patterns with --pattern, and print
every message received as "<channel> <message>" until interrupted.

Usage
	herald subscribe news.sport news.weather
	herald subscribe --pattern 'news.*'
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		p, log, err := connect(ctx, cmd)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck
		defer p.Close()

		out := cmd.OutOrStdout()

		p.RegisterListener(&client.ListenerFuncs{
			ChannelMessage: func(channel, message string) {
				fmt.Fprintf(out, "%s %s\n", channel, message)
			},
			PatternMessage: func(pattern, channel, message string) {
				fmt.Fprintf(out, "%s %s\n", channel, message)
			},
		})

		var w *client.PendingWrite
		if patternFlag {
			w = p.PSubscribe(args...)
		} else {
			w = p.Subscribe(args...)
		}

		if err := w.Wait(ctx); err != nil {
			return err
		}

		log.Info("Subscribed", zap.Strings("targets", args), zap.Bool("pattern", patternFlag))

		select {
		case <-ctx.Done():
			return nil
		case err := <-p.Err():
			return err
		}
	},
}

// connect opens a PubSub with the loaded config.
func connect(ctx context.Context, cmd *cobra.Command) (*client.PubSub, *zap.Logger, error) {
	conf, log, err := setup(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	dialect, err := conf.ProtocolDialect()
	if err != nil {
		return nil, nil, err
	}

	p, err := client.New(ctx, client.Options{
		Host:           conf.Host,
		Port:           conf.Port,
		ConnectTimeout: conf.ConnectTimeout,
		Dialect:        dialect,
		Stats:          stats.NewStore(),
		Log:            log.Named("client"),
	})
	if err != nil {
		return nil, nil, err
	}

	return p, log, nil
}
