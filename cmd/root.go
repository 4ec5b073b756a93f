package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/herald/cmd/gen"
	"github.com/luma/herald/internal/env"
)

var (
	// Optional TOML config file
	configPath string

	// Overrides for the loaded config, applied when the flag is set
	hostFlag    string
	portFlag    int
	dialectFlag string
)

var RootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Pub/sub broker and client",
	Long: `Herald is a pub/sub broker and client speaking a length-prefixed
reply framing over TCP.

Usage
	herald serve
	herald subscribe news.sport
	herald publish news.sport "kick off"
`,
	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVarP(&configPath, "config", "c", "", "A TOML config file")
	flags.StringVarP(&hostFlag, "host", "a", "", "The broker host")
	flags.IntVarP(&portFlag, "port", "p", 0, "The broker port")
	flags.StringVar(&dialectFlag, "dialect", "", "Framing of integer fields, binary or text")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(SubscribeCmd)
	RootCmd.AddCommand(PublishCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config, applies flag overrides and builds the logger.
func setup(ctx context.Context, cmd *cobra.Command) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()

	if flags.Changed("host") {
		conf.Host = hostFlag
	}
	if flags.Changed("port") {
		conf.Port = portFlag
	}
	if flags.Changed("dialect") {
		conf.Dialect = dialectFlag
	}

	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}
