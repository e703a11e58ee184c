package main

import (
	"chatroom/cmd/internal/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: app.NewViper()}

	cmd := &cobra.Command{
		Use:          "chatroom",
		Short:        "Realtime chatroom gateway: WebSocket fanout over a durable message log",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json or toml); CHATROOM_* env vars override it")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSmokeCommand(opts))
	return cmd
}

func (o *rootOptions) load() (app.Config, error) {
	return app.LoadConfig(o.v, o.configPath)
}
