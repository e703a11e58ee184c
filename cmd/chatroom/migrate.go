package main

import (
	"chatroom/cmd/internal/app"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the message log schema for the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if err := app.Migrate(cmd.Context(), cfg, log); err != nil {
				log.Error("migrate.fail", "err", err, "driver", cfg.Store.Driver)
				return err
			}
			log.Info("migrate.ok", "driver", cfg.Store.Driver)
			return nil
		},
	}
}
