package main

import (
	"os/signal"
	"syscall"

	"chatroom/cmd/internal/app"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a worker (HTTP, /ws and the bus subscription)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.Error("server.init.fail", "err", err)
				return err
			}
			return a.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "listen address (overrides http.addr)")
	f.String("store", "", "store driver: memory|postgres|mysql (overrides store.driver)")
	f.String("bus", "", "bus driver: local|postgres|redis|amqp (overrides bus.driver)")
	f.String("variant", "", "payload variant: rich|simple (overrides chat.variant)")
	_ = opts.v.BindPFlag("http.addr", f.Lookup("addr"))
	_ = opts.v.BindPFlag("store.driver", f.Lookup("store"))
	_ = opts.v.BindPFlag("bus.driver", f.Lookup("bus"))
	_ = opts.v.BindPFlag("chat.variant", f.Lookup("variant"))

	return cmd
}
