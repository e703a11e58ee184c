package main

import (
	"fmt"
	"time"

	"chatroom/cmd/internal/app"
	"chatroom/cmd/internal/smoke"

	"github.com/spf13/cobra"
)

func newSmokeCommand(opts *rootOptions) *cobra.Command {
	var o smoke.Options

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Exercise a running worker end to end over /ws",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.URL == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				o.URL = app.WSURL(cfg.HTTP.Addr)
			}
			res, err := smoke.Run(cmd.Context(), o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: message_id=%d session_a=%s session_b=%s recovered=%t\n",
				res.MessageID, res.SessionA, res.SessionB, res.Recovered)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.URL, "url", "", "WebSocket URL (default derived from http.addr)")
	f.StringVar(&o.Origin, "origin", "http://localhost", "Origin header")
	f.StringVar(&o.Text, "text", "hello from smoke", "message text")
	f.DurationVar(&o.Timeout, "timeout", 5*time.Second, "per-step timeout")
	f.DurationVar(&o.Quiet, "quiet", 300*time.Millisecond, "how long to wait to confirm nothing else arrives")
	return cmd
}
