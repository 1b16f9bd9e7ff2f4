package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/quantchat/pkg/chatlog"
)

func newLogCmd() *cobra.Command {
	var (
		follow bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print a session's chat log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := interruptible(cmd.Context())
			defer stop()
			out := cmd.OutOrStdout()

			if !follow {
				msgs, err := a.log.Messages(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(out)
					for _, m := range msgs {
						if err := enc.Encode(m); err != nil {
							return err
						}
					}
					return nil
				}
				newRenderer(out).Render(msgs)
				return nil
			}

			var render chatlog.SubscribeFunc = newRenderer(out).Render
			if asJSON {
				render = jsonFollower(out)
			}
			unsubscribe, err := a.log.Subscribe(ctx, render)
			if err != nil {
				return err
			}
			defer unsubscribe()

			fmt.Fprintf(cmd.ErrOrStderr(), "Following session %s (Ctrl+C to stop)\n", a.log.SessionID())
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "Keep printing changes as they happen")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print messages as JSON lines")
	return cmd
}
