package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/quantchat/internal/turn"
)

func newAskCmd() *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:     "ask [flags] <prompt>",
		Short:   "Upload files, ask one question and print the answer",
		Example: `  quantchat ask -f 2024_03_15_trades.csv "Backtest a 20/50 moving average crossover"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := interruptible(cmd.Context())
			defer stop()

			sess, err := a.newSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			out := cmd.OutOrStdout()
			if len(files) > 0 {
				if failed := uploadPaths(ctx, sess, files, out); failed > 0 && sess.Index().Len() == 0 {
					return fmt.Errorf("no file could be uploaded")
				}
			}

			r := newRenderer(out)
			r.hideUser = true

			// Only the answer is printed; uploads were reported above.
			existing, err := a.log.Messages(ctx)
			if err != nil {
				return err
			}
			r.markSeen(existing)

			unsubscribe, err := a.log.Subscribe(ctx, r.Render)
			if err != nil {
				return err
			}
			defer unsubscribe()

			err = sess.Send(ctx, strings.Join(args, " "))

			// Render the final state synchronously; subscription delivery is
			// asynchronous.
			if msgs, lerr := a.log.Messages(ctx); lerr == nil {
				r.Render(msgs)
			}

			var ve *turn.ValidationError
			if errors.As(err, &ve) && ve.Field == "files" {
				return fmt.Errorf("%w (pass --file)", err)
			}
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "File to upload before asking (repeatable)")
	return cmd
}
