package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/quantchat/internal/backend"
)

func newPatchCmd() *cobra.Command {
	var passwordEnv string

	cmd := &cobra.Command{
		Use:   "patch [file]",
		Short: "Submit an admin patch to the analysis service",
		Long: `Submit patch code to the analysis service's admin endpoint.

The code is read from the given file, or from stdin when no file is given.
The admin password is read from the environment variable named by
--password-env.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireBackend(); err != nil {
				return err
			}

			password := os.Getenv(passwordEnv)
			if password == "" {
				return fmt.Errorf("admin password not set, export %s", passwordEnv)
			}

			var code []byte
			if len(args) == 1 {
				code, err = os.ReadFile(args[0])
			} else {
				code, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read patch code: %w", err)
			}
			if len(code) == 0 {
				return errors.New("patch code is empty")
			}

			client, err := backend.NewClient(backend.Config{
				BaseURL: cfg.Backend.URL,
				Timeout: cfg.Backend.Timeout,
			})
			if err != nil {
				return err
			}

			ctx, stop := interruptible(cmd.Context())
			defer stop()
			msg, err := client.Patch(ctx, password, string(code))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.Flags().StringVar(&passwordEnv, "password-env", "QUANTCHAT_ADMIN_PASSWORD", "Environment variable holding the admin password")
	return cmd
}
