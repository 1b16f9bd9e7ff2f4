package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	metrics "github.com/aixgo-dev/quantchat/pkg/observability"
)

func newServeMetricsCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and health checks",
		Long: `Serve /metrics, /health, /health/live and /health/ready.

Health checks ping the configured chat log store and, when a backend URL is
set, the analysis service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Observability.MetricsPort = port
			}

			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := interruptible(cmd.Context())
			defer stop()

			srv := metrics.NewServer(cfg.Observability.MetricsPort, a.healthChecker())
			errChan := make(chan error, 1)
			go func() {
				errChan <- srv.Start()
			}()
			fmt.Fprintf(cmd.ErrOrStderr(), "Serving metrics on :%d\n", cfg.Observability.MetricsPort)

			select {
			case err := <-errChan:
				if err != nil {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			case <-ctx.Done():
				log.Println("Shutting down metrics server...")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("metrics server shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 9090, "Port to listen on")
	return cmd
}
