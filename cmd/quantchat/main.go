package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/quantchat/internal/observability"
	"github.com/aixgo-dev/quantchat/pkg/config"
	metrics "github.com/aixgo-dev/quantchat/pkg/observability"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile string
	session    string
	store      string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quantchat",
		Short: "Chat with the quant analysis service",
		Long: `quantchat streams answers from the analysis service into a shared chat log.

Upload your data files, ask questions in plain language and receive narration
interleaved with backtests and charts. Every client attached to the same
session sees the same log.

Quick Start:
  quantchat chat                               # Interactive session
  quantchat ask -f 2024_03_15_trades.csv "..." # One-shot question
  quantchat log --follow                       # Watch a session`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				log.SetOutput(io.Discard)
			}
			metrics.SetVersion(Version)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("QUANTCHAT_CONFIG"), "Configuration file (YAML)")
	root.PersistentFlags().StringVarP(&session, "session", "s", "", "Chat session to use (overrides config)")
	root.PersistentFlags().StringVar(&store, "store", "", "Chat log store: memory, file, redis, firestore, sqlite")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newChatCmd(),
		newAskCmd(),
		newUploadCmd(),
		newPatchCmd(),
		newLogCmd(),
		newServeMetricsCmd(),
	)
	return root
}

// loadConfig applies command line overrides on top of the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if session != "" {
		cfg.Session = session
	}
	if store != "" {
		cfg.ChatLog.Store = store
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interruptible returns a context cancelled by Ctrl+C.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)

	if serr := observability.Shutdown(context.Background()); serr != nil {
		log.Printf("Tracing shutdown error: %v", serr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
