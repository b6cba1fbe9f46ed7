package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oagudo/outboxkit/internal/config"
	"github.com/oagudo/outboxkit/internal/relay"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "outboxkit-relay",
		Short: "Deliver transactional outbox messages to message brokers",
		Long: `outboxkit-relay drains outbox tables and collections into Kafka, RabbitMQ and NATS.

Sources and targets are read from a YAML file. Scalar settings can be overridden
with environment variables (LOG_LEVEL, HTTP_ADDR, REDIS_ADDR, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the configuration file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))

	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			logger := cfg.Log.NewLogger(os.Stdout)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			r, err := relay.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("building relay: %w", err)
			}
			return r.Run(ctx)
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without connecting to anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d sources, %d targets\n", len(cfg.Sources), len(cfg.Targets))
			return nil
		},
	}
}
