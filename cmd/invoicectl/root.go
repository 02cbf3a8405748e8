package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/facturaIA/invoice-pipeline/api"
	"github.com/facturaIA/invoice-pipeline/internal/config"
	"github.com/facturaIA/invoice-pipeline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "invoicectl",
	Short: "Process invoice documents and manage stored results",
	Long: `invoicectl runs the same extraction pipeline as the HTTP service
against local files, issues API tokens and exports stored results.

Configuration is read from the YAML file given by --config, then from
environment variables (a .env file in the working directory is loaded first).`,
	Version:       api.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")
}

// loadConfig reads the config and builds a logger writing to stderr
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, logging.NewWithWriter(os.Stderr, "invoicectl", cfg.LogLevel), nil
}
