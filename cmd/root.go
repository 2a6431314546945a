// Package cmd holds the metricsink command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"metricsink/config"
	"metricsink/logger"
	"metricsink/storage"
)

// Version is set via ldflags at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "metricsink",
	Short:         "Metric snapshot ingestion service and collector agent",
	Long:          `Receives metric snapshots over HTTP, stores them idempotently in SQLite or PostgreSQL and serves filtered reads. Also ships the agent that collects and uploads snapshots.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("metricsink version {{.Version}}\n")
	rootCmd.PersistentFlags().String("config", "", "config file (default ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override log_level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger for a command.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("setting up logger: %w", err)
	}
	return cfg, log, nil
}

// openStore opens the configured database and ensures its schema.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*storage.SQLStore, error) {
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, err
	}
	d, err := storage.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	if d.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return storage.Open(ctx, storage.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		BusyTimeout:  cfg.Database.BusyTimeout,
		QueryTimeout: cfg.Database.QueryTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, log.Component("storage"))
}
