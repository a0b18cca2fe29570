package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/eventgate/internal/config"
	"github.com/mbd888/eventgate/internal/logging"
	"github.com/mbd888/eventgate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event ingestion and fan-out HTTP service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, "json")
	logger.Info("starting eventgated",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return srv.Run(context.Background())
}
