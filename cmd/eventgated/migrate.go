package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

const migrationsDir = "migrations"

var migrateCmd = &cobra.Command{
	Use:   "migrate <command> [args...]",
	Short: "Run database migrations (up, down, status, version, redo, up-to, down-to)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	return goose.RunContext(cmd.Context(), args[0], db, migrationsDir, args[1:]...)
}
