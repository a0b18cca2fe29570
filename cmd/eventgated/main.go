// Command eventgated is the event ingestion and webhook fan-out service
// binary: serve runs the HTTP process, migrate manages the Postgres
// schema, replay-dlq re-enqueues a dead-lettered event against a running
// instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "eventgated",
	Short:   "Event ingestion and webhook fan-out service",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"eventgated version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayDLQCmd)
}
