package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	replayServerURL   string
	replayAdminSecret string
)

var replayDLQCmd = &cobra.Command{
	Use:   "replay-dlq <event_id>",
	Short: "Re-enqueue a dead-lettered event against a running instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplayDLQ,
}

func init() {
	replayDLQCmd.Flags().StringVar(&replayServerURL, "server-url", "http://localhost:8080", "base URL of the running eventgated instance")
	replayDLQCmd.Flags().StringVar(&replayAdminSecret, "admin-secret", "", "admin secret (falls back to ADMIN_SECRET env var)")
}

func runReplayDLQ(cmd *cobra.Command, args []string) error {
	eventID := args[0]
	secret := replayAdminSecret
	if secret == "" {
		secret = adminSecretFromEnv()
	}
	if secret == "" {
		return fmt.Errorf("admin secret required: set --admin-secret or ADMIN_SECRET")
	}

	url := fmt.Sprintf("%s/admin/dlq/%s/replay", replayServerURL, eventID)
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Admin-Secret", secret)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replay failed: %s: %s", resp.Status, string(body))
	}

	fmt.Printf("replayed %s: %s\n", eventID, string(body))
	return nil
}

func adminSecretFromEnv() string {
	return os.Getenv("ADMIN_SECRET")
}
