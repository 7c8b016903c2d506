package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/qkdnet/kmed/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check if the kmed server is running",
	Long: `Check a running kmed server by querying its pool status endpoint and
print the key inventory.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	// Load config to get server listen address
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	return checkStatusWithConfig(cmd, configPath)
}

// checkStatusWithConfig queries the pool status endpoint of the server
// named by the config at configPath and prints the key inventory.
func checkStatusWithConfig(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	statusURL := fmt.Sprintf("http://%s/api/v1/keys/pool/status", cfg.Server.Listen)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	//nolint:noctx // Simple status check doesn't need context propagation
	resp, err := client.Get(statusURL)
	if err != nil {
		fmt.Fprintf(out, "✗ kmed is not running (%s)\n", cfg.Server.Listen)
		return fmt.Errorf("server not reachable: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Logger.Warn().Err(closeErr).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(out, "✗ kmed returned unexpected status: %d\n", resp.StatusCode)
		return fmt.Errorf("status check failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status response: %w", err)
	}

	fmt.Fprintf(out, "✓ kmed is running (%s)\n", cfg.Server.Listen)
	fmt.Fprintf(out, "  kme_id:          %s\n", gjson.GetBytes(body, "kme_id").String())
	fmt.Fprintf(out, "  attached_sae_id: %s\n", gjson.GetBytes(body, "attached_sae_id").String())

	// A slave serves no pool; all inventory numbers sit at zero
	capacity := gjson.GetBytes(body, "max_capacity").Int()
	if capacity > 0 {
		fmt.Fprintf(out, "  available keys:  %d/%d (%.1f%% full)\n",
			gjson.GetBytes(body, "available_keys").Int(),
			capacity,
			gjson.GetBytes(body, "utilization_pct").Float())
		fmt.Fprintf(out, "  reserved keys:   %d\n", gjson.GetBytes(body, "reserved_keys").Int())
		fmt.Fprintf(out, "  total generated: %d\n", gjson.GetBytes(body, "total_generated").Int())
		fmt.Fprintf(out, "  total retrieved: %d\n", gjson.GetBytes(body, "total_retrieved").Int())
	}

	return nil
}
