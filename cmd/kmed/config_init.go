package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default config file",
	Long:  `Generate a default kmed configuration file at ~/.config/kmed/kmed.yaml`,
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().StringP("output", "o", "", "output path (default: ~/.config/kmed/kmed.yaml)")
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}

// runConfigInit writes the default configuration to the provided output
// path or, if none is given, to ~/.config/kmed/kmed.yaml. Parent
// directories are created as needed (0750) and the file is written with
// permissions 0600 since it may later carry TLS key paths.
func runConfigInit(cmd *cobra.Command, _ []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return fmt.Errorf("failed to get force flag: %w", err)
	}

	if output == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		output = filepath.Join(home, ".config", "kmed", defaultConfigFile)
	}

	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", output)
	}

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(output, []byte(defaultConfigTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("✓ Config file created at %s\n", output)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set kme.id and attached_sae_id for this node")
	fmt.Println("  2. List peer KMEs under kme.peers (slaves need the master first)")
	fmt.Println("  3. Validate with: kmed config validate")
	fmt.Println("  4. Start the server: kmed serve")

	return nil
}

// defaultConfigTemplate is the starting point written by config init.
// Every value shown matches the built-in default.
const defaultConfigTemplate = `# kmed configuration
#
# Roles: kme.id "1" runs the master (shared pool plus key generation),
# "2" runs a slave that draws key material from the master peer.

kme:
  id: "1"
  attached_sae_id: "sae-001"
  # Peers receive key-store replication. For a slave the first entry
  # must be the master.
  # peers:
  #   - name: "kme-2"
  #     base_url: "http://kme2.example.com:8010"
  max_keys_per_request: 128
  max_key_size_bits: 8192
  min_key_size_bits: 64

# Master-only pool engine. Sizes are bytes.
pool:
  default_key_size: 32
  max_key_count: 1000
  batch_size: 100
  refill_threshold: 500
  generate_interval_secs: 30
  acquire_timeout_secs: 5
  snapshot_path: "shared_pool.json"

# Uncomment to run the Local Key Manager in the same process.
# local_km:
#   id: "km-001"
#   db_path: "local_km.db"
#   upstream_urls:
#     - "http://kme1.example.com:8010"
#   sync_interval_hours: 24
#   low_threshold: 0.10
#   emergency_threshold: 0.05
#   default_pool_size: 10

server:
  listen: "0.0.0.0:8010"
  timeout_ms: 60000
  # tls:
  #   enabled: true
  #   cert_file: "/etc/kmed/tls/server.crt"
  #   key_file: "/etc/kmed/tls/server.key"
  #   client_ca_file: "/etc/kmed/tls/clients.pem"

logging:
  level: "info"
  format: "json"

health:
  probe:
    enabled: true
    interval_ms: 30000
  circuit_breaker:
    failure_threshold: 5
    open_duration_ms: 30000
    half_open_probes: 2

cache:
  mode: "single"

rate_limit:
  enabled: false
  requests_per_minute: 600
  keys_per_minute: 0
`
