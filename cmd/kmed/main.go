// Package main is the entry point for kmed.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"
)

const (
	defaultConfigFile = "kmed.yaml"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kmed",
	Short: "Key Management Entity daemon for ETSI QKD 014 key delivery",
	Long: `kmed serves quantum-derived keys to secure application entities over the
ETSI GS QKD 014 REST interface. A master node generates and pools key
material; slave nodes draw from the master so both sides of a link hand
out identical keys. A built-in local key manager keeps per-user pools
for offline consumers.`,
}

func init() {
	// Global flags available to all subcommands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+" or ~/.config/kmed/"+defaultConfigFile+")")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
