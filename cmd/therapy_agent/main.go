// Package main provides the entry point for the therapy pipeline CLI and HTTP API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "therapy_agent",
	Short: "Therapy pipeline orchestration engine",
	Long: `Therapy pipeline runs pre-session, post-session and pair-merge stage graphs over
encrypted session input, routing clinical analysis to client-facing synthesis only
through the whitelist abstraction and isolation gates.

Configuration is read from --config (JSON) and overridden by environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file (environment variables override file values)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
