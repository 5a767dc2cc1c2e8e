// Package cmd provides the command-line interface for vmkit.
package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "vmkit",
	Short: "vmkit boots a simulated kernel memory system and lets you " +
		"exercise and inspect it.",
	Long: `vmkit boots a simulated kernel memory system (physical frame ` +
		`allocator, virtual segment managers, page-table address spaces, ` +
		`and the allocation API) and lets you run allocation scenarios ` +
		`against it, record traces, and inspect the live state over HTTP.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	// A .env file can provide defaults such as VMKIT_TRACE and
	// VMKIT_MONITOR_PORT.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
