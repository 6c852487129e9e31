// Package main implements the aiddmem CLI: the MCP memory server plus manual
// maintenance commands against a project's memory database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// projectPath anchors project-root resolution (default: working directory).
	projectPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aiddmem",
	Short: "Persistent memory substrate for AI-assisted development",
	Long: `aiddmem records work sessions and observations in a per-project SQLite
database, indexes them for full-text retrieval, learns recurring patterns
from completed work, and audits generated text for repetitive tells.

The serve command exposes everything as MCP tools over stdio; the remaining
commands operate on the database directly.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/aiddmem/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectPath, "project", "", "project directory (default: resolved from working directory)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "aiddmem %s\n", version)
	},
}
