package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

// statsCmd prints a summary of the project database.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the project memory database",
	Long: `Print counts across every entity family plus pattern statistics as JSON.

Examples:
  aiddmem stats`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	svcs, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svcs.close()

	memStats, err := svcs.store.GetMemoryStats(cmd.Context())
	if err != nil {
		return err
	}
	patternStats, err := svcs.store.GetPatternStats(cmd.Context(), "")
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]any{
		"memory":   memStats,
		"patterns": patternStats,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
