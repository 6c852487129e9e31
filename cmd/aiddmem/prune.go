package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

func init() {
	rootCmd.AddCommand(pruneCmd)
}

// pruneCmd removes stale telemetry and caps stored history.
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale telemetry and cap stored history",
	Long: `Delete pattern-detection telemetry past the retention window, cap the
stored observation count, and cap how many sessions stay in the search
index, then flush the write-ahead log back into the main database file.
Limits come from the storage section of the config file.

Examples:
  aiddmem prune`,
	RunE: runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	svcs, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svcs.close()

	result, err := svcs.store.PruneStaleData(cmd.Context(), storage.PruneOptions{
		DetectionMaxAge:    svcs.cfg.Storage.PruneMaxAge.Duration(),
		MaxObservations:    svcs.cfg.Storage.PruneMaxObservations,
		MaxIndexedSessions: svcs.cfg.Storage.PruneMaxIndexedSessions,
	})
	if err != nil {
		return err
	}
	if err := svcs.store.Checkpoint(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d detections, %d observations, de-indexed %d sessions\n",
		result.DetectionsDeleted, result.ObservationsDeleted, result.SessionsDeindexed)
	return nil
}
