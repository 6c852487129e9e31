package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var analyzePromote bool

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().BoolVar(&analyzePromote, "promote", false, "classify every detected candidate after analysis")
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(revertCmd)
}

// analyzeCmd runs the evolution detectors on demand.
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the evolution detectors over completed sessions",
	Long: `Batch recent completed sessions through the pattern detectors and persist
the resulting candidates. With --promote, each candidate is immediately
classified through the confidence tiers (pattern bans are shadow-tested
first).

Examples:
  # Detect candidates only
  aiddmem analyze

  # Detect and classify in one pass
  aiddmem analyze --promote`,
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	svcs, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svcs.close()

	candidates, err := svcs.engine.Analyze(cmd.Context())
	if err != nil {
		return err
	}

	for _, c := range candidates {
		status := string(c.Status)
		if analyzePromote {
			result, err := svcs.engine.Promote(cmd.Context(), c)
			if err != nil {
				return fmt.Errorf("promote %s: %w", c.ID, err)
			}
			status = string(result.Candidate.Status)
			if result.Skipped {
				status = "skipped (" + result.Reason + ")"
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-14s %5.1f  %-12s %s\n", c.Type, c.Confidence, status, c.Title)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d candidates\n", len(candidates))
	return nil
}

// promoteCmd classifies one candidate by id.
var promoteCmd = &cobra.Command{
	Use:   "promote <candidate-id>",
	Short: "Classify one evolution candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, err := buildServices(cmd.Context())
		if err != nil {
			return err
		}
		defer svcs.close()

		candidate, err := svcs.store.GetEvolutionCandidate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if candidate == nil {
			return fmt.Errorf("candidate %s does not exist", args[0])
		}

		result, err := svcs.engine.Promote(cmd.Context(), candidate)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// revertCmd undoes an applied candidate.
var revertCmd = &cobra.Command{
	Use:   "revert <candidate-id>",
	Short: "Revert an applied evolution candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, err := buildServices(cmd.Context())
		if err != nil {
			return err
		}
		defer svcs.close()

		result, err := svcs.engine.Revert(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Reverted %s (snapshot restored: %t)\n", args[0], result.SnapshotRestored)
		return nil
	},
}
