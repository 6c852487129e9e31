package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	auditModelID   string
	auditSessionID string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditModelID, "model", "", "model that produced the text (narrows pattern scope)")
	auditCmd.Flags().StringVar(&auditSessionID, "session", "", "session to attribute the audit to")
}

// auditCmd runs a pattern audit on a file or stdin.
var auditCmd = &cobra.Command{
	Use:   "audit [file]",
	Short: "Audit a text for banned patterns and style tells",
	Long: `Fingerprint the text, match it against the banned-pattern set, and print
the five-dimension audit score as JSON.

Examples:
  # Audit a file
  aiddmem audit draft.md

  # Audit from stdin
  cat response.txt | aiddmem audit -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("no content to audit")
	}

	svcs, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svcs.close()

	result, err := svcs.killer.Audit(cmd.Context(), string(content), auditSessionID, auditModelID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
