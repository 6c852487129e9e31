package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// exportCmd writes the whole database as a JSON envelope.
var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the project memory as JSON",
	Long: `Write every session, observation, memory entry, pattern and candidate as
one JSON envelope, suitable for backup or transfer to another machine.

Examples:
  # Export to a file
  aiddmem export memory.json

  # Export to stdout
  aiddmem export`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	svcs, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svcs.close()

	var w io.Writer = cmd.OutOrStdout()
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", args[0], err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	return svcs.store.Export(cmd.Context(), w)
}

// importCmd loads a previously exported envelope.
var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a JSON memory export",
	Long: `Load an envelope produced by export into the current project's database.
Existing rows are upserted; an envelope written by a newer schema version is
rejected.

Examples:
  # Import from a file
  aiddmem import memory.json

  # Import from stdin
  cat memory.json | aiddmem import -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	svcs, err := buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svcs.close()

	result, err := svcs.store.Import(cmd.Context(), r)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d sessions, %d memory entries, %d patterns, %d candidates, %d artifacts\n",
		result.Sessions, result.Memory, result.Patterns, result.Candidates, result.Artifacts)
	return nil
}
