package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DerianAndre/aidd.md-sub003/internal/project"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

// initCmd creates the .aidd data directory.
var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a project memory directory",
	Long: `Create the .aidd data directory so the project gets its own memory
database. Safe to run multiple times.

Examples:
  # Initialize the current directory
  aiddmem init

  # Initialize another directory
  aiddmem init ~/src/myapp`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	root := projectPath
	if len(args) > 0 {
		root = args[0]
	}

	p, err := project.Init(root)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized project memory at %s\n", p.DataDir)
	return nil
}
