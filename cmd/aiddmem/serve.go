package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DerianAndre/aidd.md-sub003/internal/mcp"
	"github.com/DerianAndre/aidd.md-sub003/internal/telemetry"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serveCmd runs the MCP stdio server until the client disconnects or a
// signal arrives.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the memory substrate as MCP tools over stdio",
	Long: `Start the MCP server on the stdio transport. Intended to be launched by
an MCP client; all logging goes to stderr so stdout stays clean for JSON-RPC.

Examples:
  # Serve the current project's memory
  aiddmem serve

  # Serve a specific project
  aiddmem serve --project ~/src/myapp`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcs, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.close()

	tel, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        svcs.cfg.Telemetry.Enabled,
		Endpoint:       svcs.cfg.Telemetry.Endpoint,
		Insecure:       svcs.cfg.Telemetry.Insecure,
		ServiceName:    svcs.cfg.Server.Name,
		ServiceVersion: svcs.cfg.Server.Version,
		ExportInterval: svcs.cfg.Telemetry.ExportInterval.Duration(),
	}, svcs.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			svcs.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	server, err := mcp.NewServer(&mcp.Config{
		Name:    svcs.cfg.Server.Name,
		Version: svcs.cfg.Server.Version,
		Logger:  svcs.logger,
	}, svcs.sessions, svcs.index, svcs.engine, svcs.killer, svcs.store)
	if err != nil {
		return err
	}

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
