package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/juhokoskela/rag-service/internal/logging"
	ragmcp "github.com/juhokoskela/rag-service/internal/mcp"
)

// newServeCmd creates the serve command.
func newServeCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio",
		Long: `Run the retrieval service as an MCP server.

The server speaks JSON-RPC over stdio, so all logging goes to the log
file only. Register ragd in your MCP client configuration:

  {"command": "ragd", "args": ["serve"]}`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, *dataDir)
		},
	}
}

func runServe(cmd *cobra.Command, dataDir string) error {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return err
	}

	// stdout carries the protocol stream; logs must not touch it.
	cleanup, err := logging.SetupMCPMode(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer cleanup()

	app, err := buildApp(dataDir)
	if err != nil {
		slog.Error("failed to start service", slog.String("error", err.Error()))
		return err
	}
	defer app.Close()

	srv, err := ragmcp.NewServer(app.engine, app.pipeline, app.client)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx, cfg.Server.Transport)
}
