// Package cmd provides the CLI commands for ragd.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/juhokoskela/rag-service/pkg/version"
)

// NewRootCmd creates the root command for the ragd CLI.
func NewRootCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "ragd",
		Short: "Hybrid retrieval service for AI assistants",
		Long: `ragd indexes documents for retrieval-augmented generation and serves
hybrid search (BM25 + semantic) over MCP to AI assistants.

Documents are chunked, embedded, and stored locally; searches combine
lexical and vector ranking with optional cross-encoder reranking.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("ragd version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"Data directory for the index and configuration (default ~/.ragd)")

	cmd.AddCommand(newServeCmd(&dataDir))
	cmd.AddCommand(newIngestCmd(&dataDir))
	cmd.AddCommand(newSearchCmd(&dataDir))
	cmd.AddCommand(newStatusCmd(&dataDir))
	cmd.AddCommand(newPurgeCacheCmd(&dataDir))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
