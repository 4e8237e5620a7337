package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/juhokoskela/rag-service/internal/output"
)

// newStatusCmd creates the status command.
func newStatusCmd(dataDir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus and index status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(*dataDir)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.pipeline.Stats(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			out := output.New(cmd.OutOrStdout())
			out.Statusf("", "data directory:  %s", app.cfg.Storage.DataDir)
			out.Statusf("", "documents:       %d", stats.Documents)
			out.Statusf("", "chunks:          %d", stats.Chunks)
			out.Statusf("", "vectors:         %d", stats.Vectors)
			out.Statusf("", "generation:      %d", stats.Generation)
			out.Statusf("", "embedding model: %s", app.client.Model())
			out.Statusf("", "breaker state:   %s", app.client.BreakerState())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}
