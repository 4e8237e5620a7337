package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/juhokoskela/rag-service/internal/output"
)

// newPurgeCacheCmd creates the purge-cache command.
func newPurgeCacheCmd(dataDir *string) *cobra.Command {
	var olderThan time.Duration
	var maxAccess int64

	cmd := &cobra.Command{
		Use:   "purge-cache",
		Short: "Remove stale entries from the embedding cache",
		Long: `Remove embedding cache entries that have not been accessed recently.

Only entries both older than --older-than and accessed fewer than
--max-access times are removed, so frequently reused embeddings
survive even when old.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(*dataDir)
			if err != nil {
				return err
			}
			defer app.Close()

			cutoff := time.Now().Add(-olderThan)
			removed, err := app.pipeline.PruneEmbeddingCache(cmd.Context(), cutoff, maxAccess)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("removed %d cache entries", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour,
		"Remove entries last accessed longer ago than this")
	cmd.Flags().Int64Var(&maxAccess, "max-access", 2,
		"Keep entries accessed at least this many times")

	return cmd
}
