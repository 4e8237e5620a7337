package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/juhokoskela/rag-service/internal/output"
	"github.com/juhokoskela/rag-service/internal/search"
)

type searchOptions struct {
	limit  int
	filter []string
	format string
}

// newSearchCmd creates the search command.
func newSearchCmd(dataDir *string) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed corpus",
		Long: `Search the indexed corpus using hybrid retrieval.

Combines BM25 (keyword) and semantic (embedding) ranking with weighted
score fusion, then reranks the top candidates when a reranker is
configured.

Examples:
  ragd search "circuit breaker reset timeout"
  ragd search "error handling" --limit 5 --format json
  ragd search "deployment steps" --filter topic=ops`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, *dataDir, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results")
	cmd.Flags().StringSliceVarP(&opts.filter, "filter", "f", nil,
		"Metadata filter as key=value (repeatable, all must match)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, dataDir, query string, opts searchOptions) error {
	filter, err := parseFilter(opts.filter)
	if err != nil {
		return err
	}

	app, err := buildApp(dataDir)
	if err != nil {
		return err
	}
	defer app.Close()

	resp, err := app.engine.Search(ctx, search.Request{
		Query:  query,
		Limit:  opts.limit,
		Filter: filter,
	})
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	out := output.New(cmd.OutOrStdout())
	if len(resp.Results) == 0 {
		out.Status("", "No results.")
		return nil
	}

	if len(resp.Degraded) > 0 {
		out.Warningf("%s search was unavailable; results may be incomplete",
			strings.Join(resp.Degraded, ", "))
	}
	for i, r := range resp.Results {
		out.Statusf("", "%d. [%.4f] %s (doc %s)", i+1, r.Score, r.ChunkID, r.DocumentID)
		out.Code(snippet(r.Content, 300))
	}
	if resp.Reranked {
		out.Statusf("", "reranked by %s", resp.RerankerUsed)
	}
	return nil
}

// parseFilter converts key=value pairs into a metadata filter map.
func parseFilter(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, expected key=value", pair)
		}
		filter[key] = value
	}
	return filter, nil
}

// snippet truncates content for terminal display.
func snippet(content string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes]) + "…"
}
