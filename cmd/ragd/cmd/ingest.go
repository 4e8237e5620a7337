package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/juhokoskela/rag-service/internal/ingest"
	"github.com/juhokoskela/rag-service/internal/output"
)

type ingestOptions struct {
	documentID string
	source     string
	metadata   []string
	wait       bool
}

// newIngestCmd creates the ingest command.
func newIngestCmd(dataDir *string) *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Index documents into the corpus",
		Long: `Index one or more files, or stdin when no files are given.

Each document is chunked, embedded, and made searchable. Documents
with many chunks embed in the background unless --wait is set.

Examples:
  ragd ingest docs/runbook.md
  ragd ingest --meta topic=ops docs/*.md
  cat notes.txt | ragd ingest --source notes.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, *dataDir, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.documentID, "id", "", "Document ID (single file or stdin only)")
	cmd.Flags().StringVar(&opts.source, "source", "", "Source label for stdin input")
	cmd.Flags().StringSliceVarP(&opts.metadata, "meta", "m", nil,
		"Metadata as key=value (repeatable, attached to every chunk)")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Wait for background embedding jobs to finish")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, dataDir string, files []string, opts ingestOptions) error {
	if opts.documentID != "" && len(files) > 1 {
		return fmt.Errorf("--id cannot be used with multiple files")
	}

	metadata, err := parseFilter(opts.metadata)
	if err != nil {
		return err
	}

	app, err := buildApp(dataDir)
	if err != nil {
		return err
	}
	defer app.Close()

	out := output.New(cmd.OutOrStdout())

	// stdin mode
	if len(files) == 0 {
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		source := opts.source
		if source == "" {
			source = "stdin"
		}
		return ingestOne(ctx, app, out, ingest.Request{
			DocumentID: opts.documentID,
			Source:     source,
			Content:    string(content),
			Metadata:   metadata,
		}, opts.wait)
	}

	for i, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if len(files) > 1 {
			out.Progress(i+1, len(files), path)
		}
		err = ingestOne(ctx, app, out, ingest.Request{
			DocumentID:     opts.documentID,
			Source:         path,
			Content:        string(content),
			Metadata:       metadata,
			AsyncThreshold: ingest.FileAsyncThreshold,
		}, opts.wait)
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
	}
	return nil
}

func ingestOne(ctx context.Context, a *app, out *output.Writer, req ingest.Request, wait bool) error {
	result, err := a.pipeline.IngestDocument(ctx, req)
	if err != nil {
		return err
	}

	if result.JobID == "" {
		out.Successf("%s: %d chunks indexed", req.Source, result.ChunkCount)
		return nil
	}

	if !wait {
		out.Successf("%s: %d chunks indexed, embedding job %s running in background",
			req.Source, result.ChunkCount, result.JobID)
		return nil
	}

	status, err := a.pipeline.WaitForJob(ctx, result.JobID)
	if err != nil {
		return err
	}
	if status.Failed > 0 {
		out.Warningf("%s: %d chunks indexed, %d of %d embeddings failed",
			req.Source, result.ChunkCount, status.Failed, status.Total)
		return nil
	}
	out.Successf("%s: %d chunks indexed", req.Source, result.ChunkCount)
	return nil
}
