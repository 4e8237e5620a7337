// Package mcp exposes the retrieval service over the Model Context
// Protocol so AI clients can search and manage the corpus.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/juhokoskela/rag-service/internal/embed"
	apperrors "github.com/juhokoskela/rag-service/internal/errors"
	"github.com/juhokoskela/rag-service/internal/ingest"
	"github.com/juhokoskela/rag-service/internal/search"
	"github.com/juhokoskela/rag-service/pkg/version"
)

// Server bridges MCP clients with the search engine and ingestion
// pipeline.
type Server struct {
	mcp      *mcp.Server
	engine   *search.Engine
	pipeline *ingest.Pipeline
	embedder *embed.Client
	logger   *slog.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(engine *search.Engine, pipeline *ingest.Pipeline, embedder *embed.Client) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if pipeline == nil {
		return nil, errors.New("ingest pipeline is required")
	}

	s := &Server{
		engine:   engine,
		pipeline: pipeline,
		embedder: embedder,
		logger:   slog.Default(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "ragd",
			Version: version.Version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// registerTools registers every tool with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid search over the indexed corpus. Combines keyword and semantic matching, so it finds relevant passages even when the wording differs from the query. Supports metadata filtering.",
	}, s.searchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ingest_document",
		Description: "Index a document: the text is chunked, embedded, and made searchable. Large documents embed in the background; the returned job_id can be polled with job_status.",
	}, s.ingestHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "update_document",
		Description: "Replace an indexed document's content and metadata. Old chunks are removed and the new text is re-indexed under the same document id.",
	}, s.updateHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_document",
		Description: "Remove a document from search results. The document is kept and can be brought back with restore_document.",
	}, s.deleteHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "restore_document",
		Description: "Bring a previously deleted document back into the searchable corpus.",
	}, s.restoreHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "purge_document",
		Description: "Permanently remove a document and its chunks. This cannot be undone.",
	}, s.purgeHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_status",
		Description: "Report corpus size, index health, and the embedding provider's circuit breaker state.",
	}, s.indexStatusHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_status",
		Description: "Check an async embedding job started by ingest_document.",
	}, s.jobStatusHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", 8))
}

func (s *Server) searchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult, SearchOutput, error,
) {
	resp, err := s.engine.Search(ctx, search.Request{
		Query:  input.Query,
		Limit:  input.Limit,
		Filter: input.Filter,
	})
	if err != nil {
		return nil, SearchOutput{}, toolError(err)
	}

	out := SearchOutput{
		Results:      make([]SearchResultOutput, len(resp.Results)),
		Reranked:     resp.Reranked,
		RerankerUsed: resp.RerankerUsed,
		Degraded:     resp.Degraded,
	}
	for i, r := range resp.Results {
		out.Results[i] = SearchResultOutput{
			ChunkID:      r.ChunkID,
			DocumentID:   r.DocumentID,
			Content:      r.Content,
			Score:        r.Score,
			MatchedTerms: r.MatchedTerms,
			Metadata:     r.Metadata,
		}
	}
	return nil, out, nil
}

func (s *Server) ingestHandler(ctx context.Context, _ *mcp.CallToolRequest, input IngestInput) (
	*mcp.CallToolResult, IngestOutput, error,
) {
	result, err := s.pipeline.IngestDocument(ctx, ingest.Request{
		DocumentID: input.DocumentID,
		Source:     input.Source,
		Content:    input.Content,
		Metadata:   input.Metadata,
	})
	if err != nil {
		return nil, IngestOutput{}, toolError(err)
	}
	return nil, IngestOutput{
		DocumentID: result.DocumentID,
		ChunkCount: result.ChunkCount,
		JobID:      result.JobID,
	}, nil
}

func (s *Server) updateHandler(ctx context.Context, _ *mcp.CallToolRequest, input UpdateInput) (
	*mcp.CallToolResult, IngestOutput, error,
) {
	result, err := s.pipeline.UpdateDocument(ctx, input.DocumentID, ingest.Request{
		Source:   input.Source,
		Content:  input.Content,
		Metadata: input.Metadata,
	})
	if err != nil {
		return nil, IngestOutput{}, toolError(err)
	}
	return nil, IngestOutput{
		DocumentID: result.DocumentID,
		ChunkCount: result.ChunkCount,
		JobID:      result.JobID,
	}, nil
}

func (s *Server) deleteHandler(ctx context.Context, _ *mcp.CallToolRequest, input DocumentIDInput) (
	*mcp.CallToolResult, AckOutput, error,
) {
	if err := s.pipeline.DeleteDocument(ctx, input.DocumentID); err != nil {
		return nil, AckOutput{}, toolError(err)
	}
	return nil, AckOutput{DocumentID: input.DocumentID, Status: "deleted"}, nil
}

func (s *Server) restoreHandler(ctx context.Context, _ *mcp.CallToolRequest, input DocumentIDInput) (
	*mcp.CallToolResult, AckOutput, error,
) {
	if err := s.pipeline.RestoreDocument(ctx, input.DocumentID); err != nil {
		return nil, AckOutput{}, toolError(err)
	}
	return nil, AckOutput{DocumentID: input.DocumentID, Status: "restored"}, nil
}

func (s *Server) purgeHandler(ctx context.Context, _ *mcp.CallToolRequest, input DocumentIDInput) (
	*mcp.CallToolResult, AckOutput, error,
) {
	if err := s.pipeline.PurgeDocument(ctx, input.DocumentID); err != nil {
		return nil, AckOutput{}, toolError(err)
	}
	return nil, AckOutput{DocumentID: input.DocumentID, Status: "purged"}, nil
}

func (s *Server) indexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult, IndexStatusOutput, error,
) {
	stats, err := s.pipeline.Stats(ctx)
	if err != nil {
		return nil, IndexStatusOutput{}, toolError(err)
	}

	out := IndexStatusOutput{
		Documents:  stats.Documents,
		Chunks:     stats.Chunks,
		Vectors:    stats.Vectors,
		Generation: stats.Generation,
	}
	if s.embedder != nil {
		out.EmbeddingModel = s.embedder.Model()
		out.BreakerState = s.embedder.BreakerState().String()
	}
	return nil, out, nil
}

func (s *Server) jobStatusHandler(_ context.Context, _ *mcp.CallToolRequest, input JobStatusInput) (
	*mcp.CallToolResult, JobStatusOutput, error,
) {
	status, ok := s.pipeline.JobStatus(input.JobID)
	if !ok {
		return nil, JobStatusOutput{}, toolError(
			apperrors.New(apperrors.ErrCodeNotFound, "unknown job", nil))
	}

	out := JobStatusOutput{
		JobID:  status.ID,
		State:  string(status.State),
		Total:  status.Total,
		Failed: status.Failed,
	}
	if status.Err != nil {
		out.Error = status.Err.Error()
	}
	return nil, out, nil
}

// Serve runs the server over the given transport until ctx ends.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("starting MCP server", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("MCP server stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// toolError flattens a structured error into the message MCP clients
// see, keeping the error code visible.
func toolError(err error) error {
	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		return fmt.Errorf("%s: %s", svcErr.Code, svcErr.Message)
	}
	return err
}
