package mcp

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juhokoskela/rag-service/internal/cache"
	"github.com/juhokoskela/rag-service/internal/chunk"
	"github.com/juhokoskela/rag-service/internal/embed"
	apperrors "github.com/juhokoskela/rag-service/internal/errors"
	"github.com/juhokoskela/rag-service/internal/ingest"
	"github.com/juhokoskela/rag-service/internal/search"
	"github.com/juhokoskela/rag-service/internal/store"
)

// stubProvider embeds text deterministically so similar topics land
// near each other in vector space.
type stubProvider struct{}

func (s *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		var fruit, code float32
		for _, word := range []string{"apple", "fruit", "orchard"} {
			if strings.Contains(text, word) {
				fruit = 1
			}
		}
		for _, word := range []string{"goroutine", "channel", "code"} {
			if strings.Contains(text, word) {
				code = 1
			}
		}
		vecs[i] = normalize([]float32{fruit, code, 0.1})
	}
	return vecs, nil
}

func (s *stubProvider) Model() string   { return "stub-model" }
func (s *stubProvider) Dimensions() int { return 3 }

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * norm
	}
	return out
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	chunks, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = chunks.Close() })

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	bm25, err := store.NewBleveBM25Index()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	provider := &stubProvider{}
	tiered := cache.NewTiered(chunks, provider.Model(), 100, time.Minute)
	client := embed.NewClient(provider, tiered, embed.ClientConfig{
		BatchSize:       10,
		InterBatchDelay: time.Millisecond,
		Retry: apperrors.RetryConfig{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	})

	manager, err := embed.NewManager(client, 2)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	cfg := search.DefaultEngineConfig()
	cfg.SimilarityFloor = 0
	engine, err := search.NewEngine(chunks, bm25, vectors, client, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	chunker := chunk.NewChunker(200, 20, 10)
	pipeline := ingest.New(chunks, vectors, bm25, chunker, client, manager,
		engine.InvalidateCache, 50)

	srv, err := NewServer(engine, pipeline, client)
	require.NoError(t, err)
	return srv
}

func TestServer_IngestThenSearch(t *testing.T) {
	// Given a server with one ingested document
	srv := newTestServer(t)
	ctx := context.Background()

	_, ingested, err := srv.ingestHandler(ctx, nil, IngestInput{
		Source:   "fruit.md",
		Content:  "The apple orchard produces fruit every autumn season.",
		Metadata: map[string]string{"topic": "fruit"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ingested.DocumentID)
	assert.Positive(t, ingested.ChunkCount)

	// When searching for related content
	_, out, err := srv.searchHandler(ctx, nil, SearchInput{Query: "apple fruit"})

	// Then the document's chunk is returned
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, ingested.DocumentID, out.Results[0].DocumentID)
	assert.Contains(t, out.Results[0].Content, "orchard")
	assert.False(t, out.Reranked)
}

func TestServer_SearchRejectsEmptyQuery(t *testing.T) {
	// Given a server
	srv := newTestServer(t)

	// When searching with a blank query
	_, _, err := srv.searchHandler(context.Background(), nil, SearchInput{Query: "   "})

	// Then the error carries the query-empty code
	require.Error(t, err)
	assert.Contains(t, err.Error(), apperrors.ErrCodeQueryEmpty)
}

func TestServer_SearchHonorsMetadataFilter(t *testing.T) {
	// Given two documents with different topics
	srv := newTestServer(t)
	ctx := context.Background()

	_, fruit, err := srv.ingestHandler(ctx, nil, IngestInput{
		Source:   "fruit.md",
		Content:  "An apple a day is classic fruit advice.",
		Metadata: map[string]string{"topic": "fruit"},
	})
	require.NoError(t, err)

	_, _, err = srv.ingestHandler(ctx, nil, IngestInput{
		Source:   "go.md",
		Content:  "A goroutine sends on a channel in concurrent code.",
		Metadata: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)

	// When filtering on topic
	_, out, err := srv.searchHandler(ctx, nil, SearchInput{
		Query:  "apple channel",
		Filter: map[string]string{"topic": "fruit"},
	})

	// Then only the fruit document surfaces
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	for _, r := range out.Results {
		assert.Equal(t, fruit.DocumentID, r.DocumentID)
	}
}

func TestServer_DeleteAndRestoreDocument(t *testing.T) {
	// Given an ingested document
	srv := newTestServer(t)
	ctx := context.Background()

	_, ingested, err := srv.ingestHandler(ctx, nil, IngestInput{
		Source:  "fruit.md",
		Content: "The apple orchard produces fruit every autumn.",
	})
	require.NoError(t, err)

	// When deleting it
	_, ack, err := srv.deleteHandler(ctx, nil, DocumentIDInput{DocumentID: ingested.DocumentID})
	require.NoError(t, err)
	assert.Equal(t, "deleted", ack.Status)

	// Then it no longer appears in search
	_, out, err := srv.searchHandler(ctx, nil, SearchInput{Query: "apple orchard"})
	require.NoError(t, err)
	assert.Empty(t, out.Results)

	// When restoring it
	_, ack, err = srv.restoreHandler(ctx, nil, DocumentIDInput{DocumentID: ingested.DocumentID})
	require.NoError(t, err)
	assert.Equal(t, "restored", ack.Status)

	// Then it is searchable again
	_, out, err = srv.searchHandler(ctx, nil, SearchInput{Query: "apple orchard"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, ingested.DocumentID, out.Results[0].DocumentID)
}

func TestServer_UpdateDocumentReplacesContent(t *testing.T) {
	// Given an ingested document
	srv := newTestServer(t)
	ctx := context.Background()

	_, ingested, err := srv.ingestHandler(ctx, nil, IngestInput{
		Source:  "notes.md",
		Content: "The apple orchard produces fruit every autumn.",
	})
	require.NoError(t, err)

	// When replacing its content
	_, updated, err := srv.updateHandler(ctx, nil, UpdateInput{
		DocumentID: ingested.DocumentID,
		Content:    "A goroutine sends on a channel in concurrent code.",
	})
	require.NoError(t, err)
	assert.Equal(t, ingested.DocumentID, updated.DocumentID)

	// Then searches reflect the new content only
	_, out, err := srv.searchHandler(ctx, nil, SearchInput{Query: "goroutine channel"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Contains(t, out.Results[0].Content, "goroutine")

	_, out, err = srv.searchHandler(ctx, nil, SearchInput{Query: "apple orchard"})
	require.NoError(t, err)
	assert.Empty(t, out.Results)
}

func TestServer_PurgeDocumentIsPermanent(t *testing.T) {
	// Given an ingested document
	srv := newTestServer(t)
	ctx := context.Background()

	_, ingested, err := srv.ingestHandler(ctx, nil, IngestInput{
		Source:  "fruit.md",
		Content: "The apple orchard produces fruit.",
	})
	require.NoError(t, err)

	// When purging it
	_, ack, err := srv.purgeHandler(ctx, nil, DocumentIDInput{DocumentID: ingested.DocumentID})
	require.NoError(t, err)
	assert.Equal(t, "purged", ack.Status)

	// Then restore reports not found
	_, _, err = srv.restoreHandler(ctx, nil, DocumentIDInput{DocumentID: ingested.DocumentID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), apperrors.ErrCodeNotFound)
}

func TestServer_IndexStatusReportsCorpus(t *testing.T) {
	// Given a server with one document
	srv := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.ingestHandler(ctx, nil, IngestInput{
		Source:  "fruit.md",
		Content: "The apple orchard produces fruit.",
	})
	require.NoError(t, err)

	// When asking for index status
	_, status, err := srv.indexStatusHandler(ctx, nil, IndexStatusInput{})

	// Then the counts and provider info are populated
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Documents)
	assert.Positive(t, status.Chunks)
	assert.Positive(t, status.Vectors)
	assert.Equal(t, "stub-model", status.EmbeddingModel)
	assert.Equal(t, "closed", status.BreakerState)
}

func TestServer_JobStatusUnknownJob(t *testing.T) {
	// Given a server with no jobs
	srv := newTestServer(t)

	// When asking about a job that never existed
	_, _, err := srv.jobStatusHandler(context.Background(), nil, JobStatusInput{JobID: "no-such-job"})

	// Then the error carries the not-found code
	require.Error(t, err)
	assert.Contains(t, err.Error(), apperrors.ErrCodeNotFound)
}

func TestServer_ServeRejectsUnknownTransport(t *testing.T) {
	// Given a server
	srv := newTestServer(t)

	// When serving over an unsupported transport
	err := srv.Serve(context.Background(), "tcp")

	// Then it is rejected
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestNewServer_RequiresEngineAndPipeline(t *testing.T) {
	// Given missing dependencies

	// When constructing the server
	_, err := NewServer(nil, nil, nil)

	// Then construction fails
	require.Error(t, err)
}
