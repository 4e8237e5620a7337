package ingest

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juhokoskela/rag-service/internal/cache"
	"github.com/juhokoskela/rag-service/internal/chunk"
	"github.com/juhokoskela/rag-service/internal/embed"
	apperrors "github.com/juhokoskela/rag-service/internal/errors"
	"github.com/juhokoskela/rag-service/internal/store"
)

// stubProvider embeds everything as a fixed-width vector derived from
// the text length.
type stubProvider struct {
	calls atomic.Int32
}

func (s *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.calls.Add(1)
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = []float32{float32(len(text)), 1, 0}
	}
	return vecs, nil
}

func (s *stubProvider) Model() string   { return "stub-model" }
func (s *stubProvider) Dimensions() int { return 3 }

type fixture struct {
	pipeline      *Pipeline
	chunks        *store.SQLiteStore
	vectors       *store.HNSWStore
	manager       *embed.Manager
	invalidations *atomic.Int32
}

func newFixture(t *testing.T, asyncThreshold int) *fixture {
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

	var invalidations atomic.Int32
	chunker := chunk.NewChunker(30, 5, 3)
	pipeline := New(chunks, vectors, bm25, chunker, client, manager,
		func() { invalidations.Add(1) }, asyncThreshold)

	return &fixture{
		pipeline:      pipeline,
		chunks:        chunks,
		vectors:       vectors,
		manager:       manager,
		invalidations: &invalidations,
	}
}

// manyParagraphs builds content that chunks into well over n pieces
// under the small test chunker.
func manyParagraphs(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString("This paragraph describes topic number ")
		sb.WriteString(strings.Repeat("x", i%5+1))
		sb.WriteString(" in enough words to stand alone as a chunk of text.\n\n")
	}
	return sb.String()
}

func TestPipeline_IngestSmallDocumentSynchronously(t *testing.T) {
	// Given a short document
	f := newFixture(t, 10)
	ctx := context.Background()

	// When ingesting
	result, err := f.pipeline.IngestDocument(ctx, Request{
		Source:   "notes.md",
		Content:  "A short document about apples.",
		Metadata: map[string]string{"topic": "fruit"},
	})

	// Then chunks and vectors are stored immediately
	require.NoError(t, err)
	assert.NotEmpty(t, result.DocumentID)
	assert.Empty(t, result.JobID)
	assert.Equal(t, 1, result.ChunkCount)

	active, err := f.chunks.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fruit", active[0].Metadata["topic"])
	assert.NotEmpty(t, active[0].Embedding)
	assert.True(t, f.vectors.Contains(active[0].ID))
	assert.Greater(t, f.invalidations.Load(), int32(0))
}

func TestPipeline_LargeDocumentGoesAsync(t *testing.T) {
	// Given a document chunking past the async threshold
	f := newFixture(t, 3)
	ctx := context.Background()

	result, err := f.pipeline.IngestDocument(ctx, Request{
		Source:  "big.md",
		Content: manyParagraphs(12),
	})

	// Then a job ID is returned and chunks are visible right away
	require.NoError(t, err)
	assert.NotEmpty(t, result.JobID)
	assert.GreaterOrEqual(t, result.ChunkCount, 3)

	active, err := f.chunks.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, result.ChunkCount)

	// And when the job lands, every chunk has a vector
	status, err := f.manager.Wait(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, embed.JobCompleted, status.State)

	active, err = f.chunks.ListActive(ctx)
	require.NoError(t, err)
	for _, c := range active {
		assert.NotEmpty(t, c.Embedding)
		assert.True(t, f.vectors.Contains(c.ID))
	}
}

func TestPipeline_RequestThresholdOverride(t *testing.T) {
	// Given a pipeline that would normally go async at 3 chunks
	f := newFixture(t, 3)
	ctx := context.Background()

	// When the request raises the switch-over point, as file imports do
	result, err := f.pipeline.IngestDocument(ctx, Request{
		Source:         "big.md",
		Content:        manyParagraphs(12),
		AsyncThreshold: FileAsyncThreshold,
	})

	// Then embedding runs synchronously
	require.NoError(t, err)
	assert.Empty(t, result.JobID)

	active, err := f.chunks.ListActive(ctx)
	require.NoError(t, err)
	for _, c := range active {
		assert.NotEmpty(t, c.Embedding)
	}
}

func TestPipeline_EmptyContentRejected(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.pipeline.IngestDocument(context.Background(), Request{Content: "  \n "})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
}

func TestPipeline_UpdateReplacesChunks(t *testing.T) {
	// Given an ingested document
	f := newFixture(t, 100)
	ctx := context.Background()
	first, err := f.pipeline.IngestDocument(ctx, Request{
		Source:  "a.md",
		Content: "Original content about oranges.",
	})
	require.NoError(t, err)

	oldChunks, err := f.chunks.ListByDocument(ctx, first.DocumentID, false)
	require.NoError(t, err)
	require.NotEmpty(t, oldChunks)
	oldID := oldChunks[0].ID

	// When updating
	updated, err := f.pipeline.UpdateDocument(ctx, first.DocumentID, Request{
		Content: "Rewritten content about lemons.",
	})

	// Then new chunks replace the old and stale vectors are gone
	require.NoError(t, err)
	assert.Equal(t, first.DocumentID, updated.DocumentID)

	newChunks, err := f.chunks.ListByDocument(ctx, first.DocumentID, false)
	require.NoError(t, err)
	require.NotEmpty(t, newChunks)
	assert.NotEqual(t, oldID, newChunks[0].ID)
	assert.Contains(t, newChunks[0].Content, "lemons")
	assert.False(t, f.vectors.Contains(oldID))
	assert.True(t, f.vectors.Contains(newChunks[0].ID))

	// And the superseded chunk is soft-deleted, still addressable by ID
	old, err := f.chunks.GetChunk(ctx, oldID)
	require.NoError(t, err)
	require.NotNil(t, old, "superseded chunk must survive an update")
	assert.False(t, old.Active())
	assert.NotNil(t, old.DeletedAt)
}

func TestPipeline_UpdateMissingDocument(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.pipeline.UpdateDocument(context.Background(), "ghost", Request{Content: "text"})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestPipeline_DeleteAndRestore(t *testing.T) {
	// Given an ingested document
	f := newFixture(t, 100)
	ctx := context.Background()
	result, err := f.pipeline.IngestDocument(ctx, Request{
		Source:  "a.md",
		Content: "Content that will disappear and come back.",
	})
	require.NoError(t, err)

	chunks, err := f.chunks.ListByDocument(ctx, result.DocumentID, false)
	require.NoError(t, err)
	chunkID := chunks[0].ID

	// When deleting
	require.NoError(t, f.pipeline.DeleteDocument(ctx, result.DocumentID))

	// Then the chunk leaves both corpus and vector index
	active, err := f.chunks.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.False(t, f.vectors.Contains(chunkID))

	// When restoring
	require.NoError(t, f.pipeline.RestoreDocument(ctx, result.DocumentID))

	// Then it is searchable again without re-embedding
	active, err = f.chunks.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, f.vectors.Contains(chunkID))
}

func TestPipeline_PurgeIsPermanent(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	result, err := f.pipeline.IngestDocument(ctx, Request{Content: "Soon to be gone forever."})
	require.NoError(t, err)

	require.NoError(t, f.pipeline.PurgeDocument(ctx, result.DocumentID))

	doc, err := f.chunks.GetDocument(ctx, result.DocumentID)
	require.NoError(t, err)
	assert.Nil(t, doc)

	err = f.pipeline.PurgeDocument(ctx, result.DocumentID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestPipeline_GenerationAdvancesOnMutations(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	genAt := func() int64 {
		g, err := f.chunks.Generation(ctx)
		require.NoError(t, err)
		return g
	}

	g0 := genAt()
	result, err := f.pipeline.IngestDocument(ctx, Request{Content: "Generation test content."})
	require.NoError(t, err)
	g1 := genAt()
	assert.Greater(t, g1, g0)

	require.NoError(t, f.pipeline.DeleteDocument(ctx, result.DocumentID))
	g2 := genAt()
	assert.Greater(t, g2, g1)

	require.NoError(t, f.pipeline.RestoreDocument(ctx, result.DocumentID))
	assert.Greater(t, genAt(), g2)
}

func TestPipeline_PruneEmbeddingCache(t *testing.T) {
	// Given an ingestion that populated the durable cache
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.pipeline.IngestDocument(ctx, Request{Content: "Cache-filling content."})
	require.NoError(t, err)

	// When pruning everything never re-read
	removed, err := f.pipeline.PruneEmbeddingCache(ctx, time.Now().Add(time.Hour), 1)

	require.NoError(t, err)
	assert.Greater(t, removed, int64(0))
}

func TestPipeline_Stats(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.pipeline.IngestDocument(ctx, Request{Content: "Stats content one."})
	require.NoError(t, err)

	stats, err := f.pipeline.Stats(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Documents)
	assert.Equal(t, int64(1), stats.Chunks)
	assert.Equal(t, 1, stats.Vectors)
	assert.Greater(t, stats.Generation, int64(0))
}
