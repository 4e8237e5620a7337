// Package ingest drives the document lifecycle: chunking, embedding,
// persistence, and index upkeep. Small documents embed synchronously;
// large ones go through the async job manager so callers are not held
// hostage by provider latency.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/juhokoskela/rag-service/internal/chunk"
	"github.com/juhokoskela/rag-service/internal/embed"
	apperrors "github.com/juhokoskela/rag-service/internal/errors"
	"github.com/juhokoskela/rag-service/internal/store"
)

// DefaultAsyncThreshold is the chunk count at which ingestion switches
// to an async embedding job.
const DefaultAsyncThreshold = 10

// FileAsyncThreshold is the higher switch-over point for local file
// imports, which routinely chunk larger than interactive input.
const FileAsyncThreshold = 50

// Request describes one document to ingest.
type Request struct {
	// DocumentID is optional; one is generated when empty.
	DocumentID string
	Source     string
	Content    string
	Metadata   map[string]string

	// AsyncThreshold overrides the pipeline's async switch-over point
	// for this request when positive.
	AsyncThreshold int
}

// Result reports what an ingestion did.
type Result struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`

	// JobID is set when embedding continues asynchronously.
	JobID string `json:"job_id,omitempty"`
}

// Stats summarizes the corpus for status output.
type Stats struct {
	Documents  int64 `json:"documents"`
	Chunks     int64 `json:"chunks"`
	Vectors    int   `json:"vectors"`
	Generation int64 `json:"generation"`
	BM25DocGen int64 `json:"bm25_generation"`
}

// Pipeline owns the write path of the corpus.
type Pipeline struct {
	chunks  store.ChunkStore
	vectors store.VectorStore
	bm25    store.BM25Index
	chunker *chunk.Chunker
	client  *embed.Client
	manager *embed.Manager

	// invalidate drops the search response cache after mutations
	invalidate func()

	asyncThreshold int
}

// New creates a pipeline. invalidate may be nil.
func New(
	chunks store.ChunkStore,
	vectors store.VectorStore,
	bm25 store.BM25Index,
	chunker *chunk.Chunker,
	client *embed.Client,
	manager *embed.Manager,
	invalidate func(),
	asyncThreshold int,
) *Pipeline {
	if asyncThreshold <= 0 {
		asyncThreshold = DefaultAsyncThreshold
	}
	if invalidate == nil {
		invalidate = func() {}
	}
	return &Pipeline{
		chunks:         chunks,
		vectors:        vectors,
		bm25:           bm25,
		chunker:        chunker,
		client:         client,
		manager:        manager,
		invalidate:     invalidate,
		asyncThreshold: asyncThreshold,
	}
}

// IngestDocument chunks, embeds, and stores a document. When the
// document produces at least the async threshold of chunks, embedding
// runs as a background job and the returned Result carries its ID.
func (p *Pipeline) IngestDocument(ctx context.Context, req Request) (*Result, error) {
	pieces, err := p.chunker.Split(req.Content)
	if err != nil {
		return nil, err
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}

	doc := &store.Document{ID: docID, Source: req.Source, Metadata: req.Metadata}
	if err := p.chunks.SaveDocument(ctx, doc); err != nil {
		return nil, apperrors.StorageError("failed to save document", err)
	}

	chunks := make([]*store.Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &store.Chunk{
			ID:         uuid.NewString(),
			DocumentID: docID,
			Ordinal:    piece.Ordinal,
			Content:    piece.Content,
			TokenCount: piece.TokenCount,
			Metadata:   req.Metadata,
		}
		texts[i] = piece.Content
	}

	threshold := p.asyncThreshold
	if req.AsyncThreshold > 0 {
		threshold = req.AsyncThreshold
	}
	if p.manager != nil && len(chunks) >= threshold {
		return p.ingestAsync(ctx, docID, chunks, texts)
	}
	return p.ingestSync(ctx, docID, chunks, texts)
}

func (p *Pipeline) ingestSync(ctx context.Context, docID string, chunks []*store.Chunk, texts []string) (*Result, error) {
	vectors, err := p.client.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if err := p.persist(ctx, chunks); err != nil {
		return nil, err
	}

	slog.Info("document ingested", "document_id", docID, "chunks", len(chunks))
	return &Result{DocumentID: docID, ChunkCount: len(chunks)}, nil
}

func (p *Pipeline) ingestAsync(ctx context.Context, docID string, chunks []*store.Chunk, texts []string) (*Result, error) {
	// Store chunks immediately so lexical search sees them; vectors
	// follow when the job lands
	if err := p.saveChunks(ctx, chunks); err != nil {
		return nil, err
	}
	p.invalidate()

	jobID, err := p.manager.Submit(ctx, texts, func(jobCtx context.Context, vectors [][]float32, failures []apperrors.ItemFailure) error {
		embedded := make([]*store.Chunk, 0, len(chunks))
		for i, vec := range vectors {
			if vec == nil {
				continue
			}
			chunks[i].Embedding = vec
			embedded = append(embedded, chunks[i])
		}
		if len(embedded) == 0 {
			return apperrors.New(apperrors.ErrCodeEmbeddingFailed, "no chunks could be embedded", nil)
		}
		if err := p.persist(jobCtx, embedded); err != nil {
			return err
		}
		slog.Info("async embedding landed",
			"document_id", docID, "embedded", len(embedded), "failed", len(failures))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("document ingested, embedding queued",
		"document_id", docID, "chunks", len(chunks), "job_id", jobID)
	return &Result{DocumentID: docID, ChunkCount: len(chunks), JobID: jobID}, nil
}

// UpdateDocument replaces a document's content and metadata. The old
// chunks are soft-deleted and the new content is re-chunked and
// re-embedded under the same document ID; only an explicit purge
// destroys the superseded chunks.
func (p *Pipeline) UpdateDocument(ctx context.Context, docID string, req Request) (*Result, error) {
	existing, err := p.chunks.GetDocument(ctx, docID)
	if err != nil {
		return nil, apperrors.StorageError("failed to load document", err)
	}
	if existing == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "document not found", nil)
	}

	oldIDs, err := p.chunks.SoftDeleteDocument(ctx, docID)
	if err != nil {
		return nil, apperrors.StorageError("failed to retire old chunks", err)
	}
	if err := p.vectors.Delete(ctx, oldIDs); err != nil {
		slog.Warn("failed to drop old vectors", "document_id", docID, "error", err)
	}

	req.DocumentID = docID
	if req.Source == "" {
		req.Source = existing.Source
	}
	result, err := p.IngestDocument(ctx, req)
	if err != nil {
		return nil, err
	}
	p.invalidate()
	return result, nil
}

// DeleteDocument soft-deletes a document. Its chunks leave the
// searchable corpus but remain restorable.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID string) error {
	if err := p.requireDocument(ctx, docID); err != nil {
		return err
	}

	ids, err := p.chunks.SoftDeleteDocument(ctx, docID)
	if err != nil {
		return apperrors.StorageError("failed to delete document", err)
	}
	if err := p.vectors.Delete(ctx, ids); err != nil {
		slog.Warn("failed to drop vectors", "document_id", docID, "error", err)
	}
	p.invalidate()

	slog.Info("document deleted", "document_id", docID, "chunks", len(ids))
	return nil
}

// RestoreDocument brings a soft-deleted document back. Chunks with
// stored embeddings rejoin the vector index directly; any without are
// re-embedded.
func (p *Pipeline) RestoreDocument(ctx context.Context, docID string) error {
	if err := p.requireDocument(ctx, docID); err != nil {
		return err
	}

	restored, err := p.chunks.RestoreDocument(ctx, docID)
	if err != nil {
		return apperrors.StorageError("failed to restore document", err)
	}

	var missing []*store.Chunk
	for _, c := range restored {
		if len(c.Embedding) == 0 {
			missing = append(missing, c)
			continue
		}
		if err := p.vectors.Add(ctx, []string{c.ID}, [][]float32{c.Embedding}); err != nil {
			return apperrors.StorageError("failed to reindex vectors", err)
		}
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, c := range missing {
			texts[i] = c.Content
		}
		vecs, err := p.client.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, c := range missing {
			c.Embedding = vecs[i]
		}
		if err := p.persist(ctx, missing); err != nil {
			return err
		}
	}

	p.invalidate()
	slog.Info("document restored", "document_id", docID, "chunks", len(restored))
	return nil
}

// PurgeDocument permanently removes a document and its chunks.
func (p *Pipeline) PurgeDocument(ctx context.Context, docID string) error {
	if err := p.requireDocument(ctx, docID); err != nil {
		return err
	}

	ids, err := p.chunks.PurgeDocument(ctx, docID)
	if err != nil {
		return apperrors.StorageError("failed to purge document", err)
	}
	if err := p.vectors.Delete(ctx, ids); err != nil {
		slog.Warn("failed to drop vectors", "document_id", docID, "error", err)
	}
	p.invalidate()

	slog.Info("document purged", "document_id", docID, "chunks", len(ids))
	return nil
}

// PruneEmbeddingCache sweeps cold durable cache entries.
func (p *Pipeline) PruneEmbeddingCache(ctx context.Context, olderThan time.Time, maxAccessCount int64) (int64, error) {
	removed, err := p.chunks.PruneCache(ctx, olderThan, maxAccessCount)
	if err != nil {
		return 0, apperrors.StorageError("failed to prune embedding cache", err)
	}
	slog.Info("embedding cache pruned", "removed", removed)
	return removed, nil
}

// JobStatus reports the state of an async embedding job.
func (p *Pipeline) JobStatus(id string) (embed.JobStatus, bool) {
	if p.manager == nil {
		return embed.JobStatus{}, false
	}
	return p.manager.Status(id)
}

// WaitForJob blocks until an async embedding job finishes or ctx ends.
func (p *Pipeline) WaitForJob(ctx context.Context, id string) (embed.JobStatus, error) {
	if p.manager == nil {
		return embed.JobStatus{}, apperrors.New(apperrors.ErrCodeNotFound, "unknown job", nil)
	}
	return p.manager.Wait(ctx, id)
}

// Stats summarizes the corpus.
func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	corpus, err := p.chunks.Stats(ctx)
	if err != nil {
		return nil, apperrors.StorageError("failed to read corpus stats", err)
	}
	return &Stats{
		Documents:  int64(corpus.DocumentCount),
		Chunks:     int64(corpus.ChunkCount),
		Vectors:    p.vectors.Count(),
		Generation: corpus.Generation,
		BM25DocGen: p.bm25.Generation(),
	}, nil
}

func (p *Pipeline) requireDocument(ctx context.Context, docID string) error {
	doc, err := p.chunks.GetDocument(ctx, docID)
	if err != nil {
		return apperrors.StorageError("failed to load document", err)
	}
	if doc == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "document not found", nil)
	}
	return nil
}

// persist saves chunks and mirrors their embeddings into the vector
// index, then drops the response cache.
func (p *Pipeline) persist(ctx context.Context, chunks []*store.Chunk) error {
	if err := p.saveChunks(ctx, chunks); err != nil {
		return err
	}

	ids := make([]string, 0, len(chunks))
	vecs := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			ids = append(ids, c.ID)
			vecs = append(vecs, c.Embedding)
		}
	}
	if len(ids) > 0 {
		if err := p.vectors.Add(ctx, ids, vecs); err != nil {
			return apperrors.StorageError("failed to index vectors", err)
		}
	}

	p.invalidate()
	return nil
}

func (p *Pipeline) saveChunks(ctx context.Context, chunks []*store.Chunk) error {
	if err := p.chunks.SaveChunks(ctx, chunks); err != nil {
		return apperrors.StorageError("failed to save chunks", err)
	}
	return nil
}
