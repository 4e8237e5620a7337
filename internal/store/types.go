// Package store provides the persistence layer: chunk and document
// metadata in SQLite, a BM25 lexical index (Bleve), and an HNSW vector
// store.
package store

import (
	"context"
	"fmt"
	"time"
)

// Chunk represents a retrievable unit of content.
type Chunk struct {
	ID         string            // UUID
	DocumentID string            // Parent document ID
	Ordinal    int               // Position within the document, 0-based
	Seq        int64             // Corpus insertion order, assigned by the store
	Content    string            // Chunk text
	TokenCount int               // Token count at chunking time
	Embedding  []float32         // Embedding vector, may be nil before embedding
	Metadata   map[string]string // Custom metadata
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time // Soft-delete timestamp, nil when active
}

// Active reports whether the chunk is eligible for retrieval.
func (c *Chunk) Active() bool {
	return c.DeletedAt == nil
}

// Document represents an ingested document.
type Document struct {
	ID        string
	Source    string // Caller-supplied origin (file path, URL, title)
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// CorpusStats summarizes the active corpus.
type CorpusStats struct {
	DocumentCount int
	ChunkCount    int
	Generation    int64
}

// CacheEntry is a durable-tier embedding cache record.
type CacheEntry struct {
	TextHash     string // SHA-256 of "model:text"
	Model        string
	Vector       []float32
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
}

// ChunkStore persists documents, chunks, and the durable embedding
// cache tier in SQLite.
type ChunkStore interface {
	// Document operations
	SaveDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)

	// Chunk operations
	SaveChunks(ctx context.Context, chunks []*Chunk) error
	GetChunk(ctx context.Context, id string) (*Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]*Chunk, error)
	ListActive(ctx context.Context) ([]*Chunk, error)
	ListByDocument(ctx context.Context, docID string, includeDeleted bool) ([]*Chunk, error)

	// MatchingIDs returns the IDs of active chunks whose metadata
	// contains every key-value pair in filter. A nil or empty filter
	// matches all active chunks.
	MatchingIDs(ctx context.Context, filter map[string]string) (map[string]struct{}, error)

	// Lifecycle operations. Each returns the affected chunk IDs and
	// bumps the corpus generation.
	SoftDeleteDocument(ctx context.Context, docID string) ([]string, error)
	RestoreDocument(ctx context.Context, docID string) ([]*Chunk, error)
	PurgeDocument(ctx context.Context, docID string) ([]string, error)

	// Generation returns the corpus generation counter. Every mutation
	// of the active corpus increments it.
	Generation(ctx context.Context) (int64, error)

	Stats(ctx context.Context) (*CorpusStats, error)

	// Durable embedding cache tier. Get updates access accounting on hit.
	CacheGet(ctx context.Context, textHash string) ([]float32, bool, error)
	CachePut(ctx context.Context, entry *CacheEntry) error
	PruneCache(ctx context.Context, olderThan time.Time, maxAccessCount int64) (int64, error)

	Close() error
}

// IndexDoc is a document handed to the BM25 index during a rebuild.
type IndexDoc struct {
	ID      string // Chunk ID
	Content string
	Seq     int64 // Corpus insertion order, used for tie-breaks
}

// BM25Result represents a single BM25 search result.
type BM25Result struct {
	ChunkID      string
	Score        float64
	Seq          int64
	MatchedTerms []string
}

// BM25Index provides keyword search using BM25 scoring.
//
// The index is rebuilt wholesale from the active corpus whenever its
// build generation falls behind the corpus generation. Searches running
// during a rebuild read the previous snapshot.
type BM25Index interface {
	// Rebuild replaces the index contents with docs and stamps the
	// index with generation.
	Rebuild(ctx context.Context, docs []*IndexDoc, generation int64) error

	// Generation returns the generation the index was last built at.
	Generation() int64

	// Search returns chunks matching query, scored by BM25, ordered by
	// score descending with ties broken by corpus insertion order.
	// Results with non-positive scores are dropped. allow, when
	// non-nil, restricts results to chunk IDs it accepts.
	Search(ctx context.Context, query string, limit int, allow func(string) bool) ([]*BM25Result, error)

	DocCount() int
	Close() error
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       string  // Chunk ID
	Distance float32 // Cosine distance, lower is more similar
	Score    float32 // Cosine similarity in [0,1]
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the embedding dimensionality.
	Dimensions int

	// M is HNSW max connections per layer.
	M int

	// EfSearch is HNSW query-time search width.
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   64,
	}
}

// VectorStore provides semantic search over cosine similarity.
type VectorStore interface {
	// Add inserts vectors with their IDs. If an ID exists, it is replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds up to k nearest neighbors to query with similarity
	// at or above floor. allow, when non-nil, restricts results to
	// chunk IDs it accepts.
	Search(ctx context.Context, query []float32, k int, floor float32, allow func(string) bool) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns number of vectors.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
