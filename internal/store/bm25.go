package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/search"
	index "github.com/blevesearch/bleve_index_api"
)

// BleveBM25Index wraps an in-memory Bleve index with BM25 scoring.
//
// The whole index is rebuilt from the active corpus when stale. Rebuild
// constructs a fresh index off to the side and swaps it in under the
// write lock, so concurrent searches always see a consistent snapshot.
type BleveBM25Index struct {
	mu         sync.RWMutex
	index      bleve.Index
	seqs       map[string]int64
	generation int64
	closed     bool
}

// bleveDocument is the document structure for Bleve indexing.
type bleveDocument struct {
	Content string `json:"content"`
}

// NewBleveBM25Index creates a new, empty BM25 index at generation 0.
func NewBleveBM25Index() (*BleveBM25Index, error) {
	idx, err := newMemIndex()
	if err != nil {
		return nil, err
	}
	return &BleveBM25Index{
		index: idx,
		seqs:  make(map[string]int64),
	}, nil
}

// newMemIndex builds an in-memory Bleve index with the English analyzer
// (lowercase, stopword removal, stemming) and BM25 scoring.
func newMemIndex() (bleve.Index, error) {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = en.AnalyzerName
	im.ScoringModel = index.BM25Scoring

	idx, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return idx, nil
}

// Rebuild replaces the index contents with docs at the given generation.
func (b *BleveBM25Index) Rebuild(ctx context.Context, docs []*IndexDoc, generation int64) error {
	start := time.Now()

	fresh, err := newMemIndex()
	if err != nil {
		return err
	}

	batch := fresh.NewBatch()
	seqs := make(map[string]int64, len(docs))
	for _, doc := range docs {
		if err := batch.Index(doc.ID, bleveDocument{Content: doc.Content}); err != nil {
			_ = fresh.Close()
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
		seqs[doc.ID] = doc.Seq
	}
	if err := fresh.Batch(batch); err != nil {
		_ = fresh.Close()
		return fmt.Errorf("failed to execute batch: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		_ = fresh.Close()
		return fmt.Errorf("index is closed")
	}

	old := b.index
	b.index = fresh
	b.seqs = seqs
	b.generation = generation
	if old != nil {
		_ = old.Close()
	}

	slog.Debug("bm25 index rebuilt",
		slog.Int("documents", len(docs)),
		slog.Int64("generation", generation),
		slog.Duration("elapsed", time.Since(start)))

	return nil
}

// Generation returns the generation the index was last built at.
func (b *BleveBM25Index) Generation() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

// Search returns chunks matching query, scored by BM25.
// Results with non-positive scores are dropped; ties are broken by
// corpus insertion order.
func (b *BleveBM25Index) Search(ctx context.Context, queryStr string, limit int, allow func(string) bool) ([]*BM25Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	if strings.TrimSpace(queryStr) == "" {
		return []*BM25Result{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	// Over-fetch when a predicate may drop hits
	size := limit
	if allow != nil {
		size = limit * 4
	}

	searchRequest := bleve.NewSearchRequest(matchQuery)
	searchRequest.Size = size
	searchRequest.IncludeLocations = true // For matched terms

	result, err := b.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*BM25Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if hit.Score <= 0 {
			continue
		}
		if allow != nil && !allow(hit.ID) {
			continue
		}
		results = append(results, &BM25Result{
			ChunkID:      hit.ID,
			Score:        hit.Score,
			Seq:          b.seqs[hit.ID],
			MatchedTerms: extractMatchedTerms(hit),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Seq < results[j].Seq
	})

	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// DocCount returns the number of indexed documents.
func (b *BleveBM25Index) DocCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	count, _ := b.index.DocCount()
	return int(count)
}

// Close closes the index.
func (b *BleveBM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// extractMatchedTerms extracts matched terms from a search hit.
func extractMatchedTerms(hit *search.DocumentMatch) []string {
	terms := make(map[string]struct{})
	for field, locations := range hit.Locations {
		if field == "content" {
			for term := range locations {
				terms[term] = struct{}{}
			}
		}
	}

	result := make([]string, 0, len(terms))
	for term := range terms {
		result = append(result, term)
	}
	sort.Strings(result)
	return result
}

// Verify interface implementation
var _ BM25Index = (*BleveBM25Index)(nil)
