package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBM25(t *testing.T, docs []*IndexDoc) *BleveBM25Index {
	t.Helper()
	idx, err := NewBleveBM25Index()
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	if docs != nil {
		require.NoError(t, idx.Rebuild(context.Background(), docs, 1))
	}
	return idx
}

func TestBM25_SearchRanksByRelevance(t *testing.T) {
	// Given a small corpus
	idx := newTestBM25(t, []*IndexDoc{
		{ID: "c1", Content: "the quick brown fox jumps over the lazy dog", Seq: 1},
		{ID: "c2", Content: "quick sort is a divide and conquer algorithm", Seq: 2},
		{ID: "c3", Content: "dogs are loyal animals and good companions", Seq: 3},
	})

	// When searching for a term shared by two documents
	results, err := idx.Search(context.Background(), "quick fox", 10, nil)

	// Then the document matching both terms ranks first
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].ChunkID)
	for _, r := range results {
		assert.Greater(t, r.Score, 0.0)
	}
}

func TestBM25_EmptyQueryReturnsNothing(t *testing.T) {
	idx := newTestBM25(t, []*IndexDoc{{ID: "c1", Content: "hello world", Seq: 1}})

	results, err := idx.Search(context.Background(), "   ", 10, nil)

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBM25_NoMatchesReturnsEmpty(t *testing.T) {
	idx := newTestBM25(t, []*IndexDoc{{ID: "c1", Content: "hello world", Seq: 1}})

	results, err := idx.Search(context.Background(), "zebra", 10, nil)

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBM25_AllowPredicateFiltersResults(t *testing.T) {
	// Given two matching documents
	idx := newTestBM25(t, []*IndexDoc{
		{ID: "c1", Content: "golang concurrency patterns", Seq: 1},
		{ID: "c2", Content: "golang error handling", Seq: 2},
	})

	// When only one passes the allow predicate
	results, err := idx.Search(context.Background(), "golang", 10, func(id string) bool {
		return id == "c2"
	})

	// Then the other is excluded
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].ChunkID)
}

func TestBM25_RebuildSwapsCorpus(t *testing.T) {
	// Given an index over one corpus
	idx := newTestBM25(t, []*IndexDoc{{ID: "c1", Content: "alpha beta", Seq: 1}})
	ctx := context.Background()
	assert.Equal(t, int64(1), idx.Generation())

	// When rebuilding with a replacement corpus
	require.NoError(t, idx.Rebuild(ctx, []*IndexDoc{{ID: "c2", Content: "gamma delta", Seq: 2}}, 5))

	// Then old documents are gone and the generation advances
	assert.Equal(t, int64(5), idx.Generation())

	results, err := idx.Search(ctx, "alpha", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, "gamma", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].ChunkID)
}

func TestBM25_LimitTruncates(t *testing.T) {
	docs := []*IndexDoc{
		{ID: "c1", Content: "search engines rank documents", Seq: 1},
		{ID: "c2", Content: "search results are ranked", Seq: 2},
		{ID: "c3", Content: "ranking in search systems", Seq: 3},
	}
	idx := newTestBM25(t, docs)

	results, err := idx.Search(context.Background(), "search", 2, nil)

	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestBM25_StemmedMatching(t *testing.T) {
	// The English analyzer stems, so "running" should match "run"
	idx := newTestBM25(t, []*IndexDoc{{ID: "c1", Content: "he was running fast", Seq: 1}})

	results, err := idx.Search(context.Background(), "run", 10, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
}

func TestBM25_DocCount(t *testing.T) {
	idx := newTestBM25(t, []*IndexDoc{
		{ID: "c1", Content: "one", Seq: 1},
		{ID: "c2", Content: "two", Seq: 2},
	})

	assert.Equal(t, 2, idx.DocCount())
}
