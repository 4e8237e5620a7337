package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/juhokoskela/rag-service/internal/errors"
	"github.com/juhokoskela/rag-service/internal/store"
)

// Engine defaults.
const (
	DefaultMaxResults       = 10
	DefaultCandidateFloor   = 20
	DefaultSimilarityFloor  = 0.7
	DefaultResponseCacheTTL = time.Hour

	responseCacheCounters = 10000
	responseCacheMaxCost  = 1000
)

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EngineConfig tunes the hybrid engine.
type EngineConfig struct {
	Weights          Weights
	SimilarityFloor  float32
	MaxResults       int
	ResponseCacheTTL time.Duration
	RerankTopK       int
}

// DefaultEngineConfig returns the standard engine settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Weights:          DefaultWeights(),
		SimilarityFloor:  DefaultSimilarityFloor,
		MaxResults:       DefaultMaxResults,
		ResponseCacheTTL: DefaultResponseCacheTTL,
		RerankTopK:       DefaultRerankTopK,
	}
}

// Engine runs hybrid searches: vector and BM25 retrieval in parallel,
// min-max weighted fusion, then an optional reranker chain. Responses
// are cached until the corpus changes.
type Engine struct {
	chunks   store.ChunkStore
	bm25     store.BM25Index
	vectors  store.VectorStore
	embedder QueryEmbedder
	fuser    *MinMaxFusion
	chain    *Chain
	cfg      EngineConfig

	respCache *ristretto.Cache[string, *Response]

	// rebuildMu serializes BM25 rebuilds when the index falls behind
	// the corpus generation
	rebuildMu sync.Mutex
}

// NewEngine creates a hybrid search engine. chain may be nil to
// disable reranking.
func NewEngine(
	chunks store.ChunkStore,
	bm25 store.BM25Index,
	vectors store.VectorStore,
	embedder QueryEmbedder,
	chain *Chain,
	cfg EngineConfig,
) (*Engine, error) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.ResponseCacheTTL <= 0 {
		cfg.ResponseCacheTTL = DefaultResponseCacheTTL
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = DefaultRerankTopK
	}
	if cfg.Weights.Vector == 0 && cfg.Weights.BM25 == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "both search weights are zero", nil)
	}

	respCache, err := ristretto.NewCache(&ristretto.Config[string, *Response]{
		NumCounters: responseCacheCounters,
		MaxCost:     responseCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, apperrors.InternalError("failed to create response cache", err)
	}

	if chain == nil {
		chain = NewChain()
	}

	return &Engine{
		chunks:    chunks,
		bm25:      bm25,
		vectors:   vectors,
		embedder:  embedder,
		fuser:     NewMinMaxFusion(),
		chain:     chain,
		cfg:       cfg,
		respCache: respCache,
	}, nil
}

// Search runs one hybrid search.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	limit := req.Limit
	if limit <= 0 || limit > e.cfg.MaxResults {
		limit = e.cfg.MaxResults
	}

	generation, err := e.chunks.Generation(ctx)
	if err != nil {
		return nil, apperrors.StorageError("failed to read corpus generation", err)
	}

	cacheKey := responseCacheKey(query, limit, req.Filter, generation)
	if cached, ok := e.respCache.Get(cacheKey); ok {
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}

	allow, empty, err := e.buildFilter(ctx, req.Filter)
	if err != nil {
		return nil, err
	}
	if empty {
		return &Response{Results: []Result{}}, nil
	}

	var degraded []string
	if err := e.refreshBM25(ctx, generation); err != nil {
		slog.Warn("lexical index refresh failed, searching stale snapshot", "error", err)
		degraded = append(degraded, "bm25-stale")
	}

	// Over-fetch so fusion has material beyond the requested page
	candidateLimit := limit
	if candidateLimit < DefaultCandidateFloor {
		candidateLimit = DefaultCandidateFloor
	}
	candidateLimit *= 2

	bm25Results, vecResults, retrievalDegraded, err := e.retrieve(ctx, query, candidateLimit, allow)
	if err != nil {
		return nil, err
	}
	degraded = append(degraded, retrievalDegraded...)

	seqs, chunkByID, err := e.loadCandidates(ctx, bm25Results, vecResults)
	if err != nil {
		return nil, err
	}

	fused := e.fuser.Fuse(bm25Results, vecResults, e.cfg.Weights, seqs)

	reranked, rerankerUsed := e.rerank(ctx, query, fused, chunkByID)

	if len(fused) > limit {
		fused = fused[:limit]
	}

	resp := &Response{
		Results:      e.enrich(fused, chunkByID),
		Reranked:     reranked,
		RerankerUsed: rerankerUsed,
		Degraded:     degraded,
	}

	// Degraded responses stay uncached so recovery is visible on the
	// next search rather than after the TTL
	if len(resp.Degraded) == 0 {
		e.respCache.SetWithTTL(cacheKey, resp, 1, e.cfg.ResponseCacheTTL)
		e.respCache.Wait()
	}

	return resp, nil
}

// InvalidateCache drops every cached response. Called after any
// ingestion mutation.
func (e *Engine) InvalidateCache() {
	e.respCache.Clear()
}

// Close releases the response cache.
func (e *Engine) Close() {
	e.respCache.Close()
}

// buildFilter resolves a metadata filter to an allow predicate.
// empty is true when the filter matches nothing.
func (e *Engine) buildFilter(ctx context.Context, filter map[string]string) (func(string) bool, bool, error) {
	if len(filter) == 0 {
		return nil, false, nil
	}
	ids, err := e.chunks.MatchingIDs(ctx, filter)
	if err != nil {
		return nil, false, apperrors.StorageError("failed to resolve metadata filter", err)
	}
	if len(ids) == 0 {
		return nil, true, nil
	}
	return func(id string) bool {
		_, ok := ids[id]
		return ok
	}, false, nil
}

// refreshBM25 rebuilds the lexical index when it is behind the
// corpus generation.
func (e *Engine) refreshBM25(ctx context.Context, generation int64) error {
	if e.cfg.Weights.BM25 == 0 || e.bm25.Generation() == generation {
		return nil
	}

	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()
	if e.bm25.Generation() == generation {
		return nil
	}

	chunks, err := e.chunks.ListActive(ctx)
	if err != nil {
		return err
	}
	docs := make([]*store.IndexDoc, len(chunks))
	for i, c := range chunks {
		docs[i] = &store.IndexDoc{ID: c.ID, Content: c.Content, Seq: c.Seq}
	}
	return e.bm25.Rebuild(ctx, docs, generation)
}

// retrieve runs both strategies concurrently. A single failing
// strategy degrades the search; both failing abort it.
func (e *Engine) retrieve(ctx context.Context, query string, candidateLimit int, allow func(string) bool) ([]*store.BM25Result, []*store.VectorResult, []string, error) {
	var (
		bm25Results []*store.BM25Result
		vecResults  []*store.VectorResult
		bm25Err     error
		vecErr      error
	)

	g, gctx := errgroup.WithContext(ctx)

	if e.cfg.Weights.Vector > 0 {
		g.Go(func() error {
			queryVec, err := e.embedder.Embed(gctx, query)
			if err != nil {
				vecErr = err
				return nil
			}
			vecResults, vecErr = e.vectors.Search(gctx, queryVec, candidateLimit, e.cfg.SimilarityFloor, allow)
			return nil
		})
	}

	if e.cfg.Weights.BM25 > 0 {
		g.Go(func() error {
			bm25Results, bm25Err = e.bm25.Search(gctx, query, candidateLimit, allow)
			return nil
		})
	}

	_ = g.Wait()

	vecActive := e.cfg.Weights.Vector > 0
	bm25Active := e.cfg.Weights.BM25 > 0

	if vecActive && vecErr != nil && (!bm25Active || bm25Err != nil) {
		return nil, nil, nil, apperrors.SearchUnavailable("all search strategies failed", vecErr)
	}
	if bm25Active && bm25Err != nil && !vecActive {
		return nil, nil, nil, apperrors.SearchUnavailable("all search strategies failed", bm25Err)
	}

	var degraded []string
	if vecActive && vecErr != nil {
		degraded = append(degraded, "vector")
		slog.Warn("vector search degraded", "error", vecErr)
		vecResults = nil
	}
	if bm25Active && bm25Err != nil {
		degraded = append(degraded, "bm25")
		slog.Warn("lexical search degraded", "error", bm25Err)
		bm25Results = nil
	}

	return bm25Results, vecResults, degraded, nil
}

// loadCandidates fetches every candidate chunk once, producing the
// seq map for fusion tie-breaks and the content map for enrichment.
func (e *Engine) loadCandidates(ctx context.Context, bm25Results []*store.BM25Result, vecResults []*store.VectorResult) (map[string]int64, map[string]*store.Chunk, error) {
	seen := make(map[string]struct{}, len(bm25Results)+len(vecResults))
	ids := make([]string, 0, len(bm25Results)+len(vecResults))
	for _, r := range bm25Results {
		if _, ok := seen[r.ChunkID]; !ok {
			seen[r.ChunkID] = struct{}{}
			ids = append(ids, r.ChunkID)
		}
	}
	for _, r := range vecResults {
		if _, ok := seen[r.ID]; !ok {
			seen[r.ID] = struct{}{}
			ids = append(ids, r.ID)
		}
	}

	chunks, err := e.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, nil, apperrors.StorageError("failed to load candidate chunks", err)
	}

	seqs := make(map[string]int64, len(chunks))
	byID := make(map[string]*store.Chunk, len(chunks))
	for _, c := range chunks {
		seqs[c.ID] = c.Seq
		byID[c.ID] = c
	}
	return seqs, byID, nil
}

// rerank reorders the top fused candidates in place. Failure leaves
// the fused order untouched.
func (e *Engine) rerank(ctx context.Context, query string, fused []*FusedResult, chunkByID map[string]*store.Chunk) (bool, string) {
	if e.chain.Empty() || len(fused) == 0 {
		return false, ""
	}

	topK := e.cfg.RerankTopK
	if topK > len(fused) {
		topK = len(fused)
	}
	head := fused[:topK]

	documents := make([]string, len(head))
	for i, r := range head {
		if c, ok := chunkByID[r.ChunkID]; ok {
			documents[i] = c.Content
		}
	}

	results, name, err := e.chain.Rerank(ctx, query, documents, topK)
	if err != nil {
		slog.Warn("reranking skipped, keeping fused order", "error", err)
		return false, ""
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	// Reranked candidates first in score order, then any the reranker
	// did not score, keeping their fused order
	order := make([]*FusedResult, 0, len(head))
	taken := make(map[int]bool, len(results))
	for _, r := range results {
		if !taken[r.Index] {
			taken[r.Index] = true
			order = append(order, head[r.Index])
		}
	}
	for i, r := range head {
		if !taken[i] {
			order = append(order, r)
		}
	}
	copy(head, order)

	return true, name
}

// enrich joins fused candidates with their stored chunks.
func (e *Engine) enrich(fused []*FusedResult, chunkByID map[string]*store.Chunk) []Result {
	results := make([]Result, 0, len(fused))
	for _, r := range fused {
		c, ok := chunkByID[r.ChunkID]
		if !ok {
			continue
		}
		results = append(results, Result{
			ChunkID:      r.ChunkID,
			DocumentID:   c.DocumentID,
			Content:      c.Content,
			Score:        r.Score,
			VectorScore:  r.VectorScore,
			BM25Score:    r.BM25Score,
			MatchedTerms: r.MatchedTerms,
			Metadata:     c.Metadata,
		})
	}
	return results
}

// responseCacheKey hashes the full request identity, including the
// corpus generation so stale entries miss naturally.
func responseCacheKey(query string, limit int, filter map[string]string, generation int64) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%d|%d", query, limit, generation)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%s", k, filter[k])
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
