// Package search provides hybrid retrieval: BM25 and vector search
// run concurrently, scores are min-max normalized and fused with
// fixed weights, and a reranker chain reorders the top candidates
// when available.
package search

// Weights controls the contribution of each strategy to the fused
// score. A zero weight disables that strategy entirely.
type Weights struct {
	Vector float64
	BM25   float64
}

// DefaultWeights favor semantic similarity over lexical match.
func DefaultWeights() Weights {
	return Weights{Vector: 0.7, BM25: 0.3}
}

// FusedResult is one candidate after score fusion.
type FusedResult struct {
	ChunkID string

	// Score is the weighted sum of the normalized strategy scores.
	// It is never renormalized after fusion.
	Score float64

	// Raw strategy scores, preserved for tie-breaking and debugging.
	VectorScore float64
	BM25Score   float64

	VectorRank int // 1-indexed position in the vector list, 0 if absent
	BM25Rank   int // 1-indexed position in the BM25 list, 0 if absent

	InBoth       bool
	MatchedTerms []string

	// Seq is the chunk's corpus insertion order, the final tie-break.
	Seq int64
}

// Result is one enriched search hit returned to callers.
type Result struct {
	ChunkID      string            `json:"chunk_id"`
	DocumentID   string            `json:"document_id"`
	Content      string            `json:"content"`
	Score        float64           `json:"score"`
	VectorScore  float64           `json:"vector_score,omitempty"`
	BM25Score    float64           `json:"bm25_score,omitempty"`
	MatchedTerms []string          `json:"matched_terms,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Request describes one search.
type Request struct {
	Query  string
	Limit  int
	Filter map[string]string
}

// Response is the outcome of one search.
type Response struct {
	Results []Result `json:"results"`

	// Reranked is true when a reranker reordered the results.
	Reranked bool `json:"reranked"`
	// RerankerUsed names the reranker that ran, empty when skipped.
	RerankerUsed string `json:"reranker_used,omitempty"`

	// Degraded lists strategies that failed while the other carried
	// the search.
	Degraded []string `json:"degraded,omitempty"`

	// Cached is true when the response came from the response cache.
	Cached bool `json:"cached"`
}
