package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/juhokoskela/rag-service/internal/errors"
)

// Reranker defaults.
const (
	DefaultRerankTopK     = 10
	DefaultRerankMaxChars = 600
	DefaultRerankTimeout  = 10 * time.Second
)

// RerankResult is one reranked candidate.
type RerankResult struct {
	// Index is the original position in the input documents slice.
	Index int
	// Score is the cross-encoder relevance score.
	Score float64
}

// Reranker reorders candidate documents by cross-encoder relevance.
// Cross-encoders jointly encode query-document pairs for more accurate
// relevance scoring than bi-encoders, at higher latency.
type Reranker interface {
	// Rerank scores documents against query and returns results
	// sorted by score descending, truncated to topK (0 = all).
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Name identifies the reranker in response metadata and logs.
	Name() string
}

// rerankRequest is the wire format shared by the remote API and the
// local sidecar.
type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// HTTPReranker calls a rerank HTTP endpoint. With an API key it
// speaks to a hosted cross-encoder; without one it suits a local
// sidecar exposing the same contract.
type HTTPReranker struct {
	name     string
	url      string
	model    string
	apiKey   string
	maxChars int
	client   *http.Client
	breaker  *apperrors.CircuitBreaker
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates a reranker for the endpoint at url.
func NewHTTPReranker(name, url, model, apiKey string, maxChars int, timeout time.Duration) *HTTPReranker {
	if maxChars <= 0 {
		maxChars = DefaultRerankMaxChars
	}
	if timeout <= 0 {
		timeout = DefaultRerankTimeout
	}
	return &HTTPReranker{
		name:     name,
		url:      url,
		model:    model,
		apiKey:   apiKey,
		maxChars: maxChars,
		client:   &http.Client{Timeout: timeout},
	}
}

// WithBreaker guards the endpoint call with a circuit breaker. An
// open circuit fails fast with ErrCodeRerankUnavailable so the chain
// moves on to the next reranker.
func (r *HTTPReranker) WithBreaker(cb *apperrors.CircuitBreaker) *HTTPReranker {
	r.breaker = cb
	return r
}

// Name returns the reranker's identifier.
func (r *HTTPReranker) Name() string {
	return r.name
}

// Rerank sends the query and truncated documents to the endpoint.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}
	if r.breaker == nil {
		return r.call(ctx, query, documents, topK)
	}
	return apperrors.CircuitExecuteWithResult(r.breaker,
		func() ([]RerankResult, error) {
			return r.call(ctx, query, documents, topK)
		},
		func() ([]RerankResult, error) {
			return nil, apperrors.New(apperrors.ErrCodeRerankUnavailable,
				"reranker circuit open", apperrors.ErrCircuitOpen)
		})
}

func (r *HTTPReranker) call(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	truncated := make([]string, len(documents))
	for i, doc := range documents {
		truncated[i] = truncateRunes(doc, r.maxChars)
	}

	payload := rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: truncated,
		TopN:      topK,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.InternalError("failed to build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeRerankUnavailable, "rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.New(apperrors.ErrCodeRerankUnavailable,
			fmt.Sprintf("rerank endpoint returned %d: %s", resp.StatusCode, snippet), nil)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeRerankUnavailable, "failed to decode rerank response", err)
	}

	results := make([]RerankResult, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			continue
		}
		results = append(results, RerankResult{Index: item.Index, Score: item.RelevanceScore})
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Chain tries rerankers in order and returns the first success.
// When every reranker fails, the caller keeps the fused order.
type Chain struct {
	rerankers []Reranker
}

// NewChain creates a reranker chain. Nil entries are skipped.
func NewChain(rerankers ...Reranker) *Chain {
	filtered := make([]Reranker, 0, len(rerankers))
	for _, r := range rerankers {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &Chain{rerankers: filtered}
}

// Empty reports whether the chain has no rerankers.
func (c *Chain) Empty() bool {
	return len(c.rerankers) == 0
}

// Rerank runs the chain. Returns the winning reranker's name along
// with its results; an error only when every reranker failed.
func (c *Chain) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, string, error) {
	var lastErr error
	for _, r := range c.rerankers {
		results, err := r.Rerank(ctx, query, documents, topK)
		if err == nil {
			return results, r.Name(), nil
		}
		lastErr = err
		slog.Warn("reranker failed, trying next", "reranker", r.Name(), "error", err)
	}
	return nil, "", apperrors.New(apperrors.ErrCodeRerankUnavailable, "no reranker available", lastErr)
}

// truncateRunes cuts s to at most n runes without splitting one.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
