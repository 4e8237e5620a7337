package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/juhokoskela/rag-service/internal/errors"
)

// rerankHandler answers the rerank wire format, scoring documents by
// how early the query appears in them.
func rerankHandler(t *testing.T, wantAuth string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" {
			assert.Equal(t, wantAuth, r.Header.Get("Authorization"))
		}
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		}
		var results []item
		for i, doc := range req.Documents {
			score := 0.0
			if strings.Contains(doc, req.Query) {
				score = 1.0 - float64(i)*0.1
			}
			results = append(results, item{Index: i, RelevanceScore: score})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

func TestHTTPReranker_ScoresDocuments(t *testing.T) {
	// Given a rerank endpoint requiring auth
	srv := httptest.NewServer(rerankHandler(t, "Bearer secret"))
	defer srv.Close()

	r := NewHTTPReranker("remote", srv.URL, "test-reranker", "secret", 600, time.Second)

	// When reranking
	results, err := r.Rerank(context.Background(), "needle", []string{
		"no match here",
		"a needle in a haystack",
	}, 0)

	// Then every document is scored and the match scores higher
	require.NoError(t, err)
	require.Len(t, results, 2)
	byIndex := map[int]float64{}
	for _, res := range results {
		byIndex[res.Index] = res.Score
	}
	assert.Greater(t, byIndex[1], byIndex[0])
}

func TestHTTPReranker_TruncatesDocuments(t *testing.T) {
	// Given an endpoint recording document lengths
	var gotLens []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, d := range req.Documents {
			gotLens = append(gotLens, len([]rune(d)))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer srv.Close()

	r := NewHTTPReranker("remote", srv.URL, "", "", 50, time.Second)

	// When sending an oversized document
	_, err := r.Rerank(context.Background(), "q", []string{strings.Repeat("x", 500)}, 0)

	// Then the payload was cut to the character budget
	require.NoError(t, err)
	require.Len(t, gotLens, 1)
	assert.Equal(t, 50, gotLens[0])
}

func TestHTTPReranker_ServerErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPReranker("remote", srv.URL, "", "", 600, time.Second)

	_, err := r.Rerank(context.Background(), "q", []string{"doc"}, 0)

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRerankUnavailable, apperrors.GetCode(err))
}

func TestHTTPReranker_EmptyDocuments(t *testing.T) {
	r := NewHTTPReranker("remote", "http://invalid.localhost", "", "", 600, time.Second)

	results, err := r.Rerank(context.Background(), "q", nil, 0)

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChain_FallsBackToNextReranker(t *testing.T) {
	// Given a dead remote and a healthy local sidecar
	dead := NewHTTPReranker("remote", "http://127.0.0.1:1", "", "", 600, 100*time.Millisecond)
	local := httptest.NewServer(rerankHandler(t, ""))
	defer local.Close()
	sidecar := NewHTTPReranker("local", local.URL, "", "", 600, time.Second)

	chain := NewChain(dead, sidecar)

	// When reranking through the chain
	results, name, err := chain.Rerank(context.Background(), "query", []string{"query doc"}, 0)

	// Then the sidecar answered
	require.NoError(t, err)
	assert.Equal(t, "local", name)
	assert.NotEmpty(t, results)
}

func TestChain_AllFailedReturnsError(t *testing.T) {
	dead := NewHTTPReranker("remote", "http://127.0.0.1:1", "", "", 600, 100*time.Millisecond)
	chain := NewChain(dead)

	_, _, err := chain.Rerank(context.Background(), "q", []string{"doc"}, 0)

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRerankUnavailable, apperrors.GetCode(err))
}

func TestChain_NilEntriesSkipped(t *testing.T) {
	chain := NewChain(nil, nil)

	assert.True(t, chain.Empty())
}

func TestHTTPReranker_OpenBreakerFailsFast(t *testing.T) {
	// Given a remote reranker whose breaker has already tripped
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(rerankResponse{})
	}))
	defer srv.Close()

	breaker := apperrors.NewCircuitBreaker("rerank",
		apperrors.WithMaxFailures(1),
		apperrors.WithResetTimeout(time.Hour))
	breaker.RecordFailure()

	r := NewHTTPReranker("remote", srv.URL, "", "", 600, time.Second).WithBreaker(breaker)

	// When reranking
	_, err := r.Rerank(context.Background(), "q", []string{"doc"}, 0)

	// Then the call never reaches the endpoint
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRerankUnavailable, apperrors.GetCode(err))
	assert.Zero(t, calls)
}

func TestHTTPReranker_BreakerOpensAfterFailures(t *testing.T) {
	// Given an endpoint that always errors
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := apperrors.NewCircuitBreaker("rerank",
		apperrors.WithMaxFailures(2),
		apperrors.WithResetTimeout(time.Hour))
	r := NewHTTPReranker("remote", srv.URL, "", "", 600, time.Second).WithBreaker(breaker)

	// When failing repeatedly
	for i := 0; i < 2; i++ {
		_, err := r.Rerank(context.Background(), "q", []string{"doc"}, 0)
		require.Error(t, err)
	}

	// Then the breaker is open
	assert.Equal(t, apperrors.StateOpen, breaker.State())
}
