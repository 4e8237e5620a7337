package search

import (
	"sort"

	"github.com/juhokoskela/rag-service/internal/store"
)

// MinMaxFusion combines BM25 and vector results by normalizing each
// strategy's scores to [0,1] with min-max scaling and summing the
// weighted normalized scores.
//
//	fused(d) = w_vec * norm_vec(d) + w_bm25 * norm_bm25(d)
//
// A document missing from a strategy contributes 0 for it. Fused
// scores are reported as-is; they are not rescaled afterwards.
type MinMaxFusion struct{}

// NewMinMaxFusion creates a fusion instance.
func NewMinMaxFusion() *MinMaxFusion {
	return &MinMaxFusion{}
}

// Fuse merges the two result lists under weights. seqs supplies the
// corpus insertion order used as the final tie-break; IDs absent from
// seqs sort last among ties.
//
// Results are sorted by: fused score (desc) → raw vector score (desc)
// → insertion order (asc).
func (f *MinMaxFusion) Fuse(
	bm25 []*store.BM25Result,
	vec []*store.VectorResult,
	weights Weights,
	seqs map[string]int64,
) []*FusedResult {
	if weights.BM25 == 0 {
		bm25 = nil
	}
	if weights.Vector == 0 {
		vec = nil
	}
	if len(bm25) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	merged := make(map[string]*FusedResult, len(bm25)+len(vec))

	bm25Norm := normalizeScores(bm25Scores(bm25))
	for rank, r := range bm25 {
		result := getOrCreate(merged, r.ChunkID)
		result.BM25Score = r.Score
		result.BM25Rank = rank + 1
		result.MatchedTerms = r.MatchedTerms
		result.Score += weights.BM25 * bm25Norm[rank]
	}

	vecNorm := normalizeScores(vecScores(vec))
	for rank, r := range vec {
		result := getOrCreate(merged, r.ID)
		result.VectorScore = float64(r.Score)
		result.VectorRank = rank + 1
		result.Score += weights.Vector * vecNorm[rank]
		if result.BM25Rank > 0 {
			result.InBoth = true
		}
	}

	results := make([]*FusedResult, 0, len(merged))
	for _, r := range merged {
		if seq, ok := seqs[r.ChunkID]; ok {
			r.Seq = seq
		} else {
			r.Seq = int64(^uint64(0) >> 1)
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.VectorScore != b.VectorScore {
			return a.VectorScore > b.VectorScore
		}
		return a.Seq < b.Seq
	})

	return results
}

// normalizeScores min-max scales scores to [0,1]. A single score, or
// a list where every score is equal, normalizes to 1.0.
func normalizeScores(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}

	minScore, maxScore := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}

	norm := make([]float64, len(scores))
	if maxScore == minScore {
		for i := range norm {
			norm[i] = 1.0
		}
		return norm
	}

	span := maxScore - minScore
	for i, s := range scores {
		norm[i] = (s - minScore) / span
	}
	return norm
}

func bm25Scores(results []*store.BM25Result) []float64 {
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	return scores
}

func vecScores(results []*store.VectorResult) []float64 {
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = float64(r.Score)
	}
	return scores
}

func getOrCreate(m map[string]*FusedResult, id string) *FusedResult {
	if r, ok := m[id]; ok {
		return r
	}
	r := &FusedResult{ChunkID: id}
	m[id] = r
	return r
}
