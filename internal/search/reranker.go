package search

import (
	"context"
	"fmt"
	"time"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// Shortlist bounds for reranking.
const (
	DefaultShortlist     = 50
	MinShortlist         = 20
	MaxShortlist         = 100
	DefaultMaxInputChars = 1000
	DefaultRerankTimeout = 10 * time.Second
)

// RerankResult represents a single reranked result
type RerankResult struct {
	// Index is the original position in the input documents slice
	Index int
	// Score is the relevance score
	Score float64
}

// Reranker reranks search results using a cross-encoder model.
// Cross-encoders jointly encode query-document pairs for more accurate
// relevance scoring than bi-encoders, but at higher computational cost.
type Reranker interface {
	// Rerank scores documents against the query and returns results sorted
	// by score descending. topK = 0 returns all.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Available checks if the reranker service is available
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// NoOpReranker is a reranker that returns results in original order.
// Used when reranking is disabled or unavailable.
type NoOpReranker struct{}

// Rerank returns documents in original order with decreasing scores.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	for i := range documents {
		results[i] = RerankResult{
			Index: i,
			Score: 1.0 - float64(i)*0.01, // 1.0, 0.99, 0.98, ...
		}
	}

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}

	return results, nil
}

// Available always returns true for NoOpReranker.
func (n *NoOpReranker) Available(_ context.Context) bool {
	return true
}

// Close is a no-op for NoOpReranker.
func (n *NoOpReranker) Close() error {
	return nil
}

// Verify interface implementation at compile time
var _ Reranker = (*NoOpReranker)(nil)

// ClampShortlist bounds n to [MinShortlist, MaxShortlist]; n <= 0 is the default.
func ClampShortlist(n int) int {
	switch {
	case n <= 0:
		return DefaultShortlist
	case n < MinShortlist:
		return MinShortlist
	case n > MaxShortlist:
		return MaxShortlist
	}
	return n
}

// RerankStage applies a Reranker to the head of a fused list.
type RerankStage struct {
	reranker      Reranker
	shortlist     int
	maxInputChars int
	timeout       time.Duration
}

// NewRerankStage creates a rerank stage. Zero values take the defaults.
func NewRerankStage(r Reranker, shortlist, maxInputChars int, timeout time.Duration) *RerankStage {
	if maxInputChars <= 0 {
		maxInputChars = DefaultMaxInputChars
	}
	if timeout <= 0 {
		timeout = DefaultRerankTimeout
	}
	return &RerankStage{
		reranker:      r,
		shortlist:     ClampShortlist(shortlist),
		maxInputChars: maxInputChars,
		timeout:       timeout,
	}
}

// ShortlistSize is the number of candidates sent for k results.
func (s *RerankStage) ShortlistSize(k int) int {
	return ClampShortlist(max(s.shortlist, k))
}

// Apply reranks the shortlist of items and returns at most k of them ordered
// by rerank score descending, chunk_id ascending. An error means the caller
// must fall back to FallbackOrder; items is never modified.
func (s *RerankStage) Apply(ctx context.Context, query string, items []ScoredChunk, k int) ([]ScoredChunk, error) {
	if len(items) == 0 {
		return []ScoredChunk{}, nil
	}
	shortlist := items[:min(s.ShortlistSize(k), len(items))]

	docs := make([]string, len(shortlist))
	for i, it := range shortlist {
		docs[i] = truncateRunes(it.Chunk.Text, s.maxInputChars)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.reranker.Rerank(ctx, query, docs, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(results))
	out := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(shortlist) || seen[r.Index] {
			continue
		}
		seen[r.Index] = true
		out = append(out, shortlist[r.Index].WithRerank(r.Score))
	}

	if want := min(k, len(shortlist)); len(out) < want {
		return nil, jerrors.New(jerrors.ErrCodeRerankerUnavailable,
			fmt.Sprintf("reranker scored %d of %d required candidates", len(out), want), nil)
	}

	sortByScore(out, ScoredChunk.FinalScore)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// FallbackOrder is the fusion order truncated to k with no rerank scores.
func FallbackOrder(items []ScoredChunk, k int) []ScoredChunk {
	n := min(k, len(items))
	out := make([]ScoredChunk, n)
	for i := 0; i < n; i++ {
		out[i] = items[i].WithoutRerank()
	}
	return out
}
