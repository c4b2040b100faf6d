package search

import (
	"context"
	"time"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/store"
)

// DefaultCandidateMultiplier sets num_candidates = 10 * k for vector search.
const DefaultCandidateMultiplier = 10

// LexicalScorer fetches term-scored candidates. Field weighting (text
// boosted 2x over section_path and doc_title) is applied by the store.
type LexicalScorer struct {
	store   store.ChunkStore
	timeout time.Duration
}

// NewLexicalScorer creates a lexical scorer. timeout <= 0 disables the
// per-call deadline.
func NewLexicalScorer(s store.ChunkStore, timeout time.Duration) *LexicalScorer {
	return &LexicalScorer{store: s, timeout: timeout}
}

// Score returns up to size hits for text within projectID, best first.
func (l *LexicalScorer) Score(ctx context.Context, text, projectID string, size int) ([]store.Hit, error) {
	if projectID == "" {
		return nil, jerrors.InvalidScope("")
	}
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.QueryLexical(ctx, text, projectID, size)
}

// VectorScorer fetches nearest-neighbour candidates by cosine similarity.
type VectorScorer struct {
	store      store.ChunkStore
	timeout    time.Duration
	multiplier int
}

// NewVectorScorer creates a vector scorer. multiplier <= 0 uses
// DefaultCandidateMultiplier.
func NewVectorScorer(s store.ChunkStore, timeout time.Duration, multiplier int) *VectorScorer {
	if multiplier <= 0 {
		multiplier = DefaultCandidateMultiplier
	}
	return &VectorScorer{store: s, timeout: timeout, multiplier: multiplier}
}

// Score returns the k nearest chunks of projectID. numCandidates <= 0 means
// multiplier * k; a positive value below k is a configuration error.
func (v *VectorScorer) Score(ctx context.Context, embedding []float32, projectID string, k, numCandidates int) ([]store.Hit, error) {
	if projectID == "" {
		return nil, jerrors.InvalidScope("")
	}
	if numCandidates <= 0 {
		numCandidates = v.multiplier * k
	}
	if numCandidates < k {
		return nil, jerrors.CandidatesBelowK(numCandidates, k)
	}
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()
	return v.store.QueryVector(ctx, embedding, projectID, k, numCandidates)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
