// Package search runs hybrid retrieval over a project-scoped chunk store.
// A query fans out to a lexical and a vector source, the two candidate
// lists are fused (reciprocal rank fusion, or weighted scores when the
// store cannot rank-fuse), near-duplicates are removed, and an optional
// cross-encoder reorders a shortlist.
package search

import (
	"encoding/json"
	"time"

	"github.com/amelia751/jurisscope/internal/store"
)

// FusionStrategy names how the two candidate lists were combined.
type FusionStrategy string

const (
	// StrategyRRF is reciprocal rank fusion, the primary strategy.
	StrategyRRF FusionStrategy = "rrf"

	// StrategyWeighted is the weighted raw-score fallback.
	StrategyWeighted FusionStrategy = "weighted"
)

// Degradation values reported in Metadata.Degraded.
const (
	DegradedLexicalFailed = "lexical_failed"
	DegradedVectorFailed  = "vector_failed"
	DegradedVectorSkipped = "vector_skipped"
)

// State is a retrieval pipeline state.
type State string

const (
	StateStart           State = "START"
	StateFetchCandidates State = "FETCH_CANDIDATES"
	StateFuse            State = "FUSE"
	StateDeduplicate     State = "DEDUPLICATE"
	StateRerank          State = "RERANK"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// Query is a single retrieval request.
type Query struct {
	Text string `validate:"required"`

	// Embedding is the query vector. Nil means lexical-only retrieval.
	Embedding []float32

	ProjectID string `validate:"required"`

	// K is the number of results returned.
	K int `validate:"min=1"`

	// Window is the number of candidates fetched from each source.
	// Zero means max(20, 4*K).
	Window int `validate:"omitempty,gtefield=K"`

	// CandidateMultiplier scales the vector search breadth:
	// num_candidates = Window * CandidateMultiplier. Zero uses the configured default.
	CandidateMultiplier int `validate:"omitempty,min=1"`
}

// ScoredChunk is a chunk with the scores it collected through the pipeline.
// Stages never mutate a ScoredChunk in place; they return modified copies.
// Chunk is shared with the store and is read-only.
type ScoredChunk struct {
	Chunk     *store.Chunk
	Highlight string

	// Raw component scores, nil when the chunk was absent from that source.
	LexicalScore *float64
	VectorScore  *float64

	// 1-based positions in each source list, 0 when absent.
	LexicalRank int
	VectorRank  int

	FusedScore  float64
	RerankScore *float64

	// Rank is the 1-based final position.
	Rank int
}

// ChunkID returns the chunk identifier.
func (s ScoredChunk) ChunkID() string {
	return s.Chunk.ChunkID
}

// FinalScore is the rerank score when present, else the fused score.
func (s ScoredChunk) FinalScore() float64 {
	if s.RerankScore != nil {
		return *s.RerankScore
	}
	return s.FusedScore
}

// WithFused returns a copy carrying the fused score.
func (s ScoredChunk) WithFused(score float64) ScoredChunk {
	s.FusedScore = score
	return s
}

// WithRerank returns a copy carrying the rerank score.
func (s ScoredChunk) WithRerank(score float64) ScoredChunk {
	s.RerankScore = &score
	return s
}

// WithoutRerank returns a copy with the rerank score cleared.
func (s ScoredChunk) WithoutRerank() ScoredChunk {
	s.RerankScore = nil
	return s
}

// WithRank returns a copy carrying the final rank.
func (s ScoredChunk) WithRank(rank int) ScoredChunk {
	s.Rank = rank
	return s
}

// Scores is the JSON form of the score set.
type Scores struct {
	Lexical *float64 `json:"lexical"`
	Vector  *float64 `json:"vector"`
	Fused   float64  `json:"fused"`
	Rerank  *float64 `json:"rerank"`
}

type scoredChunkJSON struct {
	ChunkID       string       `json:"chunk_id"`
	DocID         string       `json:"doc_id"`
	DocTitle      string       `json:"doc_title,omitempty"`
	Page          int          `json:"page"`
	Text          string       `json:"text"`
	Highlight     string       `json:"highlight,omitempty"`
	SectionPath   string       `json:"section_path,omitempty"`
	LocationHints []store.BBox `json:"location_hints,omitempty"`
	Scores        Scores       `json:"scores"`
	Rank          int          `json:"rank"`
}

// MarshalJSON renders the result item shape returned to callers.
func (s ScoredChunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(scoredChunkJSON{
		ChunkID:       s.Chunk.ChunkID,
		DocID:         s.Chunk.DocID,
		DocTitle:      s.Chunk.DocTitle,
		Page:          s.Chunk.Page,
		Text:          s.Chunk.Text,
		Highlight:     s.Highlight,
		SectionPath:   s.Chunk.SectionPath,
		LocationHints: s.Chunk.LocationHints,
		Scores: Scores{
			Lexical: s.LexicalScore,
			Vector:  s.VectorScore,
			Fused:   s.FusedScore,
			Rerank:  s.RerankScore,
		},
		Rank: s.Rank,
	})
}

// Metadata describes how a result was produced.
type Metadata struct {
	Strategy FusionStrategy `json:"strategy"`

	// Degraded is empty when both sources answered, otherwise one of the
	// Degraded* values.
	Degraded string `json:"degraded,omitempty"`

	LexicalCandidates int `json:"lexical_candidates"`
	VectorCandidates  int `json:"vector_candidates"`
	Duplicates        int `json:"duplicates"`

	Reranked       bool   `json:"reranked"`
	RerankFallback bool   `json:"rerank_fallback,omitempty"`
	RerankError    string `json:"rerank_error,omitempty"`

	// States lists the pipeline states visited, in order.
	States  []State       `json:"states"`
	Latency time.Duration `json:"latency_ns"`
}

// Result is the ordered outcome of one retrieval.
type Result struct {
	QueryID  string        `json:"query_id"`
	Items    []ScoredChunk `json:"results"`
	Total    int           `json:"total"`
	Metadata Metadata      `json:"metadata"`
}

func ptr(f float64) *float64 {
	return &f
}
