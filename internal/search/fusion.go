package search

import (
	"sort"

	"github.com/amelia751/jurisscope/internal/store"
)

// Fusion defaults.
const (
	// DefaultRRFConstant is the standard RRF smoothing parameter.
	DefaultRRFConstant = 60

	DefaultLexicalWeight = 0.5
	DefaultVectorWeight  = 0.5
)

// FusionEngine merges the lexical and vector candidate lists.
//
// RRF: score(d) = Σ 1 / (K + rank_i(d)), rank 1-based, a list that does not
// contain d contributes 0.
//
// Weighted: score(d) = LexicalWeight * lexical(d) + VectorWeight * vector(d)
// over raw scores, a missing component counting as 0. Raw lexical scores
// are unbounded, so this is a lower-fidelity fallback only.
//
// Both strategies return the same shape, sorted by fused score descending
// with chunk_id ascending as the tie-break.
type FusionEngine struct {
	K             int
	LexicalWeight float64
	VectorWeight  float64
}

// NewFusionEngine creates a fusion engine with default parameters.
func NewFusionEngine() *FusionEngine {
	return &FusionEngine{
		K:             DefaultRRFConstant,
		LexicalWeight: DefaultLexicalWeight,
		VectorWeight:  DefaultVectorWeight,
	}
}

// Fuse dispatches on strategy.
func (f *FusionEngine) Fuse(strategy FusionStrategy, lexical, vector []store.Hit) []ScoredChunk {
	if strategy == StrategyWeighted {
		return f.FuseWeighted(lexical, vector)
	}
	return f.FuseRRF(lexical, vector)
}

// FuseRRF combines the lists with reciprocal rank fusion.
func (f *FusionEngine) FuseRRF(lexical, vector []store.Hit) []ScoredChunk {
	k := f.K
	if k <= 0 {
		k = DefaultRRFConstant
	}
	merged := merge(lexical, vector)
	out := make([]ScoredChunk, len(merged))
	for i, sc := range merged {
		var score float64
		if sc.LexicalRank > 0 {
			score += 1 / float64(k+sc.LexicalRank)
		}
		if sc.VectorRank > 0 {
			score += 1 / float64(k+sc.VectorRank)
		}
		out[i] = sc.WithFused(score)
	}
	sortByScore(out, ScoredChunk.FinalScore)
	return out
}

// FuseWeighted combines the lists by weighted raw score.
func (f *FusionEngine) FuseWeighted(lexical, vector []store.Hit) []ScoredChunk {
	merged := merge(lexical, vector)
	out := make([]ScoredChunk, len(merged))
	for i, sc := range merged {
		var score float64
		if sc.LexicalScore != nil {
			score += f.LexicalWeight * *sc.LexicalScore
		}
		if sc.VectorScore != nil {
			score += f.VectorWeight * *sc.VectorScore
		}
		out[i] = sc.WithFused(score)
	}
	sortByScore(out, ScoredChunk.FinalScore)
	return out
}

// merge joins the lists by chunk_id, keeping ranks and raw scores. A chunk
// repeated within one list keeps its first (best) position.
func merge(lexical, vector []store.Hit) []ScoredChunk {
	byID := make(map[string]int, len(lexical)+len(vector))
	out := make([]ScoredChunk, 0, len(lexical)+len(vector))

	for i, h := range lexical {
		if h.Chunk == nil {
			continue
		}
		if _, seen := byID[h.Chunk.ChunkID]; seen {
			continue
		}
		byID[h.Chunk.ChunkID] = len(out)
		out = append(out, ScoredChunk{
			Chunk:        h.Chunk,
			Highlight:    h.Highlight,
			LexicalScore: ptr(h.Score),
			LexicalRank:  i + 1,
		})
	}

	for i, h := range vector {
		if h.Chunk == nil {
			continue
		}
		if idx, seen := byID[h.Chunk.ChunkID]; seen {
			if out[idx].VectorRank == 0 {
				out[idx].VectorScore = ptr(h.Score)
				out[idx].VectorRank = i + 1
			}
			continue
		}
		byID[h.Chunk.ChunkID] = len(out)
		out = append(out, ScoredChunk{
			Chunk:       h.Chunk,
			VectorScore: ptr(h.Score),
			VectorRank:  i + 1,
		})
	}
	return out
}

// sortByScore orders by score descending, then chunk_id ascending.
func sortByScore(items []ScoredChunk, score func(ScoredChunk) float64) {
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := score(items[i]), score(items[j])
		if si != sj {
			return si > sj
		}
		return items[i].ChunkID() < items[j].ChunkID()
	})
}
