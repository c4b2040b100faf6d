package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia751/jurisscope/internal/store"
)

func TestFuseRRF_SumsReciprocalRanks(t *testing.T) {
	// Given: lexical [A, B, C] and vector [C, A, D]
	lexical := []store.Hit{hit("A", 9), hit("B", 7), hit("C", 5)}
	vector := []store.Hit{hit("C", 0.95), hit("A", 0.90), hit("D", 0.85)}

	// When: fusing with k=60
	out := NewFusionEngine().FuseRRF(lexical, vector)

	// Then: scores are Σ 1/(60+rank), absent lists contribute 0
	require.Len(t, out, 4)
	assert.Equal(t, []string{"A", "C", "B", "D"}, ids(out))
	assert.InDelta(t, 1.0/61+1.0/62, out[0].FusedScore, 1e-12)
	assert.InDelta(t, 1.0/63+1.0/61, out[1].FusedScore, 1e-12)
	assert.InDelta(t, 1.0/62, out[2].FusedScore, 1e-12)
	assert.InDelta(t, 1.0/63, out[3].FusedScore, 1e-12)
}

func TestFuseRRF_CarriesRawScores(t *testing.T) {
	out := NewFusionEngine().FuseRRF(
		[]store.Hit{hit("A", 12.5)},
		[]store.Hit{hit("B", 0.8)})

	byID := map[string]ScoredChunk{}
	for _, sc := range out {
		byID[sc.ChunkID()] = sc
	}

	require.NotNil(t, byID["A"].LexicalScore)
	assert.Equal(t, 12.5, *byID["A"].LexicalScore)
	assert.Nil(t, byID["A"].VectorScore)
	assert.Equal(t, 1, byID["A"].LexicalRank)
	assert.Equal(t, 0, byID["A"].VectorRank)

	require.NotNil(t, byID["B"].VectorScore)
	assert.Equal(t, 0.8, *byID["B"].VectorScore)
	assert.Nil(t, byID["B"].LexicalScore)
}

func TestFuseRRF_ScenarioA_TieBrokenByChunkID(t *testing.T) {
	// Given: c1 is lexical #1 / vector #2, c2 is lexical #2 / vector #1
	lexical := []store.Hit{hit("c1", 3), hit("c2", 2)}
	vector := []store.Hit{hit("c2", 0.9), hit("c1", 0.8)}

	// When: fusing
	out := NewFusionEngine().FuseRRF(lexical, vector)

	// Then: equal fused scores, c1 first
	require.Len(t, out, 2)
	assert.Equal(t, out[0].FusedScore, out[1].FusedScore)
	assert.InDelta(t, 1.0/61+1.0/62, out[0].FusedScore, 1e-12)
	assert.Equal(t, []string{"c1", "c2"}, ids(out))
}

func TestFuseRRF_TopOfBothListsBeatsTopOfOne(t *testing.T) {
	// Given: X is #1 in both lists; Y and Z are #1 nowhere else
	lexical := []store.Hit{hit("X", 1), hit("Y", 0.5)}
	vector := []store.Hit{hit("X", 0.9), hit("Z", 0.8)}
	onlyLexical := []store.Hit{hit("W", 100)}

	both := NewFusionEngine().FuseRRF(lexical, vector)
	single := NewFusionEngine().FuseRRF(onlyLexical, nil)

	// Then: the double #1 scores at least as high as a single #1
	require.Equal(t, "X", both[0].ChunkID())
	assert.GreaterOrEqual(t, both[0].FusedScore, single[0].FusedScore)
}

func TestFuseRRF_BetterRankNeverLowersScore(t *testing.T) {
	engine := NewFusionEngine()
	lexical := []store.Hit{hit("A", 5), hit("B", 4), hit("T", 3)}

	var previous float64
	// Move T from vector rank 4 up to rank 1
	for pos := 3; pos >= 0; pos-- {
		vector := []store.Hit{hit("P", 0.9), hit("Q", 0.8), hit("R", 0.7)}
		vector = append(vector[:pos], append([]store.Hit{hit("T", 0.6)}, vector[pos:]...)...)

		out := engine.FuseRRF(lexical, vector)
		var score float64
		for _, sc := range out {
			if sc.ChunkID() == "T" {
				score = sc.FusedScore
			}
		}
		assert.GreaterOrEqual(t, score, previous)
		previous = score
	}
}

func TestFuseRRF_CustomConstant(t *testing.T) {
	engine := &FusionEngine{K: 10}

	out := engine.FuseRRF([]store.Hit{hit("A", 1)}, nil)

	assert.InDelta(t, 1.0/11, out[0].FusedScore, 1e-12)
}

func TestFuseRRF_DuplicateWithinListKeepsBestRank(t *testing.T) {
	out := NewFusionEngine().FuseRRF([]store.Hit{hit("A", 5), hit("A", 1), hit("B", 0.5)}, nil)

	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].LexicalRank)
	assert.InDelta(t, 1.0/61, out[0].FusedScore, 1e-12)
}

func TestFuseWeighted_MissingComponentIsZero(t *testing.T) {
	// Given: A lexical only, B in both, C vector only
	lexical := []store.Hit{hit("A", 10), hit("B", 5)}
	vector := []store.Hit{hit("B", 0.9), hit("C", 0.8)}

	// When: fusing by weighted raw scores
	out := NewFusionEngine().FuseWeighted(lexical, vector)

	// Then: 0.5*lex + 0.5*vec with absent = 0
	require.Len(t, out, 3)
	assert.Equal(t, []string{"A", "B", "C"}, ids(out))
	assert.InDelta(t, 5.0, out[0].FusedScore, 1e-12)
	assert.InDelta(t, 2.95, out[1].FusedScore, 1e-12)
	assert.InDelta(t, 0.4, out[2].FusedScore, 1e-12)
}

func TestFuseWeighted_TieBrokenByChunkID(t *testing.T) {
	out := NewFusionEngine().FuseWeighted(
		[]store.Hit{hit("b", 1)},
		[]store.Hit{hit("a", 1)})

	assert.Equal(t, []string{"a", "b"}, ids(out))
}

func TestFuse_StrategiesCoverTheSameUnion(t *testing.T) {
	// Given: overlapping candidate lists
	lexical := []store.Hit{hit("A", 3), hit("B", 2), hit("C", 1)}
	vector := []store.Hit{hit("D", 0.9), hit("B", 0.8)}
	engine := NewFusionEngine()

	// When: fusing with either strategy
	rrf := engine.Fuse(StrategyRRF, lexical, vector)
	weighted := engine.Fuse(StrategyWeighted, lexical, vector)

	// Then: both are total orders over the same chunks
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, ids(rrf))
	assert.ElementsMatch(t, ids(rrf), ids(weighted))
	for _, out := range [][]ScoredChunk{rrf, weighted} {
		for i := 1; i < len(out); i++ {
			assert.GreaterOrEqual(t, out[i-1].FusedScore, out[i].FusedScore)
		}
	}
}

func TestFuse_EmptyInputs(t *testing.T) {
	out := NewFusionEngine().FuseRRF(nil, nil)

	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestFuse_Deterministic(t *testing.T) {
	lexical := []store.Hit{hit("x", 1), hit("y", 1), hit("z", 1)}
	vector := []store.Hit{hit("z", 0.5), hit("w", 0.5)}
	engine := NewFusionEngine()

	first := engine.FuseRRF(lexical, vector)
	second := engine.FuseRRF(lexical, vector)

	assert.Equal(t, ids(first), ids(second))
}

func TestScoredChunk_CopyOnWrite(t *testing.T) {
	original := ScoredChunk{Chunk: chunk("A", "t"), FusedScore: 0.1}

	reranked := original.WithRerank(0.9).WithRank(1)

	assert.Nil(t, original.RerankScore)
	assert.Equal(t, 0, original.Rank)
	assert.Equal(t, 0.9, reranked.FinalScore())
	assert.Equal(t, 0.1, original.FinalScore())
	assert.Nil(t, reranked.WithoutRerank().RerankScore)
}
