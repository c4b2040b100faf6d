package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/logging"
)

func newTestHNSW(t *testing.T, dir string) *HNSWVectorIndex {
	t.Helper()
	idx, err := NewHNSWVectorIndex(HNSWConfig{Dimensions: 4, Dir: dir}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestHNSWVectorIndex_AddAndSearch(t *testing.T) {
	// Given: a=[1,0,0,0], b=[0,1,0,0], c=[0.9,0.1,0,0] in p1
	idx := newTestHNSW(t, "")
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "p1",
		[]string{"a", "b", "c"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0.9, 0.1, 0, 0}}))

	// When: searching for [1,0,0,0] with k=2
	matches, err := idx.Search(ctx, "p1", []float32{1, 0, 0, 0}, 2, 10)
	require.NoError(t, err)

	// Then: a then c
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "c", matches[1].ID)

	// And: an identical vector scores 1 on the (1+cos)/2 scale
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
}

func TestHNSWVectorIndex_OrthogonalScoresHalf(t *testing.T) {
	idx := newTestHNSW(t, "")
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "p1", []string{"b"}, [][]float32{{0, 1, 0, 0}}))

	matches, err := idx.Search(ctx, "p1", []float32{1, 0, 0, 0}, 1, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.5, matches[0].Score, 1e-5)
}

func TestHNSWVectorIndex_SearchIsScopedToProject(t *testing.T) {
	// Given: the closest vector to the query lives in p2
	idx := newTestHNSW(t, "")
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "p2", []string{"other"}, [][]float32{{1, 0, 0, 0}}))
	require.NoError(t, idx.Add(ctx, "p1", []string{"mine"}, [][]float32{{0, 0, 1, 0}}))

	// When: searching p1
	matches, err := idx.Search(ctx, "p1", []float32{1, 0, 0, 0}, 5, 10)
	require.NoError(t, err)

	// Then: only p1's vector is returned
	require.Len(t, matches, 1)
	assert.Equal(t, "mine", matches[0].ID)

	// And: an unknown project is empty, not an error
	matches, err = idx.Search(ctx, "p9", []float32{1, 0, 0, 0}, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHNSWVectorIndex_RejectsBadArguments(t *testing.T) {
	idx := newTestHNSW(t, "")
	ctx := context.Background()

	_, err := idx.Search(ctx, "", []float32{1, 0, 0, 0}, 1, 10)
	assert.True(t, errors.Is(err, jerrors.ErrInvalidScope))

	_, err = idx.Search(ctx, "p1", []float32{1, 0, 0}, 1, 10)
	assert.True(t, errors.Is(err, jerrors.ErrDimensionMismatch))

	_, err = idx.Search(ctx, "p1", []float32{1, 0, 0, 0}, 10, 5)
	assert.True(t, errors.Is(err, jerrors.ErrCandidatesBelowK))

	err = idx.Add(ctx, "p1", []string{"x"}, [][]float32{{1, 0}})
	assert.True(t, errors.Is(err, jerrors.ErrDimensionMismatch))
}

func TestHNSWVectorIndex_UpsertReplacesVector(t *testing.T) {
	idx := newTestHNSW(t, "")
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "p1", []string{"a", "b"}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))

	// When: a is re-added on another axis
	require.NoError(t, idx.Add(ctx, "p1", []string{"a"}, [][]float32{{0, 0, 0, 1}}))

	// Then: a is found at its new position and the old node is orphaned
	matches, err := idx.Search(ctx, "p1", []float32{0, 0, 0, 1}, 1, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stats := idx.ProjectStats("p1")
	assert.Equal(t, 2, stats.ValidIDs)
	assert.Equal(t, 1, stats.Orphans)
}

func TestHNSWVectorIndex_OrphansDoNotCrowdOutLiveVectors(t *testing.T) {
	// Given: a re-indexed many times close to the query, then moved away
	idx := newTestHNSW(t, "")
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "p1", []string{"b", "c"}, [][]float32{{0, 1, 0, 0}, {0, 0, 1, 0}}))
	for round := 0; round < 20; round++ {
		require.NoError(t, idx.Add(ctx, "p1", []string{"a"}, [][]float32{{1, float32(round) / 100, 0, 0}}))
	}
	require.NoError(t, idx.Add(ctx, "p1", []string{"a"}, [][]float32{{0, 0, 0, 1}}))
	require.Equal(t, 20, idx.ProjectStats("p1").Orphans)

	// When: searching next to the orphans with a tight candidate budget
	matches, err := idx.Search(ctx, "p1", []float32{1, 0, 0, 0}, 3, 3)

	// Then: every live vector is still returned
	require.NoError(t, err)
	require.Len(t, matches, 3)
	got := []string{matches[0].ID, matches[1].ID, matches[2].ID}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestHNSWVectorIndex_DeleteAndDeleteProject(t *testing.T) {
	idx := newTestHNSW(t, "")
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "p1", []string{"a", "b"}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))
	require.NoError(t, idx.Add(ctx, "p2", []string{"c"}, [][]float32{{1, 0, 0, 0}}))

	require.NoError(t, idx.Delete(ctx, "p1", []string{"a"}))
	matches, err := idx.Search(ctx, "p1", []float32{1, 0, 0, 0}, 2, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].ID)

	require.NoError(t, idx.DeleteProject(ctx, "p2"))
	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHNSWVectorIndex_SaveAndReload(t *testing.T) {
	// Given: a persisted index with vectors in two projects
	dir := t.TempDir()
	ctx := context.Background()
	idx, err := NewHNSWVectorIndex(HNSWConfig{Dimensions: 4, Dir: dir}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, "p1", []string{"a", "b"}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))
	require.NoError(t, idx.Add(ctx, "p/2", []string{"c"}, [][]float32{{0, 0, 1, 0}}))
	require.NoError(t, idx.Close())

	// When: reopening
	idx = newTestHNSW(t, dir)

	// Then: both projects are searchable again
	matches, err := idx.Search(ctx, "p1", []float32{0, 1, 0, 0}, 1, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].ID)

	matches, err = idx.Search(ctx, "p/2", []float32{0, 0, 1, 0}, 1, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c", matches[0].ID)
}

func TestHNSWVectorIndex_ReloadWithOtherDimensionsFails(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewHNSWVectorIndex(HNSWConfig{Dimensions: 4, Dir: dir}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), "p1", []string{"a"}, [][]float32{{1, 0, 0, 0}}))
	require.NoError(t, idx.Close())

	_, err = NewHNSWVectorIndex(HNSWConfig{Dimensions: 8, Dir: dir}, logging.Discard())
	assert.True(t, errors.Is(err, jerrors.ErrDimensionMismatch))
}

func TestHNSWVectorIndex_CompactsOrphansOnSave(t *testing.T) {
	// Given: a graph where most nodes have been replaced
	dir := t.TempDir()
	idx := newTestHNSW(t, dir)
	ctx := context.Background()
	for round := 0; round < 3; round++ {
		ids := make([]string, 5)
		vecs := make([][]float32, 5)
		for i := range ids {
			ids[i] = fmt.Sprintf("v%d", i)
			vecs[i] = []float32{float32(i + 1), float32(round + 1), 0, 0}
		}
		require.NoError(t, idx.Add(ctx, "p1", ids, vecs))
	}
	require.Greater(t, idx.ProjectStats("p1").Orphans, 0)

	// When: saving
	require.NoError(t, idx.Save())

	// Then: the graph holds only live nodes
	stats := idx.ProjectStats("p1")
	assert.Equal(t, 0, stats.Orphans)
	assert.Equal(t, 5, stats.ValidIDs)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3, 4}
	normalizeInPlace(v)
	assert.InDelta(t, 1.0, math.Hypot(float64(v[0]), float64(v[1])), 1e-6)

	zero := []float32{0, 0}
	normalizeInPlace(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}
