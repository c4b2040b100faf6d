package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia751/jurisscope/internal/logging"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog("", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleChunk(id, doc, project string) *Chunk {
	return &Chunk{
		ChunkID:       id,
		DocID:         doc,
		ProjectID:     project,
		DocTitle:      "Title of " + doc,
		Text:          "text of " + id,
		Page:          2,
		CharStart:     10,
		CharEnd:       42,
		LocationHints: []BBox{{X1: 1, Y1: 2, X2: 3, Y2: 4}},
		SectionPath:   "Part I > Clause 1",
		Tags:          []string{"lease"},
		CreatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCatalog_PutAndGetPreservesOrderAndFields(t *testing.T) {
	// Given: two chunks stored
	c := newTestCatalog(t)
	ctx := context.Background()
	a := sampleChunk("d1_chunk_0", "d1", "p1")
	b := sampleChunk("d1_chunk_1", "d1", "p1")
	require.NoError(t, c.Put(ctx, []CatalogEntry{{Chunk: a, HasVector: true}, {Chunk: b}}))

	// When: fetching in reverse order with an unknown id in between
	got, err := c.Get(ctx, []string{"d1_chunk_1", "missing", "d1_chunk_0"})
	require.NoError(t, err)

	// Then: existing chunks come back in request order with every field
	require.Len(t, got, 2)
	assert.Equal(t, "d1_chunk_1", got[0].ChunkID)
	assert.Equal(t, "d1_chunk_0", got[1].ChunkID)
	assert.Equal(t, a.LocationHints, got[1].LocationHints)
	assert.Equal(t, a.Tags, got[1].Tags)
	assert.Equal(t, a.SectionPath, got[1].SectionPath)
	assert.Equal(t, 2, got[1].Page)
	assert.True(t, a.CreatedAt.Equal(got[1].CreatedAt))
	assert.Nil(t, got[1].Embedding)
}

func TestCatalog_PutUpserts(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, []CatalogEntry{{Chunk: sampleChunk("x", "d1", "p1")}}))

	updated := sampleChunk("x", "d1", "p1")
	updated.Text = "replacement"
	require.NoError(t, c.Put(ctx, []CatalogEntry{{Chunk: updated}}))

	got, err := c.Get(ctx, []string{"x"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "replacement", got[0].Text)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ChunkCount)
}

func TestCatalog_ListDocumentsAndStats(t *testing.T) {
	// Given: two documents in p1 and one in p2
	c := newTestCatalog(t)
	ctx := context.Background()
	c2 := sampleChunk("d2_chunk_0", "d2", "p1")
	c2.Page = 7
	require.NoError(t, c.Put(ctx, []CatalogEntry{
		{Chunk: sampleChunk("d2_chunk_1", "d2", "p1"), HasVector: true},
		{Chunk: c2, HasVector: true},
		{Chunk: sampleChunk("d1_chunk_0", "d1", "p1")},
		{Chunk: sampleChunk("d3_chunk_0", "d3", "p2"), HasVector: true},
	}))

	// When: listing p1
	docs, err := c.ListDocuments(ctx, "p1")
	require.NoError(t, err)

	// Then: documents are sorted by id with counts and max page
	require.Len(t, docs, 2)
	assert.Equal(t, "d1", docs[0].DocID)
	assert.Equal(t, 1, docs[0].ChunkCount)
	assert.Equal(t, "d2", docs[1].DocID)
	assert.Equal(t, 2, docs[1].ChunkCount)
	assert.Equal(t, 7, docs[1].MaxPage)
	assert.Equal(t, "Title of d2", docs[1].DocTitle)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.ChunkCount)
	assert.Equal(t, 3, st.DocumentCount)
	assert.Equal(t, 2, st.ProjectCount)
	assert.Equal(t, 3, st.VectorCount)
}

func TestCatalog_RefsAndDelete(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, []CatalogEntry{
		{Chunk: sampleChunk("a", "d1", "p1"), HasVector: true},
		{Chunk: sampleChunk("b", "d1", "p1")},
		{Chunk: sampleChunk("c", "d2", "p2")},
		{Chunk: sampleChunk("e", "d1", "p2")},
	}))

	refs, err := c.refsByDocument(ctx, "p1", "d1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, r := range refs {
		assert.Equal(t, "p1", r.ProjectID)
	}

	refs, err = c.refsByProject(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "c", refs[0].ID)

	n, err := c.Delete(ctx, []string{"a", "b", "zzz"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := c.Get(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCatalog_MetricsSnapshots(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	// Given: no snapshot yet
	payload, at, err := c.LatestMetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.True(t, at.IsZero())

	// When: two snapshots are saved
	require.NoError(t, c.SaveMetricsSnapshot(ctx, []byte(`{"total_queries":1}`)))
	require.NoError(t, c.SaveMetricsSnapshot(ctx, []byte(`{"total_queries":2}`)))

	// Then: the latest one is returned
	payload, at, err = c.LatestMetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_queries":2}`, string(payload))
	assert.False(t, at.IsZero())
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), CatalogFileName)
	c, err := OpenCatalog(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), []CatalogEntry{{Chunk: sampleChunk("a", "d1", "p1")}}))
	require.NoError(t, c.Close())

	c, err = OpenCatalog(path, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	got, err := c.Get(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
