package embed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

func TestStaticEmbedder_Embed_ReturnsConfiguredDimensions(t *testing.T) {
	for _, dims := range []int{16, 256, 1024} {
		e := NewStaticEmbedder(dims)
		vec, err := e.Embed(context.Background(), "The lessee shall maintain the premises")
		require.NoError(t, err)
		assert.Len(t, vec, dims)
		assert.Equal(t, dims, e.Dimensions())
	}

	assert.Equal(t, DefaultDimensions, NewStaticEmbedder(0).Dimensions())
}

func TestStaticEmbedder_Embed_VectorIsNormalized(t *testing.T) {
	e := NewStaticEmbedder(256)

	vec, err := e.Embed(context.Background(), "Confidential information excludes public knowledge")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, vectorMagnitude(vec), 0.001)
}

func TestStaticEmbedder_Embed_IsDeterministic(t *testing.T) {
	// Given: two independent instances
	a := NewStaticEmbedder(256)
	b := NewStaticEmbedder(256)
	text := "Section 4.2 Limitation of liability"

	// When: both embed the same text
	v1, err := a.Embed(context.Background(), text)
	require.NoError(t, err)
	v2, err := b.Embed(context.Background(), text)
	require.NoError(t, err)

	// Then: the vectors are identical
	assert.Equal(t, v1, v2)
}

func TestStaticEmbedder_SimilarTextHasHigherSimilarity(t *testing.T) {
	// Given: two termination clauses and an unrelated payment clause
	e := NewStaticEmbedder(512)
	ctx := context.Background()
	a, err := e.Embed(ctx, "Either party may terminate this agreement upon written notice")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "This agreement may be terminated by either party with written notice")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "Invoices are payable in euros within forty five days")
	require.NoError(t, err)

	// Then: the termination clauses are closer to each other
	assert.Greater(t, cosineSimilarity(a, b), cosineSimilarity(a, c))
}

func TestStaticEmbedder_Embed_EmptyInputIsRejected(t *testing.T) {
	e := NewStaticEmbedder(64)

	for _, text := range []string{"", "   \n\t"} {
		_, err := e.Embed(context.Background(), text)
		require.Error(t, err)
		assert.Equal(t, jerrors.ErrCodeInvalidQuery, jerrors.GetCode(err))
	}
}

func TestTokenize_SplitsOnPunctuationAndLowercases(t *testing.T) {
	got := tokenize("Section 12.3(b): The Tenant's OBLIGATIONS")
	assert.Equal(t, []string{"section", "12", "3", "b", "the", "tenant", "s", "obligations"}, got)
}

func TestFilterStopWords(t *testing.T) {
	got := filterStopWords([]string{"the", "tenant", "shall", "pay", "rent", "hereby"})
	assert.Equal(t, []string{"tenant", "pay", "rent"}, got)
}

func TestExtractNgrams(t *testing.T) {
	assert.Equal(t, []string{"abc", "bcd"}, extractNgrams("abcd", 3))
	assert.Empty(t, extractNgrams("ab", 3))
	// Runes, not bytes.
	assert.Equal(t, []string{"§12"}, extractNgrams("§12", 3))
}

func TestStaticEmbedder_Embed_UnicodeAndLongText(t *testing.T) {
	e := NewStaticEmbedder(128)
	ctx := context.Background()

	vec, err := e.Embed(ctx, "Vertragsstrafe gemäß § 339 BGB, résiliation")
	require.NoError(t, err)
	assert.Len(t, vec, 128)

	vec, err = e.Embed(ctx, strings.Repeat("The licensee shall not sublicense. ", 2000))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorMagnitude(vec), 0.001)
}

func TestStaticEmbedder_EmbedBatch(t *testing.T) {
	e := NewStaticEmbedder(64)
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{"one clause", "two clause", "three clause"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	single, err := e.Embed(ctx, "two clause")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])

	empty, err := e.EmbedBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = e.EmbedBatch(ctx, []string{"fine", ""})
	assert.Error(t, err)
}

func TestStaticEmbedder_Close(t *testing.T) {
	e := NewStaticEmbedder(64)
	assert.True(t, e.Available(context.Background()))
	assert.Equal(t, "static", e.ModelName())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "after close")
	assert.True(t, errors.Is(err, errClosed))
}
