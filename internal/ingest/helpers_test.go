package ingest

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/logging"
	"github.com/amelia751/jurisscope/internal/store"
)

const testDim = 4

// wordTokenizer treats each word with its trailing whitespace as one token,
// so decoding any token range reproduces the exact source substring.
type wordTokenizer struct {
	mu    sync.Mutex
	vocab []string
	ids   map[string]int
}

var wordPattern = regexp.MustCompile(`\S+\s*|\s+`)

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{ids: map[string]int{}}
}

func (w *wordTokenizer) Encode(text string) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int
	for _, piece := range wordPattern.FindAllString(text, -1) {
		id, ok := w.ids[piece]
		if !ok {
			id = len(w.vocab)
			w.vocab = append(w.vocab, piece)
			w.ids[piece] = id
		}
		out = append(out, id)
	}
	return out
}

func (w *wordTokenizer) Decode(tokens []int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var b strings.Builder
	for _, id := range tokens {
		b.WriteString(w.vocab[id])
	}
	return b.String()
}

// fakeEmbedder returns a fixed unit-ish vector, failing any batch that
// contains failMarker.
type fakeEmbedder struct {
	failMarker string
	calls      atomic.Int32
	texts      atomic.Int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	f.texts.Add(int32(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.failMarker != "" && strings.Contains(t, f.failMarker) {
			return nil, jerrors.New(jerrors.ErrCodeEmbeddingUnavailable, "model overloaded", nil)
		}
		out[i] = []float32{1, 0.5, 0.25, float32(len(t)%7) / 10}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int                  { return testDim }
func (f *fakeEmbedder) ModelName() string                { return "fake" }
func (f *fakeEmbedder) Available(_ context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                     { return nil }

func newLocalStore(t *testing.T) *store.LocalStore {
	t.Helper()
	catalog, err := store.OpenCatalog("", logging.Discard())
	require.NoError(t, err)
	lexical, err := store.NewBleveLexicalIndex("", 0, logging.Discard())
	require.NoError(t, err)
	vector, err := store.NewHNSWVectorIndex(store.HNSWConfig{Dimensions: testDim}, logging.Discard())
	require.NoError(t, err)

	s, err := store.NewLocalStore(store.LocalConfig{
		Catalog:    catalog,
		Lexical:    lexical,
		Vector:     vector,
		Dimensions: testDim,
		RankFusion: true,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSplitter(t *testing.T, size, overlap int) *TokenSplitter {
	t.Helper()
	s, err := NewTokenSplitter(newWordTokenizer(), size, overlap)
	require.NoError(t, err)
	return s
}

func newTestIngestor(t *testing.T, s store.ChunkStore, e *fakeEmbedder, size, overlap int, opts ...Option) *Ingestor {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithPoolSize(2),
		WithRetry(jerrors.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, Multiplier: 1}),
	}, opts...)

	// A typed nil would not compare equal to a nil interface.
	var in *Ingestor
	var err error
	if e == nil {
		in, err = NewIngestor(s, nil, newTestSplitter(t, size, overlap), opts...)
	} else {
		in, err = NewIngestor(s, e, newTestSplitter(t, size, overlap), opts...)
	}
	require.NoError(t, err)
	t.Cleanup(in.Release)
	return in
}

// words returns n distinct words "w0 w1 ...".
func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = prefix + string(rune('a'+i%26)) + strings.Repeat("x", i/26)
	}
	return strings.Join(parts, " ")
}
