package search

import (
	"context"
	"sync"
	"time"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/store"
)

// fakeStore serves canned candidate lists and records how it was queried.
type fakeStore struct {
	mu sync.Mutex

	lexical []store.Hit
	vector  []store.Hit

	lexErr    error
	vecErr    error
	fusionErr error

	lexDelay time.Duration
	vecDelay time.Duration

	// fusionHangs makes CheckRankFusion block until its context ends.
	fusionHangs bool

	lexCalls          int
	vecCalls          int
	lastLexSize       int
	lastVecK          int
	lastNumCandidates int
	lastProjects      []string
}

var _ store.ChunkStore = (*fakeStore)(nil)

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeStore) QueryLexical(ctx context.Context, _ string, projectID string, size int) ([]store.Hit, error) {
	f.mu.Lock()
	f.lexCalls++
	f.lastLexSize = size
	f.lastProjects = append(f.lastProjects, projectID)
	f.mu.Unlock()

	if err := wait(ctx, f.lexDelay); err != nil {
		return nil, err
	}
	if f.lexErr != nil {
		return nil, f.lexErr
	}
	return inProject(f.lexical, projectID, size), nil
}

func (f *fakeStore) QueryVector(ctx context.Context, _ []float32, projectID string, k, numCandidates int) ([]store.Hit, error) {
	f.mu.Lock()
	f.vecCalls++
	f.lastVecK = k
	f.lastNumCandidates = numCandidates
	f.lastProjects = append(f.lastProjects, projectID)
	f.mu.Unlock()

	if err := wait(ctx, f.vecDelay); err != nil {
		return nil, err
	}
	if f.vecErr != nil {
		return nil, f.vecErr
	}
	return inProject(f.vector, projectID, k), nil
}

func inProject(hits []store.Hit, projectID string, limit int) []store.Hit {
	out := []store.Hit{}
	for _, h := range hits {
		if h.Chunk.ProjectID == projectID && len(out) < limit {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeStore) CheckRankFusion(ctx context.Context) error {
	if f.fusionHangs {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.fusionErr
}

func (f *fakeStore) Index(context.Context, *store.Chunk) error { return nil }
func (f *fakeStore) BulkIndex(context.Context, []*store.Chunk) (*store.BulkReport, error) {
	return &store.BulkReport{}, nil
}
func (f *fakeStore) GetChunks(context.Context, []string) ([]*store.Chunk, error)   { return nil, nil }
func (f *fakeStore) DeleteByDocument(context.Context, string, string) (int, error) { return 0, nil }
func (f *fakeStore) DeleteByProject(context.Context, string) (int, error)          { return 0, nil }
func (f *fakeStore) ListDocuments(context.Context, string) ([]store.DocumentSummary, error) {
	return nil, nil
}
func (f *fakeStore) Stats(context.Context) (*store.IndexStats, error) { return &store.IndexStats{}, nil }
func (f *fakeStore) Close() error                                     { return nil }

func chunk(id, text string) *store.Chunk {
	return &store.Chunk{ChunkID: id, DocID: "doc-" + id, ProjectID: "p1", Text: text, Page: 1}
}

func hit(id string, score float64) store.Hit {
	return store.Hit{Chunk: chunk(id, "text of "+id), Score: score}
}

func hitText(id, text string, score float64) store.Hit {
	return store.Hit{Chunk: chunk(id, text), Score: score}
}

func ids(items []ScoredChunk) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ChunkID()
	}
	return out
}

// scriptedReranker returns canned results and records its input.
type scriptedReranker struct {
	mu      sync.Mutex
	results []RerankResult
	err     error
	delay   time.Duration
	calls   int
	docs    []string
	query   string
}

func (r *scriptedReranker) Rerank(ctx context.Context, query string, documents []string, _ int) ([]RerankResult, error) {
	r.mu.Lock()
	r.calls++
	r.docs = append([]string(nil), documents...)
	r.query = query
	r.mu.Unlock()

	if err := wait(ctx, r.delay); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

func (r *scriptedReranker) Available(context.Context) bool { return true }
func (r *scriptedReranker) Close() error                   { return nil }

// reverseReranker scores documents in reverse input order.
type reverseReranker struct{}

func (reverseReranker) Rerank(_ context.Context, _ string, documents []string, _ int) ([]RerankResult, error) {
	out := make([]RerankResult, len(documents))
	for i := range documents {
		out[i] = RerankResult{Index: len(documents) - 1 - i, Score: 1 - float64(i)*0.01}
	}
	return out, nil
}
func (reverseReranker) Available(context.Context) bool { return true }
func (reverseReranker) Close() error                   { return nil }

var errBackend = jerrors.New(jerrors.ErrCodeSourceUnavailable, "backend returned 503", nil)
