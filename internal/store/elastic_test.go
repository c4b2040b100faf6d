package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/logging"
)

// fakeElastic is a minimal Elasticsearch HTTP endpoint. Handlers are keyed
// by "METHOD /path"; request bodies are recorded per key.
type fakeElastic struct {
	mu       sync.Mutex
	handlers map[string]func(body []byte) (int, string)
	bodies   map[string][]string
	calls    map[string]int
}

func newFakeElastic(t *testing.T) (*fakeElastic, *httptest.Server) {
	t.Helper()
	f := &fakeElastic{
		handlers: map[string]func([]byte) (int, string){
			"HEAD /js-chunks": func([]byte) (int, string) { return http.StatusOK, "" },
		},
		bodies: map[string][]string{},
		calls:  map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.bodies[key] = append(f.bodies[key], string(body))
		f.calls[key]++
		h, ok := f.handlers[key]
		f.mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"not_found","reason":"` + key + `"},"status":404}`))
			return
		}
		status, out := h(body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(out))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeElastic) handle(key string, h func(body []byte) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = h
}

func (f *fakeElastic) lastBody(t *testing.T, key string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.bodies[key]
	require.NotEmpty(t, bodies, "no request for %s", key)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(bodies[len(bodies)-1]), &out))
	return out
}

func (f *fakeElastic) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func newTestElastic(t *testing.T, srv *httptest.Server) *ElasticStore {
	t.Helper()
	s, err := NewElasticStore(context.Background(), ElasticConfig{
		URL:         srv.URL,
		IndexPrefix: "js",
		Dimensions:  testDim,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	return s
}

func TestElasticStore_CreatesIndexWithMapping(t *testing.T) {
	// Given: the chunk index does not exist
	f, srv := newFakeElastic(t)
	f.handle("HEAD /js-chunks", func([]byte) (int, string) { return http.StatusNotFound, "" })
	f.handle("PUT /js-chunks", func([]byte) (int, string) { return http.StatusOK, `{"acknowledged":true}` })

	// When: opening the store
	newTestElastic(t, srv)

	// Then: the mapping declares a cosine dense_vector and keyword scope
	body := f.lastBody(t, "PUT /js-chunks")
	props := body["mappings"].(map[string]any)["properties"].(map[string]any)
	emb := props["embedding"].(map[string]any)
	assert.Equal(t, "dense_vector", emb["type"])
	assert.Equal(t, "cosine", emb["similarity"])
	assert.EqualValues(t, testDim, emb["dims"])
	assert.Equal(t, "keyword", props["project_id"].(map[string]any)["type"])
}

func TestElasticStore_QueryLexicalFiltersAndWeights(t *testing.T) {
	f, srv := newFakeElastic(t)
	f.handle("POST /js-chunks/_search", func([]byte) (int, string) {
		return http.StatusOK, `{"hits":{"total":{"value":2},"hits":[
			{"_id":"a","_score":3.5,"_source":{"chunk_id":"a","doc_id":"d1","project_id":"p1","text":"indemnify","page":1},"highlight":{"text":["shall indemnify the"]}},
			{"_id":"x","_score":2.0,"_source":{"chunk_id":"x","doc_id":"d9","project_id":"p2","text":"leak","page":1}}
		]}}`
	})
	s := newTestElastic(t, srv)

	// When: querying p1
	hits, err := s.QueryLexical(context.Background(), "indemnify", "p1", 10)
	require.NoError(t, err)

	// Then: the request filters by project and boosts text
	body := f.lastBody(t, "POST /js-chunks/_search")
	q := body["query"].(map[string]any)["bool"].(map[string]any)
	filter := q["filter"].([]any)[0].(map[string]any)["term"].(map[string]any)
	assert.Equal(t, "p1", filter["project_id"])
	mm := q["must"].([]any)[0].(map[string]any)["multi_match"].(map[string]any)
	assert.Contains(t, mm["fields"], "text^2")
	assert.EqualValues(t, 10, body["size"])

	// And: a foreign hit is dropped, the highlight is carried
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Chunk.ChunkID)
	assert.Equal(t, 3.5, hits[0].Score)
	assert.Equal(t, "shall indemnify the", hits[0].Highlight)
}

func TestElasticStore_QueryVectorSendsKNN(t *testing.T) {
	f, srv := newFakeElastic(t)
	f.handle("POST /js-chunks/_search", func([]byte) (int, string) {
		return http.StatusOK, `{"hits":{"hits":[
			{"_id":"a","_score":0.97,"_source":{"chunk_id":"a","doc_id":"d1","project_id":"p1","text":"t","page":3}}
		]}}`
	})
	s := newTestElastic(t, srv)

	hits, err := s.QueryVector(context.Background(), []float32{1, 0, 0, 0}, "p1", 5, 50)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0.97, hits[0].Score)
	assert.Equal(t, 3, hits[0].Chunk.Page)

	knn := f.lastBody(t, "POST /js-chunks/_search")["knn"].(map[string]any)
	assert.EqualValues(t, 5, knn["k"])
	assert.EqualValues(t, 50, knn["num_candidates"])
	assert.Equal(t, "embedding", knn["field"])
	term := knn["filter"].(map[string]any)["term"].(map[string]any)
	assert.Equal(t, "p1", term["project_id"])

	_, err = s.QueryVector(context.Background(), []float32{1, 0, 0, 0}, "p1", 5, 4)
	assert.True(t, errors.Is(err, jerrors.ErrCandidatesBelowK))
}

func TestElasticStore_BulkIndexMapsItemResults(t *testing.T) {
	// Given: the server rejects the second sent document
	f, srv := newFakeElastic(t)
	f.handle("POST /_bulk", func([]byte) (int, string) {
		return http.StatusOK, `{"errors":true,"items":[
			{"index":{"_id":"a","status":201}},
			{"index":{"_id":"b","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad field"}}}
		]}`
	})
	s := newTestElastic(t, srv)

	// When: indexing a, an invalid chunk, and b
	report, err := s.BulkIndex(context.Background(), []*Chunk{
		chunkWith("a", "d1", "p1", "alpha", []float32{1, 0, 0, 0}),
		chunkWith("bad", "d1", "", "no project", nil),
		chunkWith("b", "d1", "p1", "beta", nil),
	})
	require.NoError(t, err)

	// Then: results line up with the input positions
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 2, report.Failed)
	assert.NoError(t, report.Items[0].Err)
	assert.True(t, errors.Is(report.Items[1].Err, jerrors.ErrInvalidScope))
	assert.Error(t, report.Items[2].Err)

	// And: the lexical-only chunk was sent without an embedding
	f.mu.Lock()
	ndjson := f.bodies["POST /_bulk"][0]
	f.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(ndjson), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], `"embedding"`)
	assert.NotContains(t, lines[3], `"embedding"`)
}

func TestElasticStore_CheckRankFusion(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		unavailable bool
	}{
		{"supported", http.StatusOK, `{"hits":{"hits":[]}}`, false},
		{"license", http.StatusForbidden, `{"error":{"type":"security_exception","reason":"current license is non-compliant for [Reciprocal Rank Fusion (RRF)]"},"status":403}`, true},
		{"old version", http.StatusBadRequest, `{"error":{"type":"parsing_exception","reason":"Unknown key for a START_OBJECT in [retriever]."},"status":400}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeElastic(t)
			f.handle("POST /js-chunks/_search", func([]byte) (int, string) { return tt.status, tt.body })
			s := newTestElastic(t, srv)

			err := s.CheckRankFusion(context.Background())
			if tt.unavailable {
				assert.True(t, errors.Is(err, jerrors.ErrRankFusionUnavailable))
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, f.lastBody(t, "POST /js-chunks/_search"), "retriever")
		})
	}
}

func TestElasticStore_CheckRankFusionCachesDefinitiveAnswers(t *testing.T) {
	f, srv := newFakeElastic(t)
	f.handle("POST /js-chunks/_search", func([]byte) (int, string) {
		return http.StatusForbidden, `{"error":{"type":"security_exception","reason":"license"},"status":403}`
	})
	s := newTestElastic(t, srv)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// When: probing twice within the TTL
	_ = s.CheckRankFusion(context.Background())
	_ = s.CheckRankFusion(context.Background())

	// Then: only one request was made
	assert.Equal(t, 1, f.callCount("POST /js-chunks/_search"))

	// When: the TTL has passed
	now = now.Add(DefaultCapabilityTTL + time.Second)
	_ = s.CheckRankFusion(context.Background())
	assert.Equal(t, 2, f.callCount("POST /js-chunks/_search"))
}

func TestElasticStore_CheckRankFusionNegativeTTLProbesEveryCall(t *testing.T) {
	f, srv := newFakeElastic(t)
	f.handle("POST /js-chunks/_search", func([]byte) (int, string) { return http.StatusOK, `{"hits":{"hits":[]}}` })
	s := newTestElastic(t, srv)
	s.capTTL = -1

	require.NoError(t, s.CheckRankFusion(context.Background()))
	require.NoError(t, s.CheckRankFusion(context.Background()))

	assert.Equal(t, 2, f.callCount("POST /js-chunks/_search"))
}

func TestElasticStore_CheckRankFusionHonoursCallerDeadline(t *testing.T) {
	// Given: a cluster that never answers the rrf probe
	f, srv := newFakeElastic(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.handle("POST /js-chunks/_search", func(body []byte) (int, string) {
		if strings.Contains(string(body), "retriever") {
			<-release
		}
		return http.StatusOK, `{"hits":{"hits":[]}}`
	})
	s := newTestElastic(t, srv)

	// When: two callers check concurrently with short deadlines
	errs := make(chan error, 2)
	start := time.Now()
	for range 2 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			errs <- s.CheckRankFusion(ctx)
		}()
	}

	// Then: both give up at their deadline as a failed check, not a refusal
	for range 2 {
		err := <-errs
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, errors.Is(err, jerrors.ErrRankFusionUnavailable))
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.LessOrEqual(t, f.callCount("POST /js-chunks/_search"), 2)

	// And: nothing was cached, so the capability lock is free
	s.capMu.Lock()
	assert.True(t, s.capChecked.IsZero())
	s.capMu.Unlock()
}

func TestElasticStore_CheckRankFusionDoesNotCacheOutages(t *testing.T) {
	f, srv := newFakeElastic(t)
	f.handle("POST /js-chunks/_search", func([]byte) (int, string) {
		return http.StatusInternalServerError, `{"error":{"type":"node_closed_exception","reason":"node closed"},"status":500}`
	})
	s := newTestElastic(t, srv)

	err := s.CheckRankFusion(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, jerrors.ErrRankFusionUnavailable))

	_ = s.CheckRankFusion(context.Background())
	assert.Equal(t, 2, f.callCount("POST /js-chunks/_search"))
}

func TestElasticStore_DeleteAndGet(t *testing.T) {
	f, srv := newFakeElastic(t)
	f.handle("POST /js-chunks/_delete_by_query", func([]byte) (int, string) {
		return http.StatusOK, `{"deleted":3}`
	})
	f.handle("POST /js-chunks/_mget", func([]byte) (int, string) {
		return http.StatusOK, `{"docs":[
			{"_id":"a","found":true,"_source":{"chunk_id":"a","doc_id":"d1","project_id":"p1","text":"t","page":1}},
			{"_id":"zz","found":false}
		]}`
	})
	s := newTestElastic(t, srv)
	ctx := context.Background()

	n, err := s.DeleteByDocument(ctx, "p1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	filter := f.lastBody(t, "POST /js-chunks/_delete_by_query")["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]any)
	require.Len(t, filter, 2)
	assert.Equal(t, "p1", filter[0].(map[string]any)["term"].(map[string]any)["project_id"])
	assert.Equal(t, "d1", filter[1].(map[string]any)["term"].(map[string]any)["doc_id"])

	_, err = s.DeleteByDocument(ctx, "", "d1")
	assert.ErrorIs(t, err, jerrors.ErrInvalidScope)

	got, err := s.GetChunks(ctx, []string{"a", "zz"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ChunkID)

	_, err = s.DeleteByProject(ctx, "")
	assert.True(t, errors.Is(err, jerrors.ErrInvalidScope))
}

func TestElasticStore_MetricsSnapshot(t *testing.T) {
	f, srv := newFakeElastic(t)
	s := newTestElastic(t, srv)
	ctx := context.Background()

	// Given: no snapshot document
	payload, _, err := s.LatestMetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, payload)

	// When: one is saved and then served back
	f.handle("PUT /js-metrics/_doc/latest", func([]byte) (int, string) {
		return http.StatusCreated, `{"result":"created"}`
	})
	require.NoError(t, s.SaveMetricsSnapshot(ctx, []byte(`{"total_queries":4}`)))
	saved := f.lastBody(t, "PUT /js-metrics/_doc/latest")
	f.handle("GET /js-metrics/_doc/latest", func([]byte) (int, string) {
		out, _ := json.Marshal(map[string]any{"found": true, "_source": saved})
		return http.StatusOK, string(out)
	})

	// Then: the payload round-trips
	payload, at, err := s.LatestMetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_queries":4}`, string(payload))
	assert.False(t, at.IsZero())
}

func TestIsRankFusionRefusal(t *testing.T) {
	assert.False(t, isRankFusionRefusal(errors.New("connection refused")))
	assert.True(t, isRankFusionRefusal(&esError{Status: 403}))
	assert.True(t, isRankFusionRefusal(&esError{Status: 400, Reason: "[rrf] requires a license"}))
	assert.False(t, isRankFusionRefusal(&esError{Status: 500, Type: "internal", Reason: "boom"}))
}
