package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"golang.org/x/sync/singleflight"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// DefaultCapabilityTTL is how long a rank-fusion probe result is trusted.
const DefaultCapabilityTTL = 30 * time.Second

// ElasticConfig configures an ElasticStore.
type ElasticConfig struct {
	URL         string
	APIKey      string
	IndexPrefix string
	Dimensions  int

	HighlightSize int

	// CapabilityTTL caches definitive rank-fusion answers. Zero means
	// DefaultCapabilityTTL; negative probes on every call.
	CapabilityTTL time.Duration

	// Transport overrides the HTTP transport; tests point it at httptest.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// ElasticStore keeps chunks in one Elasticsearch index with a
// dense_vector field. Both candidate queries carry the project filter in
// the request body, so Elasticsearch ranks only in-scope documents.
type ElasticStore struct {
	es            *elasticsearch.Client
	index         string
	metricsIndex  string
	dim           int
	highlightSize int
	logger        *slog.Logger

	capMu      sync.Mutex
	capTTL     time.Duration
	capErr     error
	capChecked time.Time
	capProbe   singleflight.Group
	now        func() time.Time
}

// esDoc is the stored document shape.
type esDoc struct {
	ChunkID       string    `json:"chunk_id"`
	DocID         string    `json:"doc_id"`
	ProjectID     string    `json:"project_id"`
	DocTitle      string    `json:"doc_title"`
	Text          string    `json:"text"`
	Page          int       `json:"page"`
	CharStart     int       `json:"char_start"`
	CharEnd       int       `json:"char_end"`
	LocationHints []BBox    `json:"location_hints,omitempty"`
	SectionPath   string    `json:"section_path"`
	Tags          []string  `json:"tags,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Embedding     []float32 `json:"embedding,omitempty"`
}

func toESDoc(c *Chunk, dim int) esDoc {
	d := esDoc{
		ChunkID:       c.ChunkID,
		DocID:         c.DocID,
		ProjectID:     c.ProjectID,
		DocTitle:      c.DocTitle,
		Text:          c.Text,
		Page:          c.Page,
		CharStart:     c.CharStart,
		CharEnd:       c.CharEnd,
		LocationHints: c.LocationHints,
		SectionPath:   c.SectionPath,
		Tags:          c.Tags,
		CreatedAt:     c.CreatedAt,
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if c.HasEmbedding(dim) {
		d.Embedding = c.Embedding
	}
	return d
}

func (d esDoc) chunk() *Chunk {
	return &Chunk{
		ChunkID:       d.ChunkID,
		DocID:         d.DocID,
		ProjectID:     d.ProjectID,
		DocTitle:      d.DocTitle,
		Text:          d.Text,
		Page:          d.Page,
		CharStart:     d.CharStart,
		CharEnd:       d.CharEnd,
		LocationHints: d.LocationHints,
		SectionPath:   d.SectionPath,
		Tags:          d.Tags,
		CreatedAt:     d.CreatedAt,
	}
}

// NewElasticStore connects and creates the chunk index if missing.
func NewElasticStore(ctx context.Context, cfg ElasticConfig) (*ElasticStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, jerrors.ConfigError(fmt.Sprintf("embedding dimensions must be positive, got %d", cfg.Dimensions), nil)
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "jurisscope"
	}
	if cfg.CapabilityTTL == 0 {
		cfg.CapabilityTTL = DefaultCapabilityTTL
	}
	if cfg.HighlightSize <= 0 || cfg.HighlightSize > HighlightFragmentSize {
		cfg.HighlightSize = HighlightFragmentSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		APIKey:    cfg.APIKey,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, jerrors.StoreError("create elasticsearch client", err)
	}

	s := &ElasticStore{
		es:            es,
		index:         cfg.IndexPrefix + "-chunks",
		metricsIndex:  cfg.IndexPrefix + "-metrics",
		dim:           cfg.Dimensions,
		highlightSize: cfg.HighlightSize,
		logger:        cfg.Logger,
		capTTL:        cfg.CapabilityTTL,
		now:           time.Now,
	}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ElasticStore) chunkMapping() map[string]any {
	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"chunk_id":       map[string]any{"type": "keyword"},
				"doc_id":         map[string]any{"type": "keyword"},
				"project_id":     map[string]any{"type": "keyword"},
				"doc_title":      map[string]any{"type": "text"},
				"text":           map[string]any{"type": "text"},
				"section_path":   map[string]any{"type": "text"},
				"page":           map[string]any{"type": "integer"},
				"char_start":     map[string]any{"type": "integer"},
				"char_end":       map[string]any{"type": "integer"},
				"location_hints": map[string]any{"type": "object", "enabled": false},
				"tags":           map[string]any{"type": "keyword"},
				"created_at":     map[string]any{"type": "date"},
				"embedding": map[string]any{
					"type":       "dense_vector",
					"dims":       s.dim,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
	}
}

func (s *ElasticStore) ensureIndex(ctx context.Context) error {
	res, err := s.es.Indices.Exists([]string{s.index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return jerrors.StoreError("check elasticsearch index", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return jerrors.StoreError(fmt.Sprintf("check elasticsearch index: status %d", res.StatusCode), nil)
	}

	body, err := json.Marshal(s.chunkMapping())
	if err != nil {
		return err
	}
	res, err = s.es.Indices.Create(s.index,
		s.es.Indices.Create.WithBody(bytes.NewReader(body)),
		s.es.Indices.Create.WithContext(ctx))
	if err := decodeResponse(res, err, nil); err != nil {
		var ee *esError
		if errors.As(err, &ee) && ee.Type == "resource_already_exists_exception" {
			return nil
		}
		return jerrors.StoreError("create elasticsearch index", err)
	}
	return nil
}

// esError is a decoded Elasticsearch error response.
type esError struct {
	Status int
	Type   string
	Reason string
}

func (e *esError) Error() string {
	return fmt.Sprintf("elasticsearch: %d %s: %s", e.Status, e.Type, e.Reason)
}

// decodeResponse closes the body, turns error statuses into *esError and
// otherwise decodes JSON into out (when non-nil).
func decodeResponse(res *esapi.Response, err error, out any) error {
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		ee := &esError{Status: res.StatusCode}
		var payload struct {
			Error json.RawMessage `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && len(payload.Error) > 0 {
			var detail struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			}
			if json.Unmarshal(payload.Error, &detail) == nil && detail.Type != "" {
				ee.Type, ee.Reason = detail.Type, detail.Reason
			} else {
				ee.Reason = strings.Trim(string(payload.Error), `"`)
			}
		} else {
			ee.Reason = strings.TrimSpace(string(raw))
		}
		return ee
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode elasticsearch response: %w", err)
	}
	return nil
}

// Index upserts one chunk and waits for it to become searchable.
func (s *ElasticStore) Index(ctx context.Context, chunk *Chunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	if len(chunk.Embedding) > 0 && len(chunk.Embedding) != s.dim {
		return jerrors.DimensionMismatch(s.dim, len(chunk.Embedding))
	}

	body, err := json.Marshal(toESDoc(chunk, s.dim))
	if err != nil {
		return err
	}
	res, err := s.es.Index(s.index, bytes.NewReader(body),
		s.es.Index.WithDocumentID(chunk.ChunkID),
		s.es.Index.WithRefresh("wait_for"),
		s.es.Index.WithContext(ctx))
	if err := decodeResponse(res, err, nil); err != nil {
		return jerrors.New(jerrors.ErrCodeIndexFailed, "index chunk "+chunk.ChunkID, err)
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// BulkIndex sends valid chunks in one _bulk request and maps per-item
// results back onto the report.
func (s *ElasticStore) BulkIndex(ctx context.Context, chunks []*Chunk) (*BulkReport, error) {
	report := &BulkReport{Items: make([]BulkItem, 0, len(chunks))}
	if len(chunks) == 0 {
		return report, nil
	}

	itemErr := make([]error, len(chunks))
	var (
		buf  bytes.Buffer
		sent []int
	)
	for i, ch := range chunks {
		if err := ch.Validate(); err != nil {
			itemErr[i] = err
			continue
		}
		if len(ch.Embedding) > 0 && len(ch.Embedding) != s.dim {
			itemErr[i] = jerrors.DimensionMismatch(s.dim, len(ch.Embedding)).WithDetail("chunk_id", ch.ChunkID)
			continue
		}
		meta, _ := json.Marshal(map[string]any{"index": map[string]any{"_index": s.index, "_id": ch.ChunkID}})
		doc, err := json.Marshal(toESDoc(ch, s.dim))
		if err != nil {
			itemErr[i] = err
			continue
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
		sent = append(sent, i)
	}

	if len(sent) > 0 {
		var resp bulkResponse
		res, err := s.es.Bulk(bytes.NewReader(buf.Bytes()),
			s.es.Bulk.WithRefresh("wait_for"),
			s.es.Bulk.WithContext(ctx))
		if err := decodeResponse(res, err, &resp); err != nil {
			return nil, jerrors.New(jerrors.ErrCodeIndexFailed, "bulk request failed", err)
		}
		for j, i := range sent {
			if j >= len(resp.Items) {
				itemErr[i] = jerrors.New(jerrors.ErrCodeIndexFailed, "missing bulk item result", nil)
				continue
			}
			for _, r := range resp.Items[j] {
				if r.Error != nil {
					itemErr[i] = jerrors.New(jerrors.ErrCodeIndexFailed,
						fmt.Sprintf("%s: %s", r.Error.Type, r.Error.Reason), nil).
						WithDetail("chunk_id", chunks[i].ChunkID)
				}
			}
		}
	}

	for i, ch := range chunks {
		id := ""
		if ch != nil {
			id = ch.ChunkID
		}
		report.add(id, ch != nil && !ch.HasEmbedding(s.dim), itemErr[i])
	}
	return report, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID        string              `json:"_id"`
			Score     float64             `json:"_score"`
			Source    esDoc               `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations json.RawMessage `json:"aggregations"`
}

func (s *ElasticStore) search(ctx context.Context, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	res, err := s.es.Search(
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(bytes.NewReader(raw)),
		s.es.Search.WithContext(ctx))
	return decodeResponse(res, err, out)
}

func projectTerm(projectID string) map[string]any {
	return map[string]any{"term": map[string]any{"project_id": projectID}}
}

func lexicalQueryBody(text, projectID string, size, highlightSize int) map[string]any {
	return map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{projectTerm(projectID)},
				"must": []any{map[string]any{
					"multi_match": map[string]any{
						"query":  text,
						"fields": []string{"text^2", "section_path", "doc_title"},
						"type":   "best_fields",
					},
				}},
			},
		},
		"_source": map[string]any{"excludes": []string{"embedding"}},
		"highlight": map[string]any{
			"pre_tags":  []string{""},
			"post_tags": []string{""},
			"fields": map[string]any{
				"text": map[string]any{"fragment_size": highlightSize, "number_of_fragments": 1},
			},
		},
	}
}

func vectorQueryBody(embedding []float32, projectID string, k, numCandidates int) map[string]any {
	return map[string]any{
		"size": k,
		"knn": map[string]any{
			"field":          "embedding",
			"query_vector":   embedding,
			"k":              k,
			"num_candidates": numCandidates,
			"filter":         projectTerm(projectID),
		},
		"_source": map[string]any{"excludes": []string{"embedding"}},
	}
}

// QueryLexical implements ChunkStore.
func (s *ElasticStore) QueryLexical(ctx context.Context, text, projectID string, size int) ([]Hit, error) {
	if projectID == "" {
		return nil, jerrors.InvalidScope("")
	}
	if size < 1 {
		return nil, jerrors.ValidationError(fmt.Sprintf("size must be >= 1, got %d", size), nil)
	}
	if strings.TrimSpace(text) == "" {
		return []Hit{}, nil
	}

	var resp searchResponse
	if err := s.search(ctx, lexicalQueryBody(text, projectID, size, s.highlightSize), &resp); err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return s.hits(resp, projectID), nil
}

// QueryVector implements ChunkStore. Elasticsearch's cosine score is
// already (1 + cos) / 2.
func (s *ElasticStore) QueryVector(ctx context.Context, embedding []float32, projectID string, k, numCandidates int) ([]Hit, error) {
	if err := checkQueryArgs(projectID, embedding, s.dim, k, numCandidates); err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := s.search(ctx, vectorQueryBody(embedding, projectID, k, numCandidates), &resp); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return s.hits(resp, projectID), nil
}

func (s *ElasticStore) hits(resp searchResponse, projectID string) []Hit {
	out := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		if h.Source.ProjectID != projectID {
			continue
		}
		ch := h.Source.chunk()
		if ch.ChunkID == "" {
			ch.ChunkID = h.ID
		}
		hit := Hit{Chunk: ch, Score: h.Score}
		if frags := h.Highlight["text"]; len(frags) > 0 {
			hit.Highlight = truncateRunes(strings.TrimSpace(frags[0]), s.highlightSize)
		}
		out = append(out, hit)
	}
	return out
}

// GetChunks implements ChunkStore via _mget.
func (s *ElasticStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Docs []struct {
			ID     string `json:"_id"`
			Found  bool   `json:"found"`
			Source esDoc  `json:"_source"`
		} `json:"docs"`
	}
	res, err := s.es.Mget(bytes.NewReader(body),
		s.es.Mget.WithIndex(s.index),
		s.es.Mget.WithSourceExcludes("embedding"),
		s.es.Mget.WithContext(ctx))
	if err := decodeResponse(res, err, &resp); err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}

	out := make([]*Chunk, 0, len(resp.Docs))
	for _, d := range resp.Docs {
		if d.Found {
			out = append(out, d.Source.chunk())
		}
	}
	return out, nil
}

func (s *ElasticStore) deleteByQuery(ctx context.Context, what string, filter ...any) (int, error) {
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{"bool": map[string]any{"filter": filter}},
	})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Deleted int `json:"deleted"`
	}
	res, err := s.es.DeleteByQuery([]string{s.index}, bytes.NewReader(body),
		s.es.DeleteByQuery.WithRefresh(true),
		s.es.DeleteByQuery.WithContext(ctx))
	if err := decodeResponse(res, err, &resp); err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}
	return resp.Deleted, nil
}

// DeleteByDocument implements ChunkStore.
func (s *ElasticStore) DeleteByDocument(ctx context.Context, projectID, docID string) (int, error) {
	if projectID == "" {
		return 0, jerrors.InvalidScope("")
	}
	return s.deleteByQuery(ctx, "document "+docID,
		projectTerm(projectID), map[string]any{"term": map[string]any{"doc_id": docID}})
}

// DeleteByProject implements ChunkStore.
func (s *ElasticStore) DeleteByProject(ctx context.Context, projectID string) (int, error) {
	if projectID == "" {
		return 0, jerrors.InvalidScope("")
	}
	return s.deleteByQuery(ctx, "project "+projectID, projectTerm(projectID))
}

// ListDocuments aggregates chunks of projectID by doc_id.
func (s *ElasticStore) ListDocuments(ctx context.Context, projectID string) ([]DocumentSummary, error) {
	if projectID == "" {
		return nil, jerrors.InvalidScope("")
	}

	body := map[string]any{
		"size":  0,
		"query": map[string]any{"bool": map[string]any{"filter": []any{projectTerm(projectID)}}},
		"aggs": map[string]any{
			"docs": map[string]any{
				"terms": map[string]any{"field": "doc_id", "size": 10000, "order": map[string]any{"_key": "asc"}},
				"aggs": map[string]any{
					"max_page": map[string]any{"max": map[string]any{"field": "page"}},
					"title": map[string]any{"top_hits": map[string]any{
						"size":    1,
						"_source": map[string]any{"includes": []string{"doc_title"}},
					}},
				},
			},
		},
	}

	var resp searchResponse
	if err := s.search(ctx, body, &resp); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	var aggs struct {
		Docs struct {
			Buckets []struct {
				Key      string `json:"key"`
				DocCount int    `json:"doc_count"`
				MaxPage  struct {
					Value float64 `json:"value"`
				} `json:"max_page"`
				Title struct {
					Hits struct {
						Hits []struct {
							Source struct {
								DocTitle string `json:"doc_title"`
							} `json:"_source"`
						} `json:"hits"`
					} `json:"hits"`
				} `json:"title"`
			} `json:"buckets"`
		} `json:"docs"`
	}
	if len(resp.Aggregations) > 0 {
		if err := json.Unmarshal(resp.Aggregations, &aggs); err != nil {
			return nil, fmt.Errorf("decode document aggregation: %w", err)
		}
	}

	docs := make([]DocumentSummary, 0, len(aggs.Docs.Buckets))
	for _, b := range aggs.Docs.Buckets {
		d := DocumentSummary{
			DocID:      b.Key,
			ProjectID:  projectID,
			ChunkCount: b.DocCount,
			MaxPage:    int(b.MaxPage.Value),
		}
		if hits := b.Title.Hits.Hits; len(hits) > 0 {
			d.DocTitle = hits[0].Source.DocTitle
		}
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })
	return docs, nil
}

// Stats implements ChunkStore.
func (s *ElasticStore) Stats(ctx context.Context) (*IndexStats, error) {
	body := map[string]any{
		"size":             0,
		"track_total_hits": true,
		"aggs": map[string]any{
			"docs":     map[string]any{"cardinality": map[string]any{"field": "doc_id"}},
			"projects": map[string]any{"cardinality": map[string]any{"field": "project_id"}},
			"vectors":  map[string]any{"filter": map[string]any{"exists": map[string]any{"field": "embedding"}}},
		},
	}
	var resp searchResponse
	if err := s.search(ctx, body, &resp); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	var aggs struct {
		Docs     struct{ Value int } `json:"docs"`
		Projects struct{ Value int } `json:"projects"`
		Vectors  struct {
			DocCount int `json:"doc_count"`
		} `json:"vectors"`
	}
	if len(resp.Aggregations) > 0 {
		if err := json.Unmarshal(resp.Aggregations, &aggs); err != nil {
			return nil, fmt.Errorf("decode stats aggregation: %w", err)
		}
	}

	st := &IndexStats{
		ChunkCount:    resp.Hits.Total.Value,
		DocumentCount: aggs.Docs.Value,
		ProjectCount:  aggs.Projects.Value,
		VectorCount:   aggs.Vectors.DocCount,
	}

	var storeStats struct {
		All struct {
			Primaries struct {
				Store struct {
					SizeInBytes int64 `json:"size_in_bytes"`
				} `json:"store"`
			} `json:"primaries"`
		} `json:"_all"`
	}
	res, err := s.es.Indices.Stats(
		s.es.Indices.Stats.WithIndex(s.index),
		s.es.Indices.Stats.WithMetric("store"),
		s.es.Indices.Stats.WithContext(ctx))
	if err := decodeResponse(res, err, &storeStats); err == nil {
		st.SizeBytes = storeStats.All.Primaries.Store.SizeInBytes
	}
	return st, nil
}

// rrfProbeBody is the smallest request that exercises the rrf retriever.
func rrfProbeBody() map[string]any {
	standard := map[string]any{"standard": map[string]any{"query": map[string]any{"match_all": map[string]any{}}}}
	return map[string]any{
		"size": 0,
		"retriever": map[string]any{
			"rrf": map[string]any{
				"retrievers":       []any{standard, standard},
				"rank_constant":    60,
				"rank_window_size": 10,
			},
		},
	}
}

// isRankFusionRefusal reports whether a probe failure means the cluster
// cannot do RRF (license level or version), as opposed to being unreachable.
func isRankFusionRefusal(err error) bool {
	var ee *esError
	if !errors.As(err, &ee) {
		return false
	}
	if ee.Status == http.StatusForbidden {
		return true
	}
	reason := strings.ToLower(ee.Type + " " + ee.Reason)
	for _, marker := range []string{"license", "non-compliant", "rrf", "retriever"} {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

// CheckRankFusion probes the rrf retriever. Definitive answers are cached
// for the capability TTL; a failed probe is returned as-is and not cached.
// Concurrent callers share one in-flight probe, and each gives up when its
// own context ends.
func (s *ElasticStore) CheckRankFusion(ctx context.Context) error {
	s.capMu.Lock()
	if s.capTTL > 0 && !s.capChecked.IsZero() && s.now().Sub(s.capChecked) < s.capTTL {
		err := s.capErr
		s.capMu.Unlock()
		return err
	}
	s.capMu.Unlock()

	ch := s.capProbe.DoChan("rrf", func() (any, error) {
		return nil, s.probeRankFusion(ctx)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return fmt.Errorf("rank fusion probe: %w", ctx.Err())
	}
}

func (s *ElasticStore) probeRankFusion(ctx context.Context) error {
	err := s.search(ctx, rrfProbeBody(), nil)
	var capErr error
	switch {
	case err == nil:
	case isRankFusionRefusal(err):
		capErr = jerrors.RankFusionUnavailable(err)
		s.logger.Info("rank_fusion_unavailable", slog.String("reason", err.Error()))
	default:
		return fmt.Errorf("rank fusion probe: %w", err)
	}

	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.capErr = capErr
	s.capChecked = s.now()
	return capErr
}

type metricsDoc struct {
	RecordedAt time.Time `json:"recorded_at"`
	Payload    string    `json:"payload"`
}

// SaveMetricsSnapshot overwrites the latest snapshot document.
func (s *ElasticStore) SaveMetricsSnapshot(ctx context.Context, payload []byte) error {
	body, err := json.Marshal(metricsDoc{RecordedAt: s.now().UTC(), Payload: string(payload)})
	if err != nil {
		return err
	}
	res, err := s.es.Index(s.metricsIndex, bytes.NewReader(body),
		s.es.Index.WithDocumentID("latest"),
		s.es.Index.WithContext(ctx))
	if err := decodeResponse(res, err, nil); err != nil {
		return fmt.Errorf("save metrics snapshot: %w", err)
	}
	return nil
}

// LatestMetricsSnapshot returns the stored snapshot, or nil if none exists.
func (s *ElasticStore) LatestMetricsSnapshot(ctx context.Context) ([]byte, time.Time, error) {
	var resp struct {
		Found  bool       `json:"found"`
		Source metricsDoc `json:"_source"`
	}
	res, err := s.es.Get(s.metricsIndex, "latest", s.es.Get.WithContext(ctx))
	if err := decodeResponse(res, err, &resp); err != nil {
		var ee *esError
		if errors.As(err, &ee) && ee.Status == http.StatusNotFound {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("read metrics snapshot: %w", err)
	}
	if !resp.Found {
		return nil, time.Time{}, nil
	}
	return []byte(resp.Source.Payload), resp.Source.RecordedAt, nil
}

// Close is a no-op; the HTTP client holds no exclusive resources.
func (s *ElasticStore) Close() error { return nil }

var (
	_ ChunkStore  = (*ElasticStore)(nil)
	_ MetricsSink = (*ElasticStore)(nil)
)
