package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amelia751/jurisscope/internal/config"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// HTTP reranker defaults
const (
	DefaultRerankerModel      = "jina-reranker-v2-base-multilingual"
	DefaultRerankerMaxDocs    = 100
	DefaultRerankerFailures   = 3
	DefaultRerankerResetAfter = 30 * time.Second
)

// HTTPRerankerConfig holds configuration for the HTTP reranker.
type HTTPRerankerConfig struct {
	// Endpoint is the inference service base URL.
	Endpoint string

	// Model is the inference endpoint id, used in the request path.
	Model string

	// APIKey is sent as "Authorization: ApiKey <key>" when set.
	APIKey string

	Timeout time.Duration

	// MaxFailures consecutive failures open the circuit for ResetTimeout.
	MaxFailures  int
	ResetTimeout time.Duration
}

// HTTPRerankerConfigFrom maps the reranker config section.
func HTTPRerankerConfigFrom(c config.RerankerConfig) HTTPRerankerConfig {
	return HTTPRerankerConfig{
		Endpoint:     c.Endpoint,
		Model:        c.Model,
		APIKey:       c.APIKey,
		Timeout:      c.Timeout,
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
	}
}

// HTTPReranker calls a cross-encoder behind an inference API:
//
//	POST {endpoint}/_inference/rerank/{model}
//	{"query": "...", "input": ["doc", ...]}
//	→ {"rerank": [{"index": 0, "relevance_score": 0.93}, ...]}
//
// Calls go through a circuit breaker so a dead service costs one fast
// failure per request instead of a full timeout.
type HTTPReranker struct {
	client  *http.Client
	config  HTTPRerankerConfig
	breaker *jerrors.CircuitBreaker
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates an HTTP reranker client. It does not contact the
// service.
func NewHTTPReranker(cfg HTTPRerankerConfig, logger *slog.Logger) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		return nil, jerrors.ConfigError("reranker endpoint is required", nil).
			WithSuggestion("set reranker.endpoint or JURISSCOPE_RERANKER_ENDPOINT")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultRerankerModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultRerankerFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultRerankerResetAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	return &HTTPReranker{
		client: client,
		config: cfg,
		breaker: jerrors.NewCircuitBreaker("reranker",
			jerrors.WithMaxFailures(cfg.MaxFailures),
			jerrors.WithResetTimeout(cfg.ResetTimeout)),
		logger: logger.With("component", "reranker"),
	}, nil
}

type rerankRequest struct {
	Query string   `json:"query"`
	Input []string `json:"input"`
}

type rerankResponse struct {
	Rerank []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"rerank"`
}

// Rerank scores documents by relevance to the query. At most
// DefaultRerankerMaxDocs documents are sent.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, jerrors.New(jerrors.ErrCodeRerankerUnavailable, "reranker is closed", nil)
	}
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}
	if len(documents) > DefaultRerankerMaxDocs {
		documents = documents[:DefaultRerankerMaxDocs]
	}

	results, err := jerrors.CircuitExecute(r.breaker, func() ([]RerankResult, error) {
		return r.do(ctx, query, documents)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, jerrors.New(jerrors.ErrCodeTimeout, "rerank request timed out", err)
		}
		return nil, jerrors.New(jerrors.ErrCodeRerankerUnavailable, "rerank request failed", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (r *HTTPReranker) do(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	start := time.Now()

	body, err := json.Marshal(rerankRequest{Query: query, Input: documents})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	url := r.config.Endpoint + "/_inference/rerank/" + r.config.Model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+r.config.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rerank failed (status %d): %s", resp.StatusCode, string(msg))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	results := make([]RerankResult, len(decoded.Rerank))
	for i, item := range decoded.Rerank {
		results[i] = RerankResult{Index: item.Index, Score: item.RelevanceScore}
	}

	r.logger.Debug("rerank_request",
		slog.Int("doc_count", len(documents)),
		slog.Int("payload_bytes", len(body)),
		slog.Int("result_count", len(results)),
		slog.Duration("elapsed", time.Since(start)))

	return results, nil
}

// Available reports whether the reranker is open and its circuit is not
// tripped. It does not contact the service.
func (r *HTTPReranker) Available(_ context.Context) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed && r.breaker.State() != jerrors.StateOpen
}

// Close releases idle connections.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.client.CloseIdleConnections()
	return nil
}
