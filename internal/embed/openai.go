package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// DefaultOpenAIModel supports server-side dimension reduction to 1024.
const DefaultOpenAIModel = "text-embedding-3-large"

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	// BaseURL overrides the API base (e.g. a local vLLM or LM Studio server).
	BaseURL string

	// APIKey is sent as a bearer token. Local servers accept any value.
	APIKey string

	Model      string
	Dimensions int
	BatchSize  int
}

// OpenAIEmbedder generates embeddings through langchaingo's OpenAI client.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	model    string
	dims     int
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible API.
func NewOpenAIEmbedder(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	token := cfg.APIKey
	if token == "" {
		token = "none"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	// Only the text-embedding-3 family accepts a dimensions parameter.
	if strings.HasPrefix(cfg.Model, "text-embedding-3") {
		opts = append(opts, openai.WithEmbeddingDimensions(cfg.Dimensions))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, jerrors.ConfigError("failed to create openai client", err)
	}

	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, jerrors.ConfigError("failed to create openai embedder", err)
	}

	return &OpenAIEmbedder{
		embedder: embedder,
		model:    cfg.Model,
		dims:     cfg.Dimensions,
		logger:   logger.With("component", "openai-embedder"),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, jerrors.ValidationError(fmt.Sprintf("text %d is empty", i), nil)
		}
	}

	e.logger.Debug("generating embeddings", "count", len(texts))
	// EmbedDocuments strips newlines in place.
	vecs, err := e.embedder.EmbedDocuments(ctx, append([]string(nil), texts...))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Error("failed to generate embeddings", "count", len(texts), "err", err)
		return nil, unavailable("openai", err)
	}
	if len(vecs) != len(texts) {
		return nil, unavailable("openai", fmt.Errorf("got %d embeddings for %d texts", len(vecs), len(texts)))
	}
	if err := checkDimensions(vecs, e.dims); err != nil {
		return nil, err
	}
	for _, v := range vecs {
		normalizeVector(v)
	}
	return vecs, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

// Available reports whether the embedder is open. It does not spend a request.
func (e *OpenAIEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
