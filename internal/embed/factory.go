package embed

import (
	"context"
	"log/slog"
	"strings"

	"github.com/amelia751/jurisscope/internal/config"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// ProviderType identifies an embedding backend.
type ProviderType string

const (
	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses an OpenAI-compatible embeddings API.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses hash-based embeddings (offline, lexical quality).
	ProviderStatic ProviderType = "static"
)

// NewEmbedder builds the configured provider and wraps it with rate limiting
// (when requests_per_second > 0) and then an LRU cache (when cache_size > 0).
// Provider failures are returned, never papered over with another provider.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingsConfig, logger *slog.Logger) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		embedder Embedder
		err      error
	)

	switch ProviderType(strings.ToLower(cfg.Provider)) {
	case ProviderOllama, "":
		embedder, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		}, logger)

	case ProviderOpenAI:
		baseURL := cfg.Endpoint
		// The default endpoint belongs to Ollama; let the client use its own.
		if baseURL == DefaultOllamaHost {
			baseURL = ""
		}
		model := cfg.Model
		if model == DefaultOllamaModel {
			model = DefaultOpenAIModel
		}
		embedder, err = NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    baseURL,
			APIKey:     cfg.APIKey,
			Model:      model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		}, logger)

	case ProviderStatic:
		embedder = NewStaticEmbedder(cfg.Dimensions)

	default:
		return nil, jerrors.ConfigError("unknown embeddings provider: "+cfg.Provider, nil).
			WithSuggestion("Use one of: ollama, openai, static")
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond > 0 {
		embedder = NewRateLimitedEmbedder(embedder, cfg.RequestsPerSecond, cfg.BatchSize)
	}
	if cfg.CacheSize > 0 {
		embedder = NewCachedEmbedder(embedder, cfg.CacheSize)
	}

	logger.Debug("embedder ready",
		slog.String("provider", cfg.Provider),
		slog.String("model", embedder.ModelName()),
		slog.Int("dimensions", embedder.Dimensions()))
	return embedder, nil
}
