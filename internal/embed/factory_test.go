package embed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia751/jurisscope/internal/config"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/logging"
)

func staticConfig() config.EmbeddingsConfig {
	cfg := config.NewConfig().Embeddings
	cfg.Provider = "static"
	cfg.Dimensions = 32
	cfg.CacheSize = 0
	return cfg
}

func TestNewEmbedder_StaticUnwrapped(t *testing.T) {
	e, err := NewEmbedder(context.Background(), staticConfig(), logging.Discard())
	require.NoError(t, err)

	_, ok := e.(*StaticEmbedder)
	assert.True(t, ok)
	assert.Equal(t, 32, e.Dimensions())
}

func TestNewEmbedder_WrapsRateLimitThenCache(t *testing.T) {
	// Given: both wrappers enabled
	cfg := staticConfig()
	cfg.CacheSize = 10
	cfg.RequestsPerSecond = 50

	// When: building the embedder
	e, err := NewEmbedder(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	// Then: the cache is outermost so hits never spend rate tokens
	cached, ok := e.(*CachedEmbedder)
	require.True(t, ok)
	limited, ok := cached.Inner().(*RateLimitedEmbedder)
	require.True(t, ok)
	_, ok = limited.inner.(*StaticEmbedder)
	assert.True(t, ok)
}

func TestNewEmbedder_OllamaUnavailableReturnsError(t *testing.T) {
	cfg := config.NewConfig().Embeddings
	cfg.Endpoint = "http://127.0.0.1:1"
	cfg.Timeout = time.Second

	_, err := NewEmbedder(context.Background(), cfg, logging.Discard())

	require.Error(t, err)
	assert.Equal(t, jerrors.ErrCodeEmbeddingUnavailable, jerrors.GetCode(err))
}

func TestNewEmbedder_OllamaAgainstFakeServer(t *testing.T) {
	f := &fakeOllama{models: []string{"jina/jina-embeddings-v2-base-en:latest"}, dims: 16}
	cfg := config.NewConfig().Embeddings
	cfg.Endpoint = newFakeOllama(t, f)
	cfg.Dimensions = 16

	e, err := NewEmbedder(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "assignment of rights")
	require.NoError(t, err)
	assert.Len(t, vec, 16)
}

func TestNewEmbedder_OpenAIDefaultsAwayFromOllama(t *testing.T) {
	// Given: the default config switched to openai
	cfg := config.NewConfig().Embeddings
	cfg.Provider = "openai"
	cfg.APIKey = "sk-test"
	cfg.CacheSize = 0

	e, err := NewEmbedder(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	// Then: the Ollama model name is not sent to OpenAI
	assert.Equal(t, DefaultOpenAIModel, e.ModelName())
}

func TestNewEmbedder_UnknownProvider(t *testing.T) {
	cfg := staticConfig()
	cfg.Provider = "word2vec"

	_, err := NewEmbedder(context.Background(), cfg, logging.Discard())
	assert.Equal(t, jerrors.ErrCodeConfigInvalid, jerrors.GetCode(err))
}
