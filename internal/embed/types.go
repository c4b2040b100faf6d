package embed

import (
	"context"
	"math"
	"time"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// Common embedding constants
const (
	// DefaultBatchSize is the number of texts sent per provider request.
	DefaultBatchSize = 50

	// MaxBatchSize caps provider requests to keep request bodies bounded.
	MaxBatchSize = 256

	// DefaultTimeout bounds a single provider request.
	DefaultTimeout = 30 * time.Second

	// DefaultDimensions matches the index dimension D.
	DefaultDimensions = 1024
)

// Embedder generates vector embeddings for text.
// Implementations must return vectors of exactly Dimensions() components.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the provider is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length. Zero vectors are returned as-is.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// checkDimensions verifies every vector has dim components.
func checkDimensions(vecs [][]float32, dim int) error {
	for _, v := range vecs {
		if len(v) != dim {
			return jerrors.DimensionMismatch(dim, len(v))
		}
	}
	return nil
}

// unavailable wraps a provider failure as ERR_303.
func unavailable(provider string, cause error) *jerrors.JurisError {
	return jerrors.New(jerrors.ErrCodeEmbeddingUnavailable, provider+" embedding failed", cause)
}

var errClosed = jerrors.New(jerrors.ErrCodeEmbeddingUnavailable, "embedder is closed", nil)
