package embed

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimitedEmbedder throttles provider requests with a token bucket.
// One token is spent per provider request, so a batch of n texts costs
// ceil(n/batchSize) tokens.
type RateLimitedEmbedder struct {
	inner     Embedder
	limiter   *rate.Limiter
	batchSize int
}

var _ Embedder = (*RateLimitedEmbedder)(nil)

// NewRateLimitedEmbedder allows requestsPerSecond sustained requests with a
// burst of the same size (minimum 1).
func NewRateLimitedEmbedder(inner Embedder, requestsPerSecond float64, batchSize int) *RateLimitedEmbedder {
	burst := int(math.Ceil(requestsPerSecond))
	if burst < 1 {
		burst = 1
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RateLimitedEmbedder{
		inner:     inner,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		batchSize: batchSize,
	}
}

func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, text)
}

// EmbedBatch waits for one token per provider request the batch will need.
func (r *RateLimitedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	requests := (len(texts) + r.batchSize - 1) / r.batchSize
	for i := 0; i < requests; i++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return r.inner.EmbedBatch(ctx, texts)
}

func (r *RateLimitedEmbedder) Dimensions() int { return r.inner.Dimensions() }

func (r *RateLimitedEmbedder) ModelName() string { return r.inner.ModelName() }

func (r *RateLimitedEmbedder) Available(ctx context.Context) bool { return r.inner.Available(ctx) }

func (r *RateLimitedEmbedder) Close() error { return r.inner.Close() }
