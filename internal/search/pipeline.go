package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/amelia751/jurisscope/internal/config"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/store"
	"github.com/amelia751/jurisscope/internal/telemetry"
)

const tracerName = "github.com/amelia751/jurisscope/internal/search"

// Pipeline defaults.
const (
	DefaultLexicalTimeout = 5 * time.Second
	DefaultVectorTimeout  = 5 * time.Second
	DefaultMaxK           = 100

	DefaultCapabilityTimeout = 2 * time.Second

	// minWindow is the smallest per-source candidate window.
	minWindow = 20
)

// Config holds the pipeline parameters.
type Config struct {
	RRFConstant         int
	LexicalWeight       float64
	VectorWeight        float64
	CandidateMultiplier int
	DedupPrefix         int
	LexicalTimeout      time.Duration
	VectorTimeout       time.Duration
	CapabilityTimeout   time.Duration

	// Dimensions is the index embedding dimension D.
	Dimensions int
	MaxK       int
}

// ConfigFrom maps the application config onto pipeline parameters.
func ConfigFrom(c *config.Config) Config {
	return Config{
		RRFConstant:         c.Search.RRFConstant,
		LexicalWeight:       c.Search.LexicalWeight,
		VectorWeight:        c.Search.VectorWeight,
		CandidateMultiplier: c.Search.CandidateMultiplier,
		DedupPrefix:         c.Search.DedupPrefix,
		LexicalTimeout:      c.Search.LexicalTimeout,
		VectorTimeout:       c.Search.VectorTimeout,
		CapabilityTimeout:   c.Search.CapabilityTimeout,
		Dimensions:          c.Embeddings.Dimensions,
		MaxK:                c.Search.MaxK,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRerankStage enables cross-encoder reranking.
func WithRerankStage(s *RerankStage) Option {
	return func(p *Pipeline) {
		p.rerank = s
	}
}

// WithMetrics records every retrieval outcome.
func WithMetrics(m *telemetry.QueryMetrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pipeline is the retrieval state machine:
//
//	START → FETCH_CANDIDATES → FUSE → DEDUPLICATE → RERANK → DONE
//
// FAILED is reachable only from FETCH_CANDIDATES, when no source answered.
// The pipeline never retries; a failed source degrades the request.
type Pipeline struct {
	store    store.ChunkStore
	lexical  *LexicalScorer
	vector   *VectorScorer
	fusion   *FusionEngine
	dedup    *Deduplicator
	rerank   *RerankStage
	metrics  *telemetry.QueryMetrics
	logger   *slog.Logger
	validate *validator.Validate

	dimensions        int
	maxK              int
	multiplier        int
	capabilityTimeout time.Duration
}

// NewPipeline creates a retrieval pipeline over s.
func NewPipeline(s store.ChunkStore, cfg Config, opts ...Option) *Pipeline {
	if cfg.LexicalTimeout <= 0 {
		cfg.LexicalTimeout = DefaultLexicalTimeout
	}
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = DefaultVectorTimeout
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = DefaultCandidateMultiplier
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = DefaultMaxK
	}
	if cfg.CapabilityTimeout <= 0 {
		cfg.CapabilityTimeout = DefaultCapabilityTimeout
	}

	fusion := NewFusionEngine()
	if cfg.RRFConstant > 0 {
		fusion.K = cfg.RRFConstant
	}
	if cfg.LexicalWeight > 0 || cfg.VectorWeight > 0 {
		fusion.LexicalWeight = cfg.LexicalWeight
		fusion.VectorWeight = cfg.VectorWeight
	}

	p := &Pipeline{
		store:             s,
		lexical:           NewLexicalScorer(s, cfg.LexicalTimeout),
		vector:            NewVectorScorer(s, cfg.VectorTimeout, cfg.CandidateMultiplier),
		fusion:            fusion,
		dedup:             NewDeduplicator(cfg.DedupPrefix),
		logger:            slog.Default(),
		validate:          validator.New(),
		dimensions:        cfg.Dimensions,
		maxK:              cfg.MaxK,
		multiplier:        cfg.CandidateMultiplier,
		capabilityTimeout: cfg.CapabilityTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "retrieval")
	return p
}

// Retrieve runs one query through the pipeline. An empty result is
// returned with Total = 0, not as an error. Errors are InvalidScope and
// validation errors before any source is queried, and SourceUnavailable
// when both sources failed.
func (p *Pipeline) Retrieve(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "retrieve")
	defer span.End()

	res := &Result{
		QueryID: uuid.NewString(),
		Items:   []ScoredChunk{},
		Metadata: Metadata{
			Strategy: StrategyRRF,
			States:   []State{StateStart},
		},
	}
	span.SetAttributes(attribute.String("query_id", res.QueryID))

	q, err := p.normalize(q)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("project_id", q.ProjectID),
		attribute.Int("k", q.K),
		attribute.Int("window", q.Window))

	// FETCH_CANDIDATES
	res.Metadata.States = append(res.Metadata.States, StateFetchCandidates)
	lexHits, vecHits, degraded, err := p.fetch(ctx, q)
	if err != nil {
		res.Metadata.States = append(res.Metadata.States, StateFailed)
		p.record(q, res, start, true)
		endSpan(span, err)
		return nil, err
	}
	res.Metadata.Degraded = degraded
	res.Metadata.LexicalCandidates = len(lexHits)
	res.Metadata.VectorCandidates = len(vecHits)

	// FUSE
	res.Metadata.States = append(res.Metadata.States, StateFuse)
	strategy := p.chooseStrategy(ctx)
	res.Metadata.Strategy = strategy
	_, fuseSpan := otel.Tracer(tracerName).Start(ctx, "fuse")
	fused := p.fusion.Fuse(strategy, lexHits, vecHits)
	fuseSpan.SetAttributes(attribute.String("strategy", string(strategy)), attribute.Int("fused", len(fused)))
	fuseSpan.End()

	// DEDUPLICATE
	res.Metadata.States = append(res.Metadata.States, StateDeduplicate)
	deduped := p.dedup.Apply(fused)
	res.Metadata.Duplicates = len(fused) - len(deduped)

	// RERANK
	res.Metadata.States = append(res.Metadata.States, StateRerank)
	items := p.applyRerank(ctx, q, deduped, &res.Metadata)

	for i := range items {
		items[i] = items[i].WithRank(i + 1)
	}
	res.Items = items
	res.Total = len(items)
	res.Metadata.States = append(res.Metadata.States, StateDone)
	res.Metadata.Latency = time.Since(start)

	p.record(q, res, start, false)
	span.SetAttributes(attribute.Int("total", res.Total), attribute.String("degraded", degraded))

	p.logger.Debug("retrieve_done",
		slog.String("query_id", res.QueryID),
		slog.String("project_id", q.ProjectID),
		slog.String("strategy", string(strategy)),
		slog.String("degraded", degraded),
		slog.Int("lexical", len(lexHits)),
		slog.Int("vector", len(vecHits)),
		slog.Int("duplicates", res.Metadata.Duplicates),
		slog.Int("total", res.Total),
		slog.Duration("elapsed", res.Metadata.Latency))

	return res, nil
}

// normalize validates q and fills defaults. Nothing is queried here.
func (p *Pipeline) normalize(q Query) (Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.ProjectID = strings.TrimSpace(q.ProjectID)
	if q.ProjectID == "" {
		return q, jerrors.InvalidScope("")
	}
	if q.Window == 0 && q.K > 0 {
		q.Window = max(minWindow, 4*q.K)
	}
	if q.CandidateMultiplier == 0 {
		q.CandidateMultiplier = p.multiplier
	}
	if err := p.validate.Struct(q); err != nil {
		return q, jerrors.ValidationError("invalid query: "+err.Error(), err)
	}
	if q.K > p.maxK {
		return q, jerrors.ValidationError(fmt.Sprintf("k must be <= %d, got %d", p.maxK, q.K), nil)
	}
	if q.Embedding != nil && p.dimensions > 0 && len(q.Embedding) != p.dimensions {
		return q, jerrors.DimensionMismatch(p.dimensions, len(q.Embedding))
	}
	return q, nil
}

// fetch queries both sources concurrently, each under its own timeout.
func (p *Pipeline) fetch(ctx context.Context, q Query) (lexHits, vecHits []store.Hit, degraded string, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var lexErr, vecErr error

	g.Go(func() error {
		sctx, span := otel.Tracer(tracerName).Start(gctx, "fetch_lexical")
		defer span.End()
		lexHits, lexErr = p.lexical.Score(sctx, q.Text, q.ProjectID, q.Window)
		span.SetAttributes(attribute.Int("hits", len(lexHits)))
		endSpan(span, lexErr)
		// Don't fail the group; the other source still runs
		return nil
	})

	if q.Embedding != nil {
		g.Go(func() error {
			sctx, span := otel.Tracer(tracerName).Start(gctx, "fetch_vector")
			defer span.End()
			vecHits, vecErr = p.vector.Score(sctx, q.Embedding, q.ProjectID, q.Window, q.Window*q.CandidateMultiplier)
			span.SetAttributes(attribute.Int("hits", len(vecHits)))
			endSpan(span, vecErr)
			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, nil, "", ctx.Err()
	}

	switch {
	case q.Embedding == nil && lexErr != nil:
		p.logSourceFailure("lexical", lexErr)
		return nil, nil, "", jerrors.SourceUnavailable(lexErr)
	case q.Embedding == nil:
		return lexHits, nil, DegradedVectorSkipped, nil
	case lexErr != nil && vecErr != nil:
		p.logSourceFailure("lexical", lexErr)
		p.logSourceFailure("vector", vecErr)
		return nil, nil, "", jerrors.SourceUnavailable(lexErr, vecErr)
	case lexErr != nil:
		p.logSourceFailure("lexical", lexErr)
		return nil, vecHits, DegradedLexicalFailed, nil
	case vecErr != nil:
		p.logSourceFailure("vector", vecErr)
		return lexHits, nil, DegradedVectorFailed, nil
	}
	return lexHits, vecHits, "", nil
}

func (p *Pipeline) logSourceFailure(source string, err error) {
	p.logger.Warn("source_failed",
		slog.String("source", source),
		slog.String("code", jerrors.GetCode(err)),
		slog.String("error", err.Error()))
}

// chooseStrategy picks RRF unless the store reports that rank fusion is
// unavailable. A failed or timed out capability probe keeps RRF.
func (p *Pipeline) chooseStrategy(ctx context.Context) FusionStrategy {
	ctx, cancel := context.WithTimeout(ctx, p.capabilityTimeout)
	defer cancel()

	err := p.store.CheckRankFusion(ctx)
	switch {
	case err == nil:
		return StrategyRRF
	case errors.Is(err, jerrors.ErrRankFusionUnavailable):
		p.logger.Info("fusion_degraded",
			slog.String("strategy", string(StrategyWeighted)),
			slog.String("reason", err.Error()))
		return StrategyWeighted
	default:
		p.logger.Warn("rank_fusion_probe_failed", slog.String("error", err.Error()))
		return StrategyRRF
	}
}

// applyRerank returns at most q.K items. Without a reranker, or when the
// reranker fails, the fusion order is kept.
func (p *Pipeline) applyRerank(ctx context.Context, q Query, items []ScoredChunk, meta *Metadata) []ScoredChunk {
	if p.rerank == nil || len(items) == 0 {
		return FallbackOrder(items, q.K)
	}

	rctx, span := otel.Tracer(tracerName).Start(ctx, "rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("shortlist", min(p.rerank.ShortlistSize(q.K), len(items))))

	out, err := p.rerank.Apply(rctx, q.Text, items, q.K)
	if err != nil {
		endSpan(span, err)
		p.logger.Warn("rerank_failed",
			slog.String("code", jerrors.GetCode(err)),
			slog.String("error", err.Error()))
		meta.RerankFallback = true
		meta.RerankError = err.Error()
		return FallbackOrder(items, q.K)
	}
	meta.Reranked = true
	return out
}

func (p *Pipeline) record(q Query, res *Result, start time.Time, failed bool) {
	if p.metrics == nil {
		return
	}
	p.metrics.Record(telemetry.QueryEvent{
		Query:          q.Text,
		Strategy:       string(res.Metadata.Strategy),
		Degraded:       res.Metadata.Degraded,
		Reranked:       res.Metadata.Reranked,
		RerankFallback: res.Metadata.RerankFallback,
		Failed:         failed,
		ResultCount:    res.Total,
		Latency:        time.Since(start),
		Timestamp:      start,
	})
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
