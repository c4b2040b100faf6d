package cmd

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/amelia751/jurisscope/internal/config"
	"github.com/amelia751/jurisscope/internal/embed"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/output"
	"github.com/amelia751/jurisscope/internal/search"
	"github.com/amelia751/jurisscope/internal/store"
	"github.com/amelia751/jurisscope/internal/telemetry"
)

// status returns a writer for progress and warnings: w in text mode,
// discarded in JSON mode so stdout stays machine-readable.
func (a *app) status(w io.Writer) *output.Writer {
	if a.format == output.FormatJSON {
		return output.NewWithColor(io.Discard, false)
	}
	return output.New(w)
}

// openStore opens the configured chunk store.
func (a *app) openStore(ctx context.Context) (*config.Config, store.ChunkStore, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(ctx, cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

// closeStore closes s, logging rather than returning the error so it never
// masks the command's own result.
func (a *app) closeStore(s store.ChunkStore) {
	if err := s.Close(); err != nil {
		a.warnErr("store_close_failed", err)
	}
}

// openEmbedder returns the configured embedder, or nil when the provider
// is unreachable. Callers degrade to lexical-only retrieval or lexical-only
// chunks instead of failing.
func (a *app) openEmbedder(ctx context.Context, cfg *config.Config, warn *output.Writer) embed.Embedder {
	e, err := embed.NewEmbedder(ctx, cfg.Embeddings, a.logger)
	if err != nil {
		a.warnErr("embedder_unavailable", err)
		warn.Warningf("Embeddings unavailable (%s), continuing lexical-only", jerrors.GetCode(err))
		return nil
	}
	return e
}

// newPipeline builds the retrieval pipeline for cfg. The returned close
// func releases the reranker client.
func (a *app) newPipeline(cfg *config.Config, s store.ChunkStore, metrics *telemetry.QueryMetrics) (*search.Pipeline, func(), error) {
	opts := []search.Option{search.WithLogger(a.logger)}
	if metrics != nil {
		opts = append(opts, search.WithMetrics(metrics))
	}

	closer := func() {}
	if cfg.Reranker.Enabled {
		r, err := search.NewHTTPReranker(search.HTTPRerankerConfigFrom(cfg.Reranker), a.logger)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, search.WithRerankStage(
			search.NewRerankStage(r, cfg.Reranker.Shortlist, cfg.Reranker.MaxInputChars, cfg.Reranker.Timeout)))
		closer = func() { _ = r.Close() }
	}

	return search.NewPipeline(s, search.ConfigFrom(cfg), opts...), closer, nil
}

// loadMetrics returns a collector seeded with the last persisted snapshot,
// so counts accumulate across invocations.
func (a *app) loadMetrics(ctx context.Context, s store.ChunkStore) *telemetry.QueryMetrics {
	m := telemetry.NewQueryMetrics()
	sink, ok := s.(store.MetricsSink)
	if !ok {
		return m
	}
	snap, _, err := telemetry.LoadSnapshot(ctx, sink)
	if err != nil {
		a.logger.Warn("metrics_load_failed", slog.String("error", err.Error()))
		return m
	}
	m.Restore(snap)
	return m
}

// persistMetrics saves the collector. Failures are logged only.
func (a *app) persistMetrics(ctx context.Context, s store.ChunkStore, m *telemetry.QueryMetrics) {
	sink, ok := s.(store.MetricsSink)
	if !ok || m == nil {
		return
	}
	// The command context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.Persist(ctx, sink); err != nil {
		a.logger.Warn("metrics_persist_failed", slog.String("error", err.Error()))
	}
}

// embedQuery embeds text, returning nil on failure so retrieval runs
// lexical-only.
func (a *app) embedQuery(ctx context.Context, e embed.Embedder, text string) []float32 {
	if e == nil {
		return nil
	}
	v, err := e.Embed(ctx, text)
	if err != nil {
		a.warnErr("query_embedding_failed", err)
		return nil
	}
	return v
}

func (a *app) warnErr(msg string, err error) {
	a.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, jerrors.LogAttrs(err)...)
}
