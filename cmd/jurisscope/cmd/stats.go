package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/amelia751/jurisscope/internal/output"
	"github.com/amelia751/jurisscope/internal/profiling"
	"github.com/amelia751/jurisscope/internal/store"
	"github.com/amelia751/jurisscope/internal/telemetry"
)

// topTermsShown caps the terms printed in text mode.
const topTermsShown = 10

// StatsOutput is the JSON output of stats.
type StatsOutput struct {
	Store   *store.IndexStats   `json:"store"`
	Queries *telemetry.Snapshot `json:"queries,omitempty"`
	SavedAt *time.Time          `json:"queries_saved_at,omitempty"`
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index size and query statistics",
		Long: `Display the size of the index and the retrieval outcomes recorded by
search and ask: fusion strategy counts, degraded sources, reranker
fallbacks, latency percentiles, top query terms and zero-result queries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), cmd, a)
		},
	}
}

func runStats(ctx context.Context, cmd *cobra.Command, a *app) error {
	_, s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(s)

	st, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	res := StatsOutput{Store: st}

	if sink, ok := s.(store.MetricsSink); ok {
		snap, savedAt, err := telemetry.LoadSnapshot(ctx, sink)
		if err != nil {
			return err
		}
		if snap != nil {
			res.Queries = snap
			res.SavedAt = &savedAt
		}
	}

	out := output.New(cmd.OutOrStdout())
	if a.format == output.FormatJSON {
		return out.JSON(res)
	}
	formatStatsText(out, res)
	return nil
}

func formatStatsText(out *output.Writer, res StatsOutput) {
	out.Header("Index")
	out.KeyValue("Projects", res.Store.ProjectCount)
	out.KeyValue("Documents", res.Store.DocumentCount)
	out.KeyValue("Chunks", res.Store.ChunkCount)
	out.KeyValue("Vectors", res.Store.VectorCount)
	if res.Store.SizeBytes > 0 {
		out.KeyValue("Size", profiling.FormatBytes(res.Store.SizeBytes))
	}
	out.Newline()

	q := res.Queries
	out.Header("Queries")
	if q == nil || q.TotalQueries == 0 {
		out.Status("", "No queries recorded yet")
		return
	}
	out.KeyValue("Total", q.TotalQueries)
	out.KeyValue("Failed", q.FailedQueries)
	out.KeyValue("Zero results", q.ZeroResultCount)
	out.KeyValue("RRF", q.StrategyCounts["rrf"])
	out.KeyValue("Weighted", fmt.Sprintf("%d (%.1f%%)", q.StrategyCounts["weighted"], q.WeightedRate()*100))
	out.KeyValue("Reranked", q.Reranked)
	out.KeyValue("Rerank fallbacks", q.RerankFallbacks)
	out.KeyValue("Latency p50", q.LatencyP50.Round(time.Millisecond))
	out.KeyValue("Latency p95", q.LatencyP95.Round(time.Millisecond))

	if len(q.DegradedCounts) > 0 {
		reasons := make([]string, 0, len(q.DegradedCounts))
		for r := range q.DegradedCounts {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			out.KeyValue("Degraded "+r, q.DegradedCounts[r])
		}
	}

	if len(q.TopTerms) > 0 {
		out.Newline()
		out.Header("Top terms")
		for i, tc := range q.TopTerms[:min(len(q.TopTerms), topTermsShown)] {
			out.Item(i+1, fmt.Sprintf("%s (%d)", tc.Term, tc.Count))
		}
	}
	if len(q.ZeroResultQueries) > 0 {
		out.Newline()
		out.Header("Recent zero-result queries")
		for _, zq := range q.ZeroResultQueries {
			out.Statusf("-", "%q", zq)
		}
	}
}
