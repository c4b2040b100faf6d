package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amelia751/jurisscope/internal/answer"
	"github.com/amelia751/jurisscope/internal/output"
	"github.com/amelia751/jurisscope/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	project     string
	k           int
	window      int
	multiplier  int
	lexicalOnly bool
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve ranked passages from one project",
		Long: `Run hybrid retrieval for a query inside one project.

Lexical and vector candidates are fused with reciprocal rank fusion, or
with weighted scores when rank fusion is unavailable. If one source fails
the other answers alone and the result is marked degraded.

Examples:
  jurisscope search "breach notification deadline" --project gdpr
  jurisscope search "limitation of liability" -p msa -k 10
  jurisscope search "audit rights" -p msa --lexical-only --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, a, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project to search (required)")
	cmd.Flags().IntVarP(&opts.k, "top-k", "k", 0, "Number of results (default: search.default_k)")
	cmd.Flags().IntVar(&opts.window, "window", 0, "Candidates fetched per source (default: max(20, 4k))")
	cmd.Flags().IntVar(&opts.multiplier, "candidates", 0, "Vector candidate multiplier (default: search.candidate_multiplier)")
	cmd.Flags().BoolVar(&opts.lexicalOnly, "lexical-only", false, "Skip the embedding call and search lexically")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, a *app, query string, opts searchOptions) error {
	warn := a.status(cmd.ErrOrStderr())

	cfg, s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(s)

	metrics := a.loadMetrics(ctx, s)
	defer a.persistMetrics(ctx, s, metrics)

	pipeline, closeRerank, err := a.newPipeline(cfg, s, metrics)
	if err != nil {
		return err
	}
	defer closeRerank()

	var embedding []float32
	if !opts.lexicalOnly {
		if e := a.openEmbedder(ctx, cfg, warn); e != nil {
			defer func() { _ = e.Close() }()
			embedding = a.embedQuery(ctx, e, query)
		}
	}

	k := opts.k
	if k == 0 {
		k = cfg.Search.DefaultK
	}

	a.logger.Info("search_started",
		slog.String("project_id", opts.project),
		slog.Int("k", k),
		slog.Bool("vector", embedding != nil))

	res, err := pipeline.Retrieve(ctx, search.Query{
		Text:                query,
		Embedding:           embedding,
		ProjectID:           opts.project,
		K:                   k,
		Window:              opts.window,
		CandidateMultiplier: opts.multiplier,
	})
	if err != nil {
		return err
	}

	if a.format == output.FormatJSON {
		return output.New(cmd.OutOrStdout()).JSON(res)
	}
	formatSearchText(output.New(cmd.OutOrStdout()), query, res)
	return nil
}

func formatSearchText(out *output.Writer, query string, res *search.Result) {
	if res.Total == 0 {
		out.Statusf("", "No results for %q", query)
		return
	}

	meta := res.Metadata
	out.Header(fmt.Sprintf("%d results for %q", res.Total, query))
	out.Status("", out.Dim(fmt.Sprintf("fusion %s, %d lexical + %d vector candidates, %s",
		meta.Strategy, meta.LexicalCandidates, meta.VectorCandidates, meta.Latency.Round(time.Millisecond))))
	if meta.Degraded != "" {
		out.Warningf("Degraded: %s", meta.Degraded)
	}
	if meta.RerankFallback {
		out.Warningf("Reranker failed, fusion order kept: %s", meta.RerankError)
	}
	out.Newline()

	for _, item := range res.Items {
		c := item.Chunk
		title := c.DocTitle
		if title == "" {
			title = c.DocID
		}
		text := item.Highlight
		if text == "" {
			text = c.Text
		}
		section := ""
		if c.SectionPath != "" {
			section = out.Label(c.SectionPath)
		}
		out.Item(item.Rank,
			fmt.Sprintf("%s (page %d)  %s", title, c.Page, out.Dim(fmt.Sprintf("%.4f", item.FinalScore()))),
			section,
			answer.Snippet(text))
	}
}
