package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amelia751/jurisscope/internal/answer"
	"github.com/amelia751/jurisscope/internal/output"
)

type askOptions struct {
	project string
	k       int
}

func newAskCmd(a *app) *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question with citations",
		Long: `Answer a question from the documents of one project.

Passages are retrieved with hybrid search and passed to the configured
generator. Without a generator, or when generation fails, the answer
quotes the top passages instead. Every answer lists its sources with
page-level viewer links.

Examples:
  jurisscope ask "What is the breach notification deadline?" -p gdpr
  jurisscope ask "Which clauses cap liability?" -p msa -k 8 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd, a, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project to ask (required)")
	cmd.Flags().IntVarP(&opts.k, "top-k", "k", answer.DefaultK, "Number of passages to cite")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runAsk(ctx context.Context, cmd *cobra.Command, a *app, question string, opts askOptions) error {
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

	svcOpts := []answer.ServiceOption{answer.WithLogger(a.logger)}
	if e := a.openEmbedder(ctx, cfg, warn); e != nil {
		defer func() { _ = e.Close() }()
		svcOpts = append(svcOpts, answer.WithEmbedder(e))
	}
	if cfg.Generator.Enabled {
		g, err := answer.NewLLMGenerator(answer.LLMGeneratorConfigFrom(cfg.Generator), a.logger)
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, answer.WithGenerator(g))
	}

	resp, err := answer.NewService(pipeline, svcOpts...).Ask(ctx, answer.AskRequest{
		Query:     question,
		ProjectID: opts.project,
		K:         opts.k,
	})
	if err != nil {
		return err
	}

	if a.format == output.FormatJSON {
		return output.New(cmd.OutOrStdout()).JSON(resp)
	}
	formatAskText(output.New(cmd.OutOrStdout()), resp)
	return nil
}

func formatAskText(out *output.Writer, resp *answer.AskResponse) {
	out.Header("Answer")
	out.Text(resp.Answer)

	if len(resp.Citations) > 0 {
		out.Newline()
		out.Header("Sources")
		for i, c := range resp.Citations {
			out.Item(i+1,
				fmt.Sprintf("%s (page %d)  %s", c.DocTitle, c.Page, out.Dim(fmt.Sprintf("%.4f", c.Score))),
				c.Snippet,
				out.Dim(c.URL))
		}
	}

	out.Newline()
	mode := "extractive"
	if resp.Generated {
		mode = "generated"
	}
	line := fmt.Sprintf("intent %s, %s, %d passages, %s",
		resp.Intent, mode, resp.NumHits, resp.Latency.Round(time.Millisecond))
	if resp.Retrieval.Degraded != "" {
		line += ", degraded: " + resp.Retrieval.Degraded
	}
	out.Status("", out.Dim(line))
}
