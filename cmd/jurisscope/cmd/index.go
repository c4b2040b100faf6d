package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/ingest"
	"github.com/amelia751/jurisscope/internal/output"
	"github.com/amelia751/jurisscope/internal/store"
)

// indexOptions holds CLI flags for index.
type indexOptions struct {
	project string
	docID   string
	title   string
	tags    []string
}

// indexSummary is the JSON output of index.
type indexSummary struct {
	ProjectID   string            `json:"project_id"`
	Documents   []*ingest.Report  `json:"documents"`
	Failures    map[string]string `json:"failures,omitempty"`
	Chunks      int               `json:"chunks"`
	LexicalOnly int               `json:"lexical_only"`
	Elapsed     time.Duration     `json:"elapsed_ns"`
}

func newIndexCmd(a *app) *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index <file>...",
		Short: "Chunk, embed and index documents into a project",
		Long: `Index documents into one project.

Each file is split into overlapping token windows. Every chunk records the
page most of its text came from and up to three layout regions of that
page. Chunks are embedded in batches; a batch whose embedding fails is
still indexed for lexical search and reported as lexical-only.

Re-indexing a document replaces its previous chunks.

Supported files:
  .txt .md    plain text, pages separated by form feeds
  .json       {"doc_id", "title", "pages": [{"number", "text", "regions"}]}

Examples:
  jurisscope index contracts/msa.txt --project msa
  jurisscope index gdpr.json --project gdpr --tags regulation,eu`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 && (opts.docID != "" || opts.title != "") {
				return jerrors.ValidationError("--doc-id and --title apply to a single file", nil)
			}
			return runIndex(cmd.Context(), cmd, a, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project to index into (required)")
	cmd.Flags().StringVar(&opts.docID, "doc-id", "", "Document id (default: file name without extension)")
	cmd.Flags().StringVar(&opts.title, "title", "", "Document title (default: file name)")
	cmd.Flags().StringSliceVar(&opts.tags, "tags", nil, "Tags stored on every chunk")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, a *app, paths []string, opts indexOptions) error {
	start := time.Now()
	status := a.status(cmd.ErrOrStderr())

	cfg, err := a.config()
	if err != nil {
		return err
	}

	tok, err := ingest.NewTiktokenTokenizer(cfg.Ingest.Encoding)
	if err != nil {
		return err
	}
	splitter, err := ingest.NewTokenSplitter(tok, cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		return err
	}

	_, s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(s)

	embedder := a.openEmbedder(ctx, cfg, status)
	if embedder != nil {
		defer func() { _ = embedder.Close() }()
	}

	ingestor, err := ingest.NewIngestor(s, embedder, splitter,
		append(ingest.OptionsFrom(cfg), ingest.WithLogger(a.logger))...)
	if err != nil {
		return err
	}
	defer ingestor.Release()

	summary := indexSummary{ProjectID: opts.project, Documents: []*ingest.Report{}}
	for i, path := range paths {
		status.Progress(i, len(paths), filepath.Base(path))

		report, err := indexFile(ctx, ingestor, path, opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if summary.Failures == nil {
				summary.Failures = make(map[string]string)
			}
			summary.Failures[path] = err.Error()
			a.logger.Warn("index_file_failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		summary.Documents = append(summary.Documents, report)
		summary.Chunks += report.Chunks
		summary.LexicalOnly += report.LexicalOnly
	}
	status.Progress(len(paths), len(paths), "done")

	if err := store.SaveIfSupported(s); err != nil {
		return jerrors.StoreError("flush vector index", err)
	}
	summary.Elapsed = time.Since(start)

	if a.format == output.FormatJSON {
		if err := output.New(cmd.OutOrStdout()).JSON(summary); err != nil {
			return err
		}
	} else {
		formatIndexText(output.New(cmd.OutOrStdout()), summary)
	}

	if len(summary.Failures) > 0 {
		return jerrors.New(jerrors.ErrCodeIndexFailed,
			fmt.Sprintf("%d of %d documents failed to index", len(summary.Failures), len(paths)), nil)
	}
	return nil
}

func indexFile(ctx context.Context, in *ingest.Ingestor, path string, opts indexOptions) (*ingest.Report, error) {
	doc, err := ingest.LoadFile(path, ingest.LoadOptions{
		ProjectID: opts.project,
		DocID:     opts.docID,
		Title:     opts.title,
		Tags:      opts.tags,
	})
	if err != nil {
		return nil, err
	}
	return in.Ingest(ctx, *doc)
}

func formatIndexText(out *output.Writer, s indexSummary) {
	for _, r := range s.Documents {
		line := fmt.Sprintf("%s: %d chunks over %d pages", r.DocID, r.Chunks, r.Pages)
		if r.Replaced > 0 {
			line += fmt.Sprintf(", replaced %d", r.Replaced)
		}
		out.Success(line)
		if r.LexicalOnly > 0 {
			out.Warningf("%s: %d chunks indexed without vectors (lexical only)", r.DocID, r.LexicalOnly)
		}
		if r.Failed > 0 {
			out.Warningf("%s: %d chunks failed to index", r.DocID, r.Failed)
		}
	}
	for path, msg := range s.Failures {
		out.Errorf("%s: %s", path, msg)
	}
	out.Statusf("", "Indexed %d chunks from %d documents into %q in %s",
		s.Chunks, len(s.Documents), s.ProjectID, s.Elapsed.Round(time.Millisecond))
}
