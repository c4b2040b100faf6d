package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/output"
	"github.com/amelia751/jurisscope/internal/store"
)

func newDocumentsCmd(a *app) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "List the documents indexed in a project",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDocuments(cmd.Context(), cmd, a, project)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project to list (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runDocuments(ctx context.Context, cmd *cobra.Command, a *app, project string) error {
	if project == "" {
		return jerrors.InvalidScope(project)
	}

	_, s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(s)

	docs, err := s.ListDocuments(ctx, project)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []store.DocumentSummary{}
	}

	out := output.New(cmd.OutOrStdout())
	if a.format == output.FormatJSON {
		return out.JSON(docs)
	}

	if len(docs) == 0 {
		out.Statusf("", "No documents indexed in project %q", project)
		return nil
	}
	out.Header(fmt.Sprintf("%d documents in %q", len(docs), project))
	for i, d := range docs {
		out.Item(i+1, d.DocID, out.Dim(fmt.Sprintf("%s, %d chunks, %d pages", d.DocTitle, d.ChunkCount, d.MaxPage)))
	}
	return nil
}

type deleteOptions struct {
	doc     string
	project string
}

func newDeleteCmd(a *app) *cobra.Command {
	var opts deleteOptions

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a document or a whole project",
		Long: `Delete every chunk of one document in a project, or of the whole
project when --doc is omitted. A document id only names a document
within its project.

Examples:
  jurisscope delete --project msa --doc msa-2024
  jurisscope delete --project msa`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDelete(cmd.Context(), cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.doc, "doc", "", "Document id to delete")
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project holding the document, or to delete entirely (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// deleteResult is the JSON output of delete.
type deleteResult struct {
	DocID     string `json:"doc_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Deleted   int    `json:"deleted"`
}

func runDelete(ctx context.Context, cmd *cobra.Command, a *app, opts deleteOptions) error {
	if opts.project == "" {
		return jerrors.InvalidScope(opts.project)
	}

	_, s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(s)

	res := deleteResult{DocID: opts.doc, ProjectID: opts.project}
	target := fmt.Sprintf("document %q in project %q", opts.doc, opts.project)
	if opts.doc != "" {
		res.Deleted, err = s.DeleteByDocument(ctx, opts.project, opts.doc)
	} else {
		target = fmt.Sprintf("project %q", opts.project)
		res.Deleted, err = s.DeleteByProject(ctx, opts.project)
	}
	if err != nil {
		return err
	}
	if err := store.SaveIfSupported(s); err != nil {
		return jerrors.StoreError("flush vector index", err)
	}
	a.logger.Info("chunks_deleted",
		slog.String("doc_id", opts.doc),
		slog.String("project_id", opts.project),
		slog.Int("deleted", res.Deleted))

	out := output.New(cmd.OutOrStdout())
	if a.format == output.FormatJSON {
		return out.JSON(res)
	}
	if res.Deleted == 0 {
		out.Warningf("Nothing indexed for %s", target)
		return nil
	}
	out.Successf("Deleted %d chunks of %s", res.Deleted, target)
	return nil
}
