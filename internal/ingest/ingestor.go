package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/amelia751/jurisscope/internal/config"
	"github.com/amelia751/jurisscope/internal/embed"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/store"
)

// DefaultBatchSize is the number of chunk texts per embedding request.
const DefaultBatchSize = 50

// maxLocationHints caps the regions attached to a chunk.
const maxLocationHints = 3

// Report summarises one Ingest call.
type Report struct {
	DocID       string           `json:"doc_id"`
	ProjectID   string           `json:"project_id"`
	Chunks      int              `json:"chunks"`
	Replaced    int              `json:"replaced"`
	Indexed     int              `json:"indexed"`
	Failed      int              `json:"failed"`
	LexicalOnly int              `json:"lexical_only"`
	Pages       int              `json:"pages"`
	Items       []store.BulkItem `json:"items,omitempty"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// Ingestor chunks, embeds and indexes documents.
type Ingestor struct {
	store     store.ChunkStore
	embedder  embed.Embedder
	splitter  *TokenSplitter
	pool      *ants.Pool
	batchSize int
	retry     jerrors.RetryConfig
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor) error

// WithPoolSize sets the number of concurrent embedding batches.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(in *Ingestor) error {
		if size < 1 {
			size = 1
		}
		if in.pool != nil {
			in.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		in.pool = pool
		return nil
	}
}

// WithBatchSize sets how many texts go into one embedding request.
func WithBatchSize(n int) Option {
	return func(in *Ingestor) error {
		if n < 1 {
			return jerrors.ConfigError(fmt.Sprintf("batch size must be >= 1, got %d", n), nil)
		}
		in.batchSize = n
		return nil
	}
}

// WithRetry overrides the embedding retry policy.
func WithRetry(cfg jerrors.RetryConfig) Option {
	return func(in *Ingestor) error {
		in.retry = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(in *Ingestor) error {
		if logger == nil {
			logger = slog.Default()
		}
		in.logger = logger
		return nil
	}
}

// OptionsFrom maps the ingest and embeddings config sections to options.
func OptionsFrom(cfg *config.Config) []Option {
	return []Option{
		WithPoolSize(cfg.Ingest.Workers),
		WithBatchSize(cfg.Embeddings.BatchSize),
	}
}

// NewIngestor creates an ingestor. A nil embedder indexes every chunk
// lexically only.
func NewIngestor(s store.ChunkStore, embedder embed.Embedder, splitter *TokenSplitter, opts ...Option) (*Ingestor, error) {
	if s == nil {
		return nil, jerrors.ConfigError("chunk store is required", nil)
	}
	if splitter == nil {
		return nil, jerrors.ConfigError("splitter is required", nil)
	}

	in := &Ingestor{
		store:     s,
		embedder:  embedder,
		splitter:  splitter,
		batchSize: DefaultBatchSize,
		retry:     jerrors.DefaultRetryConfig(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	in.retry.ShouldRetry = jerrors.IsRetryable

	for _, opt := range opts {
		if err := opt(in); err != nil {
			in.Release()
			return nil, err
		}
	}

	if in.pool == nil {
		if err := WithPoolSize(max(runtime.NumCPU()/2, 1))(in); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// Release stops the worker pool.
func (in *Ingestor) Release() {
	if in.pool != nil {
		in.pool.Release()
		in.pool = nil
	}
}

// Ingest replaces every chunk of doc with freshly split, embedded chunks.
// Per-chunk failures are reported in the Report; only failures that stop
// the whole document are returned as errors.
func (in *Ingestor) Ingest(ctx context.Context, doc Document) (*Report, error) {
	start := in.now()
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	chunks := in.buildChunks(doc)
	report := &Report{DocID: doc.DocID, ProjectID: doc.ProjectID, Chunks: len(chunks), Pages: len(doc.Pages)}

	if err := in.embedChunks(ctx, chunks); err != nil {
		return nil, err
	}

	replaced, err := in.store.DeleteByDocument(ctx, doc.ProjectID, doc.DocID)
	if err != nil {
		return nil, jerrors.New(jerrors.ErrCodeIndexFailed, fmt.Sprintf("delete old chunks of %s", doc.DocID), err)
	}
	report.Replaced = replaced

	if len(chunks) > 0 {
		bulk, err := in.store.BulkIndex(ctx, chunks)
		if err != nil {
			return nil, jerrors.New(jerrors.ErrCodeIndexFailed, fmt.Sprintf("index %s", doc.DocID), err)
		}
		report.Indexed = bulk.Indexed
		report.Failed = bulk.Failed
		report.Items = bulk.Items
		for _, it := range bulk.Items {
			if it.LexicalOnly {
				report.LexicalOnly++
			}
		}
		for _, it := range bulk.Errors() {
			in.logger.Warn("chunk_index_failed",
				slog.String("doc_id", doc.DocID),
				slog.String("chunk_id", it.ChunkID),
				slog.String("error", it.Err.Error()))
		}
	}

	report.Elapsed = in.now().Sub(start)
	in.logger.Info("document_ingested",
		slog.String("doc_id", doc.DocID),
		slog.String("project_id", doc.ProjectID),
		slog.Int("chunks", report.Chunks),
		slog.Int("indexed", report.Indexed),
		slog.Int("failed", report.Failed),
		slog.Int("lexical_only", report.LexicalOnly),
		slog.Int("replaced", report.Replaced),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

// buildChunks splits the joined page text and attributes each window to a
// page and section.
func (in *Ingestor) buildChunks(doc Document) []*store.Chunk {
	text, ranges := joinPages(doc.Pages)
	headings := headingIndex(text)

	regions := make(map[int][]store.BBox, len(doc.Pages))
	for _, p := range doc.Pages {
		regions[p.Number] = p.Regions
	}

	created := in.now().UTC()
	var chunks []*store.Chunk
	for _, span := range in.splitter.Split(text) {
		if strings.TrimSpace(span.Text) == "" {
			continue
		}
		page := majorityPage(ranges, span.CharStart, span.CharEnd)
		hints := regions[page]
		if len(hints) > maxLocationHints {
			hints = hints[:maxLocationHints]
		}
		chunks = append(chunks, &store.Chunk{
			ChunkID:       store.ChunkID(doc.ProjectID, doc.DocID, span.Index),
			DocID:         doc.DocID,
			ProjectID:     doc.ProjectID,
			DocTitle:      doc.Title,
			Text:          span.Text,
			Page:          page,
			CharStart:     span.CharStart,
			CharEnd:       span.CharEnd,
			LocationHints: append([]store.BBox(nil), hints...),
			SectionPath:   sectionAt(headings, span.CharStart, span.CharEnd),
			Tags:          append([]string(nil), doc.Tags...),
			CreatedAt:     created,
		})
	}
	return chunks
}

// embedChunks fills Embedding on each chunk, one pool task per batch.
// A batch that still fails after retries leaves its chunks without vectors;
// they are indexed lexically only.
func (in *Ingestor) embedChunks(ctx context.Context, chunks []*store.Chunk) error {
	if in.embedder == nil || len(chunks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for lo := 0; lo < len(chunks); lo += in.batchSize {
		batch := chunks[lo:min(lo+in.batchSize, len(chunks))]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			in.embedBatch(ctx, batch)
		}
		if err := in.pool.Submit(task); err != nil {
			wg.Done()
			wg.Wait()
			return jerrors.InternalError("submit embedding batch", err)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (in *Ingestor) embedBatch(ctx context.Context, batch []*store.Chunk) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := jerrors.RetryWithResult(ctx, in.retry, func() ([][]float32, error) {
		v, err := in.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(v) != len(texts) {
			err = jerrors.New(jerrors.ErrCodeEmbeddingUnavailable,
				fmt.Sprintf("embedder returned %d vectors for %d texts", len(v), len(texts)), nil)
		}
		return v, err
	})
	if err != nil {
		in.logger.Warn("embedding_failed",
			slog.String("first_chunk", batch[0].ChunkID),
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()))
		return
	}

	dim := in.embedder.Dimensions()
	for i, c := range batch {
		if dim > 0 && len(vectors[i]) != dim {
			in.logger.Warn("embedding_dimension_mismatch",
				slog.String("chunk_id", c.ChunkID),
				slog.Int("expected", dim),
				slog.Int("got", len(vectors[i])))
			continue
		}
		c.Embedding = vectors[i]
	}
}
