// Package store holds indexed legal-document chunks and answers the two
// candidate queries the retrieval pipeline fans out to: a field-weighted
// lexical query and a cosine nearest-neighbour query. Every query is scoped
// to one project, and the scope is applied inside the backend before
// ranking so that top-k is always computed over in-scope chunks only.
package store

import (
	"context"
	"fmt"
	"time"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// BBox is a bounding region on a page, in page coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Chunk is the atomic retrieval unit. Chunks are immutable once indexed;
// re-ingesting a document deletes and recreates them.
type Chunk struct {
	ChunkID   string `json:"chunk_id"`
	DocID     string `json:"doc_id"`
	ProjectID string `json:"project_id"`
	DocTitle  string `json:"doc_title,omitempty"`
	Text      string `json:"text"`

	// Embedding is nil for chunks that are only lexically searchable.
	Embedding []float32 `json:"-"`

	Page          int       `json:"page"`
	CharStart     int       `json:"char_start"`
	CharEnd       int       `json:"char_end"`
	LocationHints []BBox    `json:"location_hints,omitempty"`
	SectionPath   string    `json:"section_path,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasEmbedding reports whether the chunk can take part in vector scoring.
func (c *Chunk) HasEmbedding(dim int) bool {
	return dim > 0 && len(c.Embedding) == dim
}

// Validate checks the fields every backend relies on.
func (c *Chunk) Validate() error {
	switch {
	case c == nil:
		return jerrors.ValidationError("chunk is nil", nil)
	case c.ChunkID == "":
		return jerrors.ValidationError("chunk_id is required", nil)
	case c.DocID == "":
		return jerrors.ValidationError(fmt.Sprintf("chunk %s: doc_id is required", c.ChunkID), nil)
	case c.ProjectID == "":
		return jerrors.InvalidScope("").WithDetail("chunk_id", c.ChunkID)
	case c.Page < 1:
		return jerrors.ValidationError(fmt.Sprintf("chunk %s: page must be >= 1, got %d", c.ChunkID, c.Page), nil)
	}
	return nil
}

// ChunkID names the index-th chunk of a document. Document ids are only
// unique within a project, so the project is part of the id.
func ChunkID(projectID, docID string, index int) string {
	return fmt.Sprintf("%s:%s_chunk_%d", projectID, docID, index)
}

// Hit is one candidate returned by a lexical or vector query.
// Chunk is shared and must be treated as read-only.
type Hit struct {
	Chunk     *Chunk
	Score     float64
	Highlight string
}

// DocumentSummary describes one indexed document.
type DocumentSummary struct {
	DocID      string `json:"doc_id"`
	DocTitle   string `json:"doc_title"`
	ProjectID  string `json:"project_id"`
	ChunkCount int    `json:"chunk_count"`
	MaxPage    int    `json:"max_page"`
}

// IndexStats summarises the store contents.
type IndexStats struct {
	ChunkCount    int   `json:"chunk_count"`
	DocumentCount int   `json:"document_count"`
	ProjectCount  int   `json:"project_count"`
	VectorCount   int   `json:"vector_count"`
	SizeBytes     int64 `json:"size_bytes"`
}

// BulkItem is the per-chunk outcome of BulkIndex.
type BulkItem struct {
	ChunkID string `json:"chunk_id"`
	Err     error  `json:"-"`

	// LexicalOnly is set when the chunk was stored without a vector.
	LexicalOnly bool `json:"lexical_only,omitempty"`
}

// BulkReport summarises a BulkIndex call. A partially failed batch is
// reported here, not as an error.
type BulkReport struct {
	Indexed int        `json:"indexed"`
	Failed  int        `json:"failed"`
	Items   []BulkItem `json:"items"`
}

// Errors returns the failed items.
func (r *BulkReport) Errors() []BulkItem {
	var failed []BulkItem
	for _, it := range r.Items {
		if it.Err != nil {
			failed = append(failed, it)
		}
	}
	return failed
}

func (r *BulkReport) add(id string, lexicalOnly bool, err error) {
	r.Items = append(r.Items, BulkItem{ChunkID: id, Err: err, LexicalOnly: lexicalOnly && err == nil})
	if err != nil {
		r.Failed++
	} else {
		r.Indexed++
	}
}

// ChunkStore holds chunk records and runs project-scoped candidate queries.
// Implementations are safe for concurrent readers.
type ChunkStore interface {
	// Index upserts a single chunk keyed by ChunkID.
	Index(ctx context.Context, chunk *Chunk) error

	// BulkIndex upserts chunks, reporting per-item failures without
	// aborting the batch. The error return is reserved for store-level
	// failures that prevented any attempt.
	BulkIndex(ctx context.Context, chunks []*Chunk) (*BulkReport, error)

	// QueryLexical returns up to size chunks of projectID ranked by a
	// field-weighted term score (text 2x over section_path and doc_title).
	QueryLexical(ctx context.Context, text, projectID string, size int) ([]Hit, error)

	// QueryVector returns the k chunks of projectID closest to embedding by
	// cosine similarity, exploring numCandidates neighbours. Scores are
	// (1 + cos) / 2.
	QueryVector(ctx context.Context, embedding []float32, projectID string, k, numCandidates int) ([]Hit, error)

	// GetChunks returns the chunks that exist among ids, in ids order.
	GetChunks(ctx context.Context, ids []string) ([]*Chunk, error)

	// DeleteByDocument removes the chunks of docID within projectID.
	// Documents of the same id in other projects are untouched.
	DeleteByDocument(ctx context.Context, projectID, docID string) (int, error)
	DeleteByProject(ctx context.Context, projectID string) (int, error)

	ListDocuments(ctx context.Context, projectID string) ([]DocumentSummary, error)
	Stats(ctx context.Context) (*IndexStats, error)

	// CheckRankFusion returns an error matching errors.ErrRankFusionUnavailable
	// when reciprocal rank fusion cannot be used. Any other error is a
	// failed probe and says nothing about the capability.
	CheckRankFusion(ctx context.Context) error

	Close() error
}

// MetricsSink persists serialized query-metrics snapshots.
type MetricsSink interface {
	SaveMetricsSnapshot(ctx context.Context, payload []byte) error
	LatestMetricsSnapshot(ctx context.Context) ([]byte, time.Time, error)
}

// LexicalDoc is the searchable projection of a chunk.
type LexicalDoc struct {
	ID          string
	ProjectID   string
	Text        string
	SectionPath string
	DocTitle    string
}

// LexicalMatch is one lexical index hit.
type LexicalMatch struct {
	ID        string
	Score     float64
	Highlight string
}

// LexicalIndex is a term-match index over LexicalDocs.
type LexicalIndex interface {
	Index(ctx context.Context, docs []LexicalDoc) error
	Search(ctx context.Context, query, projectID string, limit int) ([]LexicalMatch, error)
	Delete(ctx context.Context, ids []string) error
	Count() (int, error)
	Close() error
}

// VectorMatch is one vector index hit. Score is (1 + cos) / 2.
type VectorMatch struct {
	ID    string
	Score float64
}

// VectorIndex is a cosine ANN index partitioned by project.
type VectorIndex interface {
	Add(ctx context.Context, projectID string, ids []string, vectors [][]float32) error
	Search(ctx context.Context, projectID string, query []float32, k, numCandidates int) ([]VectorMatch, error)
	Delete(ctx context.Context, projectID string, ids []string) error
	DeleteProject(ctx context.Context, projectID string) error
	Count(ctx context.Context) (int, error)
	Save() error
	Close() error
}

// checkQueryArgs validates arguments shared by every QueryVector
// implementation before any backend call.
func checkQueryArgs(projectID string, embedding []float32, dim, k, numCandidates int) error {
	if projectID == "" {
		return jerrors.InvalidScope("")
	}
	if len(embedding) != dim {
		return jerrors.DimensionMismatch(dim, len(embedding))
	}
	if k < 1 {
		return jerrors.ValidationError(fmt.Sprintf("k must be >= 1, got %d", k), nil)
	}
	if numCandidates < k {
		return jerrors.CandidatesBelowK(numCandidates, k)
	}
	return nil
}

// cosineScore maps a cosine similarity in [-1, 1] onto [0, 1].
func cosineScore(cos float64) float64 {
	s := (1 + cos) / 2
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
