package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// PGVectorIndex stores vectors in Postgres with the pgvector extension.
type PGVectorIndex struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPGVectorIndex connects to dsn and creates the table and indexes.
func NewPGVectorIndex(ctx context.Context, dsn string, dim int) (*PGVectorIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, jerrors.StoreError("connect to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, jerrors.StoreError("ping postgres", err)
	}

	p := &PGVectorIndex{pool: pool, dim: dim}
	for _, stmt := range pgvectorSchema(dim) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, jerrors.StoreError("initialize pgvector schema", err)
		}
	}
	return p, nil
}

func pgvectorSchema(dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_vectors (
			chunk_id   TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			embedding  vector(%d) NOT NULL
		)`, dim),
		`CREATE INDEX IF NOT EXISTS chunk_vectors_project_idx ON chunk_vectors (project_id)`,
		`CREATE INDEX IF NOT EXISTS chunk_vectors_embedding_idx ON chunk_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
}

// pgvectorSearchSQL orders by cosine distance inside the project filter.
// <=> is 1 - cos.
const pgvectorSearchSQL = `
	SELECT chunk_id, 1 - (embedding <=> $1) AS cosine
	FROM chunk_vectors
	WHERE project_id = $2
	ORDER BY embedding <=> $1, chunk_id
	LIMIT $3`

// Add upserts vectors under projectID in one batch.
func (p *PGVectorIndex) Add(ctx context.Context, projectID string, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if projectID == "" {
		return jerrors.InvalidScope("")
	}

	batch := &pgx.Batch{}
	for i, id := range ids {
		if len(vectors[i]) != p.dim {
			return jerrors.DimensionMismatch(p.dim, len(vectors[i]))
		}
		batch.Queue(`
			INSERT INTO chunk_vectors (chunk_id, project_id, embedding) VALUES ($1, $2, $3)
			ON CONFLICT (chunk_id) DO UPDATE SET project_id = EXCLUDED.project_id, embedding = EXCLUDED.embedding`,
			id, projectID, pgvector.NewVector(vectors[i]))
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgvector upsert %d rows: %w", len(ids), err)
	}
	return nil
}

// Search sets hnsw.ef_search to numCandidates for this transaction and
// uses strict-order iterative scans so the project filter cannot starve
// the result below k.
func (p *PGVectorIndex) Search(ctx context.Context, projectID string, query []float32, k, numCandidates int) ([]VectorMatch, error) {
	if err := checkQueryArgs(projectID, query, p.dim, k, numCandidates); err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgvector begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('hnsw.ef_search', $1, true)`, strconv.Itoa(numCandidates)); err != nil {
		return nil, fmt.Errorf("pgvector set ef_search: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('hnsw.iterative_scan', 'strict_order', true)`); err != nil {
		return nil, fmt.Errorf("pgvector set iterative_scan: %w", err)
	}

	rows, err := tx.Query(ctx, pgvectorSearchSQL, pgvector.NewVector(query), projectID, k)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	out := make([]VectorMatch, 0, k)
	for rows.Next() {
		var (
			id  string
			cos float64
		)
		if err := rows.Scan(&id, &cos); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		out = append(out, VectorMatch{ID: id, Score: cosineScore(cos)})
	}
	return out, rows.Err()
}

// Delete removes rows by chunk id.
func (p *PGVectorIndex) Delete(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM chunk_vectors WHERE chunk_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("pgvector delete: %w", err)
	}
	return nil
}

// DeleteProject removes every row of projectID.
func (p *PGVectorIndex) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM chunk_vectors WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("pgvector delete project: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (p *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunk_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvector count: %w", err)
	}
	return n, nil
}

// Save is a no-op; Postgres persists on commit.
func (p *PGVectorIndex) Save() error { return nil }

// Close releases the pool.
func (p *PGVectorIndex) Close() error {
	p.pool.Close()
	return nil
}

var _ VectorIndex = (*PGVectorIndex)(nil)
