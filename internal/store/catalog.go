package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CatalogFileName is the catalog database under the data directory.
const CatalogFileName = "catalog.db"

// Catalog is the SQLite record of every indexed chunk. The lexical and
// vector indexes hold only ids; chunk bodies are read back from here.
type Catalog struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// CatalogEntry is a chunk plus whether its vector was committed.
type CatalogEntry struct {
	Chunk     *Chunk
	HasVector bool
}

type chunkRef struct {
	ID        string
	ProjectID string
	HasVector bool
}

// OpenCatalog opens or creates the catalog at path. An empty path gives an
// in-memory catalog.
func OpenCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openSQLite(path, "chunks", logger)
	if err != nil {
		return nil, err
	}
	c := &Catalog{db: db, path: path}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id       TEXT PRIMARY KEY,
		doc_id         TEXT NOT NULL,
		project_id     TEXT NOT NULL,
		doc_title      TEXT NOT NULL DEFAULT '',
		text           TEXT NOT NULL,
		page           INTEGER NOT NULL,
		char_start     INTEGER NOT NULL DEFAULT 0,
		char_end       INTEGER NOT NULL DEFAULT 0,
		section_path   TEXT NOT NULL DEFAULT '',
		location_hints TEXT NOT NULL DEFAULT '[]',
		tags           TEXT NOT NULL DEFAULT '[]',
		has_vector     INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id);

	CREATE TABLE IF NOT EXISTS query_metrics (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TEXT NOT NULL,
		payload     TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Put upserts entries in one transaction.
func (c *Catalog) Put(ctx context.Context, entries []CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(chunk_id, doc_id, project_id, doc_title, text, page, char_start, char_end,
			 section_path, location_hints, tags, has_vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		ch := e.Chunk
		hints, err := json.Marshal(nonNilHints(ch.LocationHints))
		if err != nil {
			return fmt.Errorf("encode location hints for %s: %w", ch.ChunkID, err)
		}
		tags, err := json.Marshal(nonNilTags(ch.Tags))
		if err != nil {
			return fmt.Errorf("encode tags for %s: %w", ch.ChunkID, err)
		}
		created := ch.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ChunkID, ch.DocID, ch.ProjectID, ch.DocTitle, ch.Text, ch.Page,
			ch.CharStart, ch.CharEnd, ch.SectionPath, string(hints), string(tags),
			boolToInt(e.HasVector), created.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", ch.ChunkID, err)
		}
	}
	return tx.Commit()
}

// Get returns the chunks that exist among ids, in ids order.
// Embeddings are not stored in the catalog and come back nil.
func (c *Catalog) Get(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	in, args := placeholders(ids)
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chunk_id, doc_id, project_id, doc_title, text, page, char_start, char_end,
		       section_path, location_hints, tags, created_at
		FROM chunks WHERE chunk_id IN (%s)`, in), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Chunk, len(ids))
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[ch.ChunkID] = ch
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Chunk, 0, len(byID))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
			delete(byID, id)
		}
	}
	return out, nil
}

func scanChunk(rows *sql.Rows) (*Chunk, error) {
	var (
		ch              Chunk
		hints, tags, ts string
	)
	if err := rows.Scan(&ch.ChunkID, &ch.DocID, &ch.ProjectID, &ch.DocTitle, &ch.Text,
		&ch.Page, &ch.CharStart, &ch.CharEnd, &ch.SectionPath, &hints, &tags, &ts); err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	if err := json.Unmarshal([]byte(hints), &ch.LocationHints); err != nil {
		return nil, fmt.Errorf("decode location hints for %s: %w", ch.ChunkID, err)
	}
	if err := json.Unmarshal([]byte(tags), &ch.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", ch.ChunkID, err)
	}
	if len(ch.LocationHints) == 0 {
		ch.LocationHints = nil
	}
	if len(ch.Tags) == 0 {
		ch.Tags = nil
	}
	ch.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &ch, nil
}

func (c *Catalog) refs(ctx context.Context, where string, args ...any) ([]chunkRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	// where is one of two compile-time constants.
	rows, err := c.db.QueryContext(ctx,
		`SELECT chunk_id, project_id, has_vector FROM chunks WHERE `+where+` ORDER BY chunk_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk ids: %w", err)
	}
	defer rows.Close()

	var out []chunkRef
	for rows.Next() {
		var r chunkRef
		var hv int
		if err := rows.Scan(&r.ID, &r.ProjectID, &hv); err != nil {
			return nil, err
		}
		r.HasVector = hv != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Catalog) refsByDocument(ctx context.Context, projectID, docID string) ([]chunkRef, error) {
	return c.refs(ctx, "project_id = ? AND doc_id = ?", projectID, docID)
}

func (c *Catalog) refsByProject(ctx context.Context, projectID string) ([]chunkRef, error) {
	return c.refs(ctx, "project_id = ?", projectID)
}

// Delete removes chunks by id and returns how many existed.
func (c *Catalog) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("catalog is closed")
	}

	in, args := placeholders(ids)
	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE chunk_id IN (%s)`, in), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListDocuments summarises the documents of projectID, sorted by doc_id.
func (c *Catalog) ListDocuments(ctx context.Context, projectID string) ([]DocumentSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT doc_id, MAX(doc_title), COUNT(*), MAX(page)
		FROM chunks WHERE project_id = ?
		GROUP BY doc_id ORDER BY doc_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentSummary
	for rows.Next() {
		d := DocumentSummary{ProjectID: projectID}
		if err := rows.Scan(&d.DocID, &d.DocTitle, &d.ChunkCount, &d.MaxPage); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Stats counts chunks, documents, projects and committed vectors.
// SizeBytes is left to the caller, which knows the on-disk layout.
func (c *Catalog) Stats(ctx context.Context) (*IndexStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	var s IndexStats
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT doc_id), COUNT(DISTINCT project_id),
		       COALESCE(SUM(has_vector), 0)
		FROM chunks`).Scan(&s.ChunkCount, &s.DocumentCount, &s.ProjectCount, &s.VectorCount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &s, nil
}

// SaveMetricsSnapshot appends a serialized metrics snapshot.
func (c *Catalog) SaveMetricsSnapshot(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("catalog is closed")
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO query_metrics (recorded_at, payload) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// LatestMetricsSnapshot returns the newest snapshot, or nil if none exists.
func (c *Catalog) LatestMetricsSnapshot(ctx context.Context) ([]byte, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, time.Time{}, fmt.Errorf("catalog is closed")
	}

	var ts, payload string
	err := c.db.QueryRowContext(ctx,
		`SELECT recorded_at, payload FROM query_metrics ORDER BY id DESC LIMIT 1`).Scan(&ts, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read metrics snapshot: %w", err)
	}
	recorded, _ := time.Parse(time.RFC3339Nano, ts)
	return []byte(payload), recorded, nil
}

// Close checkpoints the WAL and closes the database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.path != "" {
		_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return c.db.Close()
}

var _ MetricsSink = (*Catalog)(nil)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilHints(h []BBox) []BBox {
	if h == nil {
		return []BBox{}
	}
	return h
}

func nonNilTags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}
