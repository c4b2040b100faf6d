package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
)

// SQLiteLexicalIndex is the FTS5 alternative to bleve. It shares a file
// format with the catalog and tolerates concurrent readers from other
// processes through WAL.
type SQLiteLexicalIndex struct {
	mu            sync.RWMutex
	db            *sql.DB
	path          string
	highlightSize int
	closed        bool
}

// NewSQLiteLexicalIndex opens or creates the FTS5 index at path. An empty
// path creates an in-memory index.
func NewSQLiteLexicalIndex(path string, highlightSize int, logger *slog.Logger) (*SQLiteLexicalIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if highlightSize <= 0 || highlightSize > HighlightFragmentSize {
		highlightSize = HighlightFragmentSize
	}

	db, err := openSQLite(path, "fts_chunks", logger)
	if err != nil {
		return nil, err
	}

	idx := &SQLiteLexicalIndex{db: db, path: path, highlightSize: highlightSize}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

// Column order matters: bm25() weights are positional.
func (s *SQLiteLexicalIndex) initSchema() error {
	_, err := s.db.Exec(`
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		project_id UNINDEXED,
		text,
		section_path,
		doc_title,
		tokenize='unicode61 remove_diacritics 2'
	);`)
	return err
}

// Index upserts docs. FTS5 has no REPLACE, so existing rows are deleted first.
func (s *SQLiteLexicalIndex) Index(ctx context.Context, docs []LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del, err := tx.PrepareContext(ctx, `DELETE FROM fts_chunks WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer del.Close()

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_chunks(chunk_id, project_id, text, section_path, doc_title) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer ins.Close()

	for _, d := range docs {
		if _, err := del.ExecContext(ctx, d.ID); err != nil {
			return fmt.Errorf("failed to delete existing chunk %s: %w", d.ID, err)
		}
		if _, err := ins.ExecContext(ctx, d.ID, d.ProjectID, d.Text, d.SectionPath, d.DocTitle); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// Search ranks in-scope rows with bm25 weighted text:section_path:doc_title
// = 2:1:1. FTS5 scores are negative (lower is better), so they are negated.
func (s *SQLiteLexicalIndex) Search(ctx context.Context, query, projectID string, limit int) ([]LexicalMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}

	match := ftsMatchExpr(query)
	if match == "" || limit <= 0 {
		return []LexicalMatch{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id,
		       bm25(fts_chunks, 0.0, 0.0, 2.0, 1.0, 1.0) AS score,
		       snippet(fts_chunks, 2, '', '', '', 48)
		FROM fts_chunks
		WHERE fts_chunks MATCH ? AND project_id = ?
		ORDER BY score, chunk_id
		LIMIT ?`, match, projectID, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []LexicalMatch{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var out []LexicalMatch
	for rows.Next() {
		var (
			m     LexicalMatch
			score float64
			snip  sql.NullString
		)
		if err := rows.Scan(&m.ID, &score, &snip); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		m.Score = -score
		m.Highlight = truncateRunes(strings.TrimSpace(snip.String), s.highlightSize)
		out = append(out, m)
	}
	if out == nil {
		out = []LexicalMatch{}
	}
	return out, rows.Err()
}

// ftsMatchExpr ORs the quoted lowercase terms of query, so any term
// overlap matches and more overlap scores higher.
func ftsMatchExpr(query string) string {
	terms := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Delete removes docs by id.
func (s *SQLiteLexicalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	in, args := placeholders(ids)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM fts_chunks WHERE chunk_id IN (%s)`, in), args...); err != nil {
		return fmt.Errorf("failed to delete from FTS: %w", err)
	}
	return nil
}

// Count returns the number of indexed rows.
func (s *SQLiteLexicalIndex) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("index is closed")
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_chunks`).Scan(&n)
	return n, err
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteLexicalIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

var _ LexicalIndex = (*SQLiteLexicalIndex)(nil)
