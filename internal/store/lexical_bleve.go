package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/highlight"
	htmlformat "github.com/blevesearch/bleve/v2/search/highlight/format/html"
	simplefragmenter "github.com/blevesearch/bleve/v2/search/highlight/fragmenter/simple"
	simplehighlighter "github.com/blevesearch/bleve/v2/search/highlight/highlighter/simple"
)

const (
	// PlainHighlighterName renders unmarked fragments of at most
	// HighlightFragmentSize characters.
	PlainHighlighterName = "juris_plain"

	// HighlightFragmentSize bounds the highlight fragment length.
	HighlightFragmentSize = 240

	// textBoost weights the body field over title and section path.
	textBoost = 2.0
)

func init() {
	_ = registry.RegisterHighlighter(PlainHighlighterName, plainHighlighterConstructor)
}

func plainHighlighterConstructor(config map[string]interface{}, cache *registry.Cache) (highlight.Highlighter, error) {
	return simplehighlighter.NewHighlighter(
		simplefragmenter.NewFragmenter(HighlightFragmentSize),
		htmlformat.NewFragmentFormatter("", ""),
		" "), nil
}

// BleveLexicalIndex is the default lexical index, built on bleve's BM25
// scorer.
type BleveLexicalIndex struct {
	mu            sync.RWMutex
	index         bleve.Index
	path          string
	highlightSize int
	closed        bool
}

// bleveChunk is the indexed projection of a chunk.
type bleveChunk struct {
	ProjectID   string `json:"project_id"`
	Text        string `json:"text"`
	SectionPath string `json:"section_path"`
	DocTitle    string `json:"doc_title"`
}

// validateBleveIntegrity checks a bleve index directory before opening.
// Returns nil if the index is valid or does not exist yet.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return errors.Is(err, bleve.ErrorIndexMetaCorrupt) ||
		strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

// NewBleveLexicalIndex opens or creates a bleve index at path. An empty
// path creates an in-memory index. A corrupted index is cleared and
// recreated empty.
func NewBleveLexicalIndex(path string, highlightSize int, logger *slog.Logger) (*BleveLexicalIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if highlightSize <= 0 || highlightSize > HighlightFragmentSize {
		highlightSize = HighlightFragmentSize
	}

	m := newChunkMapping()

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			logger.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
		}

		idx, err = bleve.Open(path)
		switch {
		case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
			idx, err = bleve.New(path, m)
		case err != nil && isBleveCorruption(err):
			logger.Warn("lexical_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			logger.Info("lexical_index_cleared",
				slog.String("path", path),
				slog.String("reason", "open failed with corruption, please reindex"))
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open lexical index: %w", err)
	}

	return &BleveLexicalIndex{index: idx, path: path, highlightSize: highlightSize}, nil
}

// newChunkMapping maps project_id as an exact keyword and the three
// searchable fields through the standard analyzer. Only text is stored,
// for highlighting.
func newChunkMapping() *mapping.IndexMappingImpl {
	scope := bleve.NewKeywordFieldMapping()
	scope.Analyzer = keyword.Name
	scope.Store = false
	scope.IncludeInAll = false

	body := bleve.NewTextFieldMapping()
	body.Analyzer = standard.Name
	body.Store = true
	body.IncludeTermVectors = true

	aux := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = standard.Name
		f.Store = false
		return f
	}

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt("project_id", scope)
	doc.AddFieldMappingsAt("text", body)
	doc.AddFieldMappingsAt("section_path", aux())
	doc.AddFieldMappingsAt("doc_title", aux())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Index upserts docs in one batch.
func (b *BleveLexicalIndex) Index(ctx context.Context, docs []LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, bleveChunk{
			ProjectID:   d.ProjectID,
			Text:        d.Text,
			SectionPath: d.SectionPath,
			DocTitle:    d.DocTitle,
		}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", d.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search runs (project_id == projectID) AND (text^2 OR section_path OR
// doc_title). The project term is part of the query, so ranking only ever
// sees in-scope chunks.
func (b *BleveLexicalIndex) Search(ctx context.Context, query, projectID string, limit int) ([]LexicalMatch, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []LexicalMatch{}, nil
	}

	scope := bleve.NewTermQuery(projectID)
	scope.SetField("project_id")

	body := bleve.NewMatchQuery(query)
	body.SetField("text")
	body.SetBoost(textBoost)

	section := bleve.NewMatchQuery(query)
	section.SetField("section_path")

	title := bleve.NewMatchQuery(query)
	title.SetField("doc_title")

	q := bleve.NewConjunctionQuery(scope, bleve.NewDisjunctionQuery(body, section, title))

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle(PlainHighlighterName)
	req.Highlight.AddField("text")

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]LexicalMatch, 0, len(res.Hits))
	for _, hit := range res.Hits {
		m := LexicalMatch{ID: hit.ID, Score: hit.Score}
		if frags := hit.Fragments["text"]; len(frags) > 0 {
			m.Highlight = truncateRunes(strings.TrimSpace(frags[0]), b.highlightSize)
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes docs by id.
func (b *BleveLexicalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Count returns the number of indexed docs.
func (b *BleveLexicalIndex) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, fmt.Errorf("index is closed")
	}
	n, err := b.index.DocCount()
	return int(n), err
}

// Close closes the index.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

var _ LexicalIndex = (*BleveLexicalIndex)(nil)

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
