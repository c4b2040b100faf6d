package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// LocalConfig wires the parts of a LocalStore.
type LocalConfig struct {
	Catalog *Catalog
	Lexical LexicalIndex
	Vector  VectorIndex

	Dimensions int

	// RankFusion is the configured capability reported by CheckRankFusion.
	RankFusion bool

	// DataDir is used for size accounting only. Empty means in-memory.
	DataDir string

	// Lock, when set, is released on Close.
	Lock *DataLock

	Logger *slog.Logger
}

// LocalStore composes the SQLite catalog, a lexical index and a vector
// index into a ChunkStore. Writes are serialized so the three stay in
// step; reads go straight to the indexes.
type LocalStore struct {
	writeMu sync.Mutex

	catalog    *Catalog
	lexical    LexicalIndex
	vector     VectorIndex
	dim        int
	rankFusion bool
	dataDir    string
	lock       *DataLock
	logger     *slog.Logger
}

// NewLocalStore assembles a LocalStore. It takes ownership of the parts.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if cfg.Catalog == nil || cfg.Lexical == nil || cfg.Vector == nil {
		return nil, jerrors.InternalError("local store requires catalog, lexical and vector indexes", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, jerrors.ConfigError(fmt.Sprintf("embedding dimensions must be positive, got %d", cfg.Dimensions), nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LocalStore{
		catalog:    cfg.Catalog,
		lexical:    cfg.Lexical,
		vector:     cfg.Vector,
		dim:        cfg.Dimensions,
		rankFusion: cfg.RankFusion,
		dataDir:    cfg.DataDir,
		lock:       cfg.Lock,
		logger:     cfg.Logger,
	}, nil
}

// Index upserts a single chunk.
func (s *LocalStore) Index(ctx context.Context, chunk *Chunk) error {
	report, err := s.BulkIndex(ctx, []*Chunk{chunk})
	if err != nil {
		return err
	}
	if failed := report.Errors(); len(failed) > 0 {
		return failed[0].Err
	}
	return nil
}

// BulkIndex validates each chunk, then writes the catalog, the lexical
// index and the vector index in that order. Chunks without an embedding
// are indexed lexically only. A failing vector write rolls its chunks back
// out of the catalog and lexical index and reports them failed.
func (s *LocalStore) BulkIndex(ctx context.Context, chunks []*Chunk) (*BulkReport, error) {
	report := &BulkReport{Items: make([]BulkItem, 0, len(chunks))}
	if len(chunks) == 0 {
		return report, nil
	}

	// Later duplicates of a chunk id win, like sequential upserts would.
	last := make(map[string]int, len(chunks))
	for i, ch := range chunks {
		if ch != nil {
			last[ch.ChunkID] = i
		}
	}

	itemErr := make([]error, len(chunks))
	var accepted []int
	for i, ch := range chunks {
		if err := ch.Validate(); err != nil {
			itemErr[i] = err
			continue
		}
		if len(ch.Embedding) > 0 && len(ch.Embedding) != s.dim {
			itemErr[i] = jerrors.DimensionMismatch(s.dim, len(ch.Embedding)).WithDetail("chunk_id", ch.ChunkID)
			continue
		}
		if last[ch.ChunkID] != i {
			continue
		}
		accepted = append(accepted, i)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(accepted) > 0 {
		if err := s.write(ctx, chunks, accepted, itemErr); err != nil {
			return nil, err
		}
	}

	for i, ch := range chunks {
		id := ""
		if ch != nil {
			id = ch.ChunkID
		}
		report.add(id, ch != nil && !ch.HasEmbedding(s.dim), itemErr[i])
	}
	return report, nil
}

// write performs the three-way upsert for accepted indexes. Item failures
// land in itemErr; a returned error means the catalog itself is unusable.
func (s *LocalStore) write(ctx context.Context, chunks []*Chunk, accepted []int, itemErr []error) error {
	ids := make([]string, len(accepted))
	for j, i := range accepted {
		ids[j] = chunks[i].ChunkID
	}

	// Vectors of replaced chunks that moved project or lost their
	// embedding must not linger in the old graph.
	prior, err := s.catalog.Get(ctx, ids)
	if err != nil {
		return err
	}
	stale := make(map[string][]string)
	next := make(map[string]*Chunk, len(accepted))
	for _, i := range accepted {
		next[chunks[i].ChunkID] = chunks[i]
	}
	for _, old := range prior {
		nc := next[old.ChunkID]
		if old.ProjectID != nc.ProjectID || !nc.HasEmbedding(s.dim) {
			stale[old.ProjectID] = append(stale[old.ProjectID], old.ChunkID)
		}
	}
	for project, staleIDs := range stale {
		if err := s.vector.Delete(ctx, project, staleIDs); err != nil {
			s.logger.Warn("stale_vector_delete_failed",
				slog.String("project_id", project),
				slog.Int("count", len(staleIDs)),
				slog.String("error", err.Error()))
		}
	}

	entries := make([]CatalogEntry, len(accepted))
	docs := make([]LexicalDoc, len(accepted))
	for j, i := range accepted {
		ch := chunks[i]
		entries[j] = CatalogEntry{Chunk: ch, HasVector: ch.HasEmbedding(s.dim)}
		docs[j] = LexicalDoc{
			ID:          ch.ChunkID,
			ProjectID:   ch.ProjectID,
			Text:        ch.Text,
			SectionPath: ch.SectionPath,
			DocTitle:    ch.DocTitle,
		}
	}

	if err := s.catalog.Put(ctx, entries); err != nil {
		return jerrors.New(jerrors.ErrCodeIndexFailed, "catalog write failed", err)
	}

	if err := s.lexical.Index(ctx, docs); err != nil {
		for _, i := range accepted {
			itemErr[i] = jerrors.New(jerrors.ErrCodeIndexFailed, "lexical index write failed", err)
		}
		s.rollback(ctx, ids)
		return nil
	}

	type group struct {
		idx     []int
		ids     []string
		vectors [][]float32
	}
	groups := make(map[string]*group)
	for _, i := range accepted {
		ch := chunks[i]
		if !ch.HasEmbedding(s.dim) {
			continue
		}
		g, ok := groups[ch.ProjectID]
		if !ok {
			g = &group{}
			groups[ch.ProjectID] = g
		}
		g.idx = append(g.idx, i)
		g.ids = append(g.ids, ch.ChunkID)
		g.vectors = append(g.vectors, ch.Embedding)
	}

	for project, g := range groups {
		if err := s.vector.Add(ctx, project, g.ids, g.vectors); err != nil {
			s.logger.Warn("vector_index_write_failed",
				slog.String("project_id", project),
				slog.Int("count", len(g.ids)),
				slog.String("error", err.Error()))
			for _, i := range g.idx {
				itemErr[i] = jerrors.New(jerrors.ErrCodeIndexFailed, "vector index write failed", err)
			}
			s.rollback(ctx, g.ids)
		}
	}
	return nil
}

// rollback removes ids from the catalog and lexical index, best effort.
func (s *LocalStore) rollback(ctx context.Context, ids []string) {
	if err := s.lexical.Delete(ctx, ids); err != nil {
		s.logger.Warn("rollback_lexical_failed", slog.String("error", err.Error()))
	}
	if _, err := s.catalog.Delete(ctx, ids); err != nil {
		s.logger.Warn("rollback_catalog_failed", slog.String("error", err.Error()))
	}
}

// hydrate turns index ids into hits, dropping ids missing from the catalog
// and anything outside projectID.
func (s *LocalStore) hydrate(ctx context.Context, projectID string, ids []string, score func(int) float64, highlight func(int) string) ([]Hit, error) {
	chunks, err := s.catalog.Get(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Chunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ChunkID] = ch
	}

	hits := make([]Hit, 0, len(ids))
	for i, id := range ids {
		ch, ok := byID[id]
		if !ok || ch.ProjectID != projectID {
			continue
		}
		h := Hit{Chunk: ch, Score: score(i)}
		if highlight != nil {
			h.Highlight = highlight(i)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// QueryLexical implements ChunkStore.
func (s *LocalStore) QueryLexical(ctx context.Context, text, projectID string, size int) ([]Hit, error) {
	if projectID == "" {
		return nil, jerrors.InvalidScope("")
	}
	if size < 1 {
		return nil, jerrors.ValidationError(fmt.Sprintf("size must be >= 1, got %d", size), nil)
	}

	matches, err := s.lexical.Search(ctx, text, projectID, size)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return s.hydrate(ctx, projectID, ids,
		func(i int) float64 { return matches[i].Score },
		func(i int) string { return matches[i].Highlight })
}

// QueryVector implements ChunkStore.
func (s *LocalStore) QueryVector(ctx context.Context, embedding []float32, projectID string, k, numCandidates int) ([]Hit, error) {
	if err := checkQueryArgs(projectID, embedding, s.dim, k, numCandidates); err != nil {
		return nil, err
	}

	matches, err := s.vector.Search(ctx, projectID, embedding, k, numCandidates)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return s.hydrate(ctx, projectID, ids, func(i int) float64 { return matches[i].Score }, nil)
}

// GetChunks implements ChunkStore.
func (s *LocalStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	return s.catalog.Get(ctx, ids)
}

// DeleteByDocument removes every chunk of docID in projectID from all
// three indexes.
func (s *LocalStore) DeleteByDocument(ctx context.Context, projectID, docID string) (int, error) {
	if projectID == "" {
		return 0, jerrors.InvalidScope("")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	refs, err := s.catalog.refsByDocument(ctx, projectID, docID)
	if err != nil || len(refs) == 0 {
		return 0, err
	}

	ids := make([]string, len(refs))
	byProject := make(map[string][]string)
	for i, r := range refs {
		ids[i] = r.ID
		if r.HasVector {
			byProject[r.ProjectID] = append(byProject[r.ProjectID], r.ID)
		}
	}

	if err := s.lexical.Delete(ctx, ids); err != nil {
		return 0, err
	}
	for project, vids := range byProject {
		if err := s.vector.Delete(ctx, project, vids); err != nil {
			return 0, err
		}
	}
	return s.catalog.Delete(ctx, ids)
}

// DeleteByProject removes every chunk of projectID.
func (s *LocalStore) DeleteByProject(ctx context.Context, projectID string) (int, error) {
	if projectID == "" {
		return 0, jerrors.InvalidScope("")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	refs, err := s.catalog.refsByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}

	if err := s.lexical.Delete(ctx, ids); err != nil {
		return 0, err
	}
	if err := s.vector.DeleteProject(ctx, projectID); err != nil {
		return 0, err
	}
	return s.catalog.Delete(ctx, ids)
}

// ListDocuments implements ChunkStore.
func (s *LocalStore) ListDocuments(ctx context.Context, projectID string) ([]DocumentSummary, error) {
	if projectID == "" {
		return nil, jerrors.InvalidScope("")
	}
	return s.catalog.ListDocuments(ctx, projectID)
}

// Stats implements ChunkStore. VectorCount comes from the vector index.
func (s *LocalStore) Stats(ctx context.Context) (*IndexStats, error) {
	st, err := s.catalog.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if n, err := s.vector.Count(ctx); err == nil {
		st.VectorCount = n
	}
	if s.dataDir != "" {
		st.SizeBytes = dirSize(s.dataDir)
	}
	return st, nil
}

// CheckRankFusion reports the configured capability.
func (s *LocalStore) CheckRankFusion(ctx context.Context) error {
	if s.rankFusion {
		return nil
	}
	return jerrors.RankFusionUnavailable(errors.New("disabled by search.rank_fusion"))
}

// SaveMetricsSnapshot implements MetricsSink.
func (s *LocalStore) SaveMetricsSnapshot(ctx context.Context, payload []byte) error {
	return s.catalog.SaveMetricsSnapshot(ctx, payload)
}

// LatestMetricsSnapshot implements MetricsSink.
func (s *LocalStore) LatestMetricsSnapshot(ctx context.Context) ([]byte, time.Time, error) {
	return s.catalog.LatestMetricsSnapshot(ctx)
}

// Save flushes the vector index to disk.
func (s *LocalStore) Save() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.vector.Save()
}

// Close saves and closes every part, then releases the data lock.
func (s *LocalStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	errs := []error{
		s.vector.Close(),
		s.lexical.Close(),
		s.catalog.Close(),
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
	}
	return errors.Join(errs...)
}

var (
	_ ChunkStore  = (*LocalStore)(nil)
	_ MetricsSink = (*LocalStore)(nil)
)

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
