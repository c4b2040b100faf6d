package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

const (
	hnswExt = ".hnsw"

	// compactOrphanRatio triggers a graph rebuild on Save.
	compactOrphanRatio = 0.3
)

// HNSWConfig configures the embedded vector index.
type HNSWConfig struct {
	Dimensions int
	M          int
	EfSearch   int

	// Dir holds one graph file per project. Empty keeps everything in memory.
	Dir string
}

// HNSWVectorIndex keeps one cosine HNSW graph per project, so a search
// never ranks another project's vectors.
type HNSWVectorIndex struct {
	mu       sync.RWMutex
	cfg      HNSWConfig
	projects map[string]*projectGraph
	logger   *slog.Logger
	closed   bool
}

// projectGraph is a graph plus its string id mapping. Deletion is lazy:
// the node stays in the graph and is dropped from the mapping, because
// coder/hnsw misbehaves when the last node of a layer is deleted.
type projectGraph struct {
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	dirty   bool
}

// hnswMetadata is the gob sidecar of a persisted graph.
type hnswMetadata struct {
	ProjectID  string
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// NewHNSWVectorIndex creates the index and loads any graphs under cfg.Dir.
func NewHNSWVectorIndex(cfg HNSWConfig, logger *slog.Logger) (*HNSWVectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, jerrors.ConfigError(fmt.Sprintf("vector dimensions must be positive, got %d", cfg.Dimensions), nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	idx := &HNSWVectorIndex{
		cfg:      cfg,
		projects: make(map[string]*projectGraph),
		logger:   logger,
	}
	if cfg.Dir != "" {
		if err := idx.loadAll(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (s *HNSWVectorIndex) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = s.cfg.M
	g.EfSearch = s.cfg.EfSearch
	g.Ml = 0.25
	return g
}

func (s *HNSWVectorIndex) newProjectGraph() *projectGraph {
	return &projectGraph{
		graph:  s.newGraph(),
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Add upserts vectors for projectID. Replacing an id orphans its old node.
func (s *HNSWVectorIndex) Add(ctx context.Context, projectID string, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if projectID == "" {
		return jerrors.InvalidScope("")
	}
	for _, v := range vectors {
		if len(v) != s.cfg.Dimensions {
			return jerrors.DimensionMismatch(s.cfg.Dimensions, len(v))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	pg, ok := s.projects[projectID]
	if !ok {
		pg = s.newProjectGraph()
		s.projects[projectID] = pg
	}

	for i, id := range ids {
		if old, exists := pg.idMap[id]; exists {
			delete(pg.keyMap, old)
			delete(pg.idMap, id)
		}

		key := pg.nextKey
		pg.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		pg.graph.Add(hnsw.MakeNode(key, vec))
		pg.idMap[id] = key
		pg.keyMap[key] = id
	}
	pg.dirty = true
	return nil
}

// Search explores numCandidates live neighbours in projectID's graph and
// returns the best k of them. Orphaned nodes still occupy graph slots, so
// the graph search is widened by the orphan count.
func (s *HNSWVectorIndex) Search(ctx context.Context, projectID string, query []float32, k, numCandidates int) ([]VectorMatch, error) {
	if err := checkQueryArgs(projectID, query, s.cfg.Dimensions, k, numCandidates); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("vector index is closed")
	}

	pg, ok := s.projects[projectID]
	if !ok || len(pg.idMap) == 0 || pg.graph.Len() == 0 {
		return []VectorMatch{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	orphans := pg.graph.Len() - len(pg.idMap)
	nodes := pg.graph.Search(q, min(numCandidates+orphans, pg.graph.Len()))

	out := make([]VectorMatch, 0, k)
	for _, node := range nodes {
		id, live := pg.keyMap[node.Key]
		if !live {
			continue
		}
		d := pg.graph.Distance(q, node.Value)
		out = append(out, VectorMatch{ID: id, Score: cosineScore(1 - float64(d))})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Delete drops ids from projectID's mapping.
func (s *HNSWVectorIndex) Delete(ctx context.Context, projectID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	pg, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	for _, id := range ids {
		if key, exists := pg.idMap[id]; exists {
			delete(pg.keyMap, key)
			delete(pg.idMap, id)
			pg.dirty = true
		}
	}
	if len(pg.idMap) == 0 {
		return s.dropProject(projectID)
	}
	return nil
}

// DeleteProject removes projectID's graph and its files.
func (s *HNSWVectorIndex) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector index is closed")
	}
	return s.dropProject(projectID)
}

func (s *HNSWVectorIndex) dropProject(projectID string) error {
	delete(s.projects, projectID)
	if s.cfg.Dir == "" {
		return nil
	}
	base := s.graphPath(projectID)
	for _, p := range []string{base, base + ".meta"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// Count returns the number of live vectors across projects.
func (s *HNSWVectorIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, pg := range s.projects {
		n += len(pg.idMap)
	}
	return n, nil
}

// HNSWStats reports live and orphaned nodes for one project.
type HNSWStats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

// ProjectStats returns node counts for projectID.
func (s *HNSWVectorIndex) ProjectStats(projectID string) HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pg, ok := s.projects[projectID]
	if !ok {
		return HNSWStats{}
	}
	return HNSWStats{
		ValidIDs:   len(pg.idMap),
		GraphNodes: pg.graph.Len(),
		Orphans:    pg.graph.Len() - len(pg.idMap),
	}
}

// compact rebuilds pg from its live nodes.
func (s *HNSWVectorIndex) compact(pg *projectGraph) {
	fresh := s.newProjectGraph()
	ids := make([]string, 0, len(pg.idMap))
	for id := range pg.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		vec, ok := pg.graph.Lookup(pg.idMap[id])
		if !ok {
			continue
		}
		key := fresh.nextKey
		fresh.nextKey++
		fresh.graph.Add(hnsw.MakeNode(key, vec))
		fresh.idMap[id] = key
		fresh.keyMap[key] = id
	}
	*pg = *fresh
	pg.dirty = true
}

// Save writes every dirty project graph under Dir, compacting graphs with
// too many orphans first. A no-op for in-memory indexes.
func (s *HNSWVectorIndex) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector index is closed")
	}
	if s.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	for projectID, pg := range s.projects {
		if !pg.dirty {
			continue
		}
		if nodes := pg.graph.Len(); nodes > 0 && float64(nodes-len(pg.idMap))/float64(nodes) > compactOrphanRatio {
			s.logger.Info("vector_graph_compacted",
				slog.String("project_id", projectID),
				slog.Int("orphans", nodes-len(pg.idMap)))
			s.compact(pg)
		}
		if err := s.saveProject(projectID, pg); err != nil {
			return err
		}
		pg.dirty = false
	}
	return nil
}

func (s *HNSWVectorIndex) graphPath(projectID string) string {
	return filepath.Join(s.cfg.Dir, hex.EncodeToString([]byte(projectID))+hnswExt)
}

// saveProject writes the graph then its metadata, each via temp + rename.
func (s *HNSWVectorIndex) saveProject(projectID string, pg *projectGraph) error {
	path := s.graphPath(projectID)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create graph file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := pg.graph.Export(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close graph file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename graph file: %w", err)
	}

	meta := hnswMetadata{
		ProjectID:  projectID,
		IDMap:      pg.idMap,
		NextKey:    pg.nextKey,
		Dimensions: s.cfg.Dimensions,
	}
	metaTmp := path + ".meta.tmp"
	mf, err := os.Create(metaTmp)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	if err := gob.NewEncoder(mf).Encode(meta); err != nil {
		mf.Close()
		os.Remove(metaTmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := mf.Close(); err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(metaTmp, path+".meta")
}

// loadAll imports every graph under Dir. A graph written with another
// dimension is a configuration error, not something to silently discard.
func (s *HNSWVectorIndex) loadAll() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read vector dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), hnswExt) {
			continue
		}
		path := filepath.Join(s.cfg.Dir, e.Name())
		meta, err := readHNSWMetadata(path + ".meta")
		if err != nil {
			return err
		}
		if meta.Dimensions != s.cfg.Dimensions {
			return jerrors.DimensionMismatch(s.cfg.Dimensions, meta.Dimensions).
				WithDetail("path", path).
				WithSuggestion("reindex after changing embeddings.dimensions")
		}

		pg := s.newProjectGraph()
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open graph file: %w", err)
		}
		err = pg.graph.Import(bufio.NewReader(f))
		f.Close()
		if err != nil {
			return jerrors.New(jerrors.ErrCodeStoreCorrupt, "failed to import vector graph", err).
				WithDetail("path", path)
		}

		pg.idMap = meta.IDMap
		pg.nextKey = meta.NextKey
		for id, key := range pg.idMap {
			pg.keyMap[key] = id
		}
		s.projects[meta.ProjectID] = pg
	}
	return nil
}

func readHNSWMetadata(path string) (*hnswMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	defer f.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return nil, jerrors.New(jerrors.ErrCodeStoreCorrupt, "failed to decode vector metadata", err).
			WithDetail("path", path)
	}
	if meta.IDMap == nil {
		meta.IDMap = make(map[string]uint64)
	}
	return &meta, nil
}

// Close saves dirty graphs and releases them.
func (s *HNSWVectorIndex) Close() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}

	err := s.Save()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.projects = nil
	return err
}

var _ VectorIndex = (*HNSWVectorIndex)(nil)

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
