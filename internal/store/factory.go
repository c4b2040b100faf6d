package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/amelia751/jurisscope/internal/config"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// Backend names accepted in config.
const (
	BackendLocal   = "local"
	BackendElastic = "elastic"

	LexicalBleve  = "bleve"
	LexicalSQLite = "sqlite"

	VectorHNSW     = "hnsw"
	VectorQdrant   = "qdrant"
	VectorPGVector = "pgvector"
)

// LexicalIndexPath returns where the local lexical index lives for backend.
func LexicalIndexPath(dataDir, backend string) string {
	base := filepath.Join(dataDir, "lexical")
	if backend == LexicalSQLite {
		return base + ".db"
	}
	return base + ".bleve"
}

// Open builds the ChunkStore described by cfg. The local backend takes an
// exclusive lock on the data directory for the lifetime of the store.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ChunkStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Store.Backend {
	case BackendElastic:
		es, err := NewElasticStore(ctx, ElasticConfig{
			URL:           cfg.Store.ElasticURL,
			APIKey:        cfg.Store.ElasticAPIKey,
			IndexPrefix:   cfg.Store.IndexPrefix,
			Dimensions:    cfg.Embeddings.Dimensions,
			HighlightSize: cfg.Search.HighlightSize,
			CapabilityTTL: cfg.Search.CapabilityTTL,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return es, nil
	case BackendLocal, "":
		ls, err := openLocal(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return ls, nil
	default:
		return nil, jerrors.ConfigError(fmt.Sprintf("unknown store backend %q (valid: local, elastic)", cfg.Store.Backend), nil)
	}
}

func openLocal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *LocalStore, err error) {
	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, jerrors.StoreError("create data directory", err)
	}

	lock := NewDataLock(dataDir)
	if err := lock.TryLock(); err != nil {
		return nil, err
	}

	// Each opened part is closed again if a later one fails.
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
			_ = lock.Unlock()
		}
	}()

	catalog, err := OpenCatalog(filepath.Join(dataDir, CatalogFileName), logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, catalog.Close)

	lexical, err := openLexical(cfg, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, lexical.Close)

	vector, err := openVector(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, vector.Close)

	return NewLocalStore(LocalConfig{
		Catalog:    catalog,
		Lexical:    lexical,
		Vector:     vector,
		Dimensions: cfg.Embeddings.Dimensions,
		RankFusion: cfg.Search.RankFusion,
		DataDir:    dataDir,
		Lock:       lock,
		Logger:     logger,
	})
}

func openLexical(cfg *config.Config, logger *slog.Logger) (LexicalIndex, error) {
	path := LexicalIndexPath(cfg.DataDir, cfg.Store.Lexical)
	switch cfg.Store.Lexical {
	case LexicalSQLite:
		return NewSQLiteLexicalIndex(path, cfg.Search.HighlightSize, logger)
	case LexicalBleve, "":
		return NewBleveLexicalIndex(path, cfg.Search.HighlightSize, logger)
	default:
		return nil, jerrors.ConfigError(fmt.Sprintf("unknown lexical backend %q (valid: bleve, sqlite)", cfg.Store.Lexical), nil)
	}
}

func openVector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (VectorIndex, error) {
	dim := cfg.Embeddings.Dimensions
	switch cfg.Store.Vector {
	case VectorQdrant:
		if cfg.Store.QdrantAddr == "" {
			return nil, jerrors.ConfigError("store.qdrant_addr is required for the qdrant vector backend", nil)
		}
		return NewQdrantVectorIndex(ctx, cfg.Store.QdrantAddr, cfg.Store.QdrantCollection, dim)
	case VectorPGVector:
		if cfg.Store.PostgresDSN == "" {
			return nil, jerrors.ConfigError("store.postgres_dsn is required for the pgvector backend", nil)
		}
		return NewPGVectorIndex(ctx, cfg.Store.PostgresDSN, dim)
	case VectorHNSW, "":
		return NewHNSWVectorIndex(HNSWConfig{
			Dimensions: dim,
			M:          cfg.Store.HNSWM,
			EfSearch:   cfg.Store.HNSWEfSearch,
			Dir:        filepath.Join(cfg.DataDir, "vectors"),
		}, logger)
	default:
		return nil, jerrors.ConfigError(fmt.Sprintf("unknown vector backend %q (valid: hnsw, qdrant, pgvector)", cfg.Store.Vector), nil)
	}
}

// Saver is implemented by stores that buffer writes in memory.
type Saver interface {
	Save() error
}

// SaveIfSupported flushes s when it buffers writes.
func SaveIfSupported(s ChunkStore) error {
	if sv, ok := s.(Saver); ok {
		return sv.Save()
	}
	return nil
}
