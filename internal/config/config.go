package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// ProjectConfigName is the per-workspace config file.
const ProjectConfigName = ".jurisscope.yaml"

// Config represents the complete jurisscope configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	DataDir    string           `yaml:"data_dir" json:"data_dir" validate:"required"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Reranker   RerankerConfig   `yaml:"reranker" json:"reranker"`
	Generator  GeneratorConfig  `yaml:"generator" json:"generator"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// StoreConfig selects and configures the chunk store backends.
type StoreConfig struct {
	// Backend is "local" (embedded indexes under DataDir) or "elastic".
	Backend string `yaml:"backend" json:"backend" validate:"oneof=local elastic"`

	// Lexical selects the local lexical index: "bleve" or "sqlite" (FTS5).
	Lexical string `yaml:"lexical" json:"lexical" validate:"oneof=bleve sqlite"`

	// Vector selects the local vector index: "hnsw", "qdrant" or "pgvector".
	Vector string `yaml:"vector" json:"vector" validate:"oneof=hnsw qdrant pgvector"`

	HNSWM        int `yaml:"hnsw_m" json:"hnsw_m" validate:"min=2"`
	HNSWEfSearch int `yaml:"hnsw_ef_search" json:"hnsw_ef_search" validate:"min=1"`

	QdrantAddr       string `yaml:"qdrant_addr" json:"qdrant_addr"`
	QdrantCollection string `yaml:"qdrant_collection" json:"qdrant_collection"`

	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`

	ElasticURL    string `yaml:"elastic_url" json:"elastic_url"`
	ElasticAPIKey string `yaml:"elastic_api_key" json:"-"`
	IndexPrefix   string `yaml:"index_prefix" json:"index_prefix" validate:"required"`
}

// SearchConfig configures retrieval and fusion.
type SearchConfig struct {
	// RankFusion reports whether the local store offers rank-based fusion.
	// Remote stores probe the capability per request instead.
	RankFusion bool `yaml:"rank_fusion" json:"rank_fusion"`

	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant" validate:"min=1"`

	// Weights for the weighted-score fallback.
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight" validate:"gte=0,lte=1"`
	VectorWeight  float64 `yaml:"vector_weight" json:"vector_weight" validate:"gte=0,lte=1"`

	CandidateMultiplier int `yaml:"candidate_multiplier" json:"candidate_multiplier" validate:"min=1"`
	DefaultK            int `yaml:"default_k" json:"default_k" validate:"min=1"`
	MaxK                int `yaml:"max_k" json:"max_k" validate:"gtefield=DefaultK"`
	DedupPrefix         int `yaml:"dedup_prefix" json:"dedup_prefix" validate:"min=1"`
	HighlightSize       int `yaml:"highlight_size" json:"highlight_size" validate:"min=0"`

	LexicalTimeout time.Duration `yaml:"lexical_timeout" json:"lexical_timeout" validate:"gt=0"`
	VectorTimeout  time.Duration `yaml:"vector_timeout" json:"vector_timeout" validate:"gt=0"`

	// CapabilityTimeout bounds the rank-fusion capability check. A check
	// that times out keeps RRF.
	CapabilityTimeout time.Duration `yaml:"capability_timeout" json:"capability_timeout" validate:"gt=0"`

	// CapabilityTTL is how long a remote store trusts a definitive
	// capability answer. Negative probes on every request.
	CapabilityTTL time.Duration `yaml:"capability_ttl" json:"capability_ttl"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider" validate:"oneof=ollama openai static"`
	Model      string `yaml:"model" json:"model"`
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	APIKey     string `yaml:"api_key" json:"-"`
	Dimensions int    `yaml:"dimensions" json:"dimensions" validate:"min=1"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size" validate:"min=1"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size" validate:"min=0"`

	// RequestsPerSecond throttles provider calls; 0 disables throttling.
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// RerankerConfig configures the cross-encoder reranker.
type RerankerConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint" validate:"required_if=Enabled true"`
	Model         string        `yaml:"model" json:"model"`
	APIKey        string        `yaml:"api_key" json:"-"`
	Shortlist     int           `yaml:"shortlist" json:"shortlist" validate:"min=20,max=100"`
	MaxInputChars int           `yaml:"max_input_chars" json:"max_input_chars" validate:"min=1"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxFailures   int           `yaml:"max_failures" json:"max_failures" validate:"min=1"`
	ResetTimeout  time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// GeneratorConfig configures the answer generator used by `ask`.
type GeneratorConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	Model           string        `yaml:"model" json:"model"`
	APIKey          string        `yaml:"api_key" json:"-"`
	MaxContextChars int           `yaml:"max_context_chars" json:"max_context_chars" validate:"min=1"`
	Temperature     float64       `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// IngestConfig configures chunking and ingestion concurrency.
type IngestConfig struct {
	Encoding     string `yaml:"encoding" json:"encoding" validate:"required"`
	ChunkSize    int    `yaml:"chunk_size" json:"chunk_size" validate:"min=1"`
	ChunkOverlap int    `yaml:"chunk_overlap" json:"chunk_overlap" validate:"min=0,ltfield=ChunkSize"`
	Workers      int    `yaml:"workers" json:"workers" validate:"min=1"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb" validate:"min=1"`
	MaxFiles  int    `yaml:"max_files" json:"max_files" validate:"min=1"`
	Stderr    bool   `yaml:"stderr" json:"stderr"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Store: StoreConfig{
			Backend:          "local",
			Lexical:          "bleve",
			Vector:           "hnsw",
			HNSWM:            16,
			HNSWEfSearch:     100,
			QdrantAddr:       "localhost:6334",
			QdrantCollection: "jurisscope-chunks",
			IndexPrefix:      "jurisscope",
		},
		Search: SearchConfig{
			RankFusion:          true,
			RRFConstant:         60,
			LexicalWeight:       0.5,
			VectorWeight:        0.5,
			CandidateMultiplier: 10,
			DefaultK:            5,
			MaxK:                100,
			DedupPrefix:         200,
			HighlightSize:       240,
			LexicalTimeout:      5 * time.Second,
			VectorTimeout:       5 * time.Second,
			CapabilityTimeout:   2 * time.Second,
			CapabilityTTL:       30 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "jina/jina-embeddings-v2-base-en",
			Endpoint:   "http://localhost:11434",
			Dimensions: 1024,
			BatchSize:  50,
			CacheSize:  1000,
			Timeout:    30 * time.Second,
		},
		Reranker: RerankerConfig{
			Enabled:       false,
			Model:         "jina-reranker-v2-base-multilingual",
			Shortlist:     50,
			MaxInputChars: 1000,
			Timeout:       10 * time.Second,
			MaxFailures:   3,
			ResetTimeout:  30 * time.Second,
		},
		Generator: GeneratorConfig{
			Enabled:         false,
			Model:           "gpt-4.1",
			MaxContextChars: 1500,
			Temperature:     0.1,
			Timeout:         60 * time.Second,
		},
		Ingest: IngestConfig{
			Encoding:     "cl100k_base",
			ChunkSize:    512,
			ChunkOverlap: 50,
			Workers:      4,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".jurisscope")
	}
	return filepath.Join(home, ".jurisscope")
}

// GetUserConfigPath returns the user-level config file path, honouring
// XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "jurisscope", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "jurisscope", "config.yaml")
	}
	return filepath.Join(home, ".config", "jurisscope", "config.yaml")
}

// Load loads configuration for the workspace dir.
// Precedence, lowest first:
//  1. Defaults
//  2. User config (~/.config/jurisscope/config.yaml)
//  3. Project config (.jurisscope.yaml in dir)
//  4. .env.local then .env in dir (never overriding the real environment)
//  5. JURISSCOPE_* environment variables
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadYAMLIfExists(GetUserConfigPath()); err != nil {
		return nil, err
	}
	if err := cfg.loadYAMLIfExists(filepath.Join(dir, ProjectConfigName)); err != nil {
		return nil, err
	}
	if err := loadDotEnv(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults, then the given file, then env overrides.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAMLIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return c.loadYAML(path)
}

// loadYAML decodes path on top of the current values. Keys absent from the
// file leave the existing value in place.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return jerrors.New(jerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return jerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// loadDotEnv loads .env.local and .env from dir. godotenv never overrides
// variables already set, so the first file loaded wins.
func loadDotEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return jerrors.ConfigError(fmt.Sprintf("failed to load %s", path), err)
		}
	}
	return nil
}

// firstEnv returns the value of the first set variable among names.
func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// applyEnvOverrides applies JURISSCOPE_* variables. A few provider-native
// names (ELASTICSEARCH_ENDPOINT, OPENAI_API_KEY, DATABASE_URL) are accepted
// as aliases.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("JURISSCOPE_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("JURISSCOPE_STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("JURISSCOPE_STORE_LEXICAL"); v != "" {
		c.Store.Lexical = strings.ToLower(v)
	}
	if v := os.Getenv("JURISSCOPE_STORE_VECTOR"); v != "" {
		c.Store.Vector = strings.ToLower(v)
	}
	if v := firstEnv("JURISSCOPE_ELASTIC_URL", "ELASTICSEARCH_ENDPOINT"); v != "" {
		c.Store.ElasticURL = v
	}
	if v := firstEnv("JURISSCOPE_ELASTIC_API_KEY", "ELASTICSEARCH_API_KEY"); v != "" {
		c.Store.ElasticAPIKey = v
	}
	if v := os.Getenv("JURISSCOPE_QDRANT_ADDR"); v != "" {
		c.Store.QdrantAddr = v
	}
	if v := firstEnv("JURISSCOPE_POSTGRES_DSN", "DATABASE_URL"); v != "" {
		c.Store.PostgresDSN = v
	}

	if v := os.Getenv("JURISSCOPE_RANK_FUSION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Search.RankFusion = b
		}
	}
	if v := os.Getenv("JURISSCOPE_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.RRFConstant = k
		}
	}
	if v := os.Getenv("JURISSCOPE_CANDIDATE_MULTIPLIER"); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m > 0 {
			c.Search.CandidateMultiplier = m
		}
	}

	if v := os.Getenv("JURISSCOPE_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("JURISSCOPE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("JURISSCOPE_EMBEDDINGS_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := firstEnv("JURISSCOPE_EMBEDDINGS_API_KEY", "OPENAI_API_KEY"); v != "" {
		c.Embeddings.APIKey = v
	}

	if v := os.Getenv("JURISSCOPE_RERANKER_ENDPOINT"); v != "" {
		c.Reranker.Endpoint = v
		c.Reranker.Enabled = true
	}
	if v := os.Getenv("JURISSCOPE_RERANKER_API_KEY"); v != "" {
		c.Reranker.APIKey = v
	}

	if v := os.Getenv("JURISSCOPE_GENERATOR_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("JURISSCOPE_GENERATOR_ENDPOINT"); v != "" {
		c.Generator.Endpoint = v
	}
	if v := firstEnv("JURISSCOPE_GENERATOR_API_KEY", "OPENAI_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}

	if v := os.Getenv("JURISSCOPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

var validate = validator.New()

// Validate checks the configuration. Errors name every offending field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateBackends()
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return jerrors.ConfigError("invalid configuration", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed on '%s'", e.Namespace(), e.Tag()))
	}
	return jerrors.ConfigError("invalid configuration: "+strings.Join(fields, "; "), err)
}

// validateBackends checks the settings each selected backend needs.
func (c *Config) validateBackends() error {
	switch {
	case c.Store.Backend == "elastic" && c.Store.ElasticURL == "":
		return jerrors.ConfigError("store.elastic_url is required for the elastic backend", nil)
	case c.Store.Backend == "local" && c.Store.Vector == "qdrant" && c.Store.QdrantAddr == "":
		return jerrors.ConfigError("store.qdrant_addr is required for the qdrant vector index", nil)
	case c.Store.Backend == "local" && c.Store.Vector == "pgvector" && c.Store.PostgresDSN == "":
		return jerrors.ConfigError("store.postgres_dsn is required for the pgvector index", nil)
	case c.Embeddings.Provider == "openai" && c.Embeddings.APIKey == "" && c.Embeddings.Endpoint == "":
		return jerrors.ConfigError("embeddings.api_key or embeddings.endpoint is required for openai", nil)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
