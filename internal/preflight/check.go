package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amelia751/jurisscope/internal/config"
	"github.com/amelia751/jurisscope/internal/embed"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/ingest"
	"github.com/amelia751/jurisscope/internal/store"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the status in lower case for JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// UnmarshalText parses the lower-case status names.
func (s *CheckStatus) UnmarshalText(b []byte) error {
	for _, st := range []CheckStatus{StatusPass, StatusWarn, StatusFail} {
		if strings.EqualFold(string(b), st.String()) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown check status %q", b)
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// probeTimeout bounds each network probe.
const probeTimeout = 10 * time.Second

// Checker performs preflight validation checks against a configuration.
type Checker struct {
	cfg    *config.Config
	cfgErr error
	logger *slog.Logger

	openStore    func(context.Context, *config.Config, *slog.Logger) (store.ChunkStore, error)
	newEmbedder  func(context.Context, config.EmbeddingsConfig, *slog.Logger) (embed.Embedder, error)
	newTokenizer func(string) (ingest.Tokenizer, error)
	minDisk      uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithConfigError records a configuration load failure. The config check
// reports it and the checks that depend on the configuration are skipped.
func WithConfigError(err error) Option {
	return func(c *Checker) {
		c.cfgErr = err
	}
}

// WithLogger sets the logger handed to the store and embedder.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMinDiskSpace overrides MinDiskSpaceBytes.
func WithMinDiskSpace(bytes uint64) Option {
	return func(c *Checker) {
		c.minDisk = bytes
	}
}

// New creates a Checker for cfg.
func New(cfg *config.Config, opts ...Option) *Checker {
	c := &Checker{
		cfg:          cfg,
		logger:       slog.Default(),
		openStore:    store.Open,
		newEmbedder:  embed.NewEmbedder,
		newTokenizer: ingest.NewTiktokenTokenizer,
		minDisk:      MinDiskSpaceBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check that applies to the configured backends.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	cfgResult := c.CheckConfig()
	if cfgResult.Status == StatusFail {
		return []CheckResult{cfgResult}
	}
	results := []CheckResult{cfgResult}

	if c.cfg.Store.Backend != store.BackendElastic {
		results = append(results,
			c.CheckWritePermissions(c.cfg.DataDir),
			c.CheckDiskSpace(c.cfg.DataDir),
			c.CheckFileDescriptors(),
		)
	}
	results = append(results,
		c.CheckStore(ctx),
		c.CheckEmbedder(ctx),
		c.CheckTokenizer(),
	)
	if c.cfg.Generator.Enabled {
		results = append(results, c.CheckGenerator())
	}
	return results
}

// HasCriticalFailures returns true if any required check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns "ready", "ready_with_warnings" or "failed".
func SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status != StatusPass {
			hasWarnings = true
		}
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// CheckConfig reports whether the configuration loaded and validated.
func (c *Checker) CheckConfig() CheckResult {
	result := CheckResult{Name: "config", Required: true}
	switch {
	case c.cfgErr != nil:
		result.Status = StatusFail
		result.Message = c.cfgErr.Error()
		var je *jerrors.JurisError
		if errors.As(c.cfgErr, &je) && je.Suggestion != "" {
			result.Details = je.Suggestion
		}
	case c.cfg == nil:
		result.Status = StatusFail
		result.Message = "no configuration loaded"
	default:
		if err := c.cfg.Validate(); err != nil {
			result.Status = StatusFail
			result.Message = err.Error()
			return result
		}
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s backend, %s embeddings", c.cfg.Store.Backend, c.cfg.Embeddings.Provider)
	}
	return result
}

// CheckStore opens the chunk store and reads its statistics.
func (c *Checker) CheckStore(ctx context.Context) CheckResult {
	result := CheckResult{Name: "store", Required: true}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	s, err := c.openStore(ctx, c.cfg, c.logger)
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		if jerrors.GetCode(err) == jerrors.ErrCodeStoreLocked {
			result.Details = "Another jurisscope process holds the data directory"
		}
		return result
	}
	defer func() { _ = s.Close() }()

	st, err := s.Stats(ctx)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("stats failed: %v", err)
		return result
	}
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%d chunks in %d documents across %d projects",
		st.ChunkCount, st.DocumentCount, st.ProjectCount)
	if c.cfg.Store.Backend != store.BackendElastic {
		result.Details = fmt.Sprintf("lexical %s, vector %s", c.cfg.Store.Lexical, c.cfg.Store.Vector)
	}
	return result
}

// CheckEmbedder embeds a probe text and verifies the vector dimension.
// An unreachable provider is a warning: search degrades to lexical-only.
// A dimension mismatch fails, since vectors could not be indexed.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{Name: "embedder", Required: true}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	e, err := c.newEmbedder(ctx, c.cfg.Embeddings, c.logger)
	if err == nil {
		defer func() { _ = e.Close() }()
		var vec []float32
		vec, err = e.Embed(ctx, "preflight probe")
		if err == nil && len(vec) != c.cfg.Embeddings.Dimensions {
			err = jerrors.DimensionMismatch(c.cfg.Embeddings.Dimensions, len(vec))
		}
	}

	switch {
	case err == nil:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s (%d dimensions)", e.ModelName(), c.cfg.Embeddings.Dimensions)
	case jerrors.GetCode(err) == jerrors.ErrCodeDimensionMismatch:
		result.Status = StatusFail
		result.Message = err.Error()
		result.Details = "Set embeddings.dimensions to the model's output size and re-index"
	default:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("unavailable, retrieval will be lexical-only: %v", err)
		result.Details = "Start the provider or set embeddings.provider to static for offline use"
	}
	return result
}

// CheckTokenizer loads the chunking encoding. Only indexing needs it.
func (c *Checker) CheckTokenizer() CheckResult {
	result := CheckResult{Name: "tokenizer", Required: false}
	if _, err := c.newTokenizer(c.cfg.Ingest.Encoding); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s unavailable, indexing will fail: %v", c.cfg.Ingest.Encoding, err)
		return result
	}
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s, %d token chunks with %d overlap",
		c.cfg.Ingest.Encoding, c.cfg.Ingest.ChunkSize, c.cfg.Ingest.ChunkOverlap)
	return result
}

// CheckGenerator reports a generator enabled without credentials. Ask
// falls back to extractive answers when generation fails.
func (c *Checker) CheckGenerator() CheckResult {
	result := CheckResult{Name: "generator", Required: false}
	if c.cfg.Generator.APIKey == "" {
		result.Status = StatusWarn
		result.Message = "enabled without api_key, answers will be extractive"
		return result
	}
	result.Status = StatusPass
	result.Message = c.cfg.Generator.Model
	return result
}
