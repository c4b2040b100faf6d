package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amelia751/jurisscope/internal/config"
	"github.com/amelia751/jurisscope/internal/embed"
	"github.com/amelia751/jurisscope/internal/ingest"
	"github.com/amelia751/jurisscope/internal/logging"
	"github.com/amelia751/jurisscope/internal/store"
)

const testDims = 8

// testEnv is an isolated home, data directory and config file.
type testEnv struct {
	t          *testing.T
	home       string
	configPath string
	cfg        *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, k := range []string{
		"JURISSCOPE_DATA_DIR", "JURISSCOPE_STORE_BACKEND", "JURISSCOPE_EMBEDDINGS_PROVIDER",
		"JURISSCOPE_RERANKER_ENDPOINT", "JURISSCOPE_LOG_LEVEL", "OPENAI_API_KEY",
		"ELASTICSEARCH_ENDPOINT", "DATABASE_URL",
	} {
		t.Setenv(k, "")
	}

	cfg := config.NewConfig()
	cfg.DataDir = filepath.Join(home, "data")
	cfg.Embeddings.Provider = "static"
	cfg.Embeddings.Dimensions = testDims
	cfg.Embeddings.CacheSize = 0
	cfg.Logging.File = filepath.Join(home, "logs", "jurisscope.log")
	cfg.Ingest.ChunkSize = 64
	cfg.Ingest.ChunkOverlap = 8
	cfg.Ingest.Workers = 2

	path := filepath.Join(home, "jurisscope.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	return &testEnv{t: t, home: home, configPath: path, cfg: cfg}
}

// run executes the CLI with --config prepended and returns stdout and stderr.
func (e *testEnv) run(args ...string) (string, string, error) {
	e.t.Helper()
	root := NewRootCmd()
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// seed indexes chunks directly, with static embeddings, and closes the
// store so the CLI can take the data lock.
func (e *testEnv) seed(chunks ...*store.Chunk) {
	e.t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, e.cfg, logging.Discard())
	require.NoError(e.t, err)

	emb := embed.NewStaticEmbedder(testDims)
	for _, c := range chunks {
		if c.Embedding == nil {
			v, err := emb.Embed(ctx, c.Text)
			require.NoError(e.t, err)
			c.Embedding = v
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
	}
	report, err := s.BulkIndex(ctx, chunks)
	require.NoError(e.t, err)
	require.Zero(e.t, report.Failed)
	require.NoError(e.t, s.Close())
}

func legalChunk(project, doc string, i, page int, text string) *store.Chunk {
	return &store.Chunk{
		ChunkID:       store.ChunkID(project, doc, i),
		DocID:         doc,
		ProjectID:     project,
		DocTitle:      doc + ".pdf",
		Text:          text,
		Page:          page,
		LocationHints: []store.BBox{{X1: 0.1, Y1: 0.2, X2: 0.9, Y2: 0.4}},
		SectionPath:   "Obligations",
	}
}

// seedContracts indexes two projects that share vocabulary.
func (e *testEnv) seedContracts() {
	e.seed(
		legalChunk("gdpr", "gdpr-art33", 0, 1, "The controller shall notify the supervisory authority of a personal data breach within 72 hours."),
		legalChunk("gdpr", "gdpr-art33", 1, 2, "Where the notification is not made within 72 hours it shall be accompanied by reasons for the delay."),
		legalChunk("gdpr", "gdpr-art28", 0, 1, "The processor shall not engage another processor without prior specific or general written authorisation."),
		legalChunk("msa", "msa-2024", 0, 3, "Supplier shall notify Customer of any security breach within five business days."),
	)
}

// requireTokenizer skips tests that need the cl100k_base encoding when it
// cannot be loaded offline.
func requireTokenizer(t *testing.T) {
	t.Helper()
	if _, err := ingest.NewTiktokenTokenizer(ingest.DefaultEncoding); err != nil {
		t.Skipf("cl100k_base unavailable: %v", err)
	}
}
