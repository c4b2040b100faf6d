package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/preflight"
)

func TestDoctorCmd_HealthySetup(t *testing.T) {
	// Given: the static embedder and a local store with documents
	env := newTestEnv(t)
	env.seedContracts()

	// When: running doctor as JSON
	stdout, _, err := env.run("doctor", "--format", "json")
	require.NoError(t, err)

	// Then: no required check fails and the store is counted
	var res DoctorOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.NotEqual(t, "failed", res.Status)
	var store *preflight.CheckResult
	for i := range res.Checks {
		assert.False(t, res.Checks[i].IsCritical(), res.Checks[i].Name)
		if res.Checks[i].Name == "store" {
			store = &res.Checks[i]
		}
	}
	require.NotNil(t, store)
	assert.Equal(t, "4 chunks in 3 documents across 2 projects", store.Message)
}

func TestDoctorCmd_TextOutput(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := env.run("doctor", "-v")
	require.NoError(t, err)

	assert.Contains(t, stdout, "System check")
	assert.Contains(t, stdout, "config: local backend, static embeddings")
	assert.Contains(t, stdout, "lexical bleve, vector hnsw")
	assert.Contains(t, stdout, "Status:")
}

func TestDoctorCmd_InvalidConfigFails(t *testing.T) {
	// Given: a config file with an unknown backend
	env := newTestEnv(t)
	bad := filepath.Join(env.home, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store:\n  backend: cassandra\n"), 0644))
	env.configPath = bad

	// When: running doctor
	stdout, _, err := env.run("doctor", "--format", "json")

	// Then: only the config check is reported and the command fails
	require.Error(t, err)
	assert.Equal(t, jerrors.ErrCodeInternal, jerrors.GetCode(err))
	var res DoctorOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "failed", res.Status)
	require.Len(t, res.Checks, 1)
	assert.Equal(t, "config", res.Checks[0].Name)
}
