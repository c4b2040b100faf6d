package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia751/jurisscope/internal/store"
)

func TestDocumentsCmd_ListsProjectDocuments(t *testing.T) {
	// Given: two gdpr documents and one msa document
	env := newTestEnv(t)
	env.seedContracts()

	// When: listing gdpr as JSON
	stdout, _, err := env.run("documents", "-p", "gdpr", "--format", "json")
	require.NoError(t, err)

	// Then: only gdpr documents, sorted by id, with counts
	var docs []store.DocumentSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "gdpr-art28", docs[0].DocID)
	assert.Equal(t, "gdpr-art33", docs[1].DocID)
	assert.Equal(t, 2, docs[1].ChunkCount)
	assert.Equal(t, 2, docs[1].MaxPage)
}

func TestDocumentsCmd_EmptyProject(t *testing.T) {
	env := newTestEnv(t)
	env.seedContracts()

	stdout, _, err := env.run("documents", "-p", "nda")
	require.NoError(t, err)
	assert.Contains(t, stdout, `No documents indexed in project "nda"`)

	stdout, _, err = env.run("docs", "-p", "nda", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", stdout)
}

func TestDocumentsCmd_TextOutput(t *testing.T) {
	env := newTestEnv(t)
	env.seedContracts()

	stdout, _, err := env.run("documents", "-p", "msa")
	require.NoError(t, err)
	assert.Contains(t, stdout, `1 documents in "msa"`)
	assert.Contains(t, stdout, " 1. msa-2024")
	assert.Contains(t, stdout, "msa-2024.pdf, 1 chunks, 3 pages")
}

func TestDeleteCmd_Document(t *testing.T) {
	// Given: indexed contracts
	env := newTestEnv(t)
	env.seedContracts()

	// When: deleting one gdpr document
	stdout, _, err := env.run("delete", "-p", "gdpr", "--doc", "gdpr-art33")
	require.NoError(t, err)
	assert.Contains(t, stdout, `Deleted 2 chunks of document "gdpr-art33" in project "gdpr"`)

	// Then: its chunks are gone from search and listings
	stdout, _, err = env.run("documents", "-p", "gdpr", "--format", "json")
	require.NoError(t, err)
	var docs []store.DocumentSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "gdpr-art28", docs[0].DocID)
}

func TestDeleteCmd_ProjectLeavesOthers(t *testing.T) {
	env := newTestEnv(t)
	env.seedContracts()

	stdout, _, err := env.run("delete", "--project", "gdpr", "--format", "json")
	require.NoError(t, err)
	var res deleteResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, 3, res.Deleted)

	stdout, _, err = env.run("documents", "-p", "msa", "--format", "json")
	require.NoError(t, err)
	var docs []store.DocumentSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &docs))
	assert.Len(t, docs, 1)
}

func TestDeleteCmd_NothingToDelete(t *testing.T) {
	env := newTestEnv(t)
	env.seedContracts()

	stdout, _, err := env.run("delete", "-p", "gdpr", "--doc", "missing")
	require.NoError(t, err)
	assert.Contains(t, stdout, `Nothing indexed for document "missing" in project "gdpr"`)
}

func TestDeleteCmd_DocumentOfOtherProjectUntouched(t *testing.T) {
	// Given: indexed contracts, msa-2024 living in project msa
	env := newTestEnv(t)
	env.seedContracts()

	// When: deleting msa-2024 under the gdpr project
	stdout, _, err := env.run("delete", "-p", "gdpr", "--doc", "msa-2024", "--format", "json")
	require.NoError(t, err)

	// Then: nothing is deleted and the msa document remains
	var res deleteResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, 0, res.Deleted)

	stdout, _, err = env.run("documents", "-p", "msa", "--format", "json")
	require.NoError(t, err)
	var docs []store.DocumentSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "msa-2024", docs[0].DocID)
}

func TestDeleteCmd_FlagRules(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run("delete")
	assert.Error(t, err, "--project is required")

	_, _, err = env.run("delete", "--doc", "a")
	assert.Error(t, err, "--doc alone does not name a project")
}
