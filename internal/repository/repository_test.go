package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

func TestFileRepository_SaveGetDeleteList(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir)

	_, ok := repo.GetTest("missing")
	assert.False(t, ok)

	def := &model.TestDefinition{URL: "https://example.com"}
	require.NoError(t, repo.Save("t1", def))

	got, ok := repo.GetTest("t1")
	require.True(t, ok)
	assert.Equal(t, "https://example.com", got.URL)

	ids, err := repo.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	require.NoError(t, repo.Delete("t1"))
	_, ok = repo.GetTest("t1")
	assert.False(t, ok)
}

func TestSlugify_Idempotent(t *testing.T) {
	cases := []string{"Login Flow", "smoke/test:1", "already-slugged", "  spaced  ", "UPPER_case"}
	for _, c := range cases {
		once := Slugify(c)
		assert.Equal(t, once, Slugify(once), "slugify(slugify(%q))", c)
	}
}

func TestSlugify_CollapsesRunsAndTrims(t *testing.T) {
	assert.Equal(t, "login-flow", Slugify("Login  Flow!"))
	assert.Equal(t, "a-b", Slugify("--a///b--"))
	assert.Equal(t, "snake_ok", Slugify("snake_ok"))
}

func TestFileRepository_SlugifiedIDResolvesSameFile(t *testing.T) {
	repo := NewFileRepository(t.TempDir())
	def := &model.TestDefinition{URL: "https://example.com"}
	require.NoError(t, repo.Save("Login Flow", def))

	_, ok := repo.GetTest("login-flow")
	assert.True(t, ok, "raw id and its slug must resolve to the same document")
}

func TestFileRepository_ListEmptyDirNoError(t *testing.T) {
	repo := NewFileRepository(filepath.Join(t.TempDir(), "nonexistent"))
	ids, err := repo.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
