package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecdb"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	require.NoError(t, err, out)
	return out
}

func TestCLIWorkflow(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()

	assert.Contains(t, mustRun(t, dir, "create", "docs", "--dim", "3", "--metric", "cosine"), "created docs")
	assert.Equal(t, "docs\n", mustRun(t, dir, "list"))

	assert.Equal(t, "1\n", mustRun(t, dir, "insert", "docs", "--vector", "1,0,0", "--meta", "lang=en", "--meta", "year=2021"))
	assert.Equal(t, "2\n", mustRun(t, dir, "insert", "docs", "--vector", "0,1,0", "--meta", "lang=de"))

	records := filepath.Join(t.TempDir(), "records.yaml")
	require.NoError(t, os.WriteFile(records, []byte(`
- id: 10
  vector: [0.9, 0.1, 0]
  metadata: {lang: en, year: 2019}
- vector: [0, 0, 1]
`), 0o644))
	assert.Contains(t, mustRun(t, dir, "insert", "docs", "--file", records), "inserted 2 records")

	out := mustRun(t, dir, "search", "docs", "--vector", "1,0,0", "-k", "2", "--consistency", "strong")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "1\t"), out)
	assert.True(t, strings.HasPrefix(lines[1], "10\t"), out)

	out = mustRun(t, dir, "search", "docs", "--vector", "1,0,0", "--where", "year>=2020", "--format", "yaml")
	var sv searchView
	require.NoError(t, yaml.Unmarshal([]byte(out), &sv))
	require.Len(t, sv.Hits, 1)
	assert.EqualValues(t, 1, sv.Hits[0].ID)
	assert.Equal(t, "en", sv.Hits[0].Metadata["lang"])

	var rv recordView
	require.NoError(t, yaml.Unmarshal([]byte(mustRun(t, dir, "get", "docs", "10")), &rv))
	assert.Equal(t, []float32{0.9, 0.1, 0}, rv.Vector)

	assert.Contains(t, mustRun(t, dir, "delete", "docs", "2"), "deleted 1 records")
	_, err := run(t, dir, "get", "docs", "2")
	require.ErrorIs(t, err, vecdb.ErrNotFound)

	assert.Contains(t, mustRun(t, dir, "flush", "docs", "--wait-index"), "flushed docs")
	mustRun(t, dir, "compact", "docs")

	var st statsView
	require.NoError(t, yaml.Unmarshal([]byte(mustRun(t, dir, "stats", "docs")), &st))
	assert.Equal(t, 3, st.Rows)
	assert.Equal(t, "ok", st.Health)
	assert.Equal(t, 3, st.Dim)

	assert.Contains(t, mustRun(t, dir, "drop", "docs"), "dropped docs")
	assert.Empty(t, mustRun(t, dir, "list"))
}

func TestCLIErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()

	_, err := run(t, dir, "create", "docs")
	require.Error(t, err, "missing --dim")

	mustRun(t, dir, "create", "docs", "--dim", "2")
	_, err = run(t, dir, "create", "docs", "--dim", "2")
	require.ErrorIs(t, err, vecdb.ErrCollectionExists)

	_, err = run(t, dir, "insert", "docs", "--vector", "1,2,3")
	require.ErrorIs(t, err, vecdb.ErrValidation)

	_, err = run(t, dir, "search", "docs", "--vector", "1,2", "--consistency", "sometimes")
	require.Error(t, err)

	_, err = run(t, dir, "search", "nope", "--vector", "1,2")
	require.ErrorIs(t, err, vecdb.ErrCollectionNotFound)
}

func TestCLIInsertFileBatches(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	mustRun(t, dir, "create", "docs", "--dim", "2")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
- id: 1
  vector: [1, 0]
- id: 2
  vector: [1, 0, 0]
`), 0o644))
	_, err := run(t, dir, "insert", "docs", "--file", bad)
	require.ErrorIs(t, err, vecdb.ErrValidation)
	_, err = run(t, dir, "get", "docs", "1")
	require.ErrorIs(t, err, vecdb.ErrNotFound)

	good := filepath.Join(t.TempDir(), "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
- vector: [1, 0]
- vector: [0, 1]
- vector: [1, 1]
- id: 7
  vector: [2, 2]
- vector: [3, 3]
`), 0o644))
	assert.Contains(t, mustRun(t, dir, "insert", "docs", "--file", good, "--batch-size", "2"), "inserted 5 records")

	var st statsView
	require.NoError(t, yaml.Unmarshal([]byte(mustRun(t, dir, "stats", "docs")), &st))
	assert.Equal(t, 5, st.Rows)
	mustRun(t, dir, "get", "docs", "8")

	_, err = run(t, dir, "insert", "docs", "--file", good, "--batch-size", "0")
	require.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VECDB_SEGMENT_SEAL_ROWS", "123")

	out := mustRun(t, "/tmp/unused", "config", "show")
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &m))
	assert.Equal(t, "/tmp/unused", m["data_dir"])
	assert.Contains(t, out, "seal_rows: 123")
}
