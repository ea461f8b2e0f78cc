package enumerate

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"command", "csv", "file", "json", "sql"}, Types())

	_, err := New("nope", nil)
	assert.Error(t, err)

	e, err := New("file", map[string]any{"base_directory": "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "file", e.Type())

	schemas := Schemas()
	assert.Len(t, schemas, 5)
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestFileEnumerator(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.txt":          "aaa",
		"sub/b.txt":      "bb",
		"sub/deep/c.txt": "c",
		"skip.log":       "x",
		".hidden.txt":    "h",
	})

	e := newFileEnumerator(map[string]any{
		"base_directory":   dir,
		"pattern":          "**/*.txt",
		"exclude_patterns": []any{"sub/deep/**"},
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2, "hidden and excluded files are skipped")

	first := res.Items[0]
	assert.Equal(t, filepath.Join(dir, "a.txt"), first["file_path"])
	assert.Equal(t, "a.txt", first["relative_path"])
	assert.Equal(t, ".txt", first["file_extension"])
	assert.EqualValues(t, 3, first["file_size"])
	assert.Equal(t, "sub/b.txt", res.Items[1]["relative_path"], "sorted by path")
}

func TestFileEnumeratorHiddenAndLimit(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		".hidden.txt": "h",
		"a.txt":       "a",
		"b.txt":       "b",
	})

	e := newFileEnumerator(map[string]any{
		"base_directory": dir,
		"pattern":        "*.txt",
		"include_hidden": true,
		"limit":          2,
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, ".hidden.txt", res.Items[0]["file_name"])

	sample, err := e.SampleItem(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ".hidden.txt", sample["file_name"])
}

func TestFileEnumeratorValidation(t *testing.T) {
	e := newFileEnumerator(map[string]any{"base_directory": "/nonexistent-dir"})
	assert.Error(t, e.Validate())
}

func TestCSVEnumerator(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"data.csv": "id,name\n1,alpha\n2,beta\nbroken\n3,gamma\n",
	})

	e := newCSVEnumerator(map[string]any{
		"file_path": filepath.Join(dir, "data.csv"),
		"id_column": "id",
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 3, "mismatched row skipped")
	assert.Equal(t, "alpha", res.Items[0]["name"])
	assert.Equal(t, 0, res.Items[0]["_row_index"])
	assert.Equal(t, "1", res.Items[0]["_id"])
	assert.Equal(t, 3, res.Items[2]["_row_index"])
}

func TestCSVEnumeratorNoHeader(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"data.tsv": "1\talpha\n2\tbeta\n",
	})

	e := newCSVEnumerator(map[string]any{
		"file_path":  filepath.Join(dir, "data.tsv"),
		"has_header": false,
		"delimiter":  "\t",
		"columns":    []any{"id", "name"},
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "beta", res.Items[1]["name"])

	missing := newCSVEnumerator(map[string]any{
		"file_path":  filepath.Join(dir, "data.tsv"),
		"has_header": false,
	})
	assert.Error(t, missing.Validate(), "columns required without a header")
}

func TestJSONEnumeratorFile(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"data.json": `{"response":{"items":[{"url":"https://a"},{"url":"https://b"},"scalar"]}}`,
	})

	e := newJSONEnumerator(map[string]any{
		"file_path":  filepath.Join(dir, "data.json"),
		"items_path": "response.items",
		"id_field":   "url",
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	assert.Equal(t, "https://a", res.Items[0]["_id"])
	assert.Equal(t, 1, res.Items[1]["_index"])
	assert.Equal(t, "scalar", res.Items[2]["value"])

	bad := newJSONEnumerator(map[string]any{
		"file_path":  filepath.Join(dir, "data.json"),
		"items_path": "response.missing",
	})
	_, err = bad.Enumerate(context.Background())
	assert.Error(t, err)
}

func TestJSONEnumeratorInline(t *testing.T) {
	e := newJSONEnumerator(map[string]any{
		"items": []any{map[string]any{"name": "x"}, map[string]any{"name": "y"}},
		"limit": 1,
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "x", res.Items[0]["name"])
}

func TestSQLEnumerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE things (id INTEGER, name TEXT);
		INSERT INTO things VALUES (1, 'alpha'), (2, 'beta');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	e := newSQLEnumerator(map[string]any{
		"connection_string": "sqlite:///" + path,
		"query":             "SELECT id, name FROM things ORDER BY id",
		"id_column":         "id",
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "alpha", res.Items[0]["name"])
	assert.EqualValues(t, 1, res.Items[0]["id"])
	assert.Equal(t, 0, res.Items[0]["_row_index"])

	drop := newSQLEnumerator(map[string]any{
		"connection_string": path,
		"query":             "DROP TABLE things",
	})
	assert.Error(t, drop.Validate(), "only SELECT is allowed")
}

func TestCommandEnumeratorApprovalGate(t *testing.T) {
	e := newCommandEnumerator(map[string]any{"command": "/bin/echo"})

	err := e.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPendingApproval)
	var pending *ApprovalRequired
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, "/bin/echo", pending.Command)

	_, err = e.Enumerate(context.Background())
	assert.ErrorIs(t, err, ErrPendingApproval, "unapproved programs never execute")
}

func TestCommandEnumerator(t *testing.T) {
	script := filepath.Join(t.TempDir(), "enum.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\necho '[{\"url\":\"https://a\"},{\"url\":\"https://b\"}]'\n"), 0o755))

	e := newCommandEnumerator(map[string]any{
		"command":  script,
		"approved": true,
	})
	res, err := e.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "https://a", res.Items[0]["url"])
	assert.Equal(t, 0, res.Items[0]["_index"])
}

func TestCommandEnumeratorBadOutput(t *testing.T) {
	script := filepath.Join(t.TempDir(), "enum.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'not json'\n"), 0o755))

	e := newCommandEnumerator(map[string]any{"command": script, "approved": true})
	_, err := e.Enumerate(context.Background())
	assert.Error(t, err)
}
